package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"omnibridge/internal/bus"
	"omnibridge/internal/domain"
	"omnibridge/internal/metrics"
	"omnibridge/internal/router"
	"omnibridge/internal/session"
)

func dialControl(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads frames until one matches the predicate, skipping pushed
// events that interleave with replies.
func readFrame(t *testing.T, conn *websocket.Conn, match func(controlFrame) bool) controlFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read control frame: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
	t.Fatal("expected control frame never arrived")
	return controlFrame{}
}

func newControlFixture(t *testing.T) (*Gateway, *fakeAdapter, *httptest.Server) {
	t.Helper()
	logger := quietLogger()
	events := bus.NewEventBus(logger)
	g := New(Config{
		Bus:       bus.New(16, logger),
		Events:    events,
		Router:    router.New(router.DefaultRules(), logger),
		Sessions:  session.NewManager(logger),
		Responder: &echoResponder{},
		Metrics:   metrics.NewCollector(),
		Logger:    logger,
	})
	fa := newFakeAdapter("telegram", domain.DomainSocial)
	if err := g.Register(fa); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctl := NewControlServer(g, events, logger)
	srv := httptest.NewServer(ctl.Handler())
	t.Cleanup(srv.Close)
	return g, fa, srv
}

func TestControlStatus(t *testing.T) {
	g, _, srv := newControlFixture(t)
	g.Start(context.Background())
	defer g.Shutdown()

	conn := dialControl(t, srv)
	if err := conn.WriteJSON(controlFrame{Type: "req", ID: "1", Method: "status"}); err != nil {
		t.Fatalf("write status req: %v", err)
	}

	res := readFrame(t, conn, func(f controlFrame) bool { return f.Type == "res" && f.ID == "1" })
	if res.Error != "" {
		t.Fatalf("status error: %s", res.Error)
	}
	var statuses []ChannelStatus
	if err := json.Unmarshal(res.Data, &statuses); err != nil {
		t.Fatalf("parse status data: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Channel != "telegram" {
		t.Errorf("statuses = %+v", statuses)
	}
	if statuses[0].State != string(domain.StateConnected) {
		t.Errorf("state = %s, want connected", statuses[0].State)
	}
}

func TestControlSend(t *testing.T) {
	g, fa, srv := newControlFixture(t)
	g.Start(context.Background())
	defer g.Shutdown()

	conn := dialControl(t, srv)
	data, _ := json.Marshal(map[string]string{
		"channel":   "telegram",
		"recipient": "user-9",
		"text":      "from control",
	})
	if err := conn.WriteJSON(controlFrame{Type: "req", ID: "2", Method: "send", Data: data}); err != nil {
		t.Fatalf("write send req: %v", err)
	}

	res := readFrame(t, conn, func(f controlFrame) bool { return f.Type == "res" && f.ID == "2" })
	if res.Error != "" {
		t.Fatalf("send error: %s", res.Error)
	}

	out := waitSent(t, fa)
	if out.RecipientID != "user-9" || out.Text != "from control" {
		t.Errorf("outbound = %+v", out)
	}
}

func TestControlPushesInboundMessages(t *testing.T) {
	g, fa, srv := newControlFixture(t)
	g.Start(context.Background())
	defer g.Shutdown()

	conn := dialControl(t, srv)
	// Give the read loop a beat to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	fa.sink.OnMessage(domain.InboundMessage{
		ID: "m1", ChannelID: "telegram", Domain: domain.DomainSocial,
		SenderID: "u1", Text: "watch this",
	})
	waitSent(t, fa)

	ev := readFrame(t, conn, func(f controlFrame) bool { return f.Type == "event" && f.Event == "message" })
	var payload struct {
		Domain  string                `json:"domain"`
		Intent  string                `json:"intent"`
		Message domain.InboundMessage `json:"message"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("parse event payload: %v", err)
	}
	if payload.Message.Text != "watch this" || payload.Domain != "social" {
		t.Errorf("event payload = %+v", payload)
	}
}

func TestControlUnknownMethod(t *testing.T) {
	g, _, srv := newControlFixture(t)
	g.Start(context.Background())
	defer g.Shutdown()

	conn := dialControl(t, srv)
	if err := conn.WriteJSON(controlFrame{Type: "req", ID: "3", Method: "bogus"}); err != nil {
		t.Fatalf("write req: %v", err)
	}
	res := readFrame(t, conn, func(f controlFrame) bool { return f.Type == "res" && f.ID == "3" })
	if res.Error == "" {
		t.Fatal("expected error for unknown method")
	}
}
