package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"omnibridge/internal/bus"
	"omnibridge/internal/domain"
	"omnibridge/internal/metrics"
	"omnibridge/internal/router"
	"omnibridge/internal/session"
)

// fakeAdapter is an in-memory Channel for dispatch tests.
type fakeAdapter struct {
	name string
	def  domain.ChannelDomain

	mu      sync.Mutex
	sink    domain.Sink
	state   domain.ConnState
	sent    []domain.OutboundMessage
	sendErr error
	sentCh  chan domain.OutboundMessage
}

func newFakeAdapter(name string, def domain.ChannelDomain) *fakeAdapter {
	return &fakeAdapter{
		name:   name,
		def:    def,
		state:  domain.StateDisconnected,
		sentCh: make(chan domain.OutboundMessage, 16),
	}
}

func (f *fakeAdapter) Name() string                        { return f.name }
func (f *fakeAdapter) DefaultDomain() domain.ChannelDomain { return f.def }
func (f *fakeAdapter) SetSink(s domain.Sink)               { f.sink = s }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.state = domain.StateConnected
	f.mu.Unlock()
	f.sink.OnConnected(f.name)
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	f.state = domain.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, msg domain.OutboundMessage) error {
	f.mu.Lock()
	err := f.sendErr
	if err == nil {
		f.sent = append(f.sent, msg)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sentCh <- msg
	return nil
}

func (f *fakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == domain.StateConnected
}

func (f *fakeAdapter) State() domain.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// echoResponder replies with a fixed transform of the inbound text.
type echoResponder struct {
	mu       sync.Mutex
	requests []ReplyRequest
	err      error
}

func (e *echoResponder) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "echo: " + req.Message.Text, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestGateway(t *testing.T, responder Responder) (*Gateway, *fakeAdapter) {
	t.Helper()
	logger := quietLogger()
	g := New(Config{
		Bus:       bus.New(16, logger),
		Events:    bus.NewEventBus(logger),
		Router:    router.New(router.DefaultRules(), logger),
		Sessions:  session.NewManager(logger),
		Responder: responder,
		Metrics:   metrics.NewCollector(),
		Logger:    logger,
	})
	fa := newFakeAdapter("telegram", domain.DomainSocial)
	if err := g.Register(fa); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return g, fa
}

func waitSent(t *testing.T, fa *fakeAdapter) domain.OutboundMessage {
	t.Helper()
	select {
	case msg := <-fa.sentCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return domain.OutboundMessage{}
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	resp := &echoResponder{}
	g, fa := newTestGateway(t, resp)
	g.Start(context.Background())
	defer g.Shutdown()

	fa.sink.OnMessage(domain.InboundMessage{
		ID:        "m1",
		ChannelID: "telegram",
		Domain:    domain.DomainSocial,
		SenderID:  "user-1",
		Text:      "hello",
		Timestamp: time.Now().UnixMilli(),
	})

	out := waitSent(t, fa)
	if out.Text != "echo: hello" {
		t.Errorf("reply text = %q", out.Text)
	}
	if out.RecipientID != "user-1" || out.ChannelID != "telegram" {
		t.Errorf("reply addressing = %+v", out)
	}

	resp.mu.Lock()
	defer resp.mu.Unlock()
	if len(resp.requests) != 1 {
		t.Fatalf("responder called %d times", len(resp.requests))
	}
	req := resp.requests[0]
	if req.Domain != domain.DomainSocial || req.Intent != string(router.IntentImplicitChannelDefault) {
		t.Errorf("routing = %s/%s", req.Domain, req.Intent)
	}
	if len(req.History) == 0 || req.History[len(req.History)-1].Content != "hello" {
		t.Errorf("history not appended before reply: %+v", req.History)
	}
}

func TestDispatchExplicitSelector(t *testing.T) {
	resp := &echoResponder{}
	g, fa := newTestGateway(t, resp)
	g.Start(context.Background())
	defer g.Shutdown()

	fa.sink.OnMessage(domain.InboundMessage{
		ID:        "m1",
		ChannelID: "telegram",
		Domain:    domain.DomainSocial,
		SenderID:  "user-1",
		Text:      "/finance quote AAPL",
	})

	out := waitSent(t, fa)
	if out.Text != "echo: quote AAPL" {
		t.Errorf("selector not stripped: %q", out.Text)
	}

	resp.mu.Lock()
	defer resp.mu.Unlock()
	req := resp.requests[0]
	if req.Domain != domain.DomainFinance || req.Intent != string(router.IntentExplicitCommand) {
		t.Errorf("routing = %s/%s, want finance/explicit_command", req.Domain, req.Intent)
	}
}

func TestGroupMessagesGetIsolatedSessions(t *testing.T) {
	resp := &echoResponder{}
	g, fa := newTestGateway(t, resp)
	g.Start(context.Background())
	defer g.Shutdown()

	fa.sink.OnMessage(domain.InboundMessage{
		ID: "m1", ChannelID: "telegram", Domain: domain.DomainSocial,
		SenderID: "u1", GroupID: "group-a", Text: "hi from a",
	})
	waitSent(t, fa)
	fa.sink.OnMessage(domain.InboundMessage{
		ID: "m2", ChannelID: "telegram", Domain: domain.DomainSocial,
		SenderID: "u2", GroupID: "group-b", Text: "hi from b",
	})
	waitSent(t, fa)

	resp.mu.Lock()
	defer resp.mu.Unlock()
	if len(resp.requests) != 2 {
		t.Fatalf("responder called %d times", len(resp.requests))
	}
	if resp.requests[0].SessionID == resp.requests[1].SessionID {
		t.Error("different groups share a session")
	}
	// The reply goes back to the originating group.
	if resp.requests[1].Message.GroupID != "group-b" {
		t.Errorf("group id lost: %+v", resp.requests[1].Message)
	}
}

func TestResponderErrorDropsReply(t *testing.T) {
	resp := &echoResponder{err: errors.New("runtime down")}
	g, fa := newTestGateway(t, resp)
	g.Start(context.Background())
	defer g.Shutdown()

	fa.sink.OnMessage(domain.InboundMessage{
		ID: "m1", ChannelID: "telegram", Domain: domain.DomainSocial,
		SenderID: "u1", Text: "hello",
	})

	select {
	case out := <-fa.sentCh:
		t.Fatalf("unexpected outbound after responder error: %+v", out)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	g, _ := newTestGateway(t, &echoResponder{})
	if err := g.Register(newFakeAdapter("telegram", domain.DomainSocial)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestStatusReportsRegistrationOrder(t *testing.T) {
	g, _ := newTestGateway(t, &echoResponder{})
	for _, name := range []string{"slack", "matrix"} {
		if err := g.Register(newFakeAdapter(name, domain.DomainProductivity)); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	statuses := g.Status()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(statuses))
	}
	want := []string{"telegram", "slack", "matrix"}
	for i, st := range statuses {
		if st.Channel != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, st.Channel, want[i])
		}
	}
	if statuses[0].State != string(domain.StateDisconnected) {
		t.Errorf("pre-connect state = %s", statuses[0].State)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	g, _ := newTestGateway(t, &echoResponder{})
	err := g.Send(context.Background(), domain.OutboundMessage{ChannelID: "nonexistent", Text: "x"})
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestSendFailureSurfacedToEvents(t *testing.T) {
	logger := quietLogger()
	events := bus.NewEventBus(logger)
	g := New(Config{
		Bus:       bus.New(16, logger),
		Events:    events,
		Router:    router.New(nil, logger),
		Sessions:  session.NewManager(logger),
		Responder: &echoResponder{},
		Metrics:   metrics.NewCollector(),
		Logger:    logger,
	})

	fa := newFakeAdapter("slack", domain.DomainProductivity)
	fa.sendErr = fmt.Errorf("wire broke")
	if err := g.Register(fa); err != nil {
		t.Fatalf("Register: %v", err)
	}

	failed := make(chan bus.Event, 1)
	events.On(bus.EventSendFailed, func(ev bus.Event) { failed <- ev })

	g.Start(context.Background())
	defer g.Shutdown()

	fa.sink.OnMessage(domain.InboundMessage{
		ID: "m1", ChannelID: "slack", Domain: domain.DomainProductivity,
		SenderID: "u1", Text: "hello",
	})

	select {
	case ev := <-failed:
		if ev.Payload["channel"] != "slack" {
			t.Errorf("event payload = %v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send failure never surfaced")
	}
}

func TestReconnectCounted(t *testing.T) {
	g, fa := newTestGateway(t, &echoResponder{})
	g.Start(context.Background())
	defer g.Shutdown()

	// Simulate a drop and reconnect.
	fa.sink.OnDisconnected("telegram", "socket closed")
	fa.sink.OnConnected("telegram")

	g.mu.RLock()
	connects := g.connects["telegram"]
	g.mu.RUnlock()
	if connects != 2 {
		t.Errorf("connect count = %d, want 2", connects)
	}
}
