package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"omnibridge/internal/bus"
	"omnibridge/internal/domain"
)

const (
	controlWriteWait  = 10 * time.Second
	controlSendBuffer = 64
)

// controlFrame is the wire format in both directions. Requests carry type
// "req" with id/method/data; replies mirror the id on type "res"; pushed
// events use type "event".
type controlFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ControlServer exposes the gateway over a websocket: request/response
// methods plus a push stream of inbound messages and channel events.
type ControlServer struct {
	gw       *Gateway
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*controlClient]struct{}
}

type controlClient struct {
	conn *websocket.Conn
	send chan controlFrame
}

func NewControlServer(gw *Gateway, events *bus.EventBus, logger *slog.Logger) *ControlServer {
	s := &ControlServer{
		gw:     gw,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local control surface; the listener binds loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*controlClient]struct{}),
	}

	// Every inbound message and channel lifecycle event is pushed to all
	// attached clients.
	events.On(bus.EventMessageReceived, func(ev bus.Event) {
		s.broadcast("message", ev.Payload)
	})
	for _, topic := range []string{
		bus.EventChannelConnected,
		bus.EventChannelDisconnected,
		bus.EventChannelError,
		bus.EventChannelPairing,
		bus.EventSendFailed,
	} {
		events.On(topic, func(ev bus.Event) {
			s.broadcast(ev.Type, ev.Payload)
		})
	}
	return s
}

// Handler returns the websocket upgrade endpoint.
func (s *ControlServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("control upgrade failed", "err", err)
			return
		}
		client := &controlClient{conn: conn, send: make(chan controlFrame, controlSendBuffer)}

		s.mu.Lock()
		s.clients[client] = struct{}{}
		s.mu.Unlock()
		s.logger.Info("control client attached", "remote", r.RemoteAddr)

		go s.writeLoop(client)
		s.readLoop(r.Context(), client)

		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		close(client.send)
		conn.Close()
		s.logger.Info("control client detached", "remote", r.RemoteAddr)
	})
}

func (s *ControlServer) readLoop(ctx context.Context, client *controlClient) {
	for {
		var frame controlFrame
		if err := client.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "req" {
			continue
		}
		s.handleRequest(ctx, client, frame)
	}
}

func (s *ControlServer) writeLoop(client *controlClient) {
	for frame := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(controlWriteWait))
		if err := client.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (s *ControlServer) handleRequest(ctx context.Context, client *controlClient, req controlFrame) {
	switch req.Method {
	case "status":
		s.reply(client, req.ID, s.gw.Status(), nil)

	case "send":
		var body struct {
			Channel   string `json:"channel"`
			Recipient string `json:"recipient,omitempty"`
			Group     string `json:"group,omitempty"`
			Thread    string `json:"thread,omitempty"`
			Text      string `json:"text"`
		}
		if err := json.Unmarshal(req.Data, &body); err != nil {
			s.reply(client, req.ID, nil, err)
			return
		}
		err := s.gw.Send(ctx, domain.OutboundMessage{
			ChannelID:   body.Channel,
			RecipientID: body.Recipient,
			GroupID:     body.Group,
			ThreadID:    body.Thread,
			Text:        body.Text,
		})
		s.reply(client, req.ID, map[string]bool{"sent": err == nil}, err)

	case "history":
		var body struct {
			Limit int `json:"limit"`
		}
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &body); err != nil {
				s.reply(client, req.ID, nil, err)
				return
			}
		}
		entries, err := s.gw.Recent(ctx, body.Limit)
		s.reply(client, req.ID, entries, err)

	default:
		s.logger.Warn("unknown control method", "method", req.Method)
		s.reply(client, req.ID, nil, errUnknownMethod(req.Method))
	}
}

type errUnknownMethod string

func (e errUnknownMethod) Error() string { return "unknown method: " + string(e) }

func (s *ControlServer) reply(client *controlClient, id string, data any, err error) {
	frame := controlFrame{Type: "res", ID: id}
	if err != nil {
		frame.Error = err.Error()
	} else if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			frame.Error = merr.Error()
		} else {
			frame.Data = raw
		}
	}
	select {
	case client.send <- frame:
	default:
		s.logger.Warn("control client send buffer full, dropping reply")
	}
}

func (s *ControlServer) broadcast(event string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := controlFrame{Type: "event", Event: event, Data: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- frame:
		default:
			// Slow client: drop the event rather than stall the gateway.
		}
	}
}
