// Package gateway wires adapters, router, sessions, and the agent-runtime
// boundary together. All inbound traffic funnels through one dispatch
// goroutine, so per-adapter ordering is preserved end to end.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omnibridge/internal/bus"
	"omnibridge/internal/domain"
	"omnibridge/internal/ledger"
	"omnibridge/internal/metrics"
	"omnibridge/internal/router"
	"omnibridge/internal/session"
)

// Channel is what the registry manages: the adapter contract plus the sink
// registration hook every concrete adapter provides.
type Channel interface {
	domain.Adapter
	SetSink(domain.Sink)
}

// ReplyRequest is handed to the agent runtime for each inbound message.
type ReplyRequest struct {
	SessionID string
	AgentID   string
	Domain    domain.ChannelDomain
	Intent    string
	Message   domain.InboundMessage
	History   []domain.ChatMessage
}

// Responder is the boundary to the external agent runtime.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// Config carries the gateway's collaborators.
type Config struct {
	Bus       domain.MessageBus
	Events    *bus.EventBus
	Router    *router.Router
	Sessions  *session.Manager
	Responder Responder
	Ledger    *ledger.Ledger // optional
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Gateway owns the adapter registry and the dispatch loop.
type Gateway struct {
	bus       domain.MessageBus
	events    *bus.EventBus
	router    *router.Router
	sessions  *session.Manager
	responder Responder
	ledger    *ledger.Ledger
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Channel
	order    []string
	connects map[string]int // per-channel connected-event count

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config) *Gateway {
	return &Gateway{
		bus:       cfg.Bus,
		events:    cfg.Events,
		router:    cfg.Router,
		sessions:  cfg.Sessions,
		responder: cfg.Responder,
		ledger:    cfg.Ledger,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		adapters:  make(map[string]Channel),
		connects:  make(map[string]int),
	}
}

// Register adds an adapter under its channel id. One adapter per id; a
// duplicate registration is an error.
func (g *Gateway) Register(a Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	name := a.Name()
	if _, exists := g.adapters[name]; exists {
		return fmt.Errorf("channel %s already registered", name)
	}
	g.adapters[name] = a
	g.order = append(g.order, name)

	a.SetSink(&adapterSink{gw: g})
	g.bus.OnOutbound(name, func(msg domain.OutboundMessage) {
		if err := a.Send(context.Background(), msg); err != nil {
			g.logger.Error("outbound send failed", "channel", name, "err", err)
			g.metrics.SendFailure(name)
			g.events.Emit(bus.Event{
				Type:   bus.EventSendFailed,
				Source: name,
				Payload: map[string]any{
					"channel":   name,
					"recipient": msg.RecipientID,
					"error":     err.Error(),
				},
			})
			return
		}
		g.metrics.Outbound(name)
		g.recordTraffic(ledger.DirectionOutbound, name, "", msg.RecipientID, "", len(msg.Text))
		g.events.Emit(bus.Event{
			Type:    bus.EventMessageSent,
			Source:  name,
			Payload: map[string]any{"channel": name, "recipient": msg.RecipientID},
		})
	})
	return nil
}

// Adapter returns the registered adapter for a channel id.
func (g *Gateway) Adapter(name string) (Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[name]
	return a, ok
}

// Start connects every adapter and runs the dispatch loop until Shutdown.
// Individual connect failures are logged, not fatal: one broken channel must
// not take the gateway down.
func (g *Gateway) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.mu.RLock()
	names := append([]string(nil), g.order...)
	g.mu.RUnlock()

	for _, name := range names {
		a, _ := g.Adapter(name)
		if err := a.Connect(runCtx); err != nil {
			g.logger.Error("channel connect failed", "channel", name, "err", err)
		}
	}

	g.wg.Add(1)
	go g.dispatchLoop(runCtx)
}

// Shutdown disconnects all adapters and stops the dispatch loop.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	names := append([]string(nil), g.order...)
	g.mu.RUnlock()

	for _, name := range names {
		a, _ := g.Adapter(name)
		if err := a.Disconnect(); err != nil {
			// Contractually cannot happen; log just in case.
			g.logger.Warn("disconnect reported error", "channel", name, "err", err)
		}
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.bus.Close()
	g.wg.Wait()
}

// dispatchLoop is the single inbound path: router, session append, agent
// runtime, outbound. Running it on one goroutine keeps per-adapter ordering.
func (g *Gateway) dispatchLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-g.bus.Subscribe():
			if !ok {
				return
			}
			g.dispatch(ctx, msg)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, msg domain.InboundMessage) {
	start := time.Now()
	g.metrics.Inbound(msg.ChannelID)
	g.recordTraffic(ledger.DirectionInbound, msg.ChannelID, msg.SenderID, msg.GroupID, string(msg.Domain), len(msg.Text))

	decision := g.router.Route(msg.Text, msg.Domain)
	msg.Domain = decision.Domain
	msg.Text = decision.Text

	// Group traffic gets its own isolated session; direct traffic shares the
	// per-domain session.
	var sess *session.Session
	if msg.GroupID != "" {
		sess = g.sessions.GetOrCreateGroupSession(msg.ChannelID, msg.GroupID)
	} else {
		sess = g.sessions.GetOrCreateDomainSession(decision.Domain)
	}

	if err := g.sessions.AddMessage(sess.ID, domain.ChatMessage{Role: "user", Content: msg.Text}); err != nil {
		g.logger.Error("session append failed", "session", sess.ID, "err", err)
	}

	g.events.Emit(bus.Event{
		Type:   bus.EventMessageReceived,
		Source: msg.ChannelID,
		Payload: map[string]any{
			"message": msg,
			"domain":  string(decision.Domain),
			"intent":  string(decision.Intent),
			"session": sess.ID,
		},
	})

	if g.responder == nil {
		g.logger.Debug("no responder wired, message recorded only", "channel", msg.ChannelID)
		return
	}

	reply, err := g.responder.Reply(ctx, ReplyRequest{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Domain:    decision.Domain,
		Intent:    string(decision.Intent),
		Message:   msg,
		History:   sess.History,
	})
	g.metrics.DispatchLatency(time.Since(start))
	if err != nil {
		g.logger.Error("agent runtime reply failed", "channel", msg.ChannelID, "session", sess.ID, "err", err)
		return
	}
	if reply == "" {
		return
	}

	if err := g.sessions.AddMessage(sess.ID, domain.ChatMessage{Role: "assistant", Content: reply}); err != nil {
		g.logger.Error("session append failed", "session", sess.ID, "err", err)
	}

	g.bus.SendOutbound(domain.OutboundMessage{
		ChannelID:   msg.ChannelID,
		RecipientID: msg.SenderID,
		ThreadID:    msg.ThreadID,
		GroupID:     msg.GroupID,
		Text:        reply,
	})
}

// Send delivers a message on behalf of a control client, bypassing the
// dispatch loop.
func (g *Gateway) Send(ctx context.Context, msg domain.OutboundMessage) error {
	a, ok := g.Adapter(msg.ChannelID)
	if !ok {
		return fmt.Errorf("unknown channel: %s", msg.ChannelID)
	}
	if err := a.Send(ctx, msg); err != nil {
		g.metrics.SendFailure(msg.ChannelID)
		return err
	}
	g.metrics.Outbound(msg.ChannelID)
	g.recordTraffic(ledger.DirectionOutbound, msg.ChannelID, "", msg.RecipientID, "", len(msg.Text))
	return nil
}

// ChannelStatus is one channel's state snapshot.
type ChannelStatus struct {
	Channel       string `json:"channel"`
	State         string `json:"state"`
	DefaultDomain string `json:"defaultDomain"`
}

// Status reports every registered channel in registration order.
func (g *Gateway) Status() []ChannelStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	statuses := make([]ChannelStatus, 0, len(g.order))
	for _, name := range g.order {
		a := g.adapters[name]
		statuses = append(statuses, ChannelStatus{
			Channel:       name,
			State:         string(a.State()),
			DefaultDomain: string(a.DefaultDomain()),
		})
	}
	return statuses
}

// Recent exposes the traffic ledger to control clients.
func (g *Gateway) Recent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if g.ledger == nil {
		return nil, nil
	}
	return g.ledger.Recent(ctx, limit)
}

func (g *Gateway) recordTraffic(direction, channel, sender, chat, dom string, textLen int) {
	if g.ledger == nil {
		return
	}
	err := g.ledger.Record(context.Background(), ledger.Entry{
		Direction: direction,
		Channel:   channel,
		Sender:    sender,
		Chat:      chat,
		Domain:    dom,
		TextLen:   textLen,
	})
	if err != nil {
		g.logger.Warn("traffic ledger write failed", "err", err)
	}
}

// adapterSink bridges adapter callbacks onto the bus and event stream.
// Callbacks arrive on adapter goroutines; Publish hands off to the dispatch
// loop without doing work inline.
type adapterSink struct {
	gw *Gateway
}

func (s *adapterSink) OnMessage(msg domain.InboundMessage) {
	s.gw.bus.Publish(msg)
}

func (s *adapterSink) OnConnected(channelID string) {
	g := s.gw
	g.mu.Lock()
	g.connects[channelID]++
	reconnect := g.connects[channelID] > 1
	g.mu.Unlock()

	g.metrics.SetConnected(channelID, true)
	if reconnect {
		g.metrics.Reconnect(channelID)
	}
	g.logger.Info("channel connected", "channel", channelID, "reconnect", reconnect)
	g.events.Emit(bus.Event{
		Type:    bus.EventChannelConnected,
		Source:  channelID,
		Payload: map[string]any{"channel": channelID, "reconnect": reconnect},
	})
}

func (s *adapterSink) OnDisconnected(channelID, reason string) {
	g := s.gw
	g.metrics.SetConnected(channelID, false)
	g.logger.Warn("channel disconnected", "channel", channelID, "reason", reason)
	g.events.Emit(bus.Event{
		Type:    bus.EventChannelDisconnected,
		Source:  channelID,
		Payload: map[string]any{"channel": channelID, "reason": reason},
	})
}

func (s *adapterSink) OnError(channelID string, err error) {
	g := s.gw
	g.logger.Error("channel error", "channel", channelID, "err", err)
	g.events.Emit(bus.Event{
		Type:    bus.EventChannelError,
		Source:  channelID,
		Payload: map[string]any{"channel": channelID, "error": err.Error()},
	})
}

func (s *adapterSink) OnPairing(channelID, code string) {
	g := s.gw
	g.logger.Info("channel pairing required", "channel", channelID)
	g.events.Emit(bus.Event{
		Type:    bus.EventChannelPairing,
		Source:  channelID,
		Payload: map[string]any{"channel": channelID, "code": code},
	})
}
