package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnibridge/internal/domain"
)

// WebChat is the in-process channel backing the control surface: no
// network, no credentials, connected from Connect until Disconnect. Inbound
// messages are injected with Deliver, and replies are observed through the
// reply callback keyed by sender.
type WebChat struct {
	tracker       *connTracker
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger

	mu      sync.Mutex
	onReply func(recipientID, text string)
}

type WebChatConfig struct {
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewWebChat(cfg WebChatConfig) *WebChat {
	return &WebChat{
		tracker:       newConnTracker("webchat"),
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
	}
}

func (w *WebChat) Name() string                        { return "webchat" }
func (w *WebChat) DefaultDomain() domain.ChannelDomain { return w.defaultDomain }
func (w *WebChat) SetSink(sink domain.Sink)            { w.tracker.SetSink(sink) }
func (w *WebChat) IsConnected() bool                   { return w.tracker.IsConnected() }
func (w *WebChat) State() domain.ConnState             { return w.tracker.State() }

func (w *WebChat) Connect(ctx context.Context) error {
	if w.tracker.IsConnected() {
		return nil
	}
	w.tracker.reopen()
	w.tracker.emitConnected()
	return nil
}

func (w *WebChat) Disconnect() error {
	w.tracker.close()
	return nil
}

// OnReply registers the callback invoked for each outbound message.
func (w *WebChat) OnReply(fn func(recipientID, text string)) {
	w.mu.Lock()
	w.onReply = fn
	w.mu.Unlock()
}

// Deliver injects an inbound message from a local client.
func (w *WebChat) Deliver(senderID, text string) {
	w.tracker.emitMessage(domain.InboundMessage{
		ID:        uuid.NewString(),
		ChannelID: "webchat",
		Domain:    w.defaultDomain,
		SenderID:  senderID,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (w *WebChat) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !w.tracker.IsConnected() {
		return domain.ErrNotConnected
	}
	w.mu.Lock()
	fn := w.onReply
	w.mu.Unlock()
	if fn != nil {
		fn(msg.RecipientID, msg.Text)
	}
	return nil
}
