package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const (
	whatsappBackoffStep = 3 * time.Second
	whatsappBackoffCap  = 30 * time.Second
	whatsappMaxAttempts = 10
	whatsappWriteWait   = 10 * time.Second
	whatsappDialTimeout = 15 * time.Second
)

type whatsappCredentials struct {
	BridgeURL string `json:"bridgeUrl"`
	// DeviceSession is the opaque blob issued by the bridge after QR
	// pairing. Absent until the first successful pairing.
	DeviceSession string `json:"deviceSession,omitempty"`
}

// whatsappFrame is the bridge's wire envelope, both directions.
type whatsappFrame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Session string          `json:"session,omitempty"`
	QR      string          `json:"qr,omitempty"`
}

// WhatsApp talks to a companion bridge process over a websocket. Without a
// stored device session the bridge starts QR pairing and the code is
// surfaced through the pairing event; once paired the session blob is
// persisted and replayed on later connects. A logged_out frame means the
// phone revoked the link: the stored session is deleted and the adapter
// stops without retrying, since reconnecting with a revoked session can
// never succeed.
type WhatsApp struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

type WhatsAppConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	return &WhatsApp{
		tracker:       newConnTracker("whatsapp"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
	}
}

func (w *WhatsApp) Name() string                        { return "whatsapp" }
func (w *WhatsApp) DefaultDomain() domain.ChannelDomain { return w.defaultDomain }
func (w *WhatsApp) SetSink(sink domain.Sink)            { w.tracker.SetSink(sink) }
func (w *WhatsApp) IsConnected() bool                   { return w.tracker.IsConnected() }
func (w *WhatsApp) State() domain.ConnState             { return w.tracker.State() }

func (w *WhatsApp) Connect(ctx context.Context) error {
	if w.tracker.IsConnected() {
		return nil
	}

	var creds whatsappCredentials
	if err := credential.LoadInto(w.store, "whatsapp", &creds); err != nil || creds.BridgeURL == "" {
		w.logger.Warn("whatsapp not configured, skipping", "err", err)
		w.tracker.markUnconfigured()
		return nil
	}
	w.tracker.reopen()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.bridgeLoop(loopCtx, creds.BridgeURL)
	return nil
}

func (w *WhatsApp) Disconnect() error {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
	w.tracker.close()
	return nil
}

// bridgeLoop dials the bridge and runs one session at a time, backing off
// linearly between attempts: 3s, 6s, 9s, up to a 30s cap. After ten failed
// attempts in a row it gives up; a session that reaches the bridge resets
// the counter, so the bound covers one reconnect sequence, not the process
// lifetime. A revoked session stops the loop immediately.
func (w *WhatsApp) bridgeLoop(ctx context.Context, bridgeURL string) {
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			w.tracker.emitDisconnected("bridge loop stopped")
			return
		default:
		}

		connected, retry, err := w.runSession(ctx, bridgeURL)
		if ctx.Err() != nil {
			w.tracker.emitDisconnected("bridge loop stopped")
			return
		}
		if err != nil {
			w.tracker.emitError(fmt.Errorf("whatsapp bridge: %w", err))
		}
		if !retry {
			w.tracker.emitDisconnected("session revoked")
			return
		}

		attempts = nextAttempt(attempts, connected)
		if attempts >= whatsappMaxAttempts {
			w.tracker.emitError(fmt.Errorf("whatsapp bridge: giving up after %d attempts", attempts))
			w.tracker.emitDisconnected("too many failed attempts")
			return
		}
		backoff := whatsappBackoffStep * time.Duration(attempts)
		if backoff > whatsappBackoffCap {
			backoff = whatsappBackoffCap
		}
		w.tracker.setState(domain.StateReconnecting)
		w.logger.Info("whatsapp reconnecting", "attempt", attempts, "backoff", backoff)

		select {
		case <-ctx.Done():
			w.tracker.emitDisconnected("bridge loop stopped")
			return
		case <-time.After(backoff):
		}
	}
}

// nextAttempt advances the failed-attempt counter after a session exit. A
// session that reached the bridge starts a fresh reconnect sequence.
func nextAttempt(attempts int, connected bool) int {
	if connected {
		return 1
	}
	return attempts + 1
}

// runSession owns one websocket to the bridge. It reports whether the
// session reached a paired or connected state, and returns retry=false only
// when the session was revoked by the phone; any other exit is retryable.
func (w *WhatsApp) runSession(ctx context.Context, bridgeURL string) (connected, retry bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: whatsappDialTimeout}
	conn, _, err := dialer.DialContext(ctx, bridgeURL, nil)
	if err != nil {
		return false, true, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}()

	// Replay the stored device session, or ask the bridge to start pairing
	// when no blob is on file.
	var creds whatsappCredentials
	if err := credential.LoadInto(w.store, "whatsapp", &creds); err != nil {
		return false, true, fmt.Errorf("load credentials: %w", err)
	}
	init := whatsappFrame{Type: "init", Session: creds.DeviceSession}
	if creds.DeviceSession == "" {
		init.Type = "pair"
	}
	if err := w.writeFrame(init); err != nil {
		return false, true, fmt.Errorf("init: %w", err)
	}

	for {
		var frame whatsappFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return connected, true, nil
			}
			return connected, true, fmt.Errorf("read: %w", err)
		}

		switch frame.Type {
		case "qr":
			w.logger.Info("whatsapp pairing required, scan the code")
			w.tracker.emitPairing(frame.QR)

		case "paired":
			creds.DeviceSession = frame.Session
			if err := credential.SaveFrom(w.store, "whatsapp", creds); err != nil {
				w.logger.Error("whatsapp session blob not persisted, pairing will repeat", "err", err)
			}
			w.logger.Info("whatsapp paired")
			connected = true
			w.tracker.emitConnected()

		case "connected":
			connected = true
			w.tracker.emitConnected()

		case "message":
			w.handleMessage(frame.Data)

		case "logged_out":
			// The phone unlinked this device. The stored blob is dead weight
			// and replaying it would loop forever.
			creds.DeviceSession = ""
			if err := credential.SaveFrom(w.store, "whatsapp", creds); err != nil {
				w.logger.Warn("whatsapp stale session cleanup failed", "err", err)
			}
			w.tracker.emitError(fmt.Errorf("%w: whatsapp device unlinked", domain.ErrAuthFailed))
			return connected, false, nil

		default:
			w.logger.Debug("whatsapp bridge frame ignored", "type", frame.Type)
		}
	}
}

func (w *WhatsApp) handleMessage(data json.RawMessage) {
	var ev struct {
		ID         string `json:"id"`
		Sender     string `json:"sender"`
		SenderName string `json:"senderName"`
		Chat       string `json:"chat"`
		IsGroup    bool   `json:"isGroup"`
		Text       string `json:"text"`
		Timestamp  int64  `json:"timestamp"`
		FromMe     bool   `json:"fromMe"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		w.logger.Warn("whatsapp message parse failed", "err", err)
		return
	}
	if ev.FromMe || ev.Text == "" {
		return
	}

	msg := domain.InboundMessage{
		ID:          ev.ID,
		ChannelID:   "whatsapp",
		Domain:      w.defaultDomain,
		SenderID:    ev.Sender,
		SenderName:  ev.SenderName,
		Text:        ev.Text,
		Timestamp:   ev.Timestamp,
		IsEncrypted: true, // transport guarantee, independent of this layer
		RawPayload:  data,
	}
	if ev.IsGroup {
		msg.GroupID = ev.Chat
	}
	w.logger.Info("whatsapp message received", "sender", ev.Sender, "text_len", len(ev.Text))
	w.tracker.emitMessage(msg)
}

// Send pushes a send frame to the bridge. Group id wins over recipient.
func (w *WhatsApp) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !w.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	target := msg.RecipientID
	if msg.GroupID != "" {
		target = msg.GroupID
	}
	payload, err := json.Marshal(map[string]string{"to": target, "text": msg.Text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := w.writeFrame(whatsappFrame{Type: "send", Data: payload}); err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	return nil
}

func (w *WhatsApp) writeFrame(frame whatsappFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return domain.ErrNotConnected
	}
	w.conn.SetWriteDeadline(time.Now().Add(whatsappWriteWait))
	return w.conn.WriteJSON(frame)
}
