package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const (
	discordGatewayURL       = "wss://gateway.discord.gg/?v=10&encoding=json"
	discordAPIBase          = "https://discord.com/api/v10"
	discordMaxMsgLen        = 2000
	discordInvalidSessDelay = 5 * time.Second

	// Gateway intents: guild messages, direct messages, message content.
	discordIntents = (1 << 9) | (1 << 12) | (1 << 15)
)

// Gateway opcodes.
const (
	discordOpDispatch       = 0
	discordOpHeartbeat      = 1
	discordOpIdentify       = 2
	discordOpReconnect      = 7
	discordOpInvalidSession = 9
	discordOpHello          = 10
	discordOpHeartbeatAck   = 11
)

type discordCredentials struct {
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to one guild
}

// discordPayload is the gateway envelope.
type discordPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int             `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Discord implements domain.Adapter over the raw bot gateway: on open it
// waits for the server hello carrying the heartbeat interval, heartbeats on
// that interval, identifies, and obeys server-initiated reconnect and
// invalid-session ops. A socket close flips to disconnected; reconnecting is
// the caller's decision.
type Discord struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger
	http          *http.Client

	token   string
	guildID string
	selfID  string

	connMu sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

type DiscordConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		tracker:       newConnTracker("discord"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
		http:          &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *Discord) Name() string                        { return "discord" }
func (d *Discord) DefaultDomain() domain.ChannelDomain { return d.defaultDomain }
func (d *Discord) SetSink(s domain.Sink)               { d.tracker.SetSink(s) }
func (d *Discord) IsConnected() bool                   { return d.tracker.IsConnected() }
func (d *Discord) State() domain.ConnState             { return d.tracker.State() }

func (d *Discord) Connect(ctx context.Context) error {
	if d.tracker.IsConnected() {
		return nil
	}

	var creds discordCredentials
	if err := credential.LoadInto(d.store, "discord", &creds); err != nil || creds.Token == "" {
		d.logger.Warn("discord not configured, skipping", "err", err)
		d.tracker.markUnconfigured()
		return nil
	}
	d.token = creds.Token
	d.guildID = creds.GuildID
	d.tracker.reopen()

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.sessionLoop(loopCtx)
	return nil
}

func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.connMu.Lock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.connMu.Unlock()
	d.tracker.close()
	return nil
}

// sessionLoop runs gateway sessions. A server reconnect op or a missed
// heartbeat ack redials immediately; any other exit reports disconnected and
// stops (the caller decides whether to reconnect).
func (d *Discord) sessionLoop(ctx context.Context) {
	for {
		redial, err := d.runSession(ctx)
		if ctx.Err() != nil {
			d.tracker.emitDisconnected("adapter stopped")
			return
		}
		if err != nil {
			d.tracker.emitError(err)
		}
		if !redial {
			d.tracker.emitDisconnected("gateway socket closed")
			return
		}
		d.logger.Info("discord gateway redialing")
	}
}

// runSession handles one gateway connection. It returns redial=true when the
// server asked for an immediate reconnect.
func (d *Discord) runSession(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, discordGatewayURL, nil)
	if err != nil {
		return false, fmt.Errorf("discord gateway dial: %w", err)
	}
	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()
	defer conn.Close()

	// The first frame must be the hello with the heartbeat interval.
	var hello discordPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("discord hello read: %w", err)
	}
	if hello.Op != discordOpHello {
		return false, fmt.Errorf("discord: expected hello op %d, got %d", discordOpHello, hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"` // milliseconds
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return false, fmt.Errorf("discord hello parse: %w", err)
	}
	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond
	d.logger.Info("discord gateway hello", "heartbeat_interval", interval)

	if err := d.writeJSON(conn, d.identifyPayload()); err != nil {
		return false, fmt.Errorf("discord identify: %w", err)
	}

	var (
		seqMu   sync.Mutex
		lastSeq int
		acked   = true
	)

	// Heartbeat on the server-provided interval. A missed ack means the
	// connection is a zombie: close the socket so the read loop redials.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				seqMu.Lock()
				missed := !acked
				acked = false
				seq := lastSeq
				seqMu.Unlock()
				if missed {
					d.logger.Warn("discord heartbeat ack missed, recycling socket")
					conn.Close()
					return
				}
				hb, _ := json.Marshal(discordPayload{Op: discordOpHeartbeat, D: jsonInt(seq)})
				if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
					return
				}
			}
		}
	}()

	for {
		var p discordPayload
		if err := conn.ReadJSON(&p); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			// Missed-ack recycle closes the socket under us: redial.
			seqMu.Lock()
			missed := !acked
			seqMu.Unlock()
			if missed {
				return true, nil
			}
			return false, fmt.Errorf("discord gateway read: %w", err)
		}

		if p.S != 0 {
			seqMu.Lock()
			lastSeq = p.S
			seqMu.Unlock()
		}

		switch p.Op {
		case discordOpDispatch:
			d.handleDispatch(p)

		case discordOpHeartbeat:
			// Server demands an immediate heartbeat.
			seqMu.Lock()
			seq := lastSeq
			seqMu.Unlock()
			hb, _ := json.Marshal(discordPayload{Op: discordOpHeartbeat, D: jsonInt(seq)})
			conn.WriteMessage(websocket.TextMessage, hb)

		case discordOpHeartbeatAck:
			seqMu.Lock()
			acked = true
			seqMu.Unlock()

		case discordOpReconnect:
			// Close and retry immediately.
			d.logger.Info("discord server requested reconnect")
			return true, nil

		case discordOpInvalidSession:
			// Wait a fixed delay, then re-identify on a fresh socket.
			d.logger.Warn("discord session invalidated, re-identifying", "delay", discordInvalidSessDelay)
			select {
			case <-ctx.Done():
				return false, nil
			case <-time.After(discordInvalidSessDelay):
			}
			return true, nil

		default:
			d.logger.Debug("discord gateway op ignored", "op", p.Op)
		}
	}
}

func (d *Discord) identifyPayload() discordPayload {
	identify := map[string]any{
		"token":   d.token,
		"intents": discordIntents,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "omnibridge",
			"device":  "omnibridge",
		},
	}
	data, _ := json.Marshal(identify)
	return discordPayload{Op: discordOpIdentify, D: data}
}

func (d *Discord) handleDispatch(p discordPayload) {
	switch p.T {
	case "READY":
		var ready struct {
			User struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"user"`
		}
		if err := json.Unmarshal(p.D, &ready); err != nil {
			d.logger.Warn("discord ready parse failed", "err", err)
			return
		}
		d.selfID = ready.User.ID
		d.logger.Info("discord bot ready", "user", ready.User.Username)
		d.tracker.emitConnected()

	case "MESSAGE_CREATE":
		msg, ok := parseDiscordMessage(p.D, d.selfID, d.guildID, d.defaultDomain)
		if !ok {
			return
		}
		d.logger.Info("discord message received", "author", msg.SenderName, "channel_id", msg.GroupID, "content_len", len(msg.Text))
		d.tracker.emitMessage(msg)
	}
}

// parseDiscordMessage converts a MESSAGE_CREATE dispatch into the canonical
// shape. Messages from the bot itself or from outside the configured guild
// are dropped. Malformed payloads are dropped, never fatal.
func parseDiscordMessage(data []byte, selfID, guildID string, def domain.ChannelDomain) (domain.InboundMessage, bool) {
	var ev struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		ChannelID string `json:"channel_id"`
		GuildID   string `json:"guild_id"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Bot      bool   `json:"bot"`
		} `json:"author"`
		Attachments []struct {
			URL         string `json:"url"`
			ContentType string `json:"content_type"`
			Filename    string `json:"filename"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.InboundMessage{}, false
	}
	if ev.Author.ID == "" || ev.Author.ID == selfID || ev.Author.Bot {
		return domain.InboundMessage{}, false
	}
	if guildID != "" && ev.GuildID != "" && ev.GuildID != guildID {
		return domain.InboundMessage{}, false
	}

	ts := time.Now().UnixMilli()
	if t, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
		ts = t.UnixMilli()
	}

	msg := domain.InboundMessage{
		ID:         ev.ID,
		ChannelID:  "discord",
		Domain:     def,
		SenderID:   ev.Author.ID,
		SenderName: ev.Author.Username,
		GroupID:    ev.ChannelID,
		Text:       ev.Content,
		Timestamp:  ts,
		RawPayload: data,
	}
	for _, a := range ev.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{URL: a.URL, MIMEType: a.ContentType, Name: a.Filename})
	}
	return msg, true
}

// Send posts through the REST API; the gateway socket is receive-only for
// messages.
func (d *Discord) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !d.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	target := msg.GroupID
	if target == "" {
		target = msg.RecipientID
	}
	url := fmt.Sprintf("%s/channels/%s/messages", discordAPIBase, target)

	for _, chunk := range splitMessage(msg.Text, discordMaxMsgLen) {
		body, err := json.Marshal(map[string]string{"content": chunk})
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bot "+d.token)

		resp, err := d.http.Do(req)
		if err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: discord API %d: %s", domain.ErrAuthFailed, resp.StatusCode, respBody)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("discord API %d: %s", resp.StatusCode, respBody)
		}
	}
	return nil
}

func (d *Discord) writeJSON(conn *websocket.Conn, p discordPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func jsonInt(n int) json.RawMessage {
	return json.RawMessage(strconv.Itoa(n))
}
