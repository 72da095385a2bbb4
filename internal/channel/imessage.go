package channel

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const imessageRequestTimeout = 15 * time.Second

type imessageCredentials struct {
	// ServerURL is the relay running on a Mac with Messages.app access.
	ServerURL string `json:"serverUrl"`
	// SharedSecret authenticates both directions: sent as a bearer token on
	// outbound requests, required on the inbound webhook.
	SharedSecret string `json:"sharedSecret"`
}

// IMessage proxies through a relay on a paired Mac. Outbound messages are
// POSTed to the relay; inbound messages arrive on a local webhook the relay
// calls, guarded by the shared secret. Handler must be mounted on an HTTP
// server by the caller.
type IMessage struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger
	http          *http.Client

	serverURL string
	secret    string
}

type IMessageConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewIMessage(cfg IMessageConfig) *IMessage {
	return &IMessage{
		tracker:       newConnTracker("imessage"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
		http:          &http.Client{Timeout: imessageRequestTimeout},
	}
}

func (i *IMessage) Name() string                        { return "imessage" }
func (i *IMessage) DefaultDomain() domain.ChannelDomain { return i.defaultDomain }
func (i *IMessage) SetSink(sink domain.Sink)            { i.tracker.SetSink(sink) }
func (i *IMessage) IsConnected() bool                   { return i.tracker.IsConnected() }
func (i *IMessage) State() domain.ConnState             { return i.tracker.State() }

// Connect probes the relay's health endpoint. A dead relay is a connect
// error, not an unconfigured state.
func (i *IMessage) Connect(ctx context.Context) error {
	if i.tracker.IsConnected() {
		return nil
	}

	var creds imessageCredentials
	if err := credential.LoadInto(i.store, "imessage", &creds); err != nil || creds.ServerURL == "" {
		i.logger.Warn("imessage not configured, skipping", "err", err)
		i.tracker.markUnconfigured()
		return nil
	}
	i.serverURL = creds.ServerURL
	i.secret = creds.SharedSecret
	i.tracker.reopen()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.serverURL+"/health", nil)
	if err != nil {
		i.tracker.close()
		return fmt.Errorf("imessage relay probe: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.secret)
	resp, err := i.http.Do(req)
	if err != nil {
		i.tracker.close()
		i.tracker.emitError(fmt.Errorf("imessage relay unreachable: %w", err))
		return fmt.Errorf("imessage relay unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		i.tracker.close()
		err := fmt.Errorf("%w: imessage relay rejected secret: %d", domain.ErrAuthFailed, resp.StatusCode)
		i.tracker.emitError(err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		i.tracker.close()
		return fmt.Errorf("imessage relay probe: %d", resp.StatusCode)
	}

	i.logger.Info("imessage relay reachable", "url", i.serverURL)
	i.tracker.emitConnected()
	return nil
}

func (i *IMessage) Disconnect() error {
	i.tracker.close()
	return nil
}

// Handler returns the inbound webhook the relay posts messages to. Requests
// without the shared secret are rejected before the body is read.
func (i *IMessage) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+i.secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		var ev struct {
			GUID      string `json:"guid"`
			Sender    string `json:"sender"`
			ChatGUID  string `json:"chatGuid"`
			IsGroup   bool   `json:"isGroup"`
			Text      string `json:"text"`
			Timestamp int64  `json:"timestamp"`
			FromMe    bool   `json:"fromMe"`
		}
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)

		if ev.FromMe || ev.Text == "" {
			return
		}
		msg := domain.InboundMessage{
			ID:         ev.GUID,
			ChannelID:  "imessage",
			Domain:     i.defaultDomain,
			SenderID:   ev.Sender,
			Text:       ev.Text,
			Timestamp:  ev.Timestamp,
			RawPayload: body,
		}
		if ev.IsGroup {
			msg.GroupID = ev.ChatGUID
		}
		i.logger.Info("imessage received", "sender", ev.Sender, "text_len", len(ev.Text))
		i.tracker.emitMessage(msg)
	})
}

// Send posts to the relay. Group chat guid wins over the direct recipient.
func (i *IMessage) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !i.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	payload := map[string]string{"text": msg.Text}
	if msg.GroupID != "" {
		payload["chatGuid"] = msg.GroupID
	} else {
		payload["recipient"] = msg.RecipientID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.serverURL+"/send", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+i.secret)

	resp, err := i.http.Do(req)
	if err != nil {
		return fmt.Errorf("imessage send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("imessage send %d: %s", resp.StatusCode, body)
	}
	return nil
}
