package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const teamsRequestTimeout = 15 * time.Second

type teamsCredentials struct {
	WebhookURL string `json:"webhookUrl"`
}

// Teams is outbound-only: messages are posted to an incoming-webhook URL
// and there is no inbound event stream. The adapter reports connected as
// soon as a webhook URL is on file, since there is no session to hold open.
type Teams struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger
	http          *http.Client

	webhookURL string
}

type TeamsConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewTeams(cfg TeamsConfig) *Teams {
	return &Teams{
		tracker:       newConnTracker("teams"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
		http:          &http.Client{Timeout: teamsRequestTimeout},
	}
}

func (t *Teams) Name() string                        { return "teams" }
func (t *Teams) DefaultDomain() domain.ChannelDomain { return t.defaultDomain }
func (t *Teams) SetSink(sink domain.Sink)            { t.tracker.SetSink(sink) }
func (t *Teams) IsConnected() bool                   { return t.tracker.IsConnected() }
func (t *Teams) State() domain.ConnState             { return t.tracker.State() }

func (t *Teams) Connect(ctx context.Context) error {
	if t.tracker.IsConnected() {
		return nil
	}

	var creds teamsCredentials
	if err := credential.LoadInto(t.store, "teams", &creds); err != nil || creds.WebhookURL == "" {
		t.logger.Warn("teams not configured, skipping", "err", err)
		t.tracker.markUnconfigured()
		return nil
	}
	t.webhookURL = creds.WebhookURL
	t.tracker.reopen()
	t.tracker.emitConnected()
	t.logger.Info("teams webhook ready")
	return nil
}

func (t *Teams) Disconnect() error {
	t.tracker.close()
	return nil
}

// Send posts a MessageCard payload. Addressing fields are ignored; the
// webhook itself is the destination.
func (t *Teams) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !t.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	payload, err := json.Marshal(map[string]string{
		"@type":    "MessageCard",
		"@context": "http://schema.org/extensions",
		"text":     msg.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("teams send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("teams send %d: %s", resp.StatusCode, body)
	}
	return nil
}
