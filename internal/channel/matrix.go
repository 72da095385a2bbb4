package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const (
	matrixSyncTimeoutMS  = 30000 // server-side long-poll timeout
	matrixErrorBackoff   = 3 * time.Second
	matrixRequestTimeout = 45 * time.Second
)

type matrixCredentials struct {
	HomeserverURL string `json:"homeserverUrl"`
	AccessToken   string `json:"accessToken"`
	UserID        string `json:"userId"`
}

// Matrix implements domain.Adapter over the client-server sync API: a
// long-poll /sync loop passing back the server's own continuation token,
// reading only joined-room timelines and skipping events authored by the
// adapter's own identity.
type Matrix struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger
	http          *http.Client

	homeserver string
	token      string
	userID     string
	txnSeq     atomic.Int64
	cancel     context.CancelFunc
}

type MatrixConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewMatrix(cfg MatrixConfig) *Matrix {
	return &Matrix{
		tracker:       newConnTracker("matrix"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
		http:          &http.Client{Timeout: matrixRequestTimeout},
	}
}

func (m *Matrix) Name() string                        { return "matrix" }
func (m *Matrix) DefaultDomain() domain.ChannelDomain { return m.defaultDomain }
func (m *Matrix) SetSink(sink domain.Sink)            { m.tracker.SetSink(sink) }
func (m *Matrix) IsConnected() bool                   { return m.tracker.IsConnected() }
func (m *Matrix) State() domain.ConnState             { return m.tracker.State() }

func (m *Matrix) Connect(ctx context.Context) error {
	if m.tracker.IsConnected() {
		return nil
	}

	var creds matrixCredentials
	if err := credential.LoadInto(m.store, "matrix", &creds); err != nil || creds.HomeserverURL == "" || creds.AccessToken == "" {
		m.logger.Warn("matrix not configured, skipping", "err", err)
		m.tracker.markUnconfigured()
		return nil
	}
	m.homeserver = creds.HomeserverURL
	m.token = creds.AccessToken
	m.userID = creds.UserID
	m.tracker.reopen()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.tracker.emitConnected()
	go m.syncLoop(loopCtx)
	return nil
}

func (m *Matrix) Disconnect() error {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.tracker.close()
	return nil
}

// matrixSyncResponse is the subset of /sync this adapter reads.
type matrixSyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []matrixEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

type matrixEvent struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// syncLoop long-polls /sync. The since token is the server's own
// continuation token from the previous response; the first call omits it.
func (m *Matrix) syncLoop(ctx context.Context) {
	since := ""

	for {
		select {
		case <-ctx.Done():
			m.tracker.emitDisconnected("sync loop stopped")
			return
		default:
		}

		resp, err := m.sync(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				m.tracker.emitDisconnected("sync loop stopped")
				return
			}
			m.tracker.emitError(fmt.Errorf("matrix sync: %w", err))
			select {
			case <-ctx.Done():
				m.tracker.emitDisconnected("sync loop stopped")
				return
			case <-time.After(matrixErrorBackoff):
			}
			continue
		}

		// First sync is backlog; deliver only what arrives after we hold a
		// continuation token.
		if since != "" {
			m.deliver(resp)
		}
		since = resp.NextBatch
	}
}

func (m *Matrix) sync(ctx context.Context, since string) (*matrixSyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(matrixSyncTimeoutMS))
	if since != "" {
		q.Set("since", since)
	}
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/sync?%s", m.homeserver, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.token)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		m.tracker.emitError(fmt.Errorf("%w: matrix sync %d: %s", domain.ErrAuthFailed, resp.StatusCode, body))
		return nil, fmt.Errorf("matrix access token rejected: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("matrix sync %d: %s", resp.StatusCode, body)
	}

	var sr matrixSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("matrix sync parse: %w", err)
	}
	return &sr, nil
}

// deliver walks joined-room timelines only. Own events are skipped to avoid
// echo loops; non-message events are ignored.
func (m *Matrix) deliver(resp *matrixSyncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.Sender == m.userID {
				continue
			}
			var content struct {
				MsgType string `json:"msgtype"`
				Body    string `json:"body"`
				URL     string `json:"url"`
			}
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				m.logger.Warn("matrix event content parse failed", "event", ev.EventID, "err", err)
				continue
			}
			if content.Body == "" {
				continue
			}

			msg := domain.InboundMessage{
				ID:         ev.EventID,
				ChannelID:  "matrix",
				Domain:     m.defaultDomain,
				SenderID:   ev.Sender,
				GroupID:    roomID,
				Text:       content.Body,
				Timestamp:  ev.OriginServerTS,
				RawPayload: ev.Content,
			}
			if content.URL != "" && content.MsgType != "m.text" {
				msg.Attachments = append(msg.Attachments, domain.Attachment{URL: content.URL})
			}
			m.logger.Info("matrix message received", "room", roomID, "sender", ev.Sender, "text_len", len(content.Body))
			m.tracker.emitMessage(msg)
		}
	}
}

// Send targets the room: group id first, then thread id, then recipient (a
// direct-room id for this adapter).
func (m *Matrix) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !m.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	roomID := msg.GroupID
	if roomID == "" {
		roomID = msg.ThreadID
	}
	if roomID == "" {
		roomID = msg.RecipientID
	}
	if roomID == "" {
		return fmt.Errorf("matrix send: no room id")
	}

	txn := fmt.Sprintf("ob-%d-%d", time.Now().UnixNano(), m.txnSeq.Add(1))
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		m.homeserver, url.PathEscape(roomID), txn)

	body, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": msg.Text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.token)

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("matrix send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("matrix send %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
