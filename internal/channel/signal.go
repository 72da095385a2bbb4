package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const signalSendTimeout = 30 * time.Second

type signalCredentials struct {
	PhoneNumber string `json:"phoneNumber"`
	CLIPath     string `json:"cliPath,omitempty"` // helper binary, default "signal-cli"
}

// signalRequest is one line-delimited JSON-RPC request to the helper.
type signalRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// signalResponse covers both responses and unsolicited receive
// notifications.
type signalResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Signal drives a companion CLI helper as a subprocess, speaking
// line-delimited JSON over its standard streams. The transport is end-to-end
// encrypted independent of this layer, so every inbound message is flagged
// IsEncrypted. Helper exit is an immediate disconnect.
type Signal struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	writeMu sync.Mutex
	pending sync.Map // request id -> chan signalResponse
	nextID  int64
	idMu    sync.Mutex
}

type SignalConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewSignal(cfg SignalConfig) *Signal {
	return &Signal{
		tracker:       newConnTracker("signal"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
	}
}

func (s *Signal) Name() string                        { return "signal" }
func (s *Signal) DefaultDomain() domain.ChannelDomain { return s.defaultDomain }
func (s *Signal) SetSink(sink domain.Sink)            { s.tracker.SetSink(sink) }
func (s *Signal) IsConnected() bool                   { return s.tracker.IsConnected() }
func (s *Signal) State() domain.ConnState             { return s.tracker.State() }

// Connect spawns the helper once. The helper owns the account session; if it
// cannot start, that is surfaced as a connect error, not retried here.
func (s *Signal) Connect(ctx context.Context) error {
	if s.tracker.IsConnected() {
		return nil
	}

	var creds signalCredentials
	if err := credential.LoadInto(s.store, "signal", &creds); err != nil || creds.PhoneNumber == "" {
		s.logger.Warn("signal not configured, skipping", "err", err)
		s.tracker.markUnconfigured()
		return nil
	}
	cliPath := creds.CLIPath
	if cliPath == "" {
		cliPath = "signal-cli"
	}
	s.tracker.reopen()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cmd := exec.CommandContext(loopCtx, cliPath, "-a", creds.PhoneNumber, "jsonRpc")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		s.tracker.close()
		return fmt.Errorf("signal helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.tracker.close()
		return fmt.Errorf("signal helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		s.tracker.close()
		s.tracker.emitError(fmt.Errorf("signal helper start: %w", err))
		return fmt.Errorf("signal helper start: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.logger.Info("signal helper started", "path", cliPath, "account", creds.PhoneNumber)

	s.tracker.emitConnected()
	go s.readLoop(stdout)
	go func() {
		// Helper exit, for any reason, is an immediate disconnect.
		err := cmd.Wait()
		if loopCtx.Err() == nil && err != nil {
			s.tracker.emitError(fmt.Errorf("signal helper exited: %w", err))
		}
		s.tracker.emitDisconnected("helper process exited")
	}()
	return nil
}

func (s *Signal) Disconnect() error {
	if s.cancel != nil {
		s.cancel() // kills the subprocess via CommandContext
		s.cancel = nil
	}
	s.tracker.close()
	return nil
}

// readLoop parses line-delimited JSON from the helper's stdout. Responses
// are matched to pending requests by id; "receive" notifications become
// inbound messages. A malformed line is logged and dropped.
func (s *Signal) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		var resp signalResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("signal helper emitted malformed line", "err", err)
			continue
		}

		if resp.ID != "" {
			if ch, ok := s.pending.LoadAndDelete(resp.ID); ok {
				ch.(chan signalResponse) <- resp
			}
			continue
		}
		if resp.Method == "receive" {
			s.handleReceive(resp.Params)
		}
	}
}

func (s *Signal) handleReceive(params json.RawMessage) {
	var notif struct {
		Envelope struct {
			Source     string `json:"source"`
			SourceName string `json:"sourceName"`
			Timestamp  int64  `json:"timestamp"`
			DataMessage *struct {
				Message   string `json:"message"`
				Timestamp int64  `json:"timestamp"`
				GroupInfo *struct {
					GroupID string `json:"groupId"`
				} `json:"groupInfo"`
			} `json:"dataMessage"`
		} `json:"envelope"`
	}
	if err := json.Unmarshal(params, &notif); err != nil {
		s.logger.Warn("signal receive parse failed", "err", err)
		return
	}
	dm := notif.Envelope.DataMessage
	if dm == nil || dm.Message == "" {
		return
	}

	msg := domain.InboundMessage{
		ID:          strconv.FormatInt(dm.Timestamp, 10),
		ChannelID:   "signal",
		Domain:      s.defaultDomain,
		SenderID:    notif.Envelope.Source,
		SenderName:  notif.Envelope.SourceName,
		Text:        dm.Message,
		Timestamp:   notif.Envelope.Timestamp,
		IsEncrypted: true, // transport guarantee, independent of this layer
		RawPayload:  params,
	}
	if dm.GroupInfo != nil {
		msg.GroupID = dm.GroupInfo.GroupID
	}
	s.logger.Info("signal message received", "sender", msg.SenderID, "text_len", len(msg.Text))
	s.tracker.emitMessage(msg)
}

// Send issues a JSON-RPC send request and waits for the matched response.
func (s *Signal) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !s.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	params := map[string]any{"message": msg.Text}
	if msg.GroupID != "" {
		params["groupId"] = msg.GroupID
	} else {
		params["recipient"] = []string{msg.RecipientID}
	}

	id := s.requestID()
	ch := make(chan signalResponse, 1)
	s.pending.Store(id, ch)
	defer s.pending.Delete(id)

	req := signalRequest{JSONRPC: "2.0", ID: id, Method: "send", Params: params}
	if err := s.writeLine(req); err != nil {
		return fmt.Errorf("signal send: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("signal send: helper error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil
	case <-time.After(signalSendTimeout):
		return fmt.Errorf("signal send: timed out waiting for helper response")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Signal) writeLine(req signalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return domain.ErrNotConnected
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

func (s *Signal) requestID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return strconv.FormatInt(s.nextID, 10)
}
