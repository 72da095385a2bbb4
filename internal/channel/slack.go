package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const slackMaxMsgLen = 4000

// slackCredentials is the channel's credential file shape. Socket Mode needs
// both the bot token and the app-level token.
type slackCredentials struct {
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"`
}

// Slack implements domain.Adapter over Socket Mode: a short-lived session
// handle is opened via REST, every inbound envelope is acknowledged by
// echoing its envelope id, and the client reopens a session when the socket
// closes.
type Slack struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger
	apiURL        string

	client *slack.Client
	socket *socketmode.Client
	botUID string // the bot's own user ID, to avoid replying to self
	cancel context.CancelFunc
}

type SlackConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
	// APIURL overrides the Slack API base URL. Empty means the real API;
	// tests point it at a local server.
	APIURL string
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		tracker:       newConnTracker("slack"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
		apiURL:        cfg.APIURL,
	}
}

func (s *Slack) Name() string                        { return "slack" }
func (s *Slack) DefaultDomain() domain.ChannelDomain { return s.defaultDomain }
func (s *Slack) SetSink(sink domain.Sink)            { s.tracker.SetSink(sink) }
func (s *Slack) IsConnected() bool                   { return s.tracker.IsConnected() }
func (s *Slack) State() domain.ConnState             { return s.tracker.State() }

func (s *Slack) Connect(ctx context.Context) error {
	if s.tracker.IsConnected() {
		return nil
	}

	var creds slackCredentials
	if err := credential.LoadInto(s.store, "slack", &creds); err != nil || creds.BotToken == "" || creds.AppToken == "" {
		s.logger.Warn("slack not configured, skipping", "err", err)
		s.tracker.markUnconfigured()
		return nil
	}
	s.tracker.reopen()

	opts := []slack.Option{slack.OptionAppLevelToken(creds.AppToken)}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	api := slack.New(creds.BotToken, opts...)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		s.tracker.close()
		s.tracker.emitError(fmt.Errorf("%w: slack auth: %v", domain.ErrAuthFailed, err))
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	s.socket = socketmode.New(api)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.eventLoop(loopCtx)
	go func() {
		// RunContext opens the session handle, dials the returned URL, and
		// reopens a new handle whenever the socket closes.
		if err := s.socket.RunContext(loopCtx); err != nil && loopCtx.Err() == nil {
			s.tracker.emitError(fmt.Errorf("slack socket mode: %w", err))
		}
		s.tracker.emitDisconnected("socket mode stopped")
	}()

	// State stays connecting until the socketmode hello arrives; the
	// connected event is emitted once, from the event loop.
	return nil
}

func (s *Slack) Disconnect() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.tracker.close()
	return nil
}

func (s *Slack) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socket.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			case socketmode.EventTypeConnected:
				s.tracker.emitConnected()

			case socketmode.EventTypeDisconnect:
				s.logger.Warn("slack socket dropped, session handle will be reopened")

			default:
				// Acknowledge unknown envelope-carrying events to prevent
				// Socket Mode disconnection.
				if evt.Request != nil {
					s.socket.Ack(*evt.Request)
				}
			}
		}
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore the bot's own messages and message_changed subtypes.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		s.logger.Info("slack message received", "user", ev.User, "channel", ev.Channel, "text_len", len(ev.Text))
		s.tracker.emitMessage(domain.InboundMessage{
			ID:        ev.TimeStamp,
			ChannelID: "slack",
			Domain:    s.defaultDomain,
			SenderID:  ev.User,
			GroupID:   ev.Channel,
			ThreadID:  ev.ThreadTimeStamp,
			Text:      ev.Text,
			Timestamp: slackTSToMillis(ev.TimeStamp),
		})

	case *slackevents.AppMentionEvent:
		// Strip the mention prefix.
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		s.tracker.emitMessage(domain.InboundMessage{
			ID:        ev.TimeStamp,
			ChannelID: "slack",
			Domain:    s.defaultDomain,
			SenderID:  ev.User,
			GroupID:   ev.Channel,
			ThreadID:  ev.ThreadTimeStamp,
			Text:      content,
			Timestamp: slackTSToMillis(ev.TimeStamp),
		})
	}
}

// Send addresses by group (channel id) first, then recipient (DM), posting
// into the thread when one is given.
func (s *Slack) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !s.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	target := msg.GroupID
	if target == "" {
		target = msg.RecipientID
	}

	for _, chunk := range splitMessage(msg.Text, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if msg.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
		}
		if _, _, err := s.client.PostMessageContext(ctx, target, opts...); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

// slackTSToMillis converts a Slack "1700000000.000100" timestamp to epoch
// milliseconds.
func slackTSToMillis(ts string) int64 {
	if ts == "" {
		return 0
	}
	parts := strings.SplitN(ts, ".", 2)
	var secs, frac int64
	fmt.Sscanf(parts[0], "%d", &secs)
	if len(parts) == 2 && len(parts[1]) >= 3 {
		fmt.Sscanf(parts[1][:3], "%d", &frac)
	}
	return secs*1000 + frac
}
