package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
)

const (
	telegramMaxMsgLen    = 4000
	telegramPollTimeout  = 30 // long-poll timeout in seconds
	telegramErrorBackoff = 2 * time.Second
)

// telegramCredentials is the channel's credential file shape.
type telegramCredentials struct {
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	ParseMode string   `json:"parseMode,omitempty"`
}

// Telegram implements domain.Adapter over the bot long-poll API. The update
// cursor advances past the highest id seen, so any update is delivered at
// most once within a run.
type Telegram struct {
	tracker       *connTracker
	store         credential.Store
	defaultDomain domain.ChannelDomain
	logger        *slog.Logger

	bot       *tgbotapi.BotAPI
	allowFrom []int64
	parseMode string
	cancel    context.CancelFunc
}

type TelegramConfig struct {
	Store         credential.Store
	DefaultDomain domain.ChannelDomain
	Logger        *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	return &Telegram{
		tracker:       newConnTracker("telegram"),
		store:         cfg.Store,
		defaultDomain: cfg.DefaultDomain,
		logger:        cfg.Logger,
	}
}

func (t *Telegram) Name() string                        { return "telegram" }
func (t *Telegram) DefaultDomain() domain.ChannelDomain { return t.defaultDomain }
func (t *Telegram) SetSink(s domain.Sink)               { t.tracker.SetSink(s) }
func (t *Telegram) IsConnected() bool                   { return t.tracker.IsConnected() }
func (t *Telegram) State() domain.ConnState             { return t.tracker.State() }

// Connect loads credentials and starts the polling loop. Missing credentials
// leave the adapter unconfigured without error.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.tracker.IsConnected() {
		return nil
	}

	var creds telegramCredentials
	if err := credential.LoadInto(t.store, "telegram", &creds); err != nil || creds.Token == "" {
		t.logger.Warn("telegram not configured, skipping", "err", err)
		t.tracker.markUnconfigured()
		return nil
	}
	t.tracker.reopen()

	t.allowFrom = t.allowFrom[:0]
	for _, s := range creds.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			t.allowFrom = append(t.allowFrom, id)
		}
	}
	t.parseMode = creds.ParseMode
	if t.parseMode == "" {
		t.parseMode = "Markdown"
	}

	bot, err := tgbotapi.NewBotAPI(creds.Token)
	if err != nil {
		t.tracker.close()
		t.tracker.emitError(fmt.Errorf("telegram bot init: %w", err))
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.tracker.emitConnected()
	go t.pollLoop(loopCtx)
	return nil
}

// Disconnect stops polling. Always succeeds.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.tracker.close()
	return nil
}

// pollLoop drives GetUpdates with an explicit offset cursor. The offset is
// advanced past the highest update id in each batch before the next call.
func (t *Telegram) pollLoop(ctx context.Context) {
	var offset int

	for {
		select {
		case <-ctx.Done():
			t.tracker.emitDisconnected("poll loop stopped")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = telegramPollTimeout

		updates, err := t.bot.GetUpdates(u)
		if err != nil {
			t.tracker.emitError(fmt.Errorf("telegram poll: %w", err))
			select {
			case <-ctx.Done():
				t.tracker.emitDisconnected("poll loop stopped")
				return
			case <-time.After(telegramErrorBackoff):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			t.handleUpdate(update)
		}
		// No delay between long-poll calls: the server holds the request.
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	msg := domain.InboundMessage{
		ID:         strconv.Itoa(update.Message.MessageID),
		ChannelID:  "telegram",
		Domain:     t.defaultDomain,
		SenderID:   strconv.FormatInt(userID, 10),
		SenderName: update.Message.From.UserName,
		Text:       text,
		Timestamp:  time.Unix(int64(update.Message.Date), 0).UnixMilli(),
	}
	if !update.Message.Chat.IsPrivate() {
		msg.GroupID = strconv.FormatInt(chatID, 10)
	}
	if update.Message.ReplyToMessage != nil {
		msg.ThreadID = strconv.Itoa(update.Message.ReplyToMessage.MessageID)
	}
	if len(update.Message.Photo) > 0 {
		// Largest size is last.
		p := update.Message.Photo[len(update.Message.Photo)-1]
		msg.Attachments = append(msg.Attachments, domain.Attachment{URL: p.FileID, MIMEType: "image/jpeg"})
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
	t.tracker.emitMessage(msg)
}

// Send resolves addressing as group > recipient and chunks long messages.
func (t *Telegram) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if !t.tracker.IsConnected() {
		return domain.ErrNotConnected
	}

	target := msg.RecipientID
	if msg.GroupID != "" {
		target = msg.GroupID
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", target, err)
	}

	// Telegram threads are reply chains; the thread handle is the message id
	// the reply attaches to.
	var replyTo int
	if msg.ThreadID != "" {
		replyTo, _ = strconv.Atoi(msg.ThreadID)
	}

	for _, chunk := range splitMessage(msg.Text, telegramMaxMsgLen) {
		if err := t.sendChunk(chatID, replyTo, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk tries the configured parse mode first and retries once as plain
// text when the markup fails to parse.
func (t *Telegram) sendChunk(chatID int64, replyTo int, text string) error {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = t.parseMode
	m.ReplyToMessageID = replyTo

	_, err := t.bot.Send(m)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "can't parse entities") {
		t.logger.Warn("telegram markup parse error, retrying as plain text", "err", err)
		plain := tgbotapi.NewMessage(chatID, text)
		plain.ReplyToMessageID = replyTo
		if _, err2 := t.bot.Send(plain); err2 == nil {
			return nil
		}
	}
	return fmt.Errorf("telegram send: %w", err)
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}
