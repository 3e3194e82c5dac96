// Package telegram is the chat surface: it implements engine.Chat on the
// Telegram Bot API and feeds operator commands into the dispatcher.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

// maxText is Telegram's message length limit.
const maxText = 4096

type Config struct {
	Token        string
	APIEndpoint  string
	AllowedUsers []string
	Timeout      time.Duration
}

// botLogger routes the Bot API's own messages through zerolog.
type botLogger struct{}

func (botLogger) Println(v ...any) {
	log.Warn().Str("component", "tgbotapi").Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (botLogger) Printf(format string, v ...any) {
	log.Warn().Str("component", "tgbotapi").Msgf(format, v...)
}

type Bot struct {
	api     *tgbotapi.BotAPI
	allowed []string
}

var _ engine.Chat = (*Bot)(nil)

func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: telegram token is empty", engine.ErrNotConfigured)
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	_ = tgbotapi.SetLogger(botLogger{})
	// Document uploads share this client, so the timeout is generous.
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("telegram bot authorized")
	return &Bot{api: api, allowed: cfg.AllowedUsers}, nil
}

// allows reports whether operator may issue commands. An empty allowlist
// admits nobody.
func (b *Bot) allows(operator string) bool {
	return slices.Contains(b.allowed, operator)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, engine.Fatal("invalid chat id %q", chatID)
	}
	return id, nil
}

func parseMessageRef(ref string) (int, error) {
	id, err := strconv.Atoi(ref)
	if err != nil {
		return 0, engine.Fatal("invalid message ref %q", ref)
	}
	return id, nil
}

// classify maps Bot API failures onto the engine taxonomy: rate limits and
// server errors retry, everything else is final.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return engine.Transient("telegram: %s", apiErr.Message)
		}
		return engine.Fatal("telegram: %s", apiErr.Message)
	}
	return engine.Transient("telegram: %v", err)
}

func truncate(text string) string {
	if len(text) <= maxText {
		return text
	}
	for len(text) > maxText-len("…") {
		_, size := utf8.DecodeLastRuneInString(text)
		text = text[:len(text)-size]
	}
	return text + "…"
}

func (b *Bot) SendStatus(ctx context.Context, chatID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(id, truncate(text))
	msg.DisableWebPagePreview = true
	msg.DisableNotification = true
	sent, err := b.api.Send(msg)
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (b *Bot) EditStatus(ctx context.Context, chatID, messageRef, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageRef(messageRef)
	if err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(id, msgID, truncate(text))
	edit.DisableWebPagePreview = true
	if _, err := b.api.Request(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (b *Bot) Delete(ctx context.Context, chatID, messageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageRef(messageRef)
	if err != nil {
		return err
	}
	_, err = b.api.Request(tgbotapi.NewDeleteMessage(id, msgID))
	return classify(err)
}

func (b *Bot) Send(ctx context.Context, chatID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(id, truncate(text))
	msg.DisableWebPagePreview = true
	_, err = b.api.Send(msg)
	return classify(err)
}

func (b *Bot) SendDocument(ctx context.Context, chatID, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(id, tgbotapi.FilePath(path))
	doc.Caption = caption
	_, err = b.api.Send(doc)
	return classify(err)
}

// Run long-polls for updates and hands commands from allowed users to d
// until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, d *Dispatcher) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	log.Info().Int("allowed_users", len(b.allowed)).Msg("telegram command loop started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			log.Info().Msg("telegram command loop stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			m := upd.Message
			if m == nil || !m.IsCommand() || m.From == nil {
				continue
			}
			operator := strconv.FormatInt(m.From.ID, 10)
			if !b.allows(operator) {
				log.Warn().Str("operator", operator).Str("command", m.Command()).Msg("command from unknown user ignored")
				continue
			}
			cmd := Command{
				Name:     m.Command(),
				Args:     strings.Fields(m.CommandArguments()),
				Operator: operator,
				ChatID:   strconv.FormatInt(m.Chat.ID, 10),
			}
			go b.reply(ctx, d, cmd)
		}
	}
}

func (b *Bot) reply(ctx context.Context, d *Dispatcher, cmd Command) {
	text := d.Handle(ctx, cmd)
	if text == "" {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.Send(sctx, cmd.ChatID, text); err != nil {
		log.Warn().Err(err).Str("command", cmd.Name).Str("operator", cmd.Operator).Msg("reply failed")
	}
}
