package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tele "gopkg.in/telebot.v4"

	"tweet-notifier/pkg/notifier"
)

// TelegramBot is the subset of *tele.Bot used for delivery.
type TelegramBot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramProvider sends messages through the Telegram Bot API.
type TelegramProvider struct {
	bot      TelegramBot
	logger   *slog.Logger
	attempts uint
	maxWait  time.Duration
}

// NewTelegramProvider creates a provider backed by bot.
func NewTelegramProvider(bot TelegramBot, logger *slog.Logger) *TelegramProvider {
	return &TelegramProvider{
		bot:      bot,
		logger:   logger,
		attempts: 3,
		maxWait:  time.Minute,
	}
}

// Name identifies the provider in logs.
func (t *TelegramProvider) Name() string { return "telegram" }

// Send delivers msg, waiting out flood limits up to three attempts.
// Chats that blocked the bot or no longer exist fail immediately.
func (t *TelegramProvider) Send(ctx context.Context, msg *notifier.Message) error {
	chat := &tele.Chat{ID: msg.Recipient}
	opts := &tele.SendOptions{
		ParseMode:             tele.ParseMode(msg.ParseMode),
		DisableWebPagePreview: msg.DisablePreview,
	}

	err := retry.Do(
		func() error {
			_, err := t.bot.Send(chat, msg.Text, opts)
			if err != nil && unreachable(err) {
				return retry.Unrecoverable(&permanentError{err: err})
			}
			return err
		},
		retry.Attempts(t.attempts),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			_, ok := floodWait(err)
			return ok
		}),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			wait, _ := floodWait(err)
			return wait
		}),
		retry.MaxDelay(t.maxWait),
		retry.OnRetry(func(n uint, err error) {
			wait, _ := floodWait(err)
			t.logger.Info("Telegram flood limit hit, waiting", "chat_id", msg.Recipient, "attempt", n+1, "wait", min(wait, t.maxWait).String())
		}),
	)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// floodWait extracts the server-requested delay from a 429 response.
func floodWait(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if !errors.As(err, &fe) {
		return 0, false
	}
	wait := time.Duration(fe.RetryAfter) * time.Second
	if wait <= 0 {
		wait = time.Second
	}
	return wait, true
}

func unreachable(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrUserIsDeactivated)
}
