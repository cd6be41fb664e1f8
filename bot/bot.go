// Package bot adapts Telegram text commands to the command service.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tweet-notifier/pkg/notifier"
	"tweet-notifier/poll"
)

const (
	welcomeText = "Hi! I send you new posts from the X accounts you follow.\n\n" +
		"/add &lt;username&gt; follow an account\n" +
		"/remove &lt;username&gt; stop following\n" +
		"/list show your subscriptions\n" +
		"/check look for new posts now\n\n" +
		"You can also just send @username."
	commandTimeout = 30 * time.Second
)

// Commands is the command service the bot drives.
type Commands interface {
	Start(ctx context.Context, subscriber notifier.Subscriber) error
	Subscribe(ctx context.Context, subscriber notifier.Subscriber, text string) (string, error)
	Unsubscribe(ctx context.Context, subscriber notifier.Subscriber, text string) (string, error)
	ListMySubscriptions(ctx context.Context, subscriber notifier.Subscriber) ([]string, error)
	TriggerManualCheck(ctx context.Context) (*poll.CycleStats, error)
}

// Poller is the part of *tele.Bot used to receive updates.
type Poller interface {
	Handle(endpoint any, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
	Start()
	Stop()
}

// Bot routes chat commands.
type Bot struct {
	cmds   Commands
	logger *slog.Logger
}

// New creates a new bot adapter.
func New(cmds Commands, logger *slog.Logger) *Bot {
	return &Bot{cmds: cmds, logger: logger}
}

// Run registers the handlers and polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context, p Poller) {
	handler := func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		reply := b.Reply(cctx, chat.ID, c.Text())
		if reply == "" {
			return nil
		}
		return c.Send(reply, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
	}
	for _, endpoint := range []string{"/start", "/help", "/add", "/remove", "/list", "/check", tele.OnText} {
		p.Handle(endpoint, handler)
	}

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	b.logger.Info("Telegram polling started")
	p.Start() // blocks until Stop
	b.logger.Info("Telegram polling stopped")
}

// Reply handles one incoming message and returns the HTML reply, or "" to
// stay silent.
func (b *Bot) Reply(ctx context.Context, chat notifier.Subscriber, text string) string {
	command, payload := splitCommand(text)

	switch command {
	case "/start", "/help":
		if err := b.cmds.Start(ctx, chat); err != nil {
			b.logger.Warn("Failed to record subscriber", "subscriber", chat, "error", err)
		}
		return welcomeText
	case "/add":
		if payload == "" {
			return "Send /add &lt;username&gt;, for example <code>/add nasa</code>"
		}
		return b.subscribe(ctx, chat, payload)
	case "/remove":
		if payload == "" {
			return "Send /remove &lt;username&gt;"
		}
		target, err := b.cmds.Unsubscribe(ctx, chat, payload)
		if err != nil {
			return b.errorReply(chat, "unsubscribe", err)
		}
		return fmt.Sprintf("Unsubscribed from @%s", notifier.EscapeHTML(target))
	case "/list":
		targets, err := b.cmds.ListMySubscriptions(ctx, chat)
		if err != nil {
			return b.errorReply(chat, "list", err)
		}
		return listReply(targets)
	case "/check":
		stats, err := b.cmds.TriggerManualCheck(ctx)
		if errors.Is(err, poll.ErrCycleInProgress) {
			return "A check is already running, try again in a moment."
		}
		if err != nil {
			return b.errorReply(chat, "check", err)
		}
		return fmt.Sprintf("Checked %d accounts, found %d new posts.", stats.Targets, stats.NewItems)
	case "":
		// A bare username subscribes too; other chatter is ignored.
		if _, err := notifier.ParseTarget(payload); err == nil || strings.HasPrefix(payload, "@") {
			return b.subscribe(ctx, chat, payload)
		}
		return ""
	default:
		return "Unknown command. Send /help for the list."
	}
}

func (b *Bot) subscribe(ctx context.Context, chat notifier.Subscriber, text string) string {
	target, err := b.cmds.Subscribe(ctx, chat, text)
	if err != nil {
		return b.errorReply(chat, "subscribe", err)
	}
	return fmt.Sprintf("Subscribed to @%s ✅", notifier.EscapeHTML(target))
}

func (b *Bot) errorReply(chat notifier.Subscriber, op string, err error) string {
	if notifier.IsValidation(err) {
		return "That is not a valid username. Use 1-15 letters, digits or underscores."
	}
	b.logger.Error("Command failed", "op", op, "subscriber", chat, "error", err)
	return "Something went wrong, please try again later."
}

func listReply(targets []string) string {
	if len(targets) == 0 {
		return "You have no subscriptions yet."
	}
	var sb strings.Builder
	sb.WriteString("Your subscriptions:\n")
	for _, t := range targets {
		sb.WriteString("• @")
		sb.WriteString(notifier.EscapeHTML(t))
		sb.WriteString("\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// splitCommand returns the lower-cased command (without any @botname suffix)
// and its argument. For plain text the command is empty and the payload is
// the trimmed text.
func splitCommand(text string) (command, payload string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	command, payload, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	return strings.ToLower(command), strings.TrimSpace(payload)
}
