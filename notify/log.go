package notify

import (
	"context"
	"log/slog"

	"tweet-notifier/pkg/notifier"
)

// LogProvider logs messages instead of sending them, for local development.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a new log provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Name identifies the provider in logs.
func (l *LogProvider) Name() string { return "log" }

// Send logs the message.
func (l *LogProvider) Send(_ context.Context, msg *notifier.Message) error {
	l.logger.Info("MOCK DELIVERY",
		"recipient", msg.Recipient,
		"target", msg.Target,
		"item_id", msg.ItemID,
		"text_length", len(msg.Text))
	return nil
}
