// Package notify fans new items out to subscribers through a pluggable provider.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"tweet-notifier/pkg/notifier"
)

// Provider delivers one message to one recipient.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *notifier.Message) error
}

// AdvanceFunc commits the cursor once an item has been attempted for every subscriber.
type AdvanceFunc func(ctx context.Context, item *notifier.Item) error

// Report summarizes one Notify call.
type Report struct {
	Failures  []*notifier.DeliveryError `json:"-"`
	Items     int                       `json:"items"`
	Delivered int                       `json:"delivered"`
	Failed    int                       `json:"failed"`
	// Unreachable counts failures for chats that blocked the bot or no
	// longer exist. They are included in Failed.
	Unreachable int `json:"unreachable"`
	Committed   int `json:"committed"`
}

// Sender paces deliveries through a provider.
type Sender struct {
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New creates a sender that waits at least interval between deliveries.
func New(provider Provider, interval time.Duration, logger *slog.Logger) *Sender {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Sender{
		provider: provider,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Notify delivers items, oldest first, to every subscriber. A failed delivery
// is logged and counted but never stops the loop. After each item has been
// attempted for all subscribers, advance is called; if it fails Notify
// returns immediately and the remaining items are left for the next cycle.
func (s *Sender) Notify(ctx context.Context, target string, items []*notifier.Item, subscribers []notifier.Subscriber, advance AdvanceFunc) (*Report, error) {
	report := &Report{Items: len(items)}

	for _, item := range items {
		for _, sub := range subscribers {
			if err := s.limiter.Wait(ctx); err != nil {
				return report, fmt.Errorf("wait for delivery slot: %w", err)
			}

			msg := notifier.BuildMessage(sub, target, item)
			startTime := time.Now()
			if err := s.provider.Send(ctx, msg); err != nil {
				derr := &notifier.DeliveryError{Recipient: sub, ItemID: item.ID, Err: err}
				report.Failed++
				report.Failures = append(report.Failures, derr)
				if IsPermanent(err) {
					report.Unreachable++
					s.logger.Info("Recipient unreachable",
						"provider", s.provider.Name(),
						"target", target,
						"item_id", item.ID,
						"subscriber", sub,
						"error", err)
					continue
				}
				s.logger.Warn("Delivery failed",
					"provider", s.provider.Name(),
					"target", target,
					"item_id", item.ID,
					"subscriber", sub,
					"error", err)
				continue
			}
			report.Delivered++
			s.logger.Debug("Delivery completed",
				"provider", s.provider.Name(),
				"target", target,
				"item_id", item.ID,
				"subscriber", sub,
				"duration_ms", time.Since(startTime).Milliseconds())
		}

		if advance != nil {
			if err := advance(ctx, item); err != nil {
				return report, fmt.Errorf("advance cursor to %s: %w", item.ID, err)
			}
			report.Committed++
		}
	}

	if report.Items > 0 {
		s.logger.Info("Items delivered",
			"target", target,
			"items", report.Items,
			"subscribers", len(subscribers),
			"delivered", report.Delivered,
			"failed", report.Failed,
			"unreachable", report.Unreachable)
	}
	return report, nil
}

// IsPermanent reports whether a delivery error will not succeed on retry.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
