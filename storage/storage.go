// Package storage handles persistence of subscriptions and per-target cursors.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"tweet-notifier/pkg/notifier"
)

// Store is implemented by every backend.
type Store interface {
	TouchSubscriber(ctx context.Context, subscriber notifier.Subscriber) error
	AddSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error
	RemoveSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error
	ListSubscriptions(ctx context.Context, subscriber notifier.Subscriber) ([]string, error)
	ListDistinctTargets(ctx context.Context) ([]string, error)
	ListSubscribers(ctx context.Context, target string) ([]notifier.Subscriber, error)
	GetCursor(ctx context.Context, target string) (string, bool, error)
	SetCursor(ctx context.Context, target, itemID string) error
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*GCSStore)(nil)
)

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &notifier.StorageError{Op: op, Err: err}
}

// withRetry runs fn with the retry policy used for remote object storage.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "attempt", n, "op", op, "error", err)
		}),
	)
}

func checkTarget(target string) (string, error) {
	t := notifier.Canonicalize(target)
	if t == "" {
		return "", fmt.Errorf("empty target")
	}
	return t, nil
}
