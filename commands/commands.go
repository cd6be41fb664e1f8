// Package commands is the entry point used by chat and HTTP adapters to
// manage subscriptions and trigger checks.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"tweet-notifier/pkg/notifier"
	"tweet-notifier/poll"
)

// Store is the part of the subscription store the command layer uses.
type Store interface {
	TouchSubscriber(ctx context.Context, subscriber notifier.Subscriber) error
	AddSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error
	RemoveSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error
	ListSubscriptions(ctx context.Context, subscriber notifier.Subscriber) ([]string, error)
}

// Checker runs an on-demand cycle.
type Checker interface {
	CheckNow(ctx context.Context) (*poll.CycleStats, error)
}

// Service implements the subscription commands.
type Service struct {
	store   Store
	checker Checker
	logger  *slog.Logger
}

// New creates a new command service.
func New(store Store, checker Checker, logger *slog.Logger) *Service {
	return &Service{store: store, checker: checker, logger: logger}
}

// Start records a subscriber the first time they talk to the bot.
func (s *Service) Start(ctx context.Context, subscriber notifier.Subscriber) error {
	if err := s.store.TouchSubscriber(ctx, subscriber); err != nil {
		return fmt.Errorf("record subscriber: %w", err)
	}
	return nil
}

// Subscribe validates text and subscribes to the target it names.
// Subscribing twice is not an error.
func (s *Service) Subscribe(ctx context.Context, subscriber notifier.Subscriber, text string) (string, error) {
	target, err := notifier.ParseTarget(text)
	if err != nil {
		return "", err
	}
	if err := s.store.TouchSubscriber(ctx, subscriber); err != nil {
		s.logger.Warn("Failed to record subscriber", "subscriber", subscriber, "error", err)
	}
	if err := s.store.AddSubscription(ctx, subscriber, target); err != nil {
		return "", fmt.Errorf("add subscription: %w", err)
	}
	s.logger.Info("Subscription added", "subscriber", subscriber, "target", target)
	return target, nil
}

// Unsubscribe removes the subscription; removing one that does not exist succeeds.
func (s *Service) Unsubscribe(ctx context.Context, subscriber notifier.Subscriber, text string) (string, error) {
	target, err := notifier.ParseTarget(text)
	if err != nil {
		return "", err
	}
	if err := s.store.RemoveSubscription(ctx, subscriber, target); err != nil {
		return "", fmt.Errorf("remove subscription: %w", err)
	}
	s.logger.Info("Subscription removed", "subscriber", subscriber, "target", target)
	return target, nil
}

// ListMySubscriptions returns the subscriber's targets.
func (s *Service) ListMySubscriptions(ctx context.Context, subscriber notifier.Subscriber) ([]string, error) {
	targets, err := s.store.ListSubscriptions(ctx, subscriber)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return targets, nil
}

// TriggerManualCheck runs one cycle now. It returns poll.ErrCycleInProgress
// if a cycle is already running.
func (s *Service) TriggerManualCheck(ctx context.Context) (*poll.CycleStats, error) {
	stats, err := s.checker.CheckNow(ctx)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
