package poll

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"tweet-notifier/notify"
	"tweet-notifier/pkg/notifier"
)

// Source fetches a target's recent items.
type Source interface {
	Name() string
	Fetch(ctx context.Context, target string) ([]*notifier.Item, error)
}

// Store is the part of the subscription store the poller reads and writes.
type Store interface {
	ListDistinctTargets(ctx context.Context) ([]string, error)
	ListSubscribers(ctx context.Context, target string) ([]notifier.Subscriber, error)
	GetCursor(ctx context.Context, target string) (string, bool, error)
	SetCursor(ctx context.Context, target, itemID string) error
}

// Notifier delivers new items and commits the cursor after each one.
type Notifier interface {
	Notify(ctx context.Context, target string, items []*notifier.Item, subscribers []notifier.Subscriber, advance notify.AdvanceFunc) (*notify.Report, error)
}
