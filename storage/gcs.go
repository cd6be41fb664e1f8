package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"tweet-notifier/pkg/notifier"
)

// Object layout:
//
//	subs/<target>/<subscriber>          one object per subscription
//	subscribers/<subscriber>/<target>   reverse index for listing
//	profiles/<subscriber>               first-seen marker
//	cursors/<target>                    JSON-encoded notifier.Cursor
const (
	subsPrefix        = "subs/"
	subscribersPrefix = "subscribers/"
	profilesPrefix    = "profiles/"
	cursorsPrefix     = "cursors/"
)

// GCSStore keeps subscriptions and cursors as Cloud Storage objects.
type GCSStore struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

// NewGCS creates a Cloud Storage backed store.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *GCSStore {
	return &GCSStore{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// NewGCSClient creates a Cloud Storage client. A non-empty endpoint points it
// at an emulator such as fake-gcs-server and skips credentials.
func NewGCSClient(ctx context.Context, endpoint string) (*storage.Client, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return client, nil
}

// objectKey joins key parts, rejecting anything that could escape its prefix.
func objectKey(prefix string, parts ...string) string {
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, "/\\") || p == "." || p == ".." {
			return ""
		}
	}
	return prefix + strings.Join(parts, "/")
}

func subscriberPart(s notifier.Subscriber) string {
	return strconv.FormatInt(s, 10)
}

// Close closes the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// createIfAbsent writes data unless the object already exists.
func (s *GCSStore) createIfAbsent(ctx context.Context, key string, data []byte) error {
	return withRetry(ctx, s.logger, "create "+key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		if _, err := w.Write(data); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write %s: %w", key, err)
		}
		if err := w.Close(); err != nil {
			if isPreconditionFailed(err) {
				return nil
			}
			return fmt.Errorf("close writer %s: %w", key, err)
		}
		return nil
	})
}

func (s *GCSStore) put(ctx context.Context, key string, data []byte) error {
	return withRetry(ctx, s.logger, "put "+key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, err := w.Write(data); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write %s: %w", key, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close writer %s: %w", key, err)
		}
		return nil
	})
}

// get reads an object; found is false if it does not exist.
func (s *GCSStore) get(ctx context.Context, key string) (data []byte, found bool, err error) {
	missing := false
	err = withRetry(ctx, s.logger, "get "+key, func() error {
		r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if openErr != nil {
			// Don't retry on "not found" errors
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				missing = true
				return nil
			}
			return fmt.Errorf("open reader %s: %w", key, openErr)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()

		var readErr error
		data, readErr = io.ReadAll(r)
		if readErr != nil {
			return fmt.Errorf("read %s: %w", key, readErr)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, !missing, nil
}

func (s *GCSStore) remove(ctx context.Context, key string) error {
	return withRetry(ctx, s.logger, "delete "+key, func() error {
		if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
			// Deletion is idempotent
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	})
}

// list returns the final path element of every object (or, with
// dirs set, every sub-prefix) under prefix.
func (s *GCSStore) list(ctx context.Context, prefix string, dirs bool) ([]string, error) {
	q := &storage.Query{Prefix: prefix}
	if dirs {
		q.Delimiter = "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, q)

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", prefix, err)
		}
		name := attrs.Name
		if dirs {
			if attrs.Prefix == "" {
				continue
			}
			name = strings.TrimSuffix(attrs.Prefix, "/")
		}
		name = strings.TrimPrefix(name, prefix)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// TouchSubscriber records a subscriber the first time it is seen.
func (s *GCSStore) TouchSubscriber(ctx context.Context, subscriber notifier.Subscriber) error {
	key := objectKey(profilesPrefix, subscriberPart(subscriber))
	data := []byte(time.Now().UTC().Format(time.RFC3339))
	return storageErr("touch subscriber", s.createIfAbsent(ctx, key, data))
}

// AddSubscription writes the subscription and its reverse index entry.
func (s *GCSStore) AddSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error {
	t, err := checkTarget(target)
	if err != nil {
		return storageErr("add subscription", err)
	}
	sub := subscriberPart(subscriber)
	fwd, rev := objectKey(subsPrefix, t, sub), objectKey(subscribersPrefix, sub, t)
	if fwd == "" || rev == "" {
		return storageErr("add subscription", fmt.Errorf("invalid target %q", t))
	}

	data, err := json.Marshal(notifier.Subscription{Subscriber: subscriber, Target: t, CreatedAt: time.Now().UTC()})
	if err != nil {
		return storageErr("add subscription", fmt.Errorf("marshal: %w", err))
	}
	// Reverse index first: a target only becomes pollable once it is listable per subscriber.
	if err := s.createIfAbsent(ctx, rev, data); err != nil {
		return storageErr("add subscription", err)
	}
	if err := s.createIfAbsent(ctx, fwd, data); err != nil {
		return storageErr("add subscription", err)
	}

	s.logger.Info("Subscription saved", "subscriber", subscriber, "target", t)
	return nil
}

// RemoveSubscription deletes the subscription; a missing one is not an error.
func (s *GCSStore) RemoveSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error {
	t := notifier.Canonicalize(target)
	sub := subscriberPart(subscriber)
	fwd, rev := objectKey(subsPrefix, t, sub), objectKey(subscribersPrefix, sub, t)
	if fwd == "" || rev == "" {
		return nil
	}
	if err := s.remove(ctx, fwd); err != nil {
		return storageErr("remove subscription", err)
	}
	if err := s.remove(ctx, rev); err != nil {
		return storageErr("remove subscription", err)
	}
	s.logger.Info("Subscription deleted", "subscriber", subscriber, "target", t)
	return nil
}

// ListSubscriptions returns the subscriber's targets in name order.
func (s *GCSStore) ListSubscriptions(ctx context.Context, subscriber notifier.Subscriber) ([]string, error) {
	targets, err := s.list(ctx, subscribersPrefix+subscriberPart(subscriber)+"/", false)
	if err != nil {
		return nil, storageErr("list subscriptions", err)
	}
	sort.Strings(targets)
	return targets, nil
}

// ListDistinctTargets returns every target that still has a subscription object.
func (s *GCSStore) ListDistinctTargets(ctx context.Context) ([]string, error) {
	targets, err := s.list(ctx, subsPrefix, true)
	if err != nil {
		return nil, storageErr("list targets", err)
	}
	sort.Strings(targets)
	return targets, nil
}

// ListSubscribers returns a snapshot of the target's subscribers.
func (s *GCSStore) ListSubscribers(ctx context.Context, target string) ([]notifier.Subscriber, error) {
	t := notifier.Canonicalize(target)
	if objectKey(subsPrefix, t) == "" {
		return nil, nil
	}
	names, err := s.list(ctx, subsPrefix+t+"/", false)
	if err != nil {
		return nil, storageErr("list subscribers", err)
	}

	subs := make([]notifier.Subscriber, 0, len(names))
	for _, name := range names {
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping malformed subscription object", "target", t, "name", name)
			continue
		}
		subs = append(subs, id)
	}
	return subs, nil
}

// GetCursor returns the stored cursor; ok is false if the target was never checked.
func (s *GCSStore) GetCursor(ctx context.Context, target string) (string, bool, error) {
	key := objectKey(cursorsPrefix, notifier.Canonicalize(target))
	if key == "" {
		return "", false, nil
	}
	data, found, err := s.get(ctx, key)
	if err != nil {
		return "", false, storageErr("get cursor", err)
	}
	if !found {
		return "", false, nil
	}
	var c notifier.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return "", false, storageErr("get cursor", fmt.Errorf("unmarshal %s: %w", key, err))
	}
	return c.ItemID, true, nil
}

// SetCursor overwrites the cursor object.
func (s *GCSStore) SetCursor(ctx context.Context, target, itemID string) error {
	t, err := checkTarget(target)
	if err != nil {
		return storageErr("set cursor", err)
	}
	key := objectKey(cursorsPrefix, t)
	if key == "" {
		return storageErr("set cursor", fmt.Errorf("invalid target %q", t))
	}
	data, err := json.Marshal(notifier.Cursor{Target: t, ItemID: itemID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return storageErr("set cursor", fmt.Errorf("marshal: %w", err))
	}
	return storageErr("set cursor", s.put(ctx, key, data))
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
