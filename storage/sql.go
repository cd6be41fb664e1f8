package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"    // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"tweet-notifier/pkg/notifier"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS subscribers (
		subscriber BIGINT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		subscriber BIGINT NOT NULL,
		target     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (subscriber, target)
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_target_idx ON subscriptions (target)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		target     TEXT PRIMARY KEY,
		item_id    TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// SQLStore keeps subscriptions and cursors in SQLite or Postgres.
// Every method is a single statement, so concurrent callers never share
// a transaction.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenSQL opens the database, applies pragmas and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return nil, errors.New("sqlite path is required")
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, errors.New("postgres DSN is required")
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite prefers a single writer; the busy timeout serializes the rest.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				logger.Warn("Failed to apply pragma", "pragma", pragma, "error", err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("SQL store ready", "driver", driver)
	return s, nil
}

// NewSQL wraps an existing connection. The schema must already exist or
// Migrate must be called.
func NewSQL(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// TouchSubscriber records a subscriber the first time it is seen.
func (s *SQLStore) TouchSubscriber(ctx context.Context, subscriber notifier.Subscriber) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO subscribers (subscriber, created_at) VALUES (?, ?)
		 ON CONFLICT (subscriber) DO NOTHING`),
		subscriber, time.Now().UTC())
	return storageErr("touch subscriber", err)
}

// AddSubscription inserts the pair if absent.
func (s *SQLStore) AddSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error {
	t, err := checkTarget(target)
	if err != nil {
		return storageErr("add subscription", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO subscriptions (subscriber, target, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (subscriber, target) DO NOTHING`),
		subscriber, t, time.Now().UTC())
	if err != nil {
		return storageErr("add subscription", err)
	}
	s.logger.Debug("Subscription stored", "subscriber", subscriber, "target", t)
	return nil
}

// RemoveSubscription deletes the pair; a missing pair is not an error.
func (s *SQLStore) RemoveSubscription(ctx context.Context, subscriber notifier.Subscriber, target string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM subscriptions WHERE subscriber = ? AND target = ?`),
		subscriber, notifier.Canonicalize(target))
	return storageErr("remove subscription", err)
}

// ListSubscriptions returns the subscriber's targets in name order.
func (s *SQLStore) ListSubscriptions(ctx context.Context, subscriber notifier.Subscriber) ([]string, error) {
	var targets []string
	err := s.db.SelectContext(ctx, &targets, s.db.Rebind(
		`SELECT target FROM subscriptions WHERE subscriber = ? ORDER BY target`), subscriber)
	if err != nil {
		return nil, storageErr("list subscriptions", err)
	}
	return targets, nil
}

// ListDistinctTargets returns every target with at least one subscriber.
func (s *SQLStore) ListDistinctTargets(ctx context.Context) ([]string, error) {
	var targets []string
	if err := s.db.SelectContext(ctx, &targets, `SELECT DISTINCT target FROM subscriptions`); err != nil {
		return nil, storageErr("list targets", err)
	}
	sort.Strings(targets)
	return targets, nil
}

// ListSubscribers returns a snapshot of the target's subscribers.
func (s *SQLStore) ListSubscribers(ctx context.Context, target string) ([]notifier.Subscriber, error) {
	var subs []notifier.Subscriber
	err := s.db.SelectContext(ctx, &subs, s.db.Rebind(
		`SELECT subscriber FROM subscriptions WHERE target = ?`), notifier.Canonicalize(target))
	if err != nil {
		return nil, storageErr("list subscribers", err)
	}
	return subs, nil
}

// GetCursor returns the stored cursor; ok is false if the target was never checked.
func (s *SQLStore) GetCursor(ctx context.Context, target string) (string, bool, error) {
	var c notifier.Cursor
	err := s.db.GetContext(ctx, &c, s.db.Rebind(
		`SELECT target, item_id FROM cursors WHERE target = ?`), notifier.Canonicalize(target))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get cursor", err)
	}
	return c.ItemID, true, nil
}

// SetCursor upserts the cursor. Forward-only movement is the caller's job.
func (s *SQLStore) SetCursor(ctx context.Context, target, itemID string) error {
	t, err := checkTarget(target)
	if err != nil {
		return storageErr("set cursor", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO cursors (target, item_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (target) DO UPDATE SET item_id = excluded.item_id, updated_at = excluded.updated_at`),
		t, itemID, time.Now().UTC())
	return storageErr("set cursor", err)
}
