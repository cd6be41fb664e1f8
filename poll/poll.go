// Package poll runs the check cycle: fetch each target, pick new items,
// deliver them and move the cursor.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tweet-notifier/pkg/notifier"
	"tweet-notifier/source"
)

// ErrCycleInProgress is returned by CheckNow while another cycle runs.
var ErrCycleInProgress = errors.New("check already in progress")

// State is the scheduler state.
type State int32

// Scheduler states.
const (
	Idle State = iota
	Cycling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Cycling:
		return "cycling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config controls pacing.
type Config struct {
	CycleInterval  time.Duration // Idle time between cycles
	SourceInterval time.Duration // Minimum gap between source calls
	StartupDelay   time.Duration
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	StartedAt        time.Time     `json:"started_at"`
	Trigger          string        `json:"trigger"`
	Duration         time.Duration `json:"duration_ns"`
	Targets          int           `json:"targets"`
	Fetched          int           `json:"fetched"`
	Skipped          int           `json:"skipped"`
	Baselined        int           `json:"baselined"`
	NewItems         int           `json:"new_items"`
	Deliveries       int           `json:"deliveries"`
	DeliveryFailures int           `json:"delivery_failures"`
	Unreachable      int           `json:"unreachable"`
}

// Monitor drives the check cycle.
type Monitor struct {
	source   Source
	store    Store
	notifier Notifier
	logger   *slog.Logger
	limiter  *rate.Limiter
	compare  func(a, b string) int
	last     atomic.Pointer[CycleStats]
	cfg      Config
	mu       sync.Mutex // held for the whole cycle
	state    atomic.Int32
}

// New creates a new poll monitor.
func New(src Source, store Store, n Notifier, cfg Config, logger *slog.Logger) *Monitor {
	limit := rate.Inf
	if cfg.SourceInterval > 0 {
		limit = rate.Every(cfg.SourceInterval)
	}
	return &Monitor{
		source:   src,
		store:    store,
		notifier: n,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		compare:  source.CompareFunc(src),
		cfg:      cfg,
	}
}

// State reports whether a cycle is running.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// LastCycle returns the stats of the most recent completed cycle, or nil.
func (m *Monitor) LastCycle() *CycleStats {
	return m.last.Load()
}

// Run waits StartupDelay, then cycles until ctx is done, sleeping
// CycleInterval after each cycle. A cycle in progress is always finished.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Poll loop started",
		"source", m.source.Name(),
		"cycle_interval", m.cfg.CycleInterval.String(),
		"source_interval", m.cfg.SourceInterval.String(),
		"startup_delay", m.cfg.StartupDelay.String())

	if err := sleep(ctx, m.cfg.StartupDelay); err != nil {
		m.logger.Info("Poll loop stopped before first cycle")
		return nil
	}

	for {
		if _, err := m.CheckAll(ctx); err != nil {
			m.logger.Error("Cycle aborted", "error", err)
		}
		if err := sleep(ctx, m.cfg.CycleInterval); err != nil {
			m.logger.Info("Poll loop stopped")
			return nil
		}
	}
}

// CheckAll waits for any running cycle to finish, then runs one.
func (m *Monitor) CheckAll(ctx context.Context) (*CycleStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle(ctx, "timer")
}

// CheckNow runs one cycle immediately, or returns ErrCycleInProgress.
func (m *Monitor) CheckNow(ctx context.Context) (*CycleStats, error) {
	if !m.mu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer m.mu.Unlock()
	return m.cycle(ctx, "manual")
}

func (m *Monitor) cycle(ctx context.Context, trigger string) (*CycleStats, error) {
	// Once started a cycle runs to completion.
	ctx = context.WithoutCancel(ctx)

	m.state.Store(int32(Cycling))
	defer m.state.Store(int32(Idle))

	stats := &CycleStats{StartedAt: time.Now(), Trigger: trigger}

	targets, err := m.store.ListDistinctTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	stats.Targets = len(targets)

	if len(targets) == 0 {
		m.logger.Debug("No targets to check", "trigger", trigger)
		stats.Duration = time.Since(stats.StartedAt)
		m.last.Store(stats)
		return stats, nil
	}

	m.logger.Info("Checking targets", "count", len(targets), "trigger", trigger)

	for _, target := range targets {
		if err := m.checkTarget(ctx, target, stats); err != nil {
			stats.Skipped++
			m.logger.Warn("Target check failed", "target", target, "error", err)
		}
	}

	stats.Duration = time.Since(stats.StartedAt)
	m.last.Store(stats)

	m.logger.Info("Cycle completed",
		"trigger", trigger,
		"targets", stats.Targets,
		"fetched", stats.Fetched,
		"skipped", stats.Skipped,
		"baselined", stats.Baselined,
		"new_items", stats.NewItems,
		"deliveries", stats.Deliveries,
		"delivery_failures", stats.DeliveryFailures,
		"unreachable", stats.Unreachable,
		"duration_ms", stats.Duration.Milliseconds())

	return stats, nil
}

func (m *Monitor) checkTarget(ctx context.Context, target string, stats *CycleStats) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for source slot: %w", err)
	}

	items, err := m.source.Fetch(ctx, target)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	stats.Fetched++

	cursor, hasCursor, err := m.store.GetCursor(ctx, target)
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}

	sel := Select(items, cursor, hasCursor, m.compare)

	m.logger.Debug("Items fetched for comparison",
		"target", target,
		"fetched", len(items),
		"cursor", cursor,
		"new", len(sel.New))

	if sel.Baseline {
		if err := m.store.SetCursor(ctx, target, sel.Next); err != nil {
			return fmt.Errorf("set baseline cursor: %w", err)
		}
		stats.Baselined++
		m.logger.Info("Initial cursor recorded", "target", target, "item_id", sel.Next)
		return nil
	}

	if len(sel.New) == 0 {
		return nil
	}

	if sel.Gap {
		m.logger.Warn("Oldest fetched item is newer than cursor - items may have been missed",
			"target", target,
			"cursor", cursor,
			"oldest_fetched_id", sel.New[0].ID)
	}

	subscribers, err := m.store.ListSubscribers(ctx, target)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	m.logger.Info("New items detected",
		"target", target,
		"count", len(sel.New),
		"subscribers", len(subscribers),
		"previous", cursor,
		"next", sel.Next)

	committed := cursor
	advance := func(ctx context.Context, item *notifier.Item) error {
		if m.compare(item.ID, committed) <= 0 {
			return nil
		}
		if err := m.store.SetCursor(ctx, target, item.ID); err != nil {
			return err
		}
		committed = item.ID
		return nil
	}

	stats.NewItems += len(sel.New)
	report, err := m.notifier.Notify(ctx, target, sel.New, subscribers, advance)
	if report != nil {
		stats.Deliveries += report.Delivered
		stats.DeliveryFailures += report.Failed
		stats.Unreachable += report.Unreachable
	}
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
