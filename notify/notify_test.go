package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweet-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingProvider records every send and fails for chosen recipients.
type recordingProvider struct {
	failFor map[notifier.Subscriber]bool
	blocked map[notifier.Subscriber]bool
	sent    []*notifier.Message
	times   []time.Time
	mu      sync.Mutex
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(_ context.Context, msg *notifier.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.times = append(p.times, time.Now())
	if p.blocked[msg.Recipient] {
		return &permanentError{err: errors.New("bot was blocked by the user")}
	}
	if p.failFor[msg.Recipient] {
		return errors.New("chat unreachable")
	}
	p.sent = append(p.sent, msg)
	return nil
}

func items(ids ...string) []*notifier.Item {
	out := make([]*notifier.Item, len(ids))
	for i, id := range ids {
		out[i] = &notifier.Item{ID: id, Text: "post" + id, Link: "https://x.com/alice/status/" + id}
	}
	return out
}

func TestNotifyDeliversInOrderAndAdvances(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, 0, testLogger())

	var committed []string
	advance := func(_ context.Context, it *notifier.Item) error {
		committed = append(committed, it.ID)
		return nil
	}

	report, err := s.Notify(context.Background(), "alice", items("4", "5"), []notifier.Subscriber{1}, advance)
	require.NoError(t, err)

	require.Len(t, p.sent, 2)
	assert.Equal(t, "4", p.sent[0].ItemID)
	assert.Equal(t, "5", p.sent[1].ItemID)
	assert.Equal(t, []string{"4", "5"}, committed)
	assert.Equal(t, &Report{Items: 2, Delivered: 2, Committed: 2}, report)
}

func TestNotifyFanOutIsolation(t *testing.T) {
	p := &recordingProvider{failFor: map[notifier.Subscriber]bool{1: true}}
	s := New(p, 0, testLogger())

	var committed []string
	advance := func(_ context.Context, it *notifier.Item) error {
		committed = append(committed, it.ID)
		return nil
	}

	report, err := s.Notify(context.Background(), "bob", items("10"), []notifier.Subscriber{1, 2}, advance)
	require.NoError(t, err)

	require.Len(t, p.sent, 1)
	assert.Equal(t, notifier.Subscriber(2), p.sent[0].Recipient)
	assert.Equal(t, []string{"10"}, committed, "cursor advances despite a failed delivery")
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, notifier.Subscriber(1), report.Failures[0].Recipient)
	assert.Equal(t, "10", report.Failures[0].ItemID)
}

func TestNotifyCountsUnreachableRecipients(t *testing.T) {
	p := &recordingProvider{
		failFor: map[notifier.Subscriber]bool{2: true},
		blocked: map[notifier.Subscriber]bool{3: true},
	}
	s := New(p, 0, testLogger())

	report, err := s.Notify(context.Background(), "bob", items("10", "11"), []notifier.Subscriber{1, 2, 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, 2, report.Unreachable, "blocked chats are counted apart from transient failures")
	for _, f := range report.Failures {
		assert.Equal(t, f.Recipient == 3, IsPermanent(f), "recipient %d", f.Recipient)
	}
}

func TestNotifyPacesDeliveries(t *testing.T) {
	const interval = 20 * time.Millisecond
	p := &recordingProvider{}
	s := New(p, interval, testLogger())

	start := time.Now()
	report, err := s.Notify(context.Background(), "alice", items("1", "2", "3"), []notifier.Subscriber{1}, nil)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Delivered)

	// The first send uses the initial token, the other two wait one interval each.
	assert.GreaterOrEqual(t, elapsed, 2*interval-time.Millisecond)
	require.Len(t, p.times, 3)
	assert.GreaterOrEqual(t, p.times[2].Sub(p.times[0]), 2*interval-time.Millisecond)
}

func TestNotifyStopsWhenCommitFails(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, 0, testLogger())

	commitErr := &notifier.StorageError{Op: "set cursor", Err: errors.New("disk full")}
	advance := func(_ context.Context, it *notifier.Item) error {
		if it.ID == "2" {
			return commitErr
		}
		return nil
	}

	report, err := s.Notify(context.Background(), "carol", items("1", "2", "3"), []notifier.Subscriber{7}, advance)
	require.Error(t, err)
	assert.True(t, notifier.IsStorage(err))
	assert.Len(t, p.sent, 2, "item 3 is left for the next cycle")
	assert.Equal(t, 1, report.Committed)
}

func TestNotifyNoSubscribersStillAdvances(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, 0, testLogger())

	var committed []string
	_, err := s.Notify(context.Background(), "dave", items("1"), nil, func(_ context.Context, it *notifier.Item) error {
		committed = append(committed, it.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, p.sent)
	assert.Equal(t, []string{"1"}, committed)
}

func TestNotifyCanceledContext(t *testing.T) {
	p := &recordingProvider{}
	s := New(p, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Notify(ctx, "erin", items("1"), []notifier.Subscriber{1}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.sent)
}

func TestLogProvider(t *testing.T) {
	p := NewLogProvider(testLogger())
	assert.Equal(t, "log", p.Name())
	assert.NoError(t, p.Send(context.Background(), &notifier.Message{Recipient: 1, Text: "hi"}))
}
