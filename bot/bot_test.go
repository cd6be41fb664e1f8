package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"tweet-notifier/commands"
	"tweet-notifier/pkg/notifier"
	"tweet-notifier/poll"
	"tweet-notifier/storage"
)

type stubChecker struct {
	stats *poll.CycleStats
	err   error
}

func (c *stubChecker) CheckNow(context.Context) (*poll.CycleStats, error) {
	return c.stats, c.err
}

func newTestBot(t *testing.T, checker *stubChecker) *Bot {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.OpenSQL(context.Background(), storage.DriverSQLite, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(commands.New(store, checker, logger), logger)
}

func TestReplyConversation(t *testing.T) {
	b := newTestBot(t, &stubChecker{stats: &poll.CycleStats{Targets: 2, NewItems: 1}})
	ctx := context.Background()
	const chat notifier.Subscriber = 42

	steps := []struct {
		text string
		want string
	}{
		{"/start", welcomeText},
		{"/list", "You have no subscriptions yet."},
		{"/add @Alice", "Subscribed to @alice ✅"},
		{"@bob", "Subscribed to @bob ✅"},
		{"/add@tweet_bot carol", "Subscribed to @carol ✅"},
		{"/list", "Your subscriptions:\n• @alice\n• @bob\n• @carol"},
		{"/remove BOB", "Unsubscribed from @bob"},
		{"/list", "Your subscriptions:\n• @alice\n• @carol"},
		{"/check", "Checked 2 accounts, found 1 new posts."},
	}
	for _, step := range steps {
		assert.Equal(t, step.want, b.Reply(ctx, chat, step.text), step.text)
	}
}

func TestReplyValidation(t *testing.T) {
	b := newTestBot(t, &stubChecker{})
	ctx := context.Background()

	for _, text := range []string{"/add not-valid", "@", "/remove way_too_long_username"} {
		assert.Contains(t, b.Reply(ctx, 1, text), "not a valid username", text)
	}
	assert.Contains(t, b.Reply(ctx, 1, "/add"), "/add &lt;username&gt;")
	assert.Contains(t, b.Reply(ctx, 1, "/remove   "), "/remove &lt;username&gt;")
}

func TestReplyBareUsernameSubscribes(t *testing.T) {
	b := newTestBot(t, &stubChecker{})
	ctx := context.Background()

	assert.Equal(t, "Subscribed to @dave ✅", b.Reply(ctx, 1, "Dave"))
	assert.Equal(t, "Subscribed to @erin_99 ✅", b.Reply(ctx, 1, "  erin_99 "))
	assert.Equal(t, "Your subscriptions:\n• @dave\n• @erin_99", b.Reply(ctx, 1, "/list"))
}

func TestReplyIgnoresPlainText(t *testing.T) {
	b := newTestBot(t, &stubChecker{})
	assert.Empty(t, b.Reply(context.Background(), 1, "hello there"))
	assert.Empty(t, b.Reply(context.Background(), 1, "this-is-not-a-name"))
	assert.Contains(t, b.Reply(context.Background(), 1, "/frobnicate"), "Unknown command")
}

func TestReplyCheckBusy(t *testing.T) {
	b := newTestBot(t, &stubChecker{err: poll.ErrCycleInProgress})
	assert.Equal(t, "A check is already running, try again in a moment.", b.Reply(context.Background(), 1, "/check"))

	b = newTestBot(t, &stubChecker{err: errors.New("list targets: boom")})
	assert.Equal(t, "Something went wrong, please try again later.", b.Reply(context.Background(), 1, "/check"))
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in, command, payload string
	}{
		{"/add foo", "/add", "foo"},
		{"  /ADD   foo  ", "/add", "foo"},
		{"/list@my_bot", "/list", ""},
		{"@foo", "", "@foo"},
		{"", "", ""},
	}
	for _, tt := range tests {
		command, payload := splitCommand(tt.in)
		if command != tt.command || payload != tt.payload {
			t.Errorf("splitCommand(%q) = %q, %q; want %q, %q", tt.in, command, payload, tt.command, tt.payload)
		}
	}
}

type fakePoller struct {
	mu        sync.Mutex
	endpoints []any
	stop      chan struct{}
	once      sync.Once
}

func (p *fakePoller) Handle(endpoint any, _ tele.HandlerFunc, _ ...tele.MiddlewareFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = append(p.endpoints, endpoint)
}

func (p *fakePoller) Start() { <-p.stop }

func (p *fakePoller) Stop() { p.once.Do(func() { close(p.stop) }) }

func TestRunRegistersAndStops(t *testing.T) {
	b := newTestBot(t, &stubChecker{})
	p := &fakePoller{stop: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx, p)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.ElementsMatch(t, []any{"/start", "/help", "/add", "/remove", "/list", "/check", tele.OnText}, p.endpoints)
}
