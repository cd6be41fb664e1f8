package xapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"tweet-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(url string) *Client {
	return New(http.DefaultClient, Config{BaseURL: url, BearerToken: "secret", Attempts: 1}, testLogger())
}

func TestFetch(t *testing.T) {
	var lookups, timelines atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/by/username/alice", func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"data":{"id":"42","username":"Alice"}}`)
	})
	mux.HandleFunc("/2/users/42/tweets", func(w http.ResponseWriter, r *http.Request) {
		timelines.Add(1)
		q := r.URL.Query()
		if q.Get("max_results") != "5" {
			t.Errorf("max_results = %q, want 5", q.Get("max_results"))
		}
		if q.Get("exclude") != "retweets,replies" {
			t.Errorf("exclude = %q", q.Get("exclude"))
		}
		fmt.Fprint(w, `{"data":[
			{"id":"5","text":"post5","created_at":"2024-05-01T10:00:00Z"},
			{"id":"4","text":"post4","created_at":"2024-05-01T09:00:00Z"},
			{"id":"3","text":"post3","created_at":"2024-05-01T08:00:00Z"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	wantRequests := []int32{2, 1}
	for i := range 2 {
		before := lookups.Load() + timelines.Load()
		items, err := c.Fetch(context.Background(), "@Alice")
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("got %d items, want 3", len(items))
		}
		if items[0].ID != "5" || items[0].Text != "post5" || items[0].Position != 0 {
			t.Errorf("first item = %+v", items[0])
		}
		if items[2].Link != "https://x.com/alice/status/3" {
			t.Errorf("Link = %q", items[2].Link)
		}
		if items[0].PublishedAt.IsZero() {
			t.Error("PublishedAt should be parsed")
		}
		if n := lookups.Load() + timelines.Load() - before; n != wantRequests[i] {
			t.Errorf("fetch %d made %d requests, want %d", i+1, n, wantRequests[i])
		}
	}
	if n := lookups.Load(); n != 1 {
		t.Errorf("username lookups = %d, want 1 (cached)", n)
	}
}

func TestFetchEmptyTimeline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/by/username/quiet", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"id":"7","username":"quiet"}}`)
	})
	mux.HandleFunc("/2/users/7/tweets", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"meta":{"result_count":0}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	items, err := newTestClient(srv.URL).Fetch(context.Background(), "quiet")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items, want 0", len(items))
	}
}

func TestFetchErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "unknown user",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"errors":[{"title":"Not Found Error","detail":"Could not find user"}]}`)
			},
			want: notifier.ErrNotFound,
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			want: notifier.ErrRateLimited,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: notifier.ErrUnavailable,
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			want: notifier.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(srv.URL).Fetch(context.Background(), "someone")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Fetch() error = %v, want kind %v", err, tt.want)
			}
			var se *notifier.SourceError
			if !errors.As(err, &se) || se.Target != "someone" {
				t.Errorf("error should be a SourceError for target someone, got %v", err)
			}
		})
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/2/users/by/username/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data":{"id":"9","username":"flaky"}}`)
	})
	mux.HandleFunc("/2/users/9/tweets", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"1","text":"hi"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(http.DefaultClient, Config{BaseURL: srv.URL, Attempts: 2}, testLogger())
	items, err := c.Fetch(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("got %d items, want 1", len(items))
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("lookup calls = %d, want 2", n)
	}
}

func TestNewClampsMaxResults(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 5},
		{3, 5},
		{20, 20},
		{500, 100},
	}
	for _, tt := range tests {
		c := New(http.DefaultClient, Config{MaxResults: tt.in}, testLogger())
		if c.cfg.MaxResults != tt.want {
			t.Errorf("MaxResults(%d) = %d, want %d", tt.in, c.cfg.MaxResults, tt.want)
		}
	}
}
