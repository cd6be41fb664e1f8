// Package source defines the contract for fetching a target's recent items
// and helpers shared by the concrete adapters.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"tweet-notifier/pkg/notifier"
)

// Source fetches the most recent items for a target, in whatever order the
// upstream returns them. Errors must be *notifier.SourceError.
type Source interface {
	Name() string
	Fetch(ctx context.Context, target string) ([]*notifier.Item, error)
}

// Orderer is implemented by sources whose item IDs need an order other
// than notifier.CompareIDs.
type Orderer interface {
	CompareIDs(a, b string) int
}

// CompareFunc returns the ID order to use for src.
func CompareFunc(src Source) func(a, b string) int {
	if o, ok := src.(Orderer); ok {
		return o.CompareIDs
	}
	return notifier.CompareIDs
}

// UserAgent is sent by every adapter.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// HTTPStatusError is a non-2xx upstream response.
type HTTPStatusError struct {
	RetryAfter time.Duration
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// StatusError builds an HTTPStatusError from a response.
func StatusError(resp *http.Response) *HTTPStatusError {
	e := &HTTPStatusError{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// Retryable reports whether a transport error is worth another attempt
// within the same fetch: network failures and 5xx responses only.
func Retryable(err error) bool {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Classify maps a transport error to a notifier.SourceError.
func Classify(target string, err error) error {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests:
			return notifier.NewSourceError(target, notifier.ErrRateLimited, err)
		case http.StatusNotFound, http.StatusGone:
			return notifier.NewSourceError(target, notifier.ErrNotFound, err)
		}
	}
	return notifier.NewSourceError(target, notifier.ErrUnavailable, err)
}

// Do runs fn, retrying Retryable failures, and returns the last error
// fn produced so callers can classify it.
func Do(ctx context.Context, logger *slog.Logger, attempts uint, fn func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	var last error
	err := retry.Do(
		func() error {
			last = fn()
			return last
		},
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(Retryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}
