// Package xapi fetches recent posts through the X (Twitter) API v2.
package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tweet-notifier/pkg/notifier"
	"tweet-notifier/source"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.x.com"

// Config holds API client settings.
type Config struct {
	BaseURL     string
	BearerToken string
	MaxResults  int // 5..100, the API rejects smaller values
	Attempts    uint
}

// Client implements source.Source against the X API.
type Client struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	userIDs map[string]string // canonical username -> numeric user ID
}

// New creates a new API client.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxResults < 5 {
		cfg.MaxResults = 5
	}
	if cfg.MaxResults > 100 {
		cfg.MaxResults = 100
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	return &Client{
		client:  client,
		logger:  logger.With("source", "xapi"),
		cfg:     cfg,
		userIDs: make(map[string]string),
	}
}

// Name identifies the adapter in logs.
func (c *Client) Name() string { return "xapi" }

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

type userResponse struct {
	Data *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

type tweetsResponse struct {
	Data []struct {
		CreatedAt time.Time `json:"created_at"`
		ID        string    `json:"id"`
		Text      string    `json:"text"`
	} `json:"data"`
	Errors []apiError `json:"errors"`
}

// Fetch returns the target's most recent original posts, newest first as the API orders them.
//
// The first Fetch for a target makes two requests inside the caller's pacing
// slot: a username lookup, then the timeline. The user ID is cached, so later
// fetches make one request until a 404 evicts it.
func (c *Client) Fetch(ctx context.Context, target string) ([]*notifier.Item, error) {
	target = notifier.Canonicalize(target)

	userID, err := c.userID(ctx, target)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(c.cfg.MaxResults))
	q.Set("exclude", "retweets,replies")
	q.Set("tweet.fields", "created_at")
	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", c.cfg.BaseURL, url.PathEscape(userID), q.Encode())

	var resp tweetsResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		var se *source.HTTPStatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			c.forget(target)
		}
		return nil, source.Classify(target, err)
	}
	if len(resp.Data) == 0 && len(resp.Errors) > 0 {
		return nil, notifier.NewSourceError(target, notifier.ErrUnavailable, errors.New(resp.Errors[0].Title))
	}

	items := make([]*notifier.Item, 0, len(resp.Data))
	for i, t := range resp.Data {
		items = append(items, &notifier.Item{
			ID:          t.ID,
			Text:        t.Text,
			Link:        fmt.Sprintf("https://x.com/%s/status/%s", target, t.ID),
			PublishedAt: t.CreatedAt,
			Position:    i,
		})
	}

	c.logger.Debug("Posts fetched", "target", target, "count", len(items))
	return items, nil
}

func (c *Client) userID(ctx context.Context, target string) (string, error) {
	c.mu.Lock()
	id, ok := c.userIDs[target]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	endpoint := fmt.Sprintf("%s/2/users/by/username/%s", c.cfg.BaseURL, url.PathEscape(target))
	var resp userResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return "", source.Classify(target, err)
	}
	if resp.Data == nil || resp.Data.ID == "" {
		reason := "user not found"
		if len(resp.Errors) > 0 {
			reason = resp.Errors[0].Title
		}
		return "", notifier.NewSourceError(target, notifier.ErrNotFound, errors.New(reason))
	}

	c.mu.Lock()
	c.userIDs[target] = resp.Data.ID
	c.mu.Unlock()

	c.logger.Info("User ID resolved", "target", target, "user_id", resp.Data.ID)
	return resp.Data.ID, nil
}

func (c *Client) forget(target string) {
	c.mu.Lock()
	delete(c.userIDs, target)
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	return source.Do(ctx, c.logger, c.cfg.Attempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
		req.Header.Set("User-Agent", source.UserAgent)
		req.Header.Set("Accept", "application/json")

		startTime := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Warn("HTTP request failed", "url", endpoint, "duration_ms", time.Since(startTime).Milliseconds(), "error", err)
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Warn("Failed to close response body", "error", closeErr)
			}
		}()

		c.logger.Debug("HTTP request completed",
			"url", endpoint,
			"status_code", resp.StatusCode,
			"duration_ms", time.Since(startTime).Milliseconds())

		if resp.StatusCode != http.StatusOK {
			return source.StatusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}
