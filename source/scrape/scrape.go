// Package scrape reads a target's timeline from a Nitter-style HTML mirror.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tweet-notifier/pkg/notifier"
	"tweet-notifier/source"
)

// DefaultBaseURL is the mirror used when none is configured.
const DefaultBaseURL = "https://nitter.net"

// Nitter renders dates as "May 1, 2024 · 10:00 AM UTC".
const dateLayout = "Jan 2, 2006 · 3:04 PM MST"

var statusPathRegex = regexp.MustCompile(`/status/(\d+)`)

var errNoTimeline = errors.New("timeline unavailable")

// Scraper implements source.Source by parsing timeline pages.
type Scraper struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	linkBase string
	attempts uint
}

// New creates a new scraper.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Scraper {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Scraper{
		client:   client,
		logger:   logger.With("source", "scrape"),
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		linkBase: "https://x.com",
		attempts: 3,
	}
}

// Name identifies the adapter in logs.
func (s *Scraper) Name() string { return "scrape" }

// Fetch returns the posts on the first timeline page, pinned posts and
// reposts excluded.
func (s *Scraper) Fetch(ctx context.Context, target string) ([]*notifier.Item, error) {
	target = notifier.Canonicalize(target)
	pageURL := s.baseURL + "/" + url.PathEscape(target)

	var items []*notifier.Item
	err := source.Do(ctx, s.logger, s.attempts, func() error {
		s.logger.Debug("HTTP request starting", "method", "GET", "url", pageURL, "purpose", "fetch_timeline")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		// Browser-like headers; mirrors block obvious bots.
		req.Header.Set("User-Agent", source.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Sec-Fetch-Dest", "document")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Sec-Fetch-Site", "none")
		req.Header.Set("Upgrade-Insecure-Requests", "1")

		startTime := time.Now()
		resp, err := s.client.Do(req)
		duration := time.Since(startTime)
		if err != nil {
			s.logger.Warn("HTTP request failed", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				s.logger.Warn("Failed to close response body", "error", closeErr)
			}
		}()

		s.logger.Debug("HTTP request completed",
			"url", pageURL,
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds())

		if resp.StatusCode != http.StatusOK {
			return source.StatusError(resp)
		}

		items, err = s.parseTimeline(resp.Body)
		if err != nil {
			return fmt.Errorf("parse timeline: %w", err)
		}
		return nil
	})
	if errors.Is(err, errNoTimeline) {
		return nil, notifier.NewSourceError(target, notifier.ErrNotFound, err)
	}
	if err != nil {
		return nil, source.Classify(target, err)
	}

	if len(items) > 0 {
		s.logger.Debug("Timeline parsed",
			"target", target,
			"items_found", len(items),
			"first_item_id", items[0].ID,
			"last_item_id", items[len(items)-1].ID)
	}
	return items, nil
}

func (s *Scraper) parseTimeline(body io.Reader) ([]*notifier.Item, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	// An unknown account renders an error panel instead of a timeline.
	if msg := strings.TrimSpace(doc.Find(".error-panel").First().Text()); msg != "" {
		return nil, fmt.Errorf("%w: %s", errNoTimeline, msg)
	}

	var items []*notifier.Item
	doc.Find(".timeline-item").Each(func(_ int, sel *goquery.Selection) {
		if sel.Find(".pinned").Length() > 0 || sel.Find(".retweet-header").Length() > 0 {
			return
		}

		href, ok := sel.Find("a.tweet-link").First().Attr("href")
		if !ok {
			return
		}
		m := statusPathRegex.FindStringSubmatch(href)
		if m == nil {
			return
		}
		path := strings.SplitN(href, "#", 2)[0]

		item := &notifier.Item{
			ID:       m[1],
			Text:     strings.TrimSpace(sel.Find(".tweet-content").First().Text()),
			Link:     s.linkBase + path,
			Position: len(items),
		}
		if title, ok := sel.Find(".tweet-date a").First().Attr("title"); ok {
			if ts, err := time.Parse(dateLayout, title); err == nil {
				item.PublishedAt = ts
			}
		}
		items = append(items, item)
	})

	return items, nil
}
