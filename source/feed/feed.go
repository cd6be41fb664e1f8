// Package feed reads a target's posts from a per-target RSS or Atom feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"tweet-notifier/pkg/notifier"
	"tweet-notifier/source"
)

// DefaultURLTemplate is used when no template is configured.
const DefaultURLTemplate = "https://rss.app/feeds/{target}.xml"

var statusIDRegex = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// Reader implements source.Source over feeds.
type Reader struct {
	client      *http.Client
	logger      *slog.Logger
	urlTemplate string
	attempts    uint
}

// New creates a feed reader. template must contain "{target}".
func New(client *http.Client, template string, logger *slog.Logger) *Reader {
	if template == "" {
		template = DefaultURLTemplate
	}
	return &Reader{
		client:      client,
		logger:      logger.With("source", "feed"),
		urlTemplate: template,
		attempts:    3,
	}
}

// Name identifies the adapter in logs.
func (r *Reader) Name() string { return "feed" }

// URL returns the feed URL for a target.
func (r *Reader) URL(target string) string {
	return strings.ReplaceAll(r.urlTemplate, "{target}", notifier.Canonicalize(target))
}

// Fetch downloads and parses the target's feed.
func (r *Reader) Fetch(ctx context.Context, target string) ([]*notifier.Item, error) {
	target = notifier.Canonicalize(target)
	feedURL := r.URL(target)

	var parsed *gofeed.Feed
	err := source.Do(ctx, r.logger, r.attempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, http.NoBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", source.UserAgent)
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

		startTime := time.Now()
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				r.logger.Warn("Failed to close response body", "error", closeErr)
			}
		}()

		r.logger.Debug("HTTP request completed",
			"url", feedURL,
			"status_code", resp.StatusCode,
			"duration_ms", time.Since(startTime).Milliseconds())

		if resp.StatusCode != http.StatusOK {
			return source.StatusError(resp)
		}

		f, err := gofeed.NewParser().Parse(resp.Body)
		if err != nil {
			return fmt.Errorf("parse feed: %w", err)
		}
		parsed = f
		return nil
	})
	if err != nil {
		return nil, source.Classify(target, err)
	}

	items := make([]*notifier.Item, 0, len(parsed.Items))
	for i, entry := range parsed.Items {
		id := itemID(entry)
		if id == "" {
			r.logger.Debug("Skipping feed entry without status ID", "target", target, "position", i, "guid", entry.GUID)
			continue
		}
		item := &notifier.Item{
			ID:       id,
			Text:     entryText(entry),
			Link:     entry.Link,
			Position: i,
		}
		if entry.PublishedParsed != nil {
			item.PublishedAt = *entry.PublishedParsed
		}
		items = append(items, item)
	}

	if len(items) == 0 && len(parsed.Items) > 0 {
		return nil, notifier.NewSourceError(target, notifier.ErrUnavailable, errors.New("no usable entries in feed"))
	}

	r.logger.Debug("Feed parsed", "target", target, "entries", len(parsed.Items), "items", len(items))
	return items, nil
}

// itemID returns the numeric status ID from the link or GUID, or "" when
// there is none. Entries without one cannot be ordered against real posts.
func itemID(entry *gofeed.Item) string {
	for _, s := range []string{entry.Link, entry.GUID} {
		if m := statusIDRegex.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

func entryText(entry *gofeed.Item) string {
	for _, s := range []string{entry.Title, entry.Description, entry.Content} {
		if text := flatten(s); text != "" {
			return text
		}
	}
	return ""
}

// flatten strips markup and collapses whitespace.
func flatten(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
