// Package notifier contains the core domain types for the tweet notification service.
package notifier

import (
	"regexp"
	"strings"
	"time"
)

// Subscriber identifies a notification recipient (a Telegram chat ID).
type Subscriber = int64

// Item is a single content unit fetched from a target's stream.
type Item struct {
	PublishedAt time.Time // Zero if the source does not report it
	ID          string    // Opaque, totally ordered per target
	Text        string    // Plain text content
	Link        string    // Canonical link to the item
	Position    int       // Index in the fetch batch, used to break ordering ties
}

// Subscription is the relation between a subscriber and a target.
type Subscription struct {
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	Target     string     `db:"target" json:"target"`
	Subscriber Subscriber `db:"subscriber" json:"subscriber"`
}

// Cursor records the newest delivered item for a target.
type Cursor struct {
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Target    string    `db:"target" json:"target"`
	ItemID    string    `db:"item_id" json:"item_id"`
}

var targetRegex = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// Canonicalize returns the canonical form of a target: surrounding spaces
// removed, one leading '@' stripped, lower-cased.
func Canonicalize(target string) string {
	target = strings.TrimSpace(target)
	target = strings.TrimPrefix(target, "@")
	return strings.ToLower(target)
}

// ParseTarget validates user-supplied target text and returns its canonical form.
func ParseTarget(text string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(text), "@")
	if !targetRegex.MatchString(name) {
		return "", &ValidationError{Input: text, Reason: "must be 1-15 letters, digits or underscores"}
	}
	return strings.ToLower(name), nil
}
