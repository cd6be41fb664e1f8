package poll

import (
	"slices"

	"tweet-notifier/pkg/notifier"
)

// Selection is the outcome of comparing a fetched batch with a cursor.
type Selection struct {
	Next     string           // Candidate cursor, valid when Advance is true
	New      []*notifier.Item // Oldest first
	Advance  bool
	Baseline bool // No cursor existed; nothing is delivered
	Gap      bool // The oldest fetched item is already newer than the cursor
}

// Select decides which fetched items are new relative to cursor and where
// the cursor should move. compare orders item IDs; fetch position breaks ties
// (lower position is treated as newer, matching newest-first upstreams).
func Select(items []*notifier.Item, cursor string, hasCursor bool, compare func(a, b string) int) Selection {
	sorted := newestFirst(items, compare)
	if len(sorted) == 0 {
		return Selection{}
	}

	if !hasCursor {
		return Selection{Next: sorted[0].ID, Advance: true, Baseline: true}
	}

	var fresh []*notifier.Item
	for _, it := range sorted {
		if compare(it.ID, cursor) > 0 {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		return Selection{}
	}

	sel := Selection{
		Next: fresh[0].ID,
		Gap:  compare(sorted[len(sorted)-1].ID, cursor) > 0,
	}
	sel.Advance = compare(sel.Next, cursor) > 0
	slices.Reverse(fresh)
	sel.New = fresh
	return sel
}

// newestFirst drops repeated IDs and sorts descending.
func newestFirst(items []*notifier.Item, compare func(a, b string) int) []*notifier.Item {
	seen := make(map[string]bool, len(items))
	out := make([]*notifier.Item, 0, len(items))
	for _, it := range items {
		if it == nil || it.ID == "" || seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	slices.SortStableFunc(out, func(a, b *notifier.Item) int {
		if c := compare(b.ID, a.ID); c != 0 {
			return c
		}
		return a.Position - b.Position
	})
	return out
}
