// Package entry defines the value type the cache engine persists and serves: one memoized
// computation's serialized output plus its freshness metadata and provenance tags. Entries are
// immutable once constructed; duplication happens by teeing the underlying output stream, never by
// sharing a cursor.

package entry

import (
	"slices"
	"time"

	"github.com/nobletooth/stash/pkg/stream"
)

// Entry represents one completed (or partially completed, if errored) execution of a cached
// function.
type Entry struct {
	// Value is a single-consumption cursor over the serialized output. Tee the entry before
	// handing it to more than one consumer.
	Value *stream.Reader
	// Timestamp is when the computation started, not when it finished. Freshness windows are
	// anchored here so a slow generation doesn't look fresher than it is.
	Timestamp time.Time
	Lifetime  Lifetime
	// Tags are the invalidation tags accumulated during the execution, ordered and deduplicated.
	Tags []string
}

// Tee duplicates the entry into two entries with independent cursors over the same output. The
// receiver must not be consumed afterwards.
func (e *Entry) Tee() (*Entry, *Entry) {
	left, right := e.Value.Tee()
	leftEntry, rightEntry := *e, *e
	leftEntry.Value = left
	rightEntry.Value = right
	return &leftEntry, &rightEntry
}

// IsExpired reports whether the entry is dead at `now` and must not be served.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.Timestamp.Add(e.Lifetime.Expire))
}

// IsStale reports whether the entry should trigger a background regeneration when served at `now`.
// A stale entry is still servable; see IsExpired for the hard cutoff.
func (e *Entry) IsStale(now time.Time) bool {
	return now.After(e.Timestamp.Add(e.Lifetime.Revalidate))
}

// HasTag reports whether any of the entry's tags appears in `tags`.
func (e *Entry) HasTag(tags []string) bool {
	for _, tag := range e.Tags {
		if slices.Contains(tags, tag) {
			return true
		}
	}
	return false
}

// DedupeTags returns `tags` with duplicates removed, preserving first-seen order.
func DedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	deduped := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		deduped = append(deduped, tag)
	}
	return deduped
}
