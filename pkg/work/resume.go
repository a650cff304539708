// The resume cache carries cache entries from an aborted speculative render into its resumption,
// so the resumed attempt replays the same inputs instead of refetching them. A mutable cache is
// filled during the first attempt, sealed, and handed to the resume as a read-only view.

package work

import (
	"sync"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/utils"
)

// ResumeCache maps encoded cache keys to entries across a prerender attempt and its resumption.
type ResumeCache struct {
	mu        sync.Mutex
	entries   map[string]*entry.Entry
	immutable bool
}

// NewResumeCache returns an empty mutable cache.
func NewResumeCache() *ResumeCache {
	return &ResumeCache{entries: make(map[string]*entry.Entry)}
}

// Seal returns a read-only view sharing the same entries; writes to the sealed view are dropped.
func (rc *ResumeCache) Seal() *ResumeCache {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return &ResumeCache{entries: rc.entries, immutable: true}
}

// Get returns an independently consumable copy of the entry for key, or nil on a miss. The stored
// entry stays readable for later Gets.
func (rc *ResumeCache) Get(key string) *entry.Entry {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	stored, ok := rc.entries[key]
	if !ok {
		return nil
	}
	kept, given := stored.Tee()
	rc.entries[key] = kept
	return given
}

// Set stores an independently consumable copy of the entry; the caller keeps its own cursor.
// Writing to a sealed cache is an engine bug and the write is dropped.
func (rc *ResumeCache) Set(key string, e *entry.Entry) *entry.Entry {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.immutable {
		utils.RaiseInvariant("work", "sealed_resume_cache_write", "An entry was written to a sealed resume cache.", "key", key)
		return e
	}
	kept, stored := e.Tee()
	rc.entries[key] = stored
	return kept
}

// Len reports how many entries the cache holds.
func (rc *ResumeCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}
