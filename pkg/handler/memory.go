// The in-memory handler is the default durable store for single-process deployments and tests. It
// shards entries by key hash to distribute lock contention, tracks tag invalidations in an exact
// timestamp map fronted by a bloom filter (almost every lookup carries tags that were never
// invalidated, so the filter answers the common case without taking the tag lock), and runs a
// background reaper that drops entries past their expire window.

package handler

import (
	"context"
	"flag"
	"runtime"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/stream"
	"github.com/nobletooth/stash/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryShardCount = flag.Int("memory_handler_shard_count", runtime.NumCPU(),
		"The number of shards in the in-memory cache handler.")
	memoryReapInterval = flag.Duration("memory_handler_reap_interval", time.Minute,
		"How often the in-memory cache handler sweeps out expired entries.")

	memoryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memory_handler_lookups_total",
		Help: "Total number of in-memory handler lookups.",
	}, []string{"status" /* hit | miss | expired | tag_invalidated */})
	memoryReapedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memory_handler_reaped_entries_total",
		Help: "Total number of entries removed by the reaper.",
	})
)

// Expected tag cardinality for the bloom filter; beyond this the false-positive rate degrades
// gracefully to extra exact-map lookups, never to wrong answers.
const expectedExpiredTags = 100_000

// storedEntry is the materialized form of an entry: the drained output chunks plus metadata.
type storedEntry struct {
	chunks    [][]byte
	timestamp time.Time
	lifetime  entry.Lifetime
	tags      []string
}

func (s *storedEntry) expiresAt() time.Time {
	return s.timestamp.Add(s.lifetime.Expire)
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*storedEntry
}

// MemoryHandler implements Handler with sharded in-process storage.
type MemoryHandler struct {
	shards []*memoryShard

	tagMu       sync.RWMutex
	tagFilter   *bloom.BloomFilter
	tagExpiries map[string]time.Time
}

// NewMemoryHandler creates the handler and starts its reaper; the reaper stops when ctx ends.
func NewMemoryHandler(ctx context.Context) *MemoryHandler {
	shardCount := *memoryShardCount
	if shardCount <= 0 {
		utils.RaiseInvariant("handler", "negative_shard_count",
			"Invalid shard count has been given to the memory handler.", "shardCount", shardCount)
		shardCount = 1
	}
	h := &MemoryHandler{
		shards:      make([]*memoryShard, shardCount),
		tagFilter:   bloom.NewWithEstimates(expectedExpiredTags, 0.01),
		tagExpiries: make(map[string]time.Time),
	}
	for i := range h.shards {
		h.shards[i] = &memoryShard{entries: make(map[string]*storedEntry)}
	}
	go h.reaper(ctx, *memoryReapInterval)
	return h
}

func (h *MemoryHandler) shard(key string) *memoryShard {
	return h.shards[xxhash.Sum64String(key)%uint64(len(h.shards))]
}

// Get retrieves the entry under key, treating expired and tag-invalidated entries as misses.
func (h *MemoryHandler) Get(_ context.Context, key string, softTags []string) (*entry.Entry, error) {
	shard := h.shard(key)
	shard.mu.RLock()
	stored, found := shard.entries[key]
	shard.mu.RUnlock()
	if !found {
		memoryLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}

	now := time.Now()
	if now.After(stored.expiresAt()) {
		shard.mu.Lock()
		if current, still := shard.entries[key]; still && current == stored {
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
		memoryLookups.WithLabelValues("expired").Inc()
		return nil, nil
	}
	if h.tagsExpiredAfter(stored.timestamp, stored.tags) || h.tagsExpiredAfter(stored.timestamp, softTags) {
		memoryLookups.WithLabelValues("tag_invalidated").Inc()
		return nil, nil
	}

	memoryLookups.WithLabelValues("hit").Inc()
	return &entry.Entry{
		Value:     stream.FromChunks(stored.chunks).NewReader(),
		Timestamp: stored.timestamp,
		Lifetime:  stored.lifetime,
		Tags:      copyTags(stored.tags),
	}, nil
}

// copyTags copies a tag slice so callers cannot alias stored state.
func copyTags(tags []string) []string {
	return append([]string(nil), tags...)
}

// Set drains the entry and stores the materialized chunks. A stream that terminated with an error
// is not stored; the error is returned instead.
func (h *MemoryHandler) Set(_ context.Context, key string, e *entry.Entry) error {
	chunks, err := e.Value.Drain()
	if err != nil {
		return err
	}
	stored := &storedEntry{
		chunks:    chunks,
		timestamp: e.Timestamp,
		lifetime:  e.Lifetime,
		tags:      copyTags(e.Tags),
	}
	shard := h.shard(key)
	shard.mu.Lock()
	shard.entries[key] = stored
	shard.mu.Unlock()
	return nil
}

// ExpireTags records an invalidation timestamp for every tag. Entries carrying the tags stay in
// the store but read as misses from now on; the reaper never needs to chase them.
func (h *MemoryHandler) ExpireTags(_ context.Context, tags ...string) error {
	now := time.Now()
	h.tagMu.Lock()
	defer h.tagMu.Unlock()
	for _, tag := range tags {
		h.tagFilter.AddString(tag)
		h.tagExpiries[tag] = now
	}
	return nil
}

// RefreshTags is a no-op: the in-memory handler's tag manifest is in-process and always current.
func (h *MemoryHandler) RefreshTags(context.Context) error {
	return nil
}

// GetExpiration returns the most recent invalidation time among the tags.
func (h *MemoryHandler) GetExpiration(_ context.Context, tags ...string) (time.Time, error) {
	var latest time.Time
	h.tagMu.RLock()
	defer h.tagMu.RUnlock()
	for _, tag := range tags {
		if !h.tagFilter.TestString(tag) {
			continue
		}
		if expiredAt, found := h.tagExpiries[tag]; found && expiredAt.After(latest) {
			latest = expiredAt
		}
	}
	return latest, nil
}

// tagsExpiredAfter reports whether any tag was invalidated at or after the entry's timestamp. The
// bloom filter keeps the never-invalidated common case off the exact map.
func (h *MemoryHandler) tagsExpiredAfter(timestamp time.Time, tags []string) bool {
	if len(tags) == 0 {
		return false
	}
	h.tagMu.RLock()
	defer h.tagMu.RUnlock()
	for _, tag := range tags {
		if !h.tagFilter.TestString(tag) {
			continue // Definitely never invalidated.
		}
		if expiredAt, found := h.tagExpiries[tag]; found && !expiredAt.Before(timestamp) {
			return true
		}
	}
	return false
}

// reaper periodically sweeps out entries past their expire window.
func (h *MemoryHandler) reaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, shard := range h.shards {
				shard.mu.Lock()
				for key, stored := range shard.entries {
					if now.After(stored.expiresAt()) {
						delete(shard.entries, key)
						memoryReapedEntries.Inc()
					}
				}
				shard.mu.Unlock()
			}
		}
	}
}

var _ Handler = (*MemoryHandler)(nil)
