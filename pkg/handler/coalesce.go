// The engine deliberately does not deduplicate concurrent misses on the same key: the generator's
// output is a pure function of (build id, function id, args), so duplicate work is wasteful but
// never incorrect. Hosts that want at-most-one-fetch-per-key semantics can layer this wrapper in
// front of any handler; it collapses concurrent Gets for the same key into one backend call and
// hands every waiter an independently consumable tee of the shared result.

package handler

import (
	"context"
	"sync"

	"github.com/nobletooth/stash/pkg/entry"
	"golang.org/x/sync/singleflight"
)

// CoalescingHandler wraps a Handler with singleflight Get deduplication. All other operations pass
// through untouched.
type CoalescingHandler struct {
	Handler
	group singleflight.Group
}

// Coalescing wraps h. The wrapped Get ignores per-caller context cancellation while a shared fetch
// is in flight; waiters all receive the leader's result.
func Coalescing(h Handler) *CoalescingHandler {
	return &CoalescingHandler{Handler: h}
}

// sharedEntry hands out tees of one fetched entry, one per waiter, without ever letting two
// waiters share a cursor.
type sharedEntry struct {
	mu sync.Mutex
	e  *entry.Entry
}

func (s *sharedEntry) clone() *entry.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.e == nil {
		return nil
	}
	kept, out := s.e.Tee()
	s.e = kept
	return out
}

// Get collapses concurrent lookups of the same key into one backend Get.
func (c *CoalescingHandler) Get(ctx context.Context, key string, softTags []string) (*entry.Entry, error) {
	result, err, _ := c.group.Do(key, func() (any, error) {
		e, err := c.Handler.Get(ctx, key, softTags)
		if err != nil {
			return nil, err
		}
		return &sharedEntry{e: e}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*sharedEntry).clone(), nil
}

var _ Handler = (*CoalescingHandler)(nil)
