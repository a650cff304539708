// Package handler defines the pluggable key-value store behind the cache engine and the registry
// the engine resolves handlers from. A handler persists entries, expires them by tag and reports
// when a tag was last invalidated. Multiple handlers can be registered, one per "kind"; every
// cached function names the kind it stores under.
//
// The engine assumes a well-behaved handler: it adds no retry logic around Get/Set, and a Get
// failure is only treated as a miss if the host's handler chooses to swallow it.

package handler

import (
	"context"
	"errors"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/nobletooth/stash/pkg/entry"
)

// DefaultKind is the handler kind a cached function uses unless it names another one.
const DefaultKind = "default"

// SelfManaged is the expiration sentinel a handler returns from GetExpiration to signal it checks
// soft tags itself during Get, overriding the engine's own timestamp comparison for those tags.
var SelfManaged = time.Unix(0, math.MaxInt64)

var ErrUnknownKind = errors.New("no cache handler registered for kind")

// Handler is the contract of one durable entry store.
//
// Contract:
//   - Get returns (nil, nil) on miss. softTags are invalidation tags scoped to the surrounding
//     request rather than recorded on the entry; a handler either checks them itself (and returns
//     SelfManaged from GetExpiration) or leaves them to the engine.
//   - Set drains the entry's output stream. An entry whose stream terminated with an error must
//     not be stored; Set reports that error instead.
//   - Implementations must be safe for concurrent use.
type Handler interface {
	Get(ctx context.Context, key string, softTags []string) (*entry.Entry, error)
	Set(ctx context.Context, key string, e *entry.Entry) error
	// ExpireTags marks every entry carrying one of the tags as invalidated from now on.
	ExpireTags(ctx context.Context, tags ...string) error
	// RefreshTags pulls the freshest external tag manifest, for handlers that keep one remotely.
	RefreshTags(ctx context.Context) error
	// GetExpiration returns the most recent invalidation time among the tags (zero if none was
	// ever invalidated), or SelfManaged as described above.
	GetExpiration(ctx context.Context, tags ...string) (time.Time, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Handler)
)

// Register binds a handler to a kind, replacing any previous binding.
func Register(kind string, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = h
}

// Lookup resolves the handler for a kind.
func Lookup(kind string) (Handler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return h, nil
}

// Kinds returns the sorted registered kind names.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// Unregister removes a kind binding. Intended for tests.
func Unregister(kind string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, kind)
}
