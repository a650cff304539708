// Units of work are the contexts a cache entry's freshness flows into: the render serving a
// request, the speculative prerender producing a static shell, or an enclosing cached function.
// Whatever the variant, the unit is never fresher than its least-fresh dependency: every finished
// entry merges its window (pointwise minimum) and its tags (union) into the enclosing unit.

package work

import (
	"context"
	"sync"
	"time"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/handler"
)

// ImplicitTags are invalidation tags scoped to the surrounding request (e.g. its route) rather
// than recorded on entries, with the most recent invalidation time per handler kind resolved at
// unit construction.
type ImplicitTags struct {
	Tags []string
	// Expirations holds, per handler kind, the latest invalidation time among Tags at the moment
	// the unit was created. The SelfManaged sentinel means the handler checks soft tags itself.
	Expirations map[string]time.Time
}

// ResolveImplicitTags queries every registered handler kind for the tags' latest invalidation.
func ResolveImplicitTags(ctx context.Context, tags ...string) (*ImplicitTags, error) {
	implicit := &ImplicitTags{Tags: entry.DedupeTags(tags), Expirations: make(map[string]time.Time)}
	for _, kind := range handler.Kinds() {
		h, err := handler.Lookup(kind)
		if err != nil {
			return nil, err
		}
		expiration, err := h.GetExpiration(ctx, implicit.Tags...)
		if err != nil {
			return nil, err
		}
		implicit.Expirations[kind] = expiration
	}
	return implicit, nil
}

// Expiration returns the resolved invalidation time for a handler kind (zero if unknown).
func (it *ImplicitTags) Expiration(kind string) time.Time {
	if it == nil {
		return time.Time{}
	}
	return it.Expirations[kind]
}

// TagList returns the tag slice, tolerating a nil receiver.
func (it *ImplicitTags) TagList() []string {
	if it == nil {
		return nil
	}
	return it.Tags
}

// Unit is one unit of work enclosing cached-function calls.
type Unit interface {
	Signal() *Signal
	Implicit() *ImplicitTags
	// Collect merges a finished child entry's freshness window and tags into this unit.
	Collect(lifetime entry.Lifetime, tags []string)
}

// freshness aggregates child windows and tags; safe for concurrent children completing in any
// order.
type freshness struct {
	mu       sync.Mutex
	bounded  bool
	lifetime entry.Lifetime
	tags     []string
}

func (f *freshness) Collect(lifetime entry.Lifetime, tags []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bounded {
		f.lifetime = lifetime
		f.bounded = true
	} else {
		f.lifetime = f.lifetime.Merge(lifetime)
	}
	f.tags = entry.DedupeTags(append(f.tags, tags...))
}

// Lifetime returns the aggregated window and whether any child bounded it yet.
func (f *freshness) Lifetime() (entry.Lifetime, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lifetime, f.bounded
}

// Tags returns the aggregated tag union.
func (f *freshness) Tags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return entry.DedupeTags(f.tags)
}

// RenderUnit is a regular request render.
type RenderUnit struct {
	freshness
	signal   *Signal
	implicit *ImplicitTags
}

func NewRenderUnit(signal *Signal, implicit *ImplicitTags) *RenderUnit {
	return &RenderUnit{signal: signal, implicit: implicit}
}

func (u *RenderUnit) Signal() *Signal         { return u.signal }
func (u *RenderUnit) Implicit() *ImplicitTags { return u.implicit }

// PrerenderUnit is a speculative render attempt that may be aborted, timed out, and later
// resumed. It owns the resume caches and the read accounting used to detect when the attempt has
// finished consuming all its cache dependencies.
type PrerenderUnit struct {
	freshness
	signal   *Signal
	implicit *ImplicitTags

	// ResumeRead is the read-only cache populated by a previously-aborted attempt; nil outside a
	// resume. ResumeWrite is the mutable cache this attempt fills for a future resume; nil when
	// the host doesn't intend to resume.
	ResumeRead  *ResumeCache
	ResumeWrite *ResumeCache

	// AllowEmptyShell makes a resume-cache miss yield the dynamic placeholder instead of paying
	// the generation cost inline during the speculative attempt.
	AllowEmptyShell bool

	reads sync.WaitGroup
}

func NewPrerenderUnit(signal *Signal, implicit *ImplicitTags) *PrerenderUnit {
	return &PrerenderUnit{signal: signal, implicit: implicit}
}

func (u *PrerenderUnit) Signal() *Signal         { return u.signal }
func (u *PrerenderUnit) Implicit() *ImplicitTags { return u.implicit }

// BeginRead marks one cache dependency read as in flight.
func (u *PrerenderUnit) BeginRead() { u.reads.Add(1) }

// EndRead marks one read finished. The engine guarantees exactly one EndRead per BeginRead,
// whatever path the invocation took.
func (u *PrerenderUnit) EndRead() { u.reads.Done() }

// WaitReads blocks until every in-flight read ended; the host uses it for completeness detection
// of the speculative attempt.
func (u *PrerenderUnit) WaitReads() { u.reads.Wait() }

// Speculative reports whether the unit executes under a time budget with dynamic-access
// short-circuiting.
func (u *PrerenderUnit) Speculative() bool { return true }

// CacheUnit is the unit of work of one executing cached function; nested cached calls propagate
// into it, and its aggregate flows into the generated entry at finalization.
type CacheUnit struct {
	signal *Signal
	store  *CacheStore
}

func NewCacheUnit(signal *Signal, store *CacheStore) *CacheUnit {
	return &CacheUnit{signal: signal, store: store}
}

func (u *CacheUnit) Signal() *Signal         { return u.signal }
func (u *CacheUnit) Implicit() *ImplicitTags { return u.store.Implicit() }

// Collect folds a nested entry's freshness into the executing function's cache store.
func (u *CacheUnit) Collect(lifetime entry.Lifetime, tags []string) {
	u.store.collectNested(lifetime, tags)
}

// Store exposes the per-execution cache store the in-function directives mutate.
func (u *CacheUnit) Store() *CacheStore { return u.store }

var (
	_ Unit = (*RenderUnit)(nil)
	_ Unit = (*PrerenderUnit)(nil)
	_ Unit = (*CacheUnit)(nil)
)

// Propagate merges a finished entry's freshness into the enclosing unit. A nil unit (a call
// outside any render) absorbs nothing.
func Propagate(u Unit, lifetime entry.Lifetime, tags []string) {
	if u == nil {
		return
	}
	u.Collect(lifetime, tags)
}
