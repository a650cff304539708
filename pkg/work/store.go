// The work store is the request-lifecycle context of one render: build identity, cache-life
// profiles, mode flags, the tags already revalidated by this request, and the registry of
// background writes the host must await before completing its response. The cache engine reads
// and writes only the fields below; everything else about the request lifecycle stays with the
// host.

package work

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/nobletooth/stash/pkg/entry"
	"golang.org/x/sync/errgroup"
)

// DefaultProfileName is the cache-life profile every work store must define.
const DefaultProfileName = "default"

var (
	ErrNoWorkStore           = errors.New("cached function used outside the framework's render lifecycle")
	ErrMissingDefaultProfile = errors.New("work store is missing a complete default cache-life profile")
	ErrUnknownProfile        = errors.New("unknown cache-life profile")
)

// BoundArgsDecryptor recovers the pre-bound closure arguments of a cached function from their
// encrypted transport form. Encryption itself is outside the engine; this is the collaborator
// seam.
//
// Cache keys incorporate the transport payload as-is, so the paired encryptor must be
// deterministic: equal bound arguments must always produce the same payload, or equal
// invocations fragment into distinct cache entries.
type BoundArgsDecryptor interface {
	DecryptBoundArgs(ctx context.Context, functionID string, payload string) ([]any, error)
}

// Store is the work-level context of one request's render.
type Store struct {
	// BuildID scopes every cache key to one deployment build.
	BuildID string
	// Profiles are the named cache-life profiles; the "default" profile with all three windows
	// set is mandatory.
	Profiles map[string]entry.Lifetime

	StaticGeneration   bool
	DraftMode          bool
	OnDemandRevalidate bool
	Dev                bool
	// DevRefreshHash busts cache keys in interactive development when source changed. Empty
	// outside dev.
	DevRefreshHash string
	// DevCacheDisabled force-revalidates everything in interactive development.
	DevCacheDisabled bool

	// Decryptor is required only when cached functions carry bound arguments.
	Decryptor BoundArgsDecryptor

	mu sync.Mutex
	// previouslyRevalidatedTags were invalidated before this request started; pending ones were
	// invalidated by this request and may not be observable in the durable handler yet. Both
	// discard matching entries (read-your-own-write consistency).
	previouslyRevalidatedTags []string
	pendingRevalidatedTags    []string

	writes     errgroup.Group
	memo       sync.Map // encoded cache key -> *MemoCell
	snapshotOf *Store   // Set on clean snapshots; pending writes land on the root store.
}

// NewStore validates the mandatory default profile and returns the store.
func NewStore(buildID string, profiles map[string]entry.Lifetime) (*Store, error) {
	s := &Store{BuildID: buildID, Profiles: profiles}
	if _, err := s.DefaultProfile(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultProfile returns the mandatory default cache-life profile. Its absence, or a profile with
// any window left unset, is a configuration-invariant violation.
func (s *Store) DefaultProfile() (entry.Lifetime, error) {
	profile, ok := s.Profiles[DefaultProfileName]
	if !ok || profile.Stale == 0 || profile.Revalidate == 0 || profile.Expire == 0 {
		return entry.Lifetime{}, ErrMissingDefaultProfile
	}
	return profile, nil
}

// Profile resolves a named cache-life profile.
func (s *Store) Profile(name string) (entry.Lifetime, error) {
	profile, ok := s.Profiles[name]
	if !ok {
		return entry.Lifetime{}, ErrUnknownProfile
	}
	return profile, nil
}

// SetPreviouslyRevalidatedTags replaces the tags known to have been invalidated before this
// request began.
func (s *Store) SetPreviouslyRevalidatedTags(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previouslyRevalidatedTags = slices.Clone(tags)
}

// AddPendingRevalidatedTags records tags this request invalidated; entries carrying them read as
// misses for the rest of the request even before the durable handler observes the invalidation.
func (s *Store) AddPendingRevalidatedTags(tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRevalidatedTags = append(s.pendingRevalidatedTags, tags...)
}

// RevalidatedTags returns the union of previously and pending revalidated tags.
func (s *Store) RevalidatedTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	combined := make([]string, 0, len(s.previouslyRevalidatedTags)+len(s.pendingRevalidatedTags))
	combined = append(combined, s.previouslyRevalidatedTags...)
	combined = append(combined, s.pendingRevalidatedTags...)
	return combined
}

// TrackPendingWrite schedules a background write the host must await via WaitPendingWrites. Writes
// scheduled from a clean snapshot land on the root store, so nothing is lost when the snapshot is
// discarded.
func (s *Store) TrackPendingWrite(write func() error) {
	s.root().writes.Go(write)
}

// WaitPendingWrites blocks until every tracked background write finished and returns the first
// error among them.
func (s *Store) WaitPendingWrites() error {
	return s.root().writes.Wait()
}

func (s *Store) root() *Store {
	if s.snapshotOf != nil {
		return s.snapshotOf
	}
	return s
}

// MemoCell is one per-pass memoization slot. The first caller computes and resolves the cell;
// repeats of the same encoded key within the same render pass wait on Done and reuse the result.
type MemoCell struct {
	done  chan struct{}
	value any
	err   error
}

// Done is closed once the owning caller resolved the cell.
func (c *MemoCell) Done() <-chan struct{} { return c.done }

// Result returns the resolved value and error. Only valid after Done is closed.
func (c *MemoCell) Result() (any, error) { return c.value, c.err }

// Resolve publishes the computation's outcome and releases every waiter. Called exactly once, by
// the owner.
func (c *MemoCell) Resolve(value any, err error) {
	c.value, c.err = value, err
	close(c.done)
}

// Memoize returns the cell for a key and whether this caller owns the computation.
func (s *Store) Memoize(key string) (*MemoCell, bool /*owner*/) {
	cell := &MemoCell{done: make(chan struct{})}
	existing, loaded := s.memo.LoadOrStore(key, cell)
	if loaded {
		return existing.(*MemoCell), false
	}
	return cell, true
}

// ForgetMemo drops a memo slot so a failed computation isn't replayed for the rest of the pass.
// The dropped cell's waiters still observe its eventual resolution.
func (s *Store) ForgetMemo(key string) {
	s.memo.Delete(key)
}

// CleanSnapshot returns a store carrying only the execution-safe allow-list of fields: build
// identity, profiles, dev and static-generation mode, and the decryptor. Request-scoped state
// (draft mode, revalidation flags and tags, the memo table) is deliberately absent, so an isolated
// execution cannot observe it. The snapshot shares the root store's pending-write registry.
func (s *Store) CleanSnapshot() *Store {
	return &Store{
		BuildID:          s.BuildID,
		Profiles:         s.Profiles,
		StaticGeneration: s.StaticGeneration,
		Dev:              s.Dev,
		Decryptor:        s.Decryptor,
		snapshotOf:       s.root(),
	}
}
