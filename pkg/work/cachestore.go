// The cache store is the mutable per-execution scope of one cached function run. In-function
// directives (CacheLife, CacheTag) mutate it while the function body executes, and finalization
// reads the effective window and tag set off it to stamp the generated entry.

package work

import (
	"context"
	"fmt"
	"sync"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/utils"
)

// CacheStore accumulates the freshness decisions of one cached function execution.
type CacheStore struct {
	// Kind selects which registered handler persists the generated entry.
	Kind string

	mu sync.Mutex
	// declared is the profile-derived window the execution starts from; explicit holds the merged
	// CacheLife overrides, which take precedence once set.
	declared    entry.Lifetime
	explicit    entry.Lifetime
	hasExplicit bool
	tags        []string
	implicit    *ImplicitTags
}

// NewCacheStore starts an execution scope from a declared profile window.
func NewCacheStore(kind string, declared entry.Lifetime, implicit *ImplicitTags) *CacheStore {
	return &CacheStore{Kind: kind, declared: declared, implicit: implicit}
}

// SetExplicitLifetime applies an in-function CacheLife directive. Repeated directives merge by
// pointwise minimum, so the strictest request always wins regardless of call order.
func (cs *CacheStore) SetExplicitLifetime(lifetime entry.Lifetime) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.hasExplicit {
		cs.explicit = cs.explicit.Merge(lifetime)
	} else {
		cs.explicit = lifetime
		cs.hasExplicit = true
	}
}

// AddTags records in-function CacheTag directives.
func (cs *CacheStore) AddTags(tags ...string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.tags = append(cs.tags, tags...)
}

// collectNested folds a nested cached call's freshness into this execution: the enclosing entry
// is never fresher than its dependencies.
func (cs *CacheStore) collectNested(lifetime entry.Lifetime, tags []string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.declared = cs.declared.Merge(lifetime)
	if cs.hasExplicit {
		cs.explicit = cs.explicit.Merge(lifetime)
	}
	cs.tags = append(cs.tags, tags...)
}

// EffectiveLifetime returns the window the generated entry is stamped with: the explicit
// directive-set window when one was declared, otherwise the declared profile window.
func (cs *CacheStore) EffectiveLifetime() entry.Lifetime {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.hasExplicit {
		return cs.explicit
	}
	return cs.declared
}

// Tags returns the deduplicated tag set accumulated during the execution.
func (cs *CacheStore) Tags() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return entry.DedupeTags(cs.tags)
}

// Implicit returns the request-scoped soft tags resolved at unit construction.
func (cs *CacheStore) Implicit() *ImplicitTags {
	return cs.implicit
}

// innermostCacheStore walks the unit attached to ctx and returns its cache store if the caller is
// inside an executing cached function.
func innermostCacheStore(ctx context.Context) (*CacheStore, error) {
	unit, ok := UnitFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("cache directive used outside any unit of work")
	}
	cacheUnit, ok := unit.(*CacheUnit)
	if !ok {
		return nil, fmt.Errorf("cache directive used outside a cached function execution")
	}
	return cacheUnit.Store(), nil
}

// CacheLife declares a freshness window for the currently executing cached function. Multiple
// calls merge pointwise toward the minimum.
func CacheLife(ctx context.Context, lifetime entry.Lifetime) error {
	cs, err := innermostCacheStore(ctx)
	if err != nil {
		utils.RaiseInvariant("work", "directive_misuse", "A cache-life directive was used in the wrong scope.", "error", err)
		return err
	}
	cs.SetExplicitLifetime(lifetime)
	return nil
}

// CacheLifeProfile declares a freshness window by named profile from the work store.
func CacheLifeProfile(ctx context.Context, name string) error {
	store, ok := StoreFrom(ctx)
	if !ok {
		return ErrNoWorkStore
	}
	profile, err := store.Profile(name)
	if err != nil {
		return fmt.Errorf("resolving cache-life profile %q: %w", name, err)
	}
	return CacheLife(ctx, profile)
}

// CacheTag attaches invalidation tags to the currently executing cached function's entry.
func CacheTag(ctx context.Context, tags ...string) error {
	cs, err := innermostCacheStore(ctx)
	if err != nil {
		utils.RaiseInvariant("work", "directive_misuse", "A cache-tag directive was used in the wrong scope.", "error", err)
		return err
	}
	cs.AddTags(tags...)
	return nil
}
