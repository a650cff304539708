// Package directive implements the cached-function wrapper: the engine's public entry point.
// Cached wraps an asynchronous function into one that memoizes per render pass, consults the
// durable handler under the invocation's stable key, serves stale entries while revalidating in
// the background, and degrades to a dynamic hole when a speculative render touches request-time
// data. The wrapped function body never learns whether it ran or was replayed; its contract is
// the same either way.

package directive

import (
	"context"
	"errors"
	"flag"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/nobletooth/stash/pkg/cachekey"
	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/handler"
	"github.com/nobletooth/stash/pkg/work"
)

var staticStaleFloor = flag.Duration("static_stale_floor", 5*time.Minute,
	"Entries expiring sooner than this lean dynamic during static generation instead of being baked into the shell.")

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "The total number of cached function lookups",
	}, []string{
		"kind",   // The handler kind the lookup went to.
		"status", // hit | stale_hit | miss | bypass
	})
	timeoutsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_generation_timeouts_total",
		Help: "The total number of speculative generations that exceeded their time budget",
	})
	refreshesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_background_refreshes_total",
		Help: "The total number of background revalidations of stale entries",
	})
)

// ErrBecameDynamic reports that a cached call could not produce static content during a
// speculative render; the actual request will run it with real inputs.
var ErrBecameDynamic = errors.New("cached function became dynamic during a speculative render")

// Func is the wrapped function body.
type Func func(ctx context.Context, args ...any) (any, error)

// CachedFunc is the memoizing wrapper returned by Cached. Call it exactly like the original.
type CachedFunc func(ctx context.Context, args ...any) (any, error)

// refreshes deduplicates concurrent background revalidations of the same key across render
// passes.
var refreshes singleflight.Group

// Cached wraps fn into its caching equivalent. The wrapper requires a work store on the calling
// context; calls outside a render lifecycle fail with ErrNoWorkStore.
func Cached(opts Options, fn Func) CachedFunc {
	if opts.Kind == "" {
		opts.Kind = handler.DefaultKind
	}
	return func(ctx context.Context, args ...any) (any, error) {
		store, ok := work.StoreFrom(ctx)
		if !ok {
			return nil, work.ErrNoWorkStore
		}
		if _, err := store.DefaultProfile(); err != nil {
			return nil, err
		}
		unit, _ := work.UnitFrom(ctx)

		callArgs, keyArgs, err := resolveArgs(ctx, store, opts, args)
		if err != nil {
			return nil, err
		}
		if prerender, speculating := unit.(*work.PrerenderUnit); speculating && hasFallbackParams(opts, args) {
			// Unresolved route parameters make the whole speculative attempt dynamic.
			work.AbortOnDynamicAccess(prerender, "fallback route params")
			return hang(ctx, prerender)
		}

		key, err := cachekey.Encode(cachekey.Parts{
			BuildID:        store.BuildID,
			FunctionID:     opts.FunctionID,
			Args:           keyArgs,
			DevRefreshHash: store.DevRefreshHash,
		})
		if err != nil {
			return nil, err
		}

		cell, owner := store.Memoize(key)
		if !owner {
			select {
			case <-cell.Done():
				return cell.Result()
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
		value, err := lookupOrGenerate(ctx, store, unit, opts, key, callArgs, fn)
		// Replayed function errors are results and stay memoized; infrastructure failures are
		// forgotten so a later call in the same pass can retry.
		var functionErr *FunctionError
		if err != nil && !errors.As(err, &functionErr) {
			store.ForgetMemo(key)
		}
		cell.Resolve(value, err)
		return value, err
	}
}

func lookupOrGenerate(ctx context.Context, store *work.Store, unit work.Unit, opts Options,
	key string, args []any, fn Func) (any, error) {
	prerender, speculating := unit.(*work.PrerenderUnit)
	endRead := func() {}
	if speculating {
		prerender.BeginRead()
		var ended bool
		endRead = func() {
			if !ended {
				ended = true
				prerender.EndRead()
			}
		}
		defer endRead()
	}

	if speculating && prerender.ResumeRead != nil {
		if resumed := prerender.ResumeRead.Get(key); resumed != nil {
			if leansDynamic(resumed) {
				endRead()
				return hang(ctx, prerender)
			}
			return serve(ctx, unit, opts, resumed, "hit")
		}
		if prerender.AllowEmptyShell {
			// The first attempt already decided this subtree's inputs; a miss here means the
			// subtree is dynamic, not that it should be generated inline.
			endRead()
			return hang(ctx, prerender)
		}
	}

	h, err := handler.Lookup(opts.Kind)
	if err != nil {
		return nil, err
	}
	forced := store.OnDemandRevalidate || store.DraftMode ||
		(store.Dev && (store.DevCacheDisabled || store.DevRefreshHash != ""))

	now := time.Now()
	if !forced {
		got, err := h.Get(ctx, key, implicitOf(unit).TagList())
		if err != nil {
			return nil, err
		}
		if got != nil && usable(store, unit, opts.Kind, got, now) {
			if speculating && leansDynamic(got) {
				endRead()
				return hang(ctx, prerender)
			}
			if !got.IsStale(now) {
				return serve(ctx, unit, opts, got, "hit")
			}
			if !speculating && !store.StaticGeneration {
				// Stale but alive: serve it now and refresh behind the response.
				scheduleRefresh(ctx, store, h, opts, key, args, fn)
				return serve(ctx, unit, opts, got, "stale_hit")
			}
			// Static output never bakes in stale content, whether the render is a speculative
			// attempt or a static-generation pass; regenerate inline.
		}
		lookupsMetric.WithLabelValues(opts.Kind, "miss").Inc()
	} else {
		lookupsMetric.WithLabelValues(opts.Kind, "bypass").Inc()
	}

	generated, becameDynamic, err := generate(ctx, store, unit, opts, args, fn)
	if becameDynamic {
		if speculating {
			endRead()
			return hang(ctx, prerender)
		}
		return nil, ErrBecameDynamic
	}
	if err != nil {
		return nil, err
	}

	callerEntry := generated
	if !store.DraftMode {
		// Draft sessions see their fresh content but never publish it.
		var persisted *entry.Entry
		callerEntry, persisted = callerEntry.Tee()
		store.TrackPendingWrite(func() error {
			return h.Set(context.Background(), key, persisted)
		})
	}
	if speculating && prerender.ResumeWrite != nil {
		callerEntry = prerender.ResumeWrite.Set(key, callerEntry)
	}
	if speculating && leansDynamic(callerEntry) {
		endRead()
		return hang(ctx, prerender)
	}
	return serve(ctx, unit, opts, callerEntry, "")
}

// usable applies the discard rules to a handler hit: entries invalidated by this request's own
// revalidations, by the request's implicit tags, or past their hard expiry read as misses.
func usable(store *work.Store, unit work.Unit, kind string, got *entry.Entry, now time.Time) bool {
	if got.IsExpired(now) {
		return false
	}
	revalidated := store.RevalidatedTags()
	if got.HasTag(revalidated) {
		return false
	}
	implicit := implicitOf(unit)
	// Implicit tags the request itself just revalidated discard the entry even before the durable
	// handler observes the invalidation.
	for _, tag := range implicit.TagList() {
		if slices.Contains(revalidated, tag) {
			return false
		}
	}
	expiredAt := implicit.Expiration(kind)
	// The SelfManaged sentinel means the handler already applied the soft tags inside Get.
	if !expiredAt.IsZero() && !expiredAt.Equal(handler.SelfManaged) && !expiredAt.Before(got.Timestamp) {
		return false
	}
	return true
}

// leansDynamic reports that an entry is too short-lived to bake into a static shell: it demands
// revalidation on every request, or its expire window sits under the floor.
func leansDynamic(e *entry.Entry) bool {
	return e.Lifetime.Revalidate == 0 || e.Lifetime.Expire < *staticStaleFloor
}

// serve propagates the entry's freshness into the enclosing unit and decodes it for the caller.
func serve(ctx context.Context, unit work.Unit, opts Options, e *entry.Entry, status string) (any, error) {
	if status != "" {
		lookupsMetric.WithLabelValues(opts.Kind, status).Inc()
	}
	work.Propagate(unit, e.Lifetime, e.Tags)
	return decodeEntry(ctx, e)
}

// scheduleRefresh regenerates a stale entry behind the response. The regeneration runs on a clean
// snapshot so it cannot observe the triggering request, and concurrent passes serving the same
// stale key share one regeneration.
func scheduleRefresh(ctx context.Context, store *work.Store, h handler.Handler, opts Options,
	key string, args []any, fn Func) {
	detached := work.CleanSnapshot(ctx)
	store.TrackPendingWrite(func() error {
		_, err, _ := refreshes.Do(key, func() (any, error) {
			refreshesMetric.Inc()
			snapshot, ok := work.StoreFrom(detached)
			if !ok {
				return nil, work.ErrNoWorkStore
			}
			regenerated, becameDynamic, err := generate(detached, snapshot, nil, opts, args, fn)
			if err != nil || becameDynamic {
				return nil, err
			}
			return nil, h.Set(detached, key, regenerated)
		})
		return err
	})
}

// hang parks a dynamic call until the speculative attempt winds down, then reports the hole. The
// actual request re-runs the call with real inputs.
func hang(ctx context.Context, prerender *work.PrerenderUnit) (any, error) {
	select {
	case <-prerender.Signal().Done():
	case <-ctx.Done():
	}
	return nil, ErrBecameDynamic
}

func implicitOf(unit work.Unit) *work.ImplicitTags {
	if unit == nil {
		return nil
	}
	return unit.Implicit()
}
