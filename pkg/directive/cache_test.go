package directive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/stash/pkg/cachekey"
	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/handler"
	"github.com/nobletooth/stash/pkg/stream"
	"github.com/nobletooth/stash/pkg/utils"
	"github.com/nobletooth/stash/pkg/work"
)

func testProfiles() map[string]entry.Lifetime {
	return map[string]entry.Lifetime{
		work.DefaultProfileName: {Stale: 5 * time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour},
	}
}

// renderPass builds one request pass: a fresh work store and a render unit on the context.
func renderPass(t *testing.T, mutate func(*work.Store)) (context.Context, *work.Store, *work.RenderUnit) {
	t.Helper()
	store, err := work.NewStore("build-1", testProfiles())
	require.NoError(t, err)
	if mutate != nil {
		mutate(store)
	}
	unit := work.NewRenderUnit(work.NewSignal(), nil)
	return work.WithUnit(work.WithStore(t.Context(), store), unit), store, unit
}

// prerenderPass builds one speculative pass.
func prerenderPass(t *testing.T, mutate func(*work.PrerenderUnit)) (context.Context, *work.Store, *work.PrerenderUnit) {
	t.Helper()
	store, err := work.NewStore("build-1", testProfiles())
	require.NoError(t, err)
	unit := work.NewPrerenderUnit(work.NewSignal(), nil)
	if mutate != nil {
		mutate(unit)
	}
	return work.WithUnit(work.WithStore(t.Context(), store), unit), store, unit
}

func registerHandler(t *testing.T, kind string) *handler.MemoryHandler {
	t.Helper()
	h := handler.NewMemoryHandler(t.Context())
	handler.Register(kind, h)
	t.Cleanup(func() { handler.Unregister(kind) })
	return h
}

// frameEntry builds a stored-form entry holding one JSON value frame, for preloading handlers.
func frameEntry(t *testing.T, value any, timestamp time.Time, lifetime entry.Lifetime, tags ...string) *entry.Entry {
	t.Helper()
	payload, err := json.Marshal(value)
	require.NoError(t, err)
	return &entry.Entry{
		Value:     stream.FromChunks([][]byte{stream.EncodeFrame(stream.FrameValue, payload)}).NewReader(),
		Timestamp: timestamp,
		Lifetime:  lifetime,
		Tags:      tags,
	}
}

func encodeKey(t *testing.T, functionID string, args ...any) string {
	t.Helper()
	key, err := cachekey.Encode(cachekey.Parts{BuildID: "build-1", FunctionID: functionID, Args: args})
	require.NoError(t, err)
	return key
}

func TestCached_MissThenHit(t *testing.T) {
	h := registerHandler(t, "miss-then-hit")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "miss-then-hit", FunctionID: "fn/a"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "computed", nil
	})

	ctx, store, _ := renderPass(t, nil)
	value, err := cached(ctx, "arg")
	require.NoError(t, err)
	assert.Equal(t, "computed", value)
	assert.Equal(t, int64(1), calls.Load())
	require.NoError(t, store.WaitPendingWrites())

	stored, err := h.Get(t.Context(), encodeKey(t, "fn/a", "arg"), nil)
	require.NoError(t, err)
	require.NotNil(t, stored, "The generated entry must be persisted after the pass")

	ctx, _, _ = renderPass(t, nil)
	value, err = cached(ctx, "arg")
	require.NoError(t, err)
	assert.Equal(t, "computed", value)
	assert.Equal(t, int64(1), calls.Load(), "A fresh hit must not recompute")
}

func TestCached_MemoizedWithinPass(t *testing.T) {
	registerHandler(t, "memo")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "memo", FunctionID: "fn/memo"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond) // Widen the window concurrent callers race in.
		return args[0], nil
	})

	ctx, _, _ := renderPass(t, nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := cached(ctx, "same")
			assert.NoError(t, err)
			assert.Equal(t, "same", value)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load(), "Identical calls within one pass must share one execution")

	_, err := cached(ctx, "different")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "Distinct arguments are distinct computations")
}

func TestCached_OutsideRenderLifecycleFails(t *testing.T) {
	cached := Cached(Options{FunctionID: "fn/bare"}, func(ctx context.Context, args ...any) (any, error) {
		return nil, nil
	})
	_, err := cached(t.Context())
	assert.ErrorIs(t, err, work.ErrNoWorkStore)
}

func TestCached_DraftModeServesButNeverPersists(t *testing.T) {
	h := registerHandler(t, "draft")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "draft", FunctionID: "fn/draft"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "draft-content", nil
	})

	ctx, store, _ := renderPass(t, func(s *work.Store) { s.DraftMode = true })
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "draft-content", value)
	require.NoError(t, store.WaitPendingWrites())

	stored, err := h.Get(t.Context(), encodeKey(t, "fn/draft"), nil)
	require.NoError(t, err)
	assert.Nil(t, stored, "Draft-mode content must never reach the durable handler")

	ctx, _, _ = renderPass(t, nil)
	_, err = cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCached_OnDemandRevalidateBypassesLookup(t *testing.T) {
	registerHandler(t, "bypass")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "bypass", FunctionID: "fn/bypass"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	})

	ctx, store, _ := renderPass(t, nil)
	_, err := cached(ctx)
	require.NoError(t, err)
	require.NoError(t, store.WaitPendingWrites())

	ctx, _, _ = renderPass(t, func(s *work.Store) { s.OnDemandRevalidate = true })
	_, err = cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "On-demand revalidation must recompute despite a fresh entry")
}

func TestCached_StaleServesOldAndRefreshesBehind(t *testing.T) {
	h := registerHandler(t, "swr")
	key := encodeKey(t, "fn/swr")
	lifetime := entry.Lifetime{Stale: 5 * time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour}
	require.NoError(t, h.Set(t.Context(), key, frameEntry(t, "old", time.Now().Add(-20*time.Minute), lifetime)))

	var calls atomic.Int64
	cached := Cached(Options{Kind: "swr", FunctionID: "fn/swr"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "new", nil
	})

	ctx, store, _ := renderPass(t, nil)
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", value, "A stale entry is served as-is")
	require.NoError(t, store.WaitPendingWrites())
	assert.Equal(t, int64(1), calls.Load(), "Exactly one background regeneration runs")

	ctx, _, _ = renderPass(t, nil)
	value, err = cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", value, "The refreshed entry serves the next pass")
	assert.Equal(t, int64(1), calls.Load())
}

func TestCached_ExpiredRecomputesInline(t *testing.T) {
	h := registerHandler(t, "expired")
	key := encodeKey(t, "fn/expired")
	lifetime := entry.Lifetime{Stale: time.Minute, Revalidate: 2 * time.Minute, Expire: 10 * time.Minute}
	require.NoError(t, h.Set(t.Context(), key, frameEntry(t, "dead", time.Now().Add(-time.Hour), lifetime)))

	cached := Cached(Options{Kind: "expired", FunctionID: "fn/expired"}, func(ctx context.Context, args ...any) (any, error) {
		return "alive", nil
	})
	ctx, _, _ := renderPass(t, nil)
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alive", value, "An expired entry must never be served, stale or not")
}

func TestCached_OwnRevalidationDiscardsEntry(t *testing.T) {
	h := registerHandler(t, "revalidated")
	key := encodeKey(t, "fn/reval")
	lifetime := entry.Lifetime{Stale: 5 * time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour}
	require.NoError(t, h.Set(t.Context(), key, frameEntry(t, "old", time.Now(), lifetime, "posts")))

	cached := Cached(Options{Kind: "revalidated", FunctionID: "fn/reval"}, func(ctx context.Context, args ...any) (any, error) {
		return "new", nil
	})
	ctx, _, _ := renderPass(t, func(s *work.Store) { s.SetPreviouslyRevalidatedTags([]string{"posts"}) })
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", value, "Entries tagged with this request's revalidations read as misses")
}

type expectedFailure struct{ msg string }

func (e expectedFailure) Error() string  { return e.msg }
func (e expectedFailure) Digest() string { return "E123" }

func TestCached_FunctionErrorReplays(t *testing.T) {
	registerHandler(t, "fn-error")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "fn-error", FunctionID: "fn/error"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return nil, expectedFailure{msg: "upstream said no"}
	})

	ctx, store, _ := renderPass(t, nil)
	_, err := cached(ctx)
	var replayed *FunctionError
	require.ErrorAs(t, err, &replayed)
	assert.Equal(t, "E123", replayed.Digest())
	assert.Equal(t, "upstream said no", replayed.Error())
	require.NoError(t, store.WaitPendingWrites())

	// The captured error is a result: replayed on hit, without re-running the function.
	ctx, _, _ = renderPass(t, nil)
	_, err = cached(ctx)
	require.ErrorAs(t, err, &replayed)
	assert.Equal(t, int64(1), calls.Load())
}

// recordingLogs captures replayed log messages.
type recordingLogs struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingLogs) Enabled(context.Context, slog.Level) bool { return true }
func (r *recordingLogs) WithAttrs([]slog.Attr) slog.Handler       { return r }
func (r *recordingLogs) WithGroup(string) slog.Handler            { return r }
func (r *recordingLogs) Handle(_ context.Context, record slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, record.Message)
	return nil
}

func (r *recordingLogs) captured() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.messages...)
}

func TestCached_LogsReplayOnEveryConsumption(t *testing.T) {
	registerHandler(t, "logs")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "logs", FunctionID: "fn/logs"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		work.Logger(ctx).Info("fetched rows", "count", 3)
		return "v", nil
	})

	logs := &recordingLogs{}
	ctx, store, _ := renderPass(t, nil)
	ctx = work.WithLogger(ctx, slog.New(logs))
	_, err := cached(ctx)
	require.NoError(t, err)
	assert.Contains(t, logs.captured(), "fetched rows")
	require.NoError(t, store.WaitPendingWrites())

	replayLogs := &recordingLogs{}
	ctx, _, _ = renderPass(t, nil)
	ctx = work.WithLogger(ctx, slog.New(replayLogs))
	_, err = cached(ctx)
	require.NoError(t, err)
	assert.Contains(t, replayLogs.captured(), "fetched rows", "A hit replays the original run's logs")
	assert.Equal(t, int64(1), calls.Load())
}

func TestCached_InFunctionDirectivesStampTheEntry(t *testing.T) {
	h := registerHandler(t, "directives")
	declared := entry.Lifetime{Stale: time.Minute, Revalidate: 10 * time.Minute, Expire: 30 * time.Minute}
	cached := Cached(Options{Kind: "directives", FunctionID: "fn/directives"}, func(ctx context.Context, args ...any) (any, error) {
		if err := work.CacheLife(ctx, declared); err != nil {
			return nil, err
		}
		if err := work.CacheTag(ctx, "posts", "user-7"); err != nil {
			return nil, err
		}
		return "v", nil
	})

	ctx, store, unit := renderPass(t, nil)
	_, err := cached(ctx)
	require.NoError(t, err)
	require.NoError(t, store.WaitPendingWrites())

	stored, err := h.Get(t.Context(), encodeKey(t, "fn/directives"), nil)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, declared, stored.Lifetime)
	assert.ElementsMatch(t, []string{"posts", "user-7"}, stored.Tags)

	// The entry's freshness also flowed into the enclosing render.
	collected, bounded := unit.Lifetime()
	require.True(t, bounded)
	assert.Equal(t, declared, collected)
	assert.ElementsMatch(t, []string{"posts", "user-7"}, unit.Tags())
}

func TestCached_DynamicAccessAbortsSpeculation(t *testing.T) {
	h := registerHandler(t, "dynamic")
	cached := Cached(Options{Kind: "dynamic", FunctionID: "fn/dynamic"}, func(ctx context.Context, args ...any) (any, error) {
		unit, ok := work.UnitFrom(ctx)
		if !ok {
			return nil, work.ErrNoWorkStore
		}
		work.AbortOnDynamicAccess(unit, "request.cookies")
		return "must-not-cache", nil
	})

	ctx, store, prerender := prerenderPass(t, nil)
	_, err := cached(ctx)
	assert.ErrorIs(t, err, ErrBecameDynamic)
	assert.True(t, prerender.Signal().Fired())
	assert.True(t, work.IsDynamicAccess(prerender.Signal().Cause()))

	require.NoError(t, store.WaitPendingWrites())
	stored, err := h.Get(t.Context(), encodeKey(t, "fn/dynamic"), nil)
	require.NoError(t, err)
	assert.Nil(t, stored, "A dynamic execution must never be persisted")
}

func TestCached_FallbackParamsLeanDynamic(t *testing.T) {
	registerHandler(t, "fallback")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "fallback", FunctionID: "fn/page", Call: CallPage}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "page", nil
	})

	ctx, _, prerender := prerenderPass(t, nil)
	_, err := cached(ctx, &RouteProps{Params: map[string]string{}, FallbackParams: []string{"slug"}})
	assert.ErrorIs(t, err, ErrBecameDynamic)
	assert.Zero(t, calls.Load(), "Unresolved route params short-circuit before the body runs")
	assert.True(t, prerender.Signal().Fired())

	// With the parameters resolved, the same call caches normally.
	ctx, _, _ = renderPass(t, nil)
	value, err := cached(ctx, &RouteProps{Params: map[string]string{"slug": "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "page", value)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCached_SpeculativeGenerationTimesOut(t *testing.T) {
	registerHandler(t, "timeout")
	utils.SetTestFlag(t, "speculative_generation_timeout", "30ms")
	cached := Cached(Options{Kind: "timeout", FunctionID: "fn/slow"}, func(ctx context.Context, args ...any) (any, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	})

	ctx, _, _ := prerenderPass(t, nil)
	start := time.Now()
	_, err := cached(ctx)
	assert.ErrorIs(t, err, ErrGenerationTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "The timeout must bound the wait")
}

func TestCached_ResumeCacheCarriesEntriesAcrossAttempts(t *testing.T) {
	registerHandler(t, "resume")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "resume", FunctionID: "fn/resume"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "shell", nil
	})

	resumeWrite := work.NewResumeCache()
	ctx, store, _ := prerenderPass(t, func(u *work.PrerenderUnit) { u.ResumeWrite = resumeWrite })
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shell", value)
	require.NoError(t, store.WaitPendingWrites())
	assert.Equal(t, 1, resumeWrite.Len())

	// The resumed attempt replays from the sealed cache without touching the function.
	sealed := resumeWrite.Seal()
	ctx, _, _ = prerenderPass(t, func(u *work.PrerenderUnit) { u.ResumeRead = sealed })
	value, err = cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shell", value)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCached_AllowEmptyShellLeavesHolesOnResumeMiss(t *testing.T) {
	registerHandler(t, "empty-shell")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "empty-shell", FunctionID: "fn/hole"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "inline", nil
	})

	ctx, _, prerender := prerenderPass(t, func(u *work.PrerenderUnit) {
		u.ResumeRead = work.NewResumeCache().Seal()
		u.AllowEmptyShell = true
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		prerender.Signal().Abort(context.Canceled) // The host winds the attempt down.
	}()
	_, err := cached(ctx)
	assert.ErrorIs(t, err, ErrBecameDynamic)
	assert.Zero(t, calls.Load(), "An empty-shell miss must not generate inline")
}

func TestCached_SpeculationNeverServesStale(t *testing.T) {
	h := registerHandler(t, "no-stale-shell")
	key := encodeKey(t, "fn/shell")
	lifetime := entry.Lifetime{Stale: 5 * time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour}
	require.NoError(t, h.Set(t.Context(), key, frameEntry(t, "old", time.Now().Add(-20*time.Minute), lifetime)))

	cached := Cached(Options{Kind: "no-stale-shell", FunctionID: "fn/shell"}, func(ctx context.Context, args ...any) (any, error) {
		return "regenerated", nil
	})
	ctx, _, _ := prerenderPass(t, nil)
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "regenerated", value, "A static shell must never bake in stale content")
}

type fakeDecryptor struct{ bound []any }

func (d fakeDecryptor) DecryptBoundArgs(ctx context.Context, functionID, payload string) ([]any, error) {
	return d.bound, nil
}

func TestCached_BoundArgsAreDecryptedForTheCall(t *testing.T) {
	registerHandler(t, "bound")
	var received []any
	cached := Cached(Options{Kind: "bound", FunctionID: "fn/bound", BoundArgs: 2}, func(ctx context.Context, args ...any) (any, error) {
		received = append([]any{}, args...)
		return "v", nil
	})

	ctx, _, _ := renderPass(t, func(s *work.Store) { s.Decryptor = fakeDecryptor{bound: []any{"alice", float64(42)}} })
	_, err := cached(ctx, "opaque-payload", "call-arg")
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", float64(42), "call-arg"}, received)
}

func TestCached_BoundArgsArityMismatchFails(t *testing.T) {
	registerHandler(t, "bound-arity")
	cached := Cached(Options{Kind: "bound-arity", FunctionID: "fn/arity", BoundArgs: 3}, func(ctx context.Context, args ...any) (any, error) {
		return nil, nil
	})
	ctx, _, _ := renderPass(t, func(s *work.Store) { s.Decryptor = fakeDecryptor{bound: []any{"only-one"}} })
	_, err := cached(ctx, "opaque-payload")
	assert.Error(t, err)
}

func TestLeansDynamic(t *testing.T) {
	for name, tc := range map[string]struct {
		lifetime entry.Lifetime
		want     bool
	}{
		"zero revalidate":        {entry.Lifetime{Stale: time.Minute, Revalidate: 0, Expire: time.Hour}, true},
		"expire under the floor": {entry.Lifetime{Stale: time.Minute, Revalidate: time.Minute, Expire: time.Minute}, true},
		"long-lived":             {entry.Lifetime{Stale: time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour}, false},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, leansDynamic(&entry.Entry{Lifetime: tc.lifetime}))
		})
	}
}

func TestCached_ResumeHitLeansDynamicWhenShortLived(t *testing.T) {
	registerHandler(t, "resume-lean")
	var calls atomic.Int64
	cached := Cached(Options{Kind: "resume-lean", FunctionID: "fn/resume-lean"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "short-lived", nil
	})

	short := entry.Lifetime{Stale: 10 * time.Second, Revalidate: 30 * time.Second, Expire: time.Minute}
	carried := work.NewResumeCache()
	carried.Set(encodeKey(t, "fn/resume-lean"), frameEntry(t, "short-lived", time.Now(), short))

	ctx, _, prerender := prerenderPass(t, func(u *work.PrerenderUnit) { u.ResumeRead = carried.Seal() })
	go func() {
		time.Sleep(10 * time.Millisecond)
		prerender.Signal().Abort(context.Canceled)
	}()
	_, err := cached(ctx)
	assert.ErrorIs(t, err, ErrBecameDynamic,
		"A resumed entry expiring under the floor must not be baked into the shell")
	assert.Zero(t, calls.Load())
}

func TestCached_ZeroRevalidateLeansDynamicDuringSpeculation(t *testing.T) {
	h := registerHandler(t, "zero-reval")
	always := entry.Lifetime{Stale: time.Minute, Revalidate: 0, Expire: time.Hour}
	cached := Cached(Options{Kind: "zero-reval", FunctionID: "fn/zero-reval"}, func(ctx context.Context, args ...any) (any, error) {
		if err := work.CacheLife(ctx, always); err != nil {
			return nil, err
		}
		return "revalidate-always", nil
	})

	ctx, store, prerender := prerenderPass(t, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		prerender.Signal().Abort(context.Canceled)
	}()
	_, err := cached(ctx)
	assert.ErrorIs(t, err, ErrBecameDynamic,
		"An entry demanding revalidation on every request must not be baked into the shell")

	require.NoError(t, store.WaitPendingWrites())
	stored, err := h.Get(t.Context(), encodeKey(t, "fn/zero-reval"), nil)
	require.NoError(t, err)
	require.NotNil(t, stored, "The entry is still persisted for actual requests")
}

func TestCached_RevalidatedImplicitTagDiscardsEntry(t *testing.T) {
	h := registerHandler(t, "implicit-reval")
	key := encodeKey(t, "fn/implicit-reval")
	lifetime := entry.Lifetime{Stale: 5 * time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour}
	require.NoError(t, h.Set(t.Context(), key, frameEntry(t, "old", time.Now(), lifetime)))

	cached := Cached(Options{Kind: "implicit-reval", FunctionID: "fn/implicit-reval"}, func(ctx context.Context, args ...any) (any, error) {
		return "new", nil
	})

	store, err := work.NewStore("build-1", testProfiles())
	require.NoError(t, err)
	store.AddPendingRevalidatedTags("route:/feed")
	unit := work.NewRenderUnit(work.NewSignal(), &work.ImplicitTags{Tags: []string{"route:/feed"}})
	ctx := work.WithUnit(work.WithStore(t.Context(), store), unit)

	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", value,
		"A request revalidating one of its own implicit tags must not see the old entry")
}

func TestCached_StaticGenerationTreatsStaleAsMiss(t *testing.T) {
	h := registerHandler(t, "static-stale")
	key := encodeKey(t, "fn/static-stale")
	lifetime := entry.Lifetime{Stale: 5 * time.Minute, Revalidate: 15 * time.Minute, Expire: time.Hour}
	require.NoError(t, h.Set(t.Context(), key, frameEntry(t, "old", time.Now().Add(-20*time.Minute), lifetime)))

	var calls atomic.Int64
	cached := Cached(Options{Kind: "static-stale", FunctionID: "fn/static-stale"}, func(ctx context.Context, args ...any) (any, error) {
		calls.Add(1)
		return "new", nil
	})

	ctx, _, _ := renderPass(t, func(s *work.Store) { s.StaticGeneration = true })
	value, err := cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", value, "Static generation regenerates stale entries inline instead of serving them")
	assert.Equal(t, int64(1), calls.Load())
}

func TestCached_ShortLivedEntriesLeanDynamicDuringSpeculation(t *testing.T) {
	h := registerHandler(t, "lean")
	short := entry.Lifetime{Stale: 10 * time.Second, Revalidate: 30 * time.Second, Expire: time.Minute}
	cached := Cached(Options{Kind: "lean", FunctionID: "fn/lean"}, func(ctx context.Context, args ...any) (any, error) {
		if err := work.CacheLife(ctx, short); err != nil {
			return nil, err
		}
		return "short-lived", nil
	})

	ctx, store, prerender := prerenderPass(t, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		prerender.Signal().Abort(context.Canceled)
	}()
	_, err := cached(ctx)
	assert.ErrorIs(t, err, ErrBecameDynamic, "An entry expiring below the floor must not be baked into the shell")

	// The entry itself is still persisted for actual requests.
	require.NoError(t, store.WaitPendingWrites())
	stored, err := h.Get(t.Context(), encodeKey(t, "fn/lean"), nil)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, short, stored.Lifetime)
}
