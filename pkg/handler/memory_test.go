package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/stream"
)

func testEntry(t *testing.T, content string, lifetime entry.Lifetime, tags ...string) *entry.Entry {
	t.Helper()
	buf := stream.NewBuffer()
	buf.Append([]byte(content))
	buf.Close()
	return &entry.Entry{Value: buf.NewReader(), Timestamp: time.Now(), Lifetime: lifetime, Tags: tags}
}

func drainEntry(t *testing.T, e *entry.Entry) string {
	t.Helper()
	chunks, err := e.Value.Drain()
	require.NoError(t, err)
	var content []byte
	for _, chunk := range chunks {
		content = append(content, chunk...)
	}
	return string(content)
}

func TestMemoryHandler_SetAndGet(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	lifetime := entry.Lifetime{Stale: time.Minute, Revalidate: time.Hour, Expire: 2 * time.Hour}
	require.NoError(t, h.Set(t.Context(), "k1", testEntry(t, "value-1", lifetime, "posts")))

	got, err := h.Get(t.Context(), "k1", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "value-1", drainEntry(t, got))
	assert.Equal(t, lifetime, got.Lifetime)
	assert.Equal(t, []string{"posts"}, got.Tags)

	// Every Get rematerializes an independent cursor.
	again, err := h.Get(t.Context(), "k1", nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "value-1", drainEntry(t, again))
}

func TestMemoryHandler_MissReturnsNil(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	got, err := h.Get(t.Context(), "absent", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryHandler_ExpiredEntryIsMiss(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	dead := testEntry(t, "old", entry.Lifetime{Revalidate: time.Millisecond, Expire: time.Millisecond})
	dead.Timestamp = time.Now().Add(-time.Hour)
	require.NoError(t, h.Set(t.Context(), "k1", dead))

	got, err := h.Get(t.Context(), "k1", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryHandler_ErroredStreamIsNotStored(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	buf := stream.NewBuffer()
	buf.Append([]byte("partial"))
	buf.CloseWithError(assert.AnError)
	broken := &entry.Entry{Value: buf.NewReader(), Timestamp: time.Now(), Lifetime: entry.Lifetime{Expire: time.Hour}}

	err := h.Set(t.Context(), "k1", broken)
	assert.ErrorIs(t, err, assert.AnError)

	got, err := h.Get(t.Context(), "k1", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryHandler_TagInvalidation(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	lifetime := entry.Lifetime{Revalidate: time.Hour, Expire: 2 * time.Hour}
	require.NoError(t, h.Set(t.Context(), "k1", testEntry(t, "tagged", lifetime, "posts", "user-7")))
	require.NoError(t, h.Set(t.Context(), "k2", testEntry(t, "untagged", lifetime)))

	require.NoError(t, h.ExpireTags(t.Context(), "user-7"))

	got, err := h.Get(t.Context(), "k1", nil)
	require.NoError(t, err)
	assert.Nil(t, got, "An entry carrying an expired tag must read as a miss even before its expire window")

	untouched, err := h.Get(t.Context(), "k2", nil)
	require.NoError(t, err)
	assert.NotNil(t, untouched)
}

func TestMemoryHandler_SoftTagInvalidation(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	lifetime := entry.Lifetime{Revalidate: time.Hour, Expire: 2 * time.Hour}
	require.NoError(t, h.Set(t.Context(), "k1", testEntry(t, "v", lifetime)))

	// Soft tags are request-scoped, not recorded on the entry; invalidating one still discards.
	require.NoError(t, h.ExpireTags(t.Context(), "route:/feed"))
	got, err := h.Get(t.Context(), "k1", []string{"route:/feed"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = h.Get(t.Context(), "k1", []string{"route:/other"})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMemoryHandler_TagInvalidationPredatingEntryIsIgnored(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	require.NoError(t, h.ExpireTags(t.Context(), "posts"))
	time.Sleep(5 * time.Millisecond) // The new entry must postdate the invalidation.

	lifetime := entry.Lifetime{Revalidate: time.Hour, Expire: 2 * time.Hour}
	require.NoError(t, h.Set(t.Context(), "k1", testEntry(t, "fresh", lifetime, "posts")))
	got, err := h.Get(t.Context(), "k1", nil)
	require.NoError(t, err)
	assert.NotNil(t, got, "An invalidation older than the entry must not discard it")
}

func TestMemoryHandler_GetExpiration(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	before := time.Now()
	require.NoError(t, h.ExpireTags(t.Context(), "a", "b"))

	latest, err := h.GetExpiration(t.Context(), "a")
	require.NoError(t, err)
	assert.False(t, latest.Before(before))

	never, err := h.GetExpiration(t.Context(), "never-expired")
	require.NoError(t, err)
	assert.True(t, never.IsZero())
}

func TestRegistry(t *testing.T) {
	h := NewMemoryHandler(t.Context())
	Register("registry-test", h)
	t.Cleanup(func() { Unregister("registry-test") })

	got, err := Lookup("registry-test")
	require.NoError(t, err)
	assert.Same(t, Handler(h), got)
	assert.Contains(t, Kinds(), "registry-test")

	_, err = Lookup("no-such-kind")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
