package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The redis handler itself needs a live backend; these cover the pure envelope pieces.

func TestParseRedisMillis(t *testing.T) {
	millis, ok := parseRedisMillis("1724700000000")
	require.True(t, ok)
	assert.Equal(t, int64(1724700000000), millis)

	_, ok = parseRedisMillis(nil) // Absent hash field.
	assert.False(t, ok)
	_, ok = parseRedisMillis("not-a-number")
	assert.False(t, ok)
}

func TestRedisHandler_EntryKeyUsesPrefix(t *testing.T) {
	h := &RedisHandler{}
	assert.Equal(t, *redisKeyPrefix+"abc", h.entryKey("abc"))
}

func TestNewRedisHandler_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() { NewRedisHandler(nil) })
}
