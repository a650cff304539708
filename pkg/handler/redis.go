// The redis handler persists entries across processes. Entries are marshalled into a JSON envelope
// and stored under their key with a native TTL derived from the expire window, so dead entries
// vanish without a reaper. Tag invalidation timestamps live in a single hash shared by every
// process talking to the same redis, which is what makes cross-process on-demand revalidation
// visible everywhere.

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/stream"
	"github.com/redis/go-redis/v9"
)

var (
	redisKeyPrefix = flag.String("redis_handler_key_prefix", "stash:entry:",
		"Prefix for entry keys stored by the redis cache handler.")
	redisTagHashKey = flag.String("redis_handler_tag_hash", "stash:tag-expirations",
		"Redis hash holding tag invalidation timestamps (unix milliseconds).")
)

// redisEnvelope is the stored form of an entry.
type redisEnvelope struct {
	Data       []byte        `json:"data"`
	Timestamp  int64         `json:"timestamp_ms"`
	Stale      time.Duration `json:"stale"`
	Revalidate time.Duration `json:"revalidate"`
	Expire     time.Duration `json:"expire"`
	Tags       []string      `json:"tags,omitempty"`
}

// RedisHandler implements Handler on a redis backend.
type RedisHandler struct {
	client *redis.Client
}

// NewRedisHandler wraps an existing client; the caller owns the client's lifecycle.
func NewRedisHandler(client *redis.Client) *RedisHandler {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisHandler{client: client}
}

func (h *RedisHandler) entryKey(key string) string {
	return *redisKeyPrefix + key
}

// Get retrieves and rematerializes the entry under key, treating tag-invalidated entries as
// misses. Expiry is enforced by the stored TTL; redis simply stops returning dead entries.
func (h *RedisHandler) Get(ctx context.Context, key string, softTags []string) (*entry.Entry, error) {
	raw, err := h.client.Get(ctx, h.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var envelope redisEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}

	timestamp := time.UnixMilli(envelope.Timestamp)
	invalidated, err := h.tagsExpiredAfter(ctx, timestamp, append(copyTags(envelope.Tags), softTags...))
	if err != nil {
		return nil, err
	}
	if invalidated {
		return nil, nil
	}

	return &entry.Entry{
		Value:     stream.FromChunks([][]byte{envelope.Data}).NewReader(),
		Timestamp: timestamp,
		Lifetime:  entry.Lifetime{Stale: envelope.Stale, Revalidate: envelope.Revalidate, Expire: envelope.Expire},
		Tags:      envelope.Tags,
	}, nil
}

// Set drains the entry and stores its envelope with the expire window as the native TTL. Entries
// already past their window, and entries whose stream errored, are not stored.
func (h *RedisHandler) Set(ctx context.Context, key string, e *entry.Entry) error {
	chunks, err := e.Value.Drain()
	if err != nil {
		return err
	}
	ttl := time.Until(e.Timestamp.Add(e.Lifetime.Expire))
	if ttl <= 0 {
		return nil
	}

	var flat []byte
	for _, chunk := range chunks {
		flat = append(flat, chunk...)
	}
	envelope := redisEnvelope{
		Data:       flat,
		Timestamp:  e.Timestamp.UnixMilli(),
		Stale:      e.Lifetime.Stale,
		Revalidate: e.Lifetime.Revalidate,
		Expire:     e.Lifetime.Expire,
		Tags:       e.Tags,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := h.client.Set(ctx, h.entryKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// ExpireTags stamps every tag with the current time in the shared tag hash.
func (h *RedisHandler) ExpireTags(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	fields := make([]any, 0, len(tags)*2)
	for _, tag := range tags {
		fields = append(fields, tag, now)
	}
	if err := h.client.HSet(ctx, *redisTagHashKey, fields...).Err(); err != nil {
		return fmt.Errorf("redis expire tags: %w", err)
	}
	return nil
}

// RefreshTags is a no-op: the tag hash is read per lookup, so there is no local manifest to renew.
func (h *RedisHandler) RefreshTags(context.Context) error {
	return nil
}

// GetExpiration returns the most recent invalidation time among the tags.
func (h *RedisHandler) GetExpiration(ctx context.Context, tags ...string) (time.Time, error) {
	var latest time.Time
	if len(tags) == 0 {
		return latest, nil
	}
	stamps, err := h.client.HMGet(ctx, *redisTagHashKey, tags...).Result()
	if err != nil {
		return latest, fmt.Errorf("redis tag expirations: %w", err)
	}
	for _, stamp := range stamps {
		millis, ok := parseRedisMillis(stamp)
		if !ok {
			continue
		}
		if expiredAt := time.UnixMilli(millis); expiredAt.After(latest) {
			latest = expiredAt
		}
	}
	return latest, nil
}

func (h *RedisHandler) tagsExpiredAfter(ctx context.Context, timestamp time.Time, tags []string) (bool, error) {
	if len(tags) == 0 {
		return false, nil
	}
	latest, err := h.GetExpiration(ctx, tags...)
	if err != nil {
		return false, err
	}
	return !latest.IsZero() && !latest.Before(timestamp), nil
}

// parseRedisMillis decodes one HMGET result, which go-redis yields as a string (or nil for absent
// fields).
func parseRedisMillis(value any) (int64, bool) {
	text, isString := value.(string)
	if !isString {
		return 0, false
	}
	var millis int64
	if _, err := fmt.Sscanf(text, "%d", &millis); err != nil {
		return 0, false
	}
	return millis, true
}

var _ Handler = (*RedisHandler)(nil)
