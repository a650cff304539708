// Decoding replays one entry to one consumer: value frames reassemble into the deserialized
// return value, log frames re-emit through the consumer's logger, and an error frame fails the
// call the same way the original execution did.

package directive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/stream"
	"github.com/nobletooth/stash/pkg/work"
)

// FunctionError is the replayed form of an error a cached function returned. The message is only
// populated for errors the function declared expected (see DigestedError); everything else
// surfaces as digest-only, with the original logged where the execution ran.
type FunctionError struct {
	ErrDigest string
	Message   string
}

func (e *FunctionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("cached function failed (digest %s)", e.ErrDigest)
}

// Digest returns the error's stable digest, so replayed errors round-trip through re-caching.
func (e *FunctionError) Digest() string { return e.ErrDigest }

// decodeEntry consumes the entry's cursor fully and returns the deserialized value or the
// replayed error.
func decodeEntry(ctx context.Context, e *entry.Entry) (any, error) {
	decoder := stream.NewDecoder(e.Value)
	logger := work.Logger(ctx)
	var valueBytes []byte
	sawValue := false
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch frame.Type {
		case stream.FrameValue:
			sawValue = true
			valueBytes = append(valueBytes, frame.Payload...)
		case stream.FrameLog:
			replayLog(ctx, logger, frame.Payload)
		case stream.FrameError:
			var captured errorFrame
			if err := json.Unmarshal(frame.Payload, &captured); err != nil {
				return nil, stream.ErrCorruptFrame
			}
			return nil, &FunctionError{ErrDigest: captured.Digest, Message: captured.Message}
		default:
			return nil, stream.ErrCorruptFrame
		}
	}
	if !sawValue {
		return nil, stream.ErrCorruptFrame
	}
	var value any
	if err := json.Unmarshal(valueBytes, &value); err != nil {
		return nil, fmt.Errorf("deserializing cached value: %w", err)
	}
	return value, nil
}

// replayLog re-emits one captured log record. A malformed record degrades to a warning rather
// than failing the value.
func replayLog(ctx context.Context, logger *slog.Logger, payload []byte) {
	var record logFrame
	if err := json.Unmarshal(payload, &record); err != nil {
		logger.WarnContext(ctx, "dropping malformed replayed log record", "error", err)
		return
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(record.Level)); err != nil {
		level = slog.LevelInfo
	}
	attrs := make([]slog.Attr, 0, len(record.Attrs))
	for key, value := range record.Attrs {
		attrs = append(attrs, slog.String(key, value))
	}
	logger.LogAttrs(ctx, level, record.Message, attrs...)
}
