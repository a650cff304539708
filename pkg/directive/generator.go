// Generation runs the wrapped function body inside an isolated cache unit: a clean context
// snapshot, its own cancellation signal, and a fresh cache store for the in-function directives.
// The body's output, the log records it emits, and any error it returns are packed as frames into
// one fan-out buffer, so every later consumer replays the execution identically.

package directive

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nobletooth/stash/pkg/entry"
	"github.com/nobletooth/stash/pkg/stream"
	"github.com/nobletooth/stash/pkg/work"
)

var speculativeTimeout = flag.Duration("speculative_generation_timeout", 50*time.Second,
	"How long a speculative render waits for one cached function before giving up on it.")

// ErrGenerationTimeout is returned when a speculative generation exceeds its time budget.
var ErrGenerationTimeout = errors.New("cached function generation timed out during a speculative render")

// DigestedError is implemented by errors a cached function expects to return; their digest and
// message are captured in the entry and replayed to every consumer.
type DigestedError interface {
	error
	Digest() string
}

// generate executes fn in isolation and returns the resulting entry. becameDynamic reports that
// the execution touched request-time-only data under a speculative unit; the entry is nil then
// and the caller converts the call into a dynamic hole instead of failing it.
func generate(ctx context.Context, store *work.Store, outer work.Unit, opts Options,
	args []any, fn Func) (generated *entry.Entry, becameDynamic bool, err error) {
	declared, err := store.DefaultProfile()
	if err != nil {
		return nil, false, err
	}
	var implicit *work.ImplicitTags
	signal := work.NewSignal()
	if outer != nil {
		implicit = outer.Implicit()
		signal = work.AnyOf(signal, outer.Signal())
	}
	cacheStore := work.NewCacheStore(opts.Kind, declared, implicit)
	unit := work.NewCacheUnit(signal, cacheStore)

	runCtx := work.WithUnit(work.CleanSnapshot(ctx), unit)
	runCtx, stop := signal.Context(runCtx)
	defer stop()

	buffer := stream.NewBuffer()
	runCtx = work.WithLogger(runCtx, slog.New(newFrameLogHandler(buffer)))

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		value, fnErr := fn(runCtx, args...)
		// The producer alone terminates the buffer; an abort observed here supersedes the result.
		if cause := signal.Cause(); cause != nil {
			buffer.CloseWithError(cause)
			return
		}
		if isDynamicOutcome(fnErr) {
			// A nested cached call went dynamic; this execution is dynamic too, not failed.
			buffer.CloseWithError(fnErr)
			return
		}
		if fnErr != nil {
			appendErrorFrame(ctx, buffer, fnErr)
			buffer.Close()
			return
		}
		payload, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			buffer.CloseWithError(fmt.Errorf("serializing cached value of %s: %w", opts.FunctionID, marshalErr))
			return
		}
		buffer.Append(stream.EncodeFrame(stream.FrameValue, payload))
		buffer.Close()
	}()

	var timeout <-chan time.Time
	if speculative(outer) {
		timer := time.NewTimer(*speculativeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
	case <-timeout:
		timeoutsMetric.Inc()
		signal.Abort(ErrGenerationTimeout)
		return nil, false, ErrGenerationTimeout
	case <-signal.Done():
		cause := signal.Cause()
		if work.IsDynamicAccess(cause) {
			markDynamic(outer, cause)
			return nil, true, nil
		}
		return nil, false, cause
	}

	if terminalErr := buffer.Err(); terminalErr != nil {
		if isDynamicOutcome(terminalErr) {
			markDynamic(outer, terminalErr)
			return nil, true, nil
		}
		return nil, false, terminalErr
	}
	// The window is anchored at the start of the computation, so a slow generation doesn't look
	// fresher than it is.
	return &entry.Entry{
		Value:     buffer.NewReader(),
		Timestamp: start,
		Lifetime:  cacheStore.EffectiveLifetime(),
		Tags:      cacheStore.Tags(),
	}, false, nil
}

func speculative(unit work.Unit) bool {
	_, ok := unit.(*work.PrerenderUnit)
	return ok
}

// isDynamicOutcome reports whether an error means "this execution went dynamic" rather than a
// failure: a direct dynamic-access abort or a nested call's dynamic hole bubbling up.
func isDynamicOutcome(err error) bool {
	return err != nil && (work.IsDynamicAccess(err) || errors.Is(err, ErrBecameDynamic))
}

// markDynamic propagates a dynamic outcome to the enclosing unit's signal, so the enclosing
// speculative attempt winds down and parked placeholders resolve.
func markDynamic(outer work.Unit, cause error) {
	if outer == nil {
		return
	}
	if !work.IsDynamicAccess(cause) {
		cause = &work.DynamicAccessError{Expression: cause.Error()}
	}
	outer.Signal().Abort(cause)
}

// errorFrame is the serialized form of a FrameError payload.
type errorFrame struct {
	Digest  string `json:"digest"`
	Message string `json:"message,omitempty"`
}

// appendErrorFrame captures a function error in-band. Expected errors carry their message into
// the entry; unexpected ones are logged once where they happened, and consumers only ever see the
// digest.
func appendErrorFrame(ctx context.Context, buffer *stream.Buffer, fnErr error) {
	var digested DigestedError
	if errors.As(fnErr, &digested) {
		payload, err := json.Marshal(errorFrame{Digest: digested.Digest(), Message: digested.Error()})
		if err == nil {
			buffer.Append(stream.EncodeFrame(stream.FrameError, payload))
			return
		}
	}
	digest := fmt.Sprintf("%016x", xxhash.Sum64String(fnErr.Error()))
	work.Logger(ctx).Error("cached function failed", "digest", digest, "error", fnErr)
	payload, _ := json.Marshal(errorFrame{Digest: digest})
	buffer.Append(stream.EncodeFrame(stream.FrameError, payload))
}

// frameLogHandler is a slog.Handler that captures the function body's log records as FrameLog
// frames, so every consumer of the entry replays them.
type frameLogHandler struct {
	buffer *stream.Buffer
	attrs  []slog.Attr
	group  string
}

func newFrameLogHandler(buffer *stream.Buffer) *frameLogHandler {
	return &frameLogHandler{buffer: buffer}
}

// logFrame is the serialized form of a FrameLog payload.
type logFrame struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (h *frameLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *frameLogHandler) Handle(_ context.Context, record slog.Record) error {
	frame := logFrame{Level: record.Level.String(), Message: record.Message}
	if record.NumAttrs() > 0 || len(h.attrs) > 0 {
		frame.Attrs = make(map[string]string, record.NumAttrs()+len(h.attrs))
	}
	for _, attr := range h.attrs {
		frame.Attrs[h.qualify(attr.Key)] = attr.Value.String()
	}
	record.Attrs(func(attr slog.Attr) bool {
		frame.Attrs[h.qualify(attr.Key)] = attr.Value.String()
		return true
	})
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	h.buffer.Append(stream.EncodeFrame(stream.FrameLog, payload))
	return nil
}

func (h *frameLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *frameLogHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.group = h.qualify(name)
	return &clone
}

func (h *frameLogHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}
