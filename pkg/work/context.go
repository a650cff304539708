// Context plumbing: the work store, the innermost unit of work, and the logger travel through
// context.Context under unexported typed keys. Hosts attach them at the top of a render; the
// engine only ever reads them back through the accessors below.

package work

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	storeKey contextKey = iota
	unitKey
	loggerKey
)

// WithStore attaches the request's work store to ctx.
func WithStore(ctx context.Context, store *Store) context.Context {
	return context.WithValue(ctx, storeKey, store)
}

// StoreFrom returns the attached work store, if any.
func StoreFrom(ctx context.Context) (*Store, bool) {
	store, ok := ctx.Value(storeKey).(*Store)
	return store, ok
}

// WithUnit attaches the innermost unit of work to ctx.
func WithUnit(ctx context.Context, unit Unit) context.Context {
	return context.WithValue(ctx, unitKey, unit)
}

// UnitFrom returns the innermost attached unit, if any.
func UnitFrom(ctx context.Context) (Unit, bool) {
	unit, ok := ctx.Value(unitKey).(Unit)
	return unit, ok
}

// WithLogger attaches a request-scoped logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the attached logger, falling back to the process default.
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// CleanSnapshot builds a fresh context carrying only the execution-safe snapshot of the work
// store. The parent's cancellation, deadlines, units, and request-scoped values are all absent:
// an isolated generation must not observe the triggering request.
func CleanSnapshot(ctx context.Context) context.Context {
	clean := context.Background()
	if store, ok := StoreFrom(ctx); ok {
		clean = WithStore(clean, store.CleanSnapshot())
	}
	return WithLogger(clean, Logger(ctx))
}
