// Package work models the execution contexts the cache engine runs inside: the work-level store
// shared by one request's whole render, the unit-of-work contexts (render, prerender, nested cache
// execution), the per-invocation cache store mutated by in-function directives, and the resume
// cache that carries entries from an aborted prerender into its resumption. Everything here is an
// explicit handle passed through context.Context; the engine never consults process-global render
// state.
//
// This file implements the cooperative cancellation token shared across the nested asynchronous
// operations of one unit of work. A prerender carries a single Signal; hitting the generation time
// budget or detecting dynamic access aborts that signal with a typed cause, which every suspension
// point observes.

package work

import (
	"context"
	"errors"
	"fmt"
)

// Signal is a composable cancellation token with a cause.
type Signal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Signal{ctx: ctx, cancel: cancel}
}

// Done returns a channel closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cause returns why the signal fired, or nil if it hasn't.
func (s *Signal) Cause() error {
	return context.Cause(s.ctx)
}

// Fired reports whether the signal has fired.
func (s *Signal) Fired() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Abort fires the signal with the given cause. The first abort wins; later causes are ignored.
func (s *Signal) Abort(cause error) {
	s.cancel(cause)
}

// Context derives a child of parent that is additionally cancelled when the signal fires,
// preserving the signal's cause. The returned stop function releases the linkage.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(s.ctx, func() { cancel(s.Cause()) })
	return ctx, func() { stop(); cancel(context.Canceled) }
}

// AnyOf composes signals into one that fires as soon as any of them fires, carrying the first
// firing signal's cause.
func AnyOf(signals ...*Signal) *Signal {
	combined := NewSignal()
	for _, s := range signals {
		context.AfterFunc(s.ctx, func() { combined.Abort(s.Cause()) })
	}
	return combined
}

// DynamicAccessError is the abort cause recorded when a cached function touches request-time-only
// data (unresolved route parameters, request identity) during a speculative prerender. It is a
// control-flow signal, not a failure: the orchestrator converts it into a non-resolving
// placeholder instead of an error result.
type DynamicAccessError struct {
	Expression string // What was accessed, for diagnostics.
}

func (e *DynamicAccessError) Error() string {
	return fmt.Sprintf("dynamic data accessed: %s", e.Expression)
}

// AbortOnDynamicAccess aborts the unit's signal with a DynamicAccessError. Host integrations call
// this from the accessors guarding request-time-only data.
func AbortOnDynamicAccess(u Unit, expression string) {
	u.Signal().Abort(&DynamicAccessError{Expression: expression})
}

// IsDynamicAccess reports whether err is a dynamic-access abort cause.
func IsDynamicAccess(err error) bool {
	var dynamicErr *DynamicAccessError
	return errors.As(err, &dynamicErr)
}
