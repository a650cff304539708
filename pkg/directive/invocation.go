// Invocation shapes: how a cached call's arguments map onto its lookup identity. Generic calls
// key on their full argument list. Route-level calls (pages, layouts) key on the outer route
// parameters only, and unresolved fallback parameters make the call dynamic during speculation.
// Bound closure arguments arrive encrypted; they join the key in transport form and the call in
// decrypted form.

package directive

import (
	"context"
	"fmt"

	"github.com/nobletooth/stash/pkg/utils"
	"github.com/nobletooth/stash/pkg/work"
)

// CallKind distinguishes how an invocation derives its cache identity.
type CallKind int

const (
	// CallGeneric keys on the full argument list.
	CallGeneric CallKind = iota
	// CallPage and CallLayout key on the route parameters of a RouteProps argument.
	CallPage
	CallLayout
)

// RouteProps are the route-level inputs of a page or layout call.
type RouteProps struct {
	Params map[string]string
	// FallbackParams names route parameters with no concrete value during a speculative render.
	// A non-empty list makes the call dynamic until the actual request supplies values.
	FallbackParams []string
}

// Options describe one cached function to Cached.
type Options struct {
	// Kind selects the registered handler persisting this function's entries. Empty means the
	// default kind.
	Kind string
	// FunctionID is the function's stable identity across processes of the same build.
	FunctionID string
	Call       CallKind
	// BoundArgs is the number of closure-bound arguments expected inside the encrypted payload
	// passed as the call's first argument. Zero means the function closes over nothing.
	BoundArgs int
}

// resolveArgs splits an invocation's raw arguments into the argument list the function body runs
// with and the list its cache key encodes. The key always uses the transport form (encrypted
// bound payload included), so keying never depends on the decryptor.
func resolveArgs(ctx context.Context, store *work.Store, opts Options, args []any) (callArgs, keyArgs []any, err error) {
	keyArgs = keyArgsFor(opts, args)
	if opts.BoundArgs == 0 {
		return args, keyArgs, nil
	}
	if len(args) == 0 {
		utils.RaiseInvariant("directive", "bound_args_shape", "A bound cached function was called without its payload.",
			"function", opts.FunctionID)
		return nil, nil, fmt.Errorf("cached function %s: missing bound-argument payload", opts.FunctionID)
	}
	payload, ok := args[0].(string)
	if !ok {
		utils.RaiseInvariant("directive", "bound_args_shape", "A bound-argument payload was not a string.",
			"function", opts.FunctionID)
		return nil, nil, fmt.Errorf("cached function %s: bound-argument payload must be a string", opts.FunctionID)
	}
	if store.Decryptor == nil {
		return nil, nil, fmt.Errorf("cached function %s: bound arguments require a decryptor", opts.FunctionID)
	}
	bound, err := store.Decryptor.DecryptBoundArgs(ctx, opts.FunctionID, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting bound arguments of %s: %w", opts.FunctionID, err)
	}
	if len(bound) != opts.BoundArgs {
		utils.RaiseInvariant("directive", "bound_args_shape", "A decrypted bound-argument list has the wrong arity.",
			"function", opts.FunctionID, "want", opts.BoundArgs, "got", len(bound))
		return nil, nil, fmt.Errorf("cached function %s: expected %d bound arguments, got %d",
			opts.FunctionID, opts.BoundArgs, len(bound))
	}
	return append(bound, args[1:]...), keyArgs, nil
}

// keyArgsFor reduces route-level calls to their outer identity: the resolved route parameters.
// Everything else keys as passed.
func keyArgsFor(opts Options, args []any) []any {
	if opts.Call == CallGeneric {
		return args
	}
	keyArgs := make([]any, len(args))
	for i, arg := range args {
		if props, ok := arg.(*RouteProps); ok && props != nil {
			keyArgs[i] = props.Params
			continue
		}
		keyArgs[i] = arg
	}
	return keyArgs
}

// hasFallbackParams reports whether a route-level call carries unresolved route parameters.
func hasFallbackParams(opts Options, args []any) bool {
	if opts.Call == CallGeneric {
		return false
	}
	for _, arg := range args {
		if props, ok := arg.(*RouteProps); ok && props != nil && len(props.FallbackParams) > 0 {
			return true
		}
	}
	return false
}
