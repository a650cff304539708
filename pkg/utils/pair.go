// Nothing to see here in this module. Couldn't find a better place for Pair.

package utils

type Pair[K any, V any] struct {
	Key   K
	Value V
}

// Field is an ordered (name, value) pair as emitted by the cache key encoder. Field order is
// significant; the encoder's self-delimiting flattening preserves it.
type Field Pair[string /*name*/, string /*value*/]
