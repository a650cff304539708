// Freshness windows flow in both directions: a cache-life profile flows down into an execution as
// its declared default, and a finished entry's effective window flows back up into whatever unit of
// work contains it. The upward merge is a pointwise minimum so an outer unit of work is never
// fresher than its least-fresh dependency.

package entry

import "time"

// Lifetime is a freshness window: how long an entry may be treated as fresh by the client (Stale),
// how long until it triggers background regeneration (Revalidate) and how long until it must not be
// served at all (Expire).
//
// Revalidate <= Expire is expected but deliberately not enforced: a caller-supplied inverted pair
// is carried literally, and IsStale / IsExpired each consult only their own field. Clamping here
// would silently change caller directives.
type Lifetime struct {
	Stale      time.Duration
	Revalidate time.Duration
	Expire     time.Duration
}

// Merge returns the pointwise minimum of the two windows. Merging is idempotent, commutative and
// associative, so child entries completing in any order aggregate to the same parent window.
func (l Lifetime) Merge(other Lifetime) Lifetime {
	return Lifetime{
		Stale:      min(l.Stale, other.Stale),
		Revalidate: min(l.Revalidate, other.Revalidate),
		Expire:     min(l.Expire, other.Expire),
	}
}

// IsZero reports whether the lifetime carries no window at all.
func (l Lifetime) IsZero() bool {
	return l == Lifetime{}
}
