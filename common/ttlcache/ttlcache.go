// Package ttlcache provides a single-entry expiring cache.
//
// Entry is deliberately not synchronized: owners embed it next to the mutex
// that already guards their state. Time is always passed in, never read from
// the wall clock, so owners can inject a clock in tests.
package ttlcache

import "time"

// Entry holds one cached value and the time it was last stored.
// The zero value is an empty entry.
type Entry[V any] struct {
	value     V
	fetchedAt time.Time
	present   bool
}

// Store replaces the cached value and stamps it with now.
func (e *Entry[V]) Store(v V, now time.Time) {
	e.value = v
	e.fetchedAt = now
	e.present = true
}

// Value returns the cached value and whether one has been stored.
func (e *Entry[V]) Value() (V, bool) {
	return e.value, e.present
}

// FetchedAt returns the time of the last Store, or the zero time for an
// empty entry.
func (e *Entry[V]) FetchedAt() time.Time {
	return e.fetchedAt
}

// Fresh reports whether a stored value is younger than ttl at the given
// instant; a value whose age equals ttl is already stale. A ttl of zero or
// less never expires, so any stored value counts as fresh. An empty entry is
// never fresh.
func (e *Entry[V]) Fresh(now time.Time, ttl time.Duration) bool {
	if !e.present {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(e.fetchedAt) < ttl
}

// Invalidate empties the entry.
func (e *Entry[V]) Invalidate() {
	var zero V
	e.value = zero
	e.fetchedAt = time.Time{}
	e.present = false
}
