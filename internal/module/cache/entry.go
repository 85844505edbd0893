package cache

import "time"

// Entry is a cached value together with the instant it was written.
type Entry[T any] struct {
	Value     T         `json:"data"`
	WrittenAt time.Time `json:"time"`
}

// Fresh reports whether the entry may be served at now under maxAge.
// The boundary is inclusive: an entry exactly maxAge old is still fresh.
// A negative maxAge makes every entry stale.
func (e Entry[T]) Fresh(now time.Time, maxAge time.Duration) bool {
	if maxAge < 0 || e.WrittenAt.IsZero() {
		return false
	}
	return now.Sub(e.WrittenAt) <= maxAge
}
