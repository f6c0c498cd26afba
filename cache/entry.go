package cache

// Entry wraps a cached value with its absolute expiry time. Entries are
// immutable after insertion; liveness is decided by comparing ExpiresAt
// against the current time.
type Entry[T any] struct {
	Value T `json:"value"`
	// ExpiresAt is seconds since the Unix epoch.
	ExpiresAt uint64 `json:"expires_at"`
}

// Live reports whether the entry has not yet expired at the given time
// (seconds since the Unix epoch).
func (e Entry[T]) Live(now uint64) bool {
	return e.ExpiresAt > now
}
