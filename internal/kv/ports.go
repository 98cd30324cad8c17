package kv

import (
	"context"
	"time"
)

// CounterStore is a shared atomic counter and set store. All mutations are
// atomic at the store, never read-then-write in application code, because
// multiple worker processes mutate the same keys concurrently.
type CounterStore interface {
	// IncrementIfBelow atomically increments the counter only if its current
	// value is below limit, refreshing the defensive TTL. Returns whether
	// the increment happened.
	IncrementIfBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error)

	// Decrement atomically decrements the counter, clamped at zero.
	Decrement(ctx context.Context, key string) error

	// Count returns the counter's current value; missing keys count as zero.
	Count(ctx context.Context, key string) (int64, error)

	// AddMember adds member to the set at key with a defensive TTL. Returns
	// false if the member was already present.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) (bool, error)

	// RemoveMember removes member from the set at key.
	RemoveMember(ctx context.Context, key, member string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases connections.
	Close() error
}
