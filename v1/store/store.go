// Package store defines the two atomic primitives a distributed lock needs
// from a shared key-value backend and provides implementations for memory,
// Redis, SQL databases through GORM and NATS JetStream key-value buckets.
package store

import (
	"context"
	"time"
)

// Store is the capability a lock requires from its backend. Both operations
// must be atomic on the server side.
type Store interface {
	// TrySetIfAbsent stores value under key with the given ttl only if the key
	// does not currently exist. It reports whether the value was stored.
	TrySetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals expected.
	// It reports whether a record was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}
