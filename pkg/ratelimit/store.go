package ratelimit

import (
	"context"
	"time"
)

// Entry records one admitted request inside a window.
type Entry struct {
	Key       string
	Category  Category
	Timestamp time.Time
	ExpiresAt time.Time
}

// Store is the durable counter backend. Implementations need not be
// transactional: the admitter performs check-then-record as separate calls.
type Store interface {
	// Prune deletes entries for key/category with a timestamp before cutoff.
	Prune(ctx context.Context, key string, cat Category, cutoff time.Time) error
	// Count returns the number of entries with a timestamp at or after since.
	Count(ctx context.Context, key string, cat Category, since time.Time) (int, error)
	// Oldest returns the earliest timestamp at or after since.
	Oldest(ctx context.Context, key string, cat Category, since time.Time) (time.Time, bool, error)
	Record(ctx context.Context, e Entry) error
	// Sweep removes every entry whose expiry is before now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
	Close() error
}
