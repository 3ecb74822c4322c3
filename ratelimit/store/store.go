// Package store provides fixed-window counter backends for rate limiting.
package store

import (
	"context"
	"time"
)

// Window is the state of a key's current counting window.
type Window struct {
	// Count is the number of hits recorded in the window, including the current one.
	Count int64

	// ResetAt is when the window expires. The first hit at or after ResetAt
	// opens a new window.
	ResetAt time.Time
}

// Store defines the interface for rate limit counter backends.
// Implementations must be safe for concurrent use. For a single key, concurrent
// Hit calls within one window must observe distinct, strictly increasing counts.
type Store interface {
	// Hit records one hit for key and returns the resulting window.
	// A key with no current window starts a new one lasting window.
	Hit(ctx context.Context, key string, window time.Duration) (Window, error)

	// Peek returns the current window for key without recording a hit.
	// Returns the zero Window if the key has no current window.
	Peek(ctx context.Context, key string) (Window, error)

	// Reset removes all counters. Intended for test isolation.
	Reset(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
