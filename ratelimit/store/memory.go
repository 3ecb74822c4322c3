package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each process keeps its own counters, so with N processes a client can make
// up to N times the configured limit. Use Redis when the limit must hold
// across instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	every   time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now as the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithCleanupInterval sets how often expired entries are swept (default: 1 minute).
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.every = d
	}
}

// WithoutCleanup disables the background sweep. Use for short-lived stores
// that are discarded after a few hits.
func WithoutCleanup() MemoryOption {
	return func(m *Memory) {
		m.every = 0
	}
}

// NewMemory creates a new in-memory store.
// Unless WithoutCleanup is given, a background goroutine removes expired
// entries; call Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		every:   time.Minute,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.every > 0 {
		go m.cleanup()
	}
	return m
}

// Hit increments the counter for key under the store lock.
// A missing entry, or one whose window has ended (now >= resetAt), is replaced
// by a fresh window with count 1.
func (m *Memory) Hit(_ context.Context, key string, window time.Duration) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, exists := m.entries[key]

	if !exists || !now.Before(entry.resetAt) {
		entry = &memoryEntry{
			count:   1,
			resetAt: now.Add(window),
		}
		m.entries[key] = entry
		return Window{Count: 1, ResetAt: entry.resetAt}, nil
	}

	entry.count++
	return Window{Count: entry.count, ResetAt: entry.resetAt}, nil
}

// Peek returns the current window for key without incrementing.
func (m *Memory) Peek(_ context.Context, key string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.resetAt) {
		return Window{}, nil
	}
	return Window{Count: entry.count, ResetAt: entry.resetAt}, nil
}

// Reset removes all counters.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*memoryEntry)
	return nil
}

// Len returns the number of entries held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.stopCh)
	})
	return nil
}

// runCleanup removes all expired entries in one pass.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.entries {
		if !now.Before(entry.resetAt) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
