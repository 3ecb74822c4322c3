// Package warnonce emits a warning at most once per category for the lifetime
// of a Latch. Backend failures repeat on every request while a dependency is
// down; the first occurrence is the only one worth a log line.
package warnonce

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Latch logs the first warning of each category and swallows the rest.
// The zero value is not usable; create one with New.
type Latch struct {
	logger *zap.Logger
	mu     sync.Mutex
	seen   map[string]*rate.Sometimes
}

// New returns a Latch that writes to logger. A nil logger discards output.
func New(logger *zap.Logger) *Latch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Latch{
		logger: logger,
		seen:   make(map[string]*rate.Sometimes),
	}
}

// Warn logs msg at warn level the first time category is seen.
// Reports whether the message was written.
func (l *Latch) Warn(category, msg string, fields ...zap.Field) bool {
	written := false
	l.gate(category).Do(func() {
		l.logger.Warn(msg, append(fields, zap.String("category", category))...)
		written = true
	})
	return written
}

// Warned reports whether category has already been logged.
func (l *Latch) Warned(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[category]
	return ok
}

func (l *Latch) gate(category string) *rate.Sometimes {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.seen[category]
	if !ok {
		s = &rate.Sometimes{First: 1}
		l.seen[category] = s
	}
	return s
}
