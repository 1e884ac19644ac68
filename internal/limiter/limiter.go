// Package limiter caps how many supervised processes one reasoning session
// may start between resets.
package limiter

import (
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxCalls is the per-session limit used when none is configured
const DefaultMaxCalls = 10

// Limiter counts invocations per session. Counters of different sessions are
// independent; the mutex only protects the map.
type Limiter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
	logger *slog.Logger
}

// New creates a limiter allowing max invocations per session
func New(max int, logger *slog.Logger) *Limiter {
	if max <= 0 {
		max = DefaultMaxCalls
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		counts: make(map[string]int),
		max:    max,
		logger: logger,
	}
}

// RecordInvocation increments the session's counter and reports whether the
// invocation is allowed. A rejected call still counts.
func (l *Limiter) RecordInvocation(sessionID string) (bool, string) {
	l.mu.Lock()
	l.counts[sessionID]++
	count, max := l.counts[sessionID], l.max
	l.mu.Unlock()

	if count > max {
		msg := fmt.Sprintf("session %q reached the limit of %d CLI invocations (attempt %d); reset the session before starting more", sessionID, max, count)
		l.logger.Warn("invocation limit exceeded", "session_id", sessionID, "count", count, "max", max)
		return false, msg
	}
	return true, fmt.Sprintf("invocation %d of %d", count, max)
}

// Reset forgets the session's counter
func (l *Limiter) Reset(sessionID string) {
	l.mu.Lock()
	delete(l.counts, sessionID)
	l.mu.Unlock()
}

// Count returns the session's current counter
func (l *Limiter) Count(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[sessionID]
}

// Max returns the per-session limit
func (l *Limiter) Max() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// SetMax changes the per-session limit for subsequent calls
func (l *Limiter) SetMax(max int) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	l.max = max
	l.mu.Unlock()
}
