package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedSenders caps the number of tracked senders so a flood of
	// distinct ids cannot grow the table without bound.
	maxTrackedSenders = 4096

	DefaultRateWindow  = 60 * time.Second
	DefaultRateMaxHits = 20
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// SenderRateLimiter counts messages per sender in fixed windows.
// Safe for concurrent use.
type SenderRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	now     func() time.Time
	entries map[string]*rateLimitEntry
}

// NewSenderRateLimiter creates a limiter allowing maxHits per window.
// Non-positive values fall back to the defaults.
func NewSenderRateLimiter(window time.Duration, maxHits int) *SenderRateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if maxHits <= 0 {
		maxHits = DefaultRateMaxHits
	}
	return &SenderRateLimiter{
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow returns true if the sender is within its budget.
// Automatically prunes stale entries and enforces a hard cap on tracked keys.
func (r *SenderRateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[sender]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[sender] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
