package admission

import (
	"sync"
	"time"
)

type usage struct {
	bytes    int64
	resetAt  time.Time
	lastSeen time.Time
}

// BandwidthLimiter meters bytes per key in fixed windows.
type BandwidthLimiter struct {
	mu      sync.Mutex
	budget  int64
	window  time.Duration
	idle    time.Duration
	entries map[string]*usage
	now     func() time.Time
}

// NewBandwidthLimiter admits up to budget bytes per key per window. Keys
// untouched for idle are dropped by Sweep.
func NewBandwidthLimiter(budget int64, window, idle time.Duration, now func() time.Time) *BandwidthLimiter {
	if budget <= 0 {
		budget = DefaultBandwidthBytes
	}
	if window <= 0 {
		window = DefaultBandwidthWindow
	}
	if idle <= 0 {
		idle = DefaultBandwidthIdle
	}
	if now == nil {
		now = time.Now
	}
	return &BandwidthLimiter{
		budget:  budget,
		window:  window,
		idle:    idle,
		entries: make(map[string]*usage),
		now:     now,
	}
}

// Allow charges n bytes to key. A refused request charges nothing and
// reports how long until the window resets.
func (l *BandwidthLimiter) Allow(key string, n int64) (bool, time.Duration) {
	if n < 0 {
		n = 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	u := l.entries[key]
	if u == nil || !now.Before(u.resetAt) {
		u = &usage{resetAt: now.Add(l.window)}
		l.entries[key] = u
	}
	u.lastSeen = now
	if n > l.budget-u.bytes {
		return false, u.resetAt.Sub(now)
	}
	u.bytes += n
	return true, 0
}

// Used returns the bytes charged to key in its current window.
func (l *BandwidthLimiter) Used(key string) int64 {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	u := l.entries[key]
	if u == nil || !now.Before(u.resetAt) {
		return 0
	}
	return u.bytes
}

// Sweep drops idle keys and returns how many were removed.
func (l *BandwidthLimiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, u := range l.entries {
		if u.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *BandwidthLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
