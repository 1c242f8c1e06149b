package admission

import (
	"sync"
	"sync/atomic"
)

// StreamGuard caps the number of in-flight download streams.
type StreamGuard struct {
	max    int64
	active atomic.Int64
}

// NewStreamGuard returns a guard admitting at most max concurrent streams.
func NewStreamGuard(max int) *StreamGuard {
	if max <= 0 {
		max = DefaultMaxStreams
	}
	return &StreamGuard{max: int64(max)}
}

// Token is one admitted stream. Release it with defer right after a
// successful TryAcquire; extra calls are no-ops.
type Token struct {
	guard *StreamGuard
	once  sync.Once
}

// Release returns the slot to the guard.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.guard.active.Add(-1)
	})
}

// TryAcquire claims a slot without blocking. It fails with
// ErrTooManyStreams when the guard is at capacity.
func (g *StreamGuard) TryAcquire() (*Token, error) {
	for {
		cur := g.active.Load()
		if cur >= g.max {
			return nil, ErrTooManyStreams
		}
		if g.active.CompareAndSwap(cur, cur+1) {
			return &Token{guard: g}, nil
		}
	}
}

// Active returns the number of streams currently admitted.
func (g *StreamGuard) Active() int64 {
	return g.active.Load()
}

// Max returns the ceiling.
func (g *StreamGuard) Max() int64 {
	return g.max
}
