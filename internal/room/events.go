package room

import (
	"sync"
	"time"
)

// EventKind names a room lifecycle transition.
type EventKind string

const (
	EventRoomCreated   EventKind = "room_created"
	EventRoomDestroyed EventKind = "room_destroyed"
)

// Event is a lifecycle notification. Delivery is at most once.
type Event struct {
	Kind    EventKind `json:"kind"`
	RoomKey string    `json:"room"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Destroy reasons carried on EventRoomDestroyed.
const (
	ReasonLastUserLeft = "last_user_left"
	ReasonGraceExpired = "grace_expired"
	ReasonInactive     = "inactive"
	ReasonAllOffline   = "all_offline"
)

// EventBus fans lifecycle events out to subscribers through fixed-size
// buffers. A full buffer drops its oldest event to make room, so a slow
// subscriber loses history instead of stalling publishers.
type EventBus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	bus     *EventBus
	mu      sync.Mutex
	dropped uint64
	once    sync.Once
}

// NewEventBus builds a bus whose subscriptions buffer up to capacity events.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 64
	}
	return &EventBus{subs: make(map[*Subscription]struct{}), capacity: capacity}
}

// Subscribe registers a new subscriber.
func (b *EventBus) Subscribe() *Subscription {
	ch := make(chan Event, b.capacity)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber without blocking.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.offer(ev)
	}
}

// Close closes every subscription channel. Publish becomes a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (s *Subscription) offer(ev Event) {
	// Serialize producers per subscription so drop-oldest cannot race
	// with another producer refilling the slot.
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
	})
}
