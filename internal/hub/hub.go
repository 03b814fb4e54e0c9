package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

// Control is a decoded control command, in percent.
type Control struct {
	Steering int32
	Throttle int32
	Seq      uint32 // fast-path sequence, 0 for JSON control messages
	At       time.Time
}

type subscriber struct {
	q       chan Control
	dropped atomic.Uint64
}

// Hub fans control messages out to its subscribers. Delivery is best-effort:
// a full subscriber loses the message and a hub without subscribers discards
// it.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

func New() *Hub { return &Hub{subs: map[int]*subscriber{}} }

// Subscribe registers a subscriber with a queue of size n. The returned
// function unregisters it and closes the channel.
func (h *Hub) Subscribe(n int) (<-chan Control, func()) {
	if n <= 0 {
		n = 1
	}
	s := &subscriber{q: make(chan Control, n)}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.q, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(s.q)
		})
	}
}

// Publish offers c to every subscriber and returns how many accepted it.
func (h *Hub) Publish(c Control) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.subs {
		select {
		case s.q <- c:
			delivered++
		default:
			s.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped returns the number of messages lost by subscribers whose queue
// was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n uint64
	for _, s := range h.subs {
		n += s.dropped.Load()
	}
	return n
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
