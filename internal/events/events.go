package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TopicDiscovered = "car-discovered"
	TopicUpdated    = "car-updated"
	TopicOffline    = "car-offline"
	TopicRemoved    = "car-removed"
	TopicError      = "discovery-error"
	TopicStatus     = "discovery-status"
	TopicConnection = "connection-status"
	TopicMessage    = "car-message"
)

type Event struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	CarID   string    `json:"car_id,omitempty"`
	Topic   string    `json:"topic"`
	Payload []byte    `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

type Buffer interface {
	Push(e Event) Event
	Pull(afterSeq uint64, max int) []Event
}

type ring struct {
	mu   sync.RWMutex
	data []Event
	size int
	seq  uint64
}

func NewRing(size int) Buffer {
	return &ring{data: make([]Event, 0, size), size: size}
}

// Push stamps e with an id, a sequence number and (if unset) the current
// time, stores it and returns the stored copy. The oldest event is evicted
// when the ring is full.
func (r *ring) Push(e Event) Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if len(r.data) == r.size {
		r.data = r.data[1:]
	}
	r.data = append(r.data, e)
	return e
}

// Pull returns up to max events with Seq > afterSeq, oldest first.
func (r *ring) Pull(afterSeq uint64, max int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, 0, max)
	for _, e := range r.data {
		if len(out) == max {
			break
		}
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}
