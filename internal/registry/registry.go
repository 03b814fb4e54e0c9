package registry

import (
	"log"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusDisconnected Status = "Disconnected"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusFailed       Status = "Failed"
)

// Car is the identity of a discovered vehicle.
type Car struct {
	ID           string    `json:"id"`
	Number       uint8     `json:"number"`
	Driver       string    `json:"driver"`
	Team         string    `json:"team"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Version      string    `json:"version"`
	Status       Status    `json:"connection_status"`
	StatusReason string    `json:"status_reason,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Persister mirrors the store to durable storage.
type Persister interface {
	Put(c Car) error
	Delete(id string) error
}

type Store struct {
	mu      sync.RWMutex
	data    map[string]Car
	persist Persister
}

func NewStore() *Store {
	return &Store{data: map[string]Car{}}
}

// NewPersistentStore returns a store seeded with cars and mirrored to p.
// Seeded cars start Disconnected.
func NewPersistentStore(p Persister, cars []Car) *Store {
	s := &Store{data: make(map[string]Car, len(cars)), persist: p}
	for _, c := range cars {
		c.Status = StatusDisconnected
		c.StatusReason = ""
		s.data[c.ID] = c
	}
	return s
}

func (s *Store) Get(id string) (Car, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[id]
	return v, ok
}

// Upsert inserts or replaces the car with c.ID. The connection status of an
// existing entry is kept. It reports whether the car was new.
func (s *Store) Upsert(c Car) (Car, bool) {
	s.mu.Lock()
	old, exists := s.data[c.ID]
	if exists {
		c.Status = old.Status
		c.StatusReason = old.StatusReason
	} else if c.Status == "" {
		c.Status = StatusDisconnected
	}
	s.data[c.ID] = c
	s.mu.Unlock()

	s.save(c)
	return c, !exists
}

func (s *Store) SetStatus(id string, st Status, reason string) (Car, bool) {
	s.mu.Lock()
	v, ok := s.data[id]
	if !ok {
		s.mu.Unlock()
		return Car{}, false
	}
	v.Status = st
	v.StatusReason = reason
	if st == StatusConnected || st == StatusDisconnected {
		v.LastSeen = time.Now()
	}
	s.data[id] = v
	s.mu.Unlock()

	s.save(v)
	return v, true
}

// Remove deletes a car. This is the only way an identity leaves the store.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.data[id]
	delete(s.data, id)
	s.mu.Unlock()

	if ok && s.persist != nil {
		if err := s.persist.Delete(id); err != nil {
			log.Printf("[registry] delete %s: %v", id, err)
		}
	}
	return ok
}

// List returns all cars ordered by number, then id.
func (s *Store) List() []Car {
	s.mu.RLock()
	out := make([]Car, 0, len(s.data))
	for _, v := range s.data {
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) save(c Car) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Put(c); err != nil {
		log.Printf("[registry] persist %s: %v", c.ID, err)
	}
}
