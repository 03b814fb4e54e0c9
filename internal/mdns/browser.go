package mdns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

type EventKind int

const (
	Resolved EventKind = iota + 1
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event reports a service instance that became resolvable (or changed), or
// one whose owner sent a goodbye.
type Event struct {
	Kind     EventKind
	FullName string
	Service  Service // zero for Removed
}

// Browser periodically queries for a service type and turns responses into
// Events. Only complete instances (SRV, TXT and A present) are reported.
type Browser struct {
	t           Transport
	serviceType string
	interval    time.Duration

	known map[string]Service
}

func NewBrowser(t Transport, serviceType string, interval time.Duration) *Browser {
	if interval <= 0 {
		interval = time.Second
	}
	return &Browser{
		t:           t,
		serviceType: strings.ToLower(serviceType),
		interval:    interval,
		known:       make(map[string]Service),
	}
}

// Run queries and collects responses until ctx is done. A failure to send
// the first query is returned; later send failures are logged.
func (b *Browser) Run(ctx context.Context, out chan<- Event) error {
	query, err := buildQuery(b.serviceType)
	if err != nil {
		return err
	}
	if err := b.t.Multicast(query); err != nil {
		return fmt.Errorf("mdns: browse %s: %w", b.serviceType, err)
	}
	nextQuery := time.Now().Add(b.interval)

	buf := make([]byte, maxPacket)
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := time.Now()
		if !now.Before(nextQuery) {
			if err := b.t.Multicast(query); err != nil {
				log.Printf("[mdns] query %s: %v", b.serviceType, err)
			}
			nextQuery = now.Add(b.interval)
		}

		deadline := nextQuery
		if limit := now.Add(time.Second); limit.Before(deadline) {
			deadline = limit
		}
		_ = b.t.SetReadDeadline(deadline)
		n, _, err := b.t.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[mdns] read: %v", err)
			continue
		}

		for _, ev := range b.handle(buf[:n]) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (b *Browser) handle(msg []byte) []Event {
	rs, err := parseResponse(msg, b.serviceType)
	if err != nil || rs == nil {
		return nil
	}
	var evs []Event
	for _, ptr := range rs.ptr {
		key := strings.ToLower(ptr.target)
		if ptr.ttl == 0 {
			if _, ok := b.known[key]; ok {
				delete(b.known, key)
				evs = append(evs, Event{Kind: Removed, FullName: ptr.target})
			}
			continue
		}
		svc, ok := rs.resolve(ptr.target, b.serviceType)
		if !ok {
			continue
		}
		if prev, ok := b.known[key]; ok && prev.Equal(svc) {
			continue
		}
		b.known[key] = svc
		evs = append(evs, Event{Kind: Resolved, FullName: ptr.target, Service: svc})
	}
	return evs
}
