package mdns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// Responder answers queries for the services registered on it.
type Responder struct {
	t Transport

	mu       sync.RWMutex
	services map[string]Service // by lower-case full name
}

func NewResponder(t Transport) *Responder {
	return &Responder{t: t, services: make(map[string]Service)}
}

// Register adds or replaces s and announces it to the group.
func (r *Responder) Register(s Service) error {
	if s.IP.To4() == nil {
		return fmt.Errorf("mdns: service %s has no IPv4 address", s.FullName())
	}
	msg, err := buildResponse(0, []Service{s}, DefaultTTL)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.services[strings.ToLower(s.FullName())] = s
	r.mu.Unlock()

	if err := r.t.Multicast(msg); err != nil {
		return fmt.Errorf("mdns: announce %s: %w", s.FullName(), err)
	}
	log.Printf("[mdns] registered %s -> %s:%d", s.FullName(), s.IP, s.Port)
	return nil
}

// Unregister removes the named service and multicasts a goodbye for it.
// Unknown names are a no-op.
func (r *Responder) Unregister(fullname string) error {
	key := strings.ToLower(fullname)
	r.mu.Lock()
	s, ok := r.services[key]
	delete(r.services, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	msg, err := buildResponse(0, []Service{s}, 0)
	if err != nil {
		return err
	}
	if err := r.t.Multicast(msg); err != nil {
		return fmt.Errorf("mdns: goodbye %s: %w", fullname, err)
	}
	log.Printf("[mdns] unregistered %s", fullname)
	return nil
}

// Services returns a snapshot of the registered services.
func (r *Responder) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// Run answers queries until ctx is done or the transport is closed.
func (r *Responder) Run(ctx context.Context) error {
	buf := make([]byte, maxPacket)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = r.t.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := r.t.ReadFrom(buf)
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
		r.handle(buf[:n], from)
	}
}

func (r *Responder) handle(msg []byte, from net.Addr) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil || h.Response {
		return
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return
	}

	matched := map[string]Service{}
	unicast := false
	for _, q := range questions {
		if q.Class&classCacheFlush != 0 {
			unicast = true
		}
		for k, s := range r.match(q) {
			matched[k] = s
		}
	}
	if len(matched) == 0 {
		return
	}
	services := make([]Service, 0, len(matched))
	for _, s := range matched {
		services = append(services, s)
	}

	// Legacy resolvers query from an ephemeral port and expect the ID back.
	legacy := false
	if ua, ok := from.(*net.UDPAddr); ok && ua.Port != Port {
		legacy = true
	}
	id := uint16(0)
	if legacy {
		id = h.ID
	}

	out, err := buildResponse(id, services, DefaultTTL)
	if err != nil {
		log.Printf("[mdns] build response: %v", err)
		return
	}
	if legacy || unicast {
		_, err = r.t.WriteTo(out, from)
	} else {
		err = r.t.Multicast(out)
	}
	if err != nil {
		log.Printf("[mdns] respond to %s: %v", from, err)
	}
}

func (r *Responder) match(q dnsmessage.Question) map[string]Service {
	name := strings.ToLower(q.Name.String())
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[string]Service{}
	for k, s := range r.services {
		switch q.Type {
		case dnsmessage.TypePTR:
			if strings.EqualFold(name, s.Type) {
				out[k] = s
			}
		case dnsmessage.TypeSRV, dnsmessage.TypeTXT:
			if name == k {
				out[k] = s
			}
		case dnsmessage.TypeA:
			if strings.EqualFold(name, s.Host) {
				out[k] = s
			}
		case dnsmessage.TypeALL:
			if strings.EqualFold(name, s.Type) || name == k || strings.EqualFold(name, s.Host) {
				out[k] = s
			}
		}
	}
	return out
}
