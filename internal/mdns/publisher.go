package mdns

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Publisher registers services through the zeroconf responder, one
// zeroconf server per service. Unregister shuts the server down, which
// multicasts the TTL-0 goodbye.
type Publisher struct {
	ifaces []net.Interface

	mu      sync.Mutex
	servers map[string]*zeroconf.Server // by lower-case full name
}

// NewPublisher answers on ifname, or on every multicast interface when
// ifname is empty.
func NewPublisher(ifname string) (*Publisher, error) {
	var ifaces []net.Interface
	if ifname != "" {
		var err error
		if ifaces, err = multicastInterfaces(ifname); err != nil {
			return nil, err
		}
	}
	return &Publisher{ifaces: ifaces, servers: make(map[string]*zeroconf.Server)}, nil
}

// Register adds or replaces s.
func (p *Publisher) Register(s Service) error {
	if s.IP.To4() == nil {
		return fmt.Errorf("mdns: service %s has no IPv4 address", s.FullName())
	}
	service, domain, err := splitType(s.Type)
	if err != nil {
		return err
	}
	srv, err := zeroconf.RegisterProxy(s.Instance, service, domain, int(s.Port),
		s.Host, []string{s.IP.String()}, s.txtStrings(), p.ifaces)
	if err != nil {
		return fmt.Errorf("mdns: announce %s: %w", s.FullName(), err)
	}

	key := strings.ToLower(s.FullName())
	p.mu.Lock()
	old := p.servers[key]
	p.servers[key] = srv
	p.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}
	log.Printf("[mdns] registered %s -> %s:%d", s.FullName(), s.IP, s.Port)
	return nil
}

// Unregister withdraws the named service. Unknown names are a no-op.
func (p *Publisher) Unregister(fullname string) error {
	key := strings.ToLower(fullname)
	p.mu.Lock()
	srv, ok := p.servers[key]
	delete(p.servers, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	srv.Shutdown()
	log.Printf("[mdns] unregistered %s", fullname)
	return nil
}

// Close withdraws every service.
func (p *Publisher) Close() {
	p.mu.Lock()
	servers := p.servers
	p.servers = make(map[string]*zeroconf.Server)
	p.mu.Unlock()
	for _, srv := range servers {
		srv.Shutdown()
	}
}

// splitType turns "_f1-car._udp.local." into the service "_f1-car._udp"
// and the domain "local.".
func splitType(t string) (service, domain string, err error) {
	labels := strings.Split(strings.TrimSuffix(t, "."), ".")
	if len(labels) < 3 || !strings.HasPrefix(labels[0], "_") || !strings.HasPrefix(labels[1], "_") {
		return "", "", fmt.Errorf("mdns: bad service type %q", t)
	}
	return labels[0] + "." + labels[1], strings.Join(labels[2:], ".") + ".", nil
}
