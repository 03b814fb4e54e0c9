package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"carlink/internal/mdns"
	"carlink/internal/protocol"
)

// Registrar publishes service records. *mdns.Responder implements it.
type Registrar interface {
	Register(s mdns.Service) error
	Unregister(fullname string) error
}

type AdvertiserConfig struct {
	ServiceType string
	Version     string
	PublicIP    string // empty = autodetect
	Port        uint16
	Settle      time.Duration
}

// Advertiser keeps exactly one record for this vehicle on the network.
type Advertiser struct {
	reg Registrar
	cfg AdvertiserConfig

	// resolveIP is replaced in tests.
	resolveIP func() (net.IP, error)

	mu      sync.Mutex
	current string // full name of the registered record, "" if none
}

func NewAdvertiser(reg Registrar, cfg AdvertiserConfig) *Advertiser {
	a := &Advertiser{reg: reg, cfg: cfg}
	a.resolveIP = func() (net.IP, error) { return outboundIP(cfg.PublicIP) }
	return a
}

// Advertise replaces any previous record with one built from id and waits
// for the settle delay so peers can pick it up.
func (a *Advertiser) Advertise(ctx context.Context, id protocol.CarIdentity) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != "" {
		if err := a.reg.Unregister(a.current); err != nil {
			log.Printf("[discovery] unregister %s: %v", a.current, err)
		}
		a.current = ""
	}

	ip, err := a.resolveIP()
	if err != nil {
		return fmt.Errorf("discovery: resolve address: %w", err)
	}

	svc := ServiceFor(id, a.cfg.ServiceType, a.cfg.Version, ip, a.cfg.Port)
	if err := a.reg.Register(svc); err != nil {
		return fmt.Errorf("discovery: register %s: %w", svc.FullName(), err)
	}
	a.current = svc.FullName()
	log.Printf("[discovery] advertising car #%d (%s / %s) at %s:%d", id.Number, id.DriverName, id.TeamName, ip, a.cfg.Port)

	if a.cfg.Settle > 0 {
		t := time.NewTimer(a.cfg.Settle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Readvertise publishes the updated identity. On failure the old record
// stays withdrawn.
func (a *Advertiser) Readvertise(ctx context.Context, id protocol.CarIdentity) error {
	return a.Advertise(ctx, id)
}

// Stop withdraws the current record.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == "" {
		return nil
	}
	name := a.current
	a.current = ""
	if err := a.reg.Unregister(name); err != nil {
		return fmt.Errorf("discovery: unregister %s: %w", name, err)
	}
	return nil
}

// Current returns the full name of the advertised record, or "".
func (a *Advertiser) Current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// ServiceFor builds the DNS-SD record for a vehicle identity.
func ServiceFor(id protocol.CarIdentity, serviceType, version string, ip net.IP, port uint16) mdns.Service {
	name := "car-" + strconv.Itoa(int(id.Number))
	return mdns.Service{
		Instance: name,
		Type:     serviceType,
		Host:     name + ".local.",
		IP:       ip,
		Port:     port,
		TXT: map[string]string{
			KeyNumber:  strconv.Itoa(int(id.Number)),
			KeyDriver:  id.DriverName,
			KeyTeam:    id.TeamName,
			KeyVersion: version,
		},
	}
}

// outboundIP picks the address peers should use: the configured one, the
// local side of a route toward the mDNS group, or the first non-loopback
// interface address.
func outboundIP(public string) (net.IP, error) {
	if public != "" {
		ip := net.ParseIP(public)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("invalid public ip %q", public)
		}
		return ip.To4(), nil
	}

	conn, err := net.Dial("udp4", net.JoinHostPort(mdns.GroupIPv4.String(), strconv.Itoa(mdns.Port)))
	if err == nil {
		defer conn.Close()
		if la, ok := conn.LocalAddr().(*net.UDPAddr); ok && !la.IP.IsUnspecified() && !la.IP.IsLoopback() {
			return la.IP.To4(), nil
		}
	}

	ifaces, _ := net.Interfaces()
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				ip := ipnet.IP.To4()
				if ip != nil && !ip.IsLoopback() {
					return ip, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("no usable IPv4 address")
}
