// Package mdns implements the small subset of multicast DNS (RFC 6762) and
// DNS-SD (RFC 6763) needed to advertise and browse service records: PTR,
// SRV, TXT and A answers over the IPv4 group 224.0.0.251:5353.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

const Port = 5353

var GroupIPv4 = net.IPv4(224, 0, 0, 251)

// Transport is the datagram endpoint used by Responder and Browser.
type Transport interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	// Multicast sends b to the mDNS group.
	Multicast(b []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Conn is a Transport bound to the mDNS port and joined to the group.
type Conn struct {
	pc  net.PacketConn
	p   *ipv4.PacketConn
	dst *net.UDPAddr
}

// Listen opens the mDNS socket. With an empty ifname the group is joined on
// every up, multicast-capable interface.
func Listen(ifname string) (*Conn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", Port))
	if err != nil {
		return nil, fmt.Errorf("mdns: listen: %w", err)
	}

	p := ipv4.NewPacketConn(pc)
	_ = p.SetMulticastLoopback(true)
	_ = p.SetMulticastTTL(255)

	ifaces, err := multicastInterfaces(ifname)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	group := &net.UDPAddr{IP: GroupIPv4}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if err := p.JoinGroup(ifi, group); err != nil {
			log.Printf("[mdns] join %s on %s failed: %v", GroupIPv4, ifi.Name, err)
			continue
		}
		joined++
		if ifname != "" {
			_ = p.SetMulticastInterface(ifi)
		}
	}
	if joined == 0 {
		_ = pc.Close()
		return nil, errors.New("mdns: could not join multicast group on any interface")
	}
	log.Printf("[mdns] listening on :%d, joined %s on %d interface(s)", Port, GroupIPv4, joined)

	return &Conn{pc: pc, p: p, dst: &net.UDPAddr{IP: GroupIPv4, Port: Port}}, nil
}

func multicastInterfaces(name string) ([]net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("mdns: interface %s: %w", name, err)
		}
		return []net.Interface{*ifi}, nil
	}
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("mdns: list interfaces: %w", err)
	}
	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out, nil
}

func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := c.p.ReadFrom(b)
	return n, src, err
}

func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return c.p.WriteTo(b, nil, addr)
}

func (c *Conn) Multicast(b []byte) error {
	_, err := c.p.WriteTo(b, nil, c.dst)
	return err
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.pc.SetReadDeadline(t) }

func (c *Conn) Close() error { return c.pc.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
