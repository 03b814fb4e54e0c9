// Package session runs the vehicle's control port: a UDP endpoint serving one
// active controller at a time, plus the controller-side client.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"carlink/internal/hub"
	"carlink/internal/protocol"
)

const (
	maxDatagram = 65507

	MsgUpdated   = "Configuration updated successfully"
	msgFailedFmt = "Failed to update configuration: %v"
)

// ConfigStore is the persisted car configuration. *state.Store implements it.
type ConfigStore interface {
	Identity() protocol.CarIdentity
	Physics() protocol.CarPhysics
	UpdateIdentity(protocol.CarIdentity) error
	UpdatePhysics(protocol.CarPhysics) error
}

// Advertiser republishes the vehicle after a configuration change.
type Advertiser interface {
	Readvertise(ctx context.Context, id protocol.CarIdentity) error
}

type Options struct {
	Addr        string
	SendTimeout time.Duration
	// IdleTimeout releases the active client after this much inbound
	// silence. Zero keeps it until a send fails or another client appears.
	IdleTimeout time.Duration
	Verbose     bool
}

// Server owns the control socket and the single active-client slot.
type Server struct {
	opts  Options
	store ConfigStore
	adv   Advertiser
	bus   *hub.Hub

	conn packetConn

	mu           sync.Mutex
	active       *net.UDPAddr
	sessionID    string
	lastActivity time.Time
	welcomes     int

	fastLog rate.Sometimes
}

func NewServer(opts Options, store ConfigStore, adv Advertiser, bus *hub.Hub) *Server {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 100 * time.Millisecond
	}
	return &Server{
		opts:    opts,
		store:   store,
		adv:     adv,
		bus:     bus,
		fastLog: rate.Sometimes{Every: 100},
	}
}

// packetConn is the part of *net.UDPConn the server uses.
type packetConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// SetAdvertiser sets the re-advertisement hook. Call it before Serve.
func (s *Server) SetAdvertiser(adv Advertiser) { s.adv = adv }

// Listen binds the control socket.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("session: resolve %s: %w", s.opts.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("session: listen %s: %w", s.opts.Addr, err)
	}
	s.conn = conn
	log.Printf("[session] control port listening on %s", conn.LocalAddr())
	return nil
}

func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

func (s *Server) Close() error { return s.conn.Close() }

// Serve processes datagrams in arrival order until ctx is done or the socket
// is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				s.expireIdle()
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			case errors.Is(err, syscall.EADDRNOTAVAIL):
				return fmt.Errorf("session: receive: %w", err)
			}
			log.Printf("[session] receive: %v", err)
			continue
		}
		s.handle(ctx, buf[:n], from)
		s.expireIdle()
	}
}

// Active returns the active client and its session id, or nil.
func (s *Server) Active() (net.Addr, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ""
	}
	return s.active, s.sessionID
}

func (s *Server) handle(ctx context.Context, data []byte, from *net.UDPAddr) {
	if len(data) == protocol.ActuatorPacketSize {
		pkt, err := protocol.DecodeActuator(data)
		if err != nil {
			return
		}
		s.touch(from)
		c := pkt.Control()
		s.bus.Publish(hub.Control{Steering: c.Steering, Throttle: c.Throttle, Seq: pkt.Seq, At: time.Now()})
		if s.opts.Verbose {
			log.Printf("[session] fast seq=%d steering=%d throttle=%d", pkt.Seq, c.Steering, c.Throttle)
		} else {
			s.fastLog.Do(func() {
				log.Printf("[session] fast path seq=%d steering=%d throttle=%d", pkt.Seq, c.Steering, c.Throttle)
			})
		}
		return
	}

	if !utf8.Valid(data) {
		log.Printf("[session] drop %d non-UTF-8 bytes from %s", len(data), from)
		return
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		log.Printf("[session] drop message from %s: %v", from, err)
		return
	}
	if s.opts.Verbose {
		log.Printf("[session] %s from %s", msg.Type(), from)
	}
	s.touch(from)
	s.dispatch(ctx, msg, from)
}

// touch records activity from addr and greets it when it is a new client.
func (s *Server) touch(from *net.UDPAddr) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	greet := s.active == nil || !sameAddr(s.active, from)
	if greet {
		prev := s.active
		s.active = &net.UDPAddr{IP: append(net.IP(nil), from.IP...), Port: from.Port, Zone: from.Zone}
		s.sessionID = uuid.NewString()
		s.welcomes++
		if prev != nil {
			log.Printf("[session] client %s replaced by %s (session %s)", prev, from, s.sessionID)
		} else {
			log.Printf("[session] client %s connected (session %s)", from, s.sessionID)
		}
	}
	s.mu.Unlock()

	if greet {
		s.send(protocol.Identity{Identity: s.store.Identity()}, from)
		s.send(protocol.Physics{Physics: s.store.Physics()}, from)
	}
}

func (s *Server) dispatch(ctx context.Context, msg protocol.ClientMessage, from *net.UDPAddr) {
	switch m := msg.(type) {
	case protocol.Ping:
		s.send(protocol.Pong{Timestamp: m.Timestamp}, from)
	case protocol.IdentityRequest:
		s.send(protocol.Identity{Identity: s.store.Identity()}, from)
	case protocol.PhysicsRequest:
		s.send(protocol.Physics{Physics: s.store.Physics()}, from)
	case protocol.Control:
		s.bus.Publish(hub.Control{Steering: m.Steering, Throttle: m.Throttle, At: time.Now()})
	case protocol.IdentityUpdate:
		reply := protocol.IdentityUpdated{Success: true, Message: MsgUpdated}
		if err := s.store.UpdateIdentity(m.Identity); err != nil {
			log.Printf("[session] identity update failed: %v", err)
			reply = protocol.IdentityUpdated{Success: false, Message: fmt.Sprintf(msgFailedFmt, err)}
		} else if err := s.readvertise(ctx, m.Identity); err != nil {
			reply = protocol.IdentityUpdated{Success: false, Message: fmt.Sprintf(msgFailedFmt, err)}
		}
		s.send(reply, from)
	case protocol.PhysicsUpdate:
		reply := protocol.PhysicsUpdated{Success: true, Message: MsgUpdated}
		if err := s.store.UpdatePhysics(m.Physics); err != nil {
			log.Printf("[session] physics update failed: %v", err)
			reply = protocol.PhysicsUpdated{Success: false, Message: fmt.Sprintf(msgFailedFmt, err)}
		} else if err := s.readvertise(ctx, s.store.Identity()); err != nil {
			reply = protocol.PhysicsUpdated{Success: false, Message: fmt.Sprintf(msgFailedFmt, err)}
		}
		s.send(reply, from)
	}
}

// readvertise republishes the record after a saved update. It blocks the
// receive loop for the advertiser's settle delay.
func (s *Server) readvertise(ctx context.Context, id protocol.CarIdentity) error {
	if s.adv == nil {
		return nil
	}
	if err := s.adv.Readvertise(ctx, id); err != nil {
		log.Printf("[session] re-advertise: %v", err)
		return err
	}
	return nil
}

func (s *Server) send(m protocol.ServerMessage, to *net.UDPAddr) {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Printf("[session] %v", err)
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout))
	n, err := s.conn.WriteToUDP(b, to)
	if err != nil {
		log.Printf("[session] send %s to %s: %v", m.Type(), to, err)
		s.release(to, "send failed")
		return
	}
	if n < len(b) {
		log.Printf("[session] short write of %s to %s: %d/%d bytes", m.Type(), to, n, len(b))
	}
}

// release clears the active slot if it still belongs to addr.
func (s *Server) release(addr *net.UDPAddr, why string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && sameAddr(s.active, addr) {
		log.Printf("[session] client %s released: %s", s.active, why)
		s.active = nil
		s.sessionID = ""
	}
}

func (s *Server) expireIdle() {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && time.Since(s.lastActivity) > s.opts.IdleTimeout {
		log.Printf("[session] client %s released: idle for %s", s.active, s.opts.IdleTimeout)
		s.active = nil
		s.sessionID = ""
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP) && a.Zone == b.Zone
}
