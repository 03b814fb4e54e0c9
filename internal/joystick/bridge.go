package joystick

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"carlink/internal/protocol"
)

const IdleAfter = 200 * time.Millisecond

var ErrNoTarget = errors.New("joystick: no actuator target")

// PacketSender delivers actuator packets to the vehicle.
type PacketSender interface {
	Send(p protocol.ActuatorPacket) error
}

type SenderFunc func(p protocol.ActuatorPacket) error

func (f SenderFunc) Send(p protocol.ActuatorPacket) error { return f(p) }

// UDPSender writes packets to a fixed UDP address.
type UDPSender struct {
	conn *net.UDPConn
}

func DialUDP(addr string) (*UDPSender, error) {
	ra, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("joystick: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, ra)
	if err != nil {
		return nil, fmt.Errorf("joystick: dial %s: %w", addr, err)
	}
	return &UDPSender{conn: conn}, nil
}

func (u *UDPSender) Send(p protocol.ActuatorPacket) error {
	_, err := u.conn.Write(p.Encode())
	return err
}

func (u *UDPSender) Close() error { return u.conn.Close() }

// Target is a PacketSender whose destination can change while the bridge
// runs. Packets sent without a destination are dropped with ErrNoTarget.
type Target struct {
	mu sync.RWMutex
	s  PacketSender
}

func (t *Target) Set(s PacketSender) {
	t.mu.Lock()
	t.s = s
	t.mu.Unlock()
}

func (t *Target) Send(p protocol.ActuatorPacket) error {
	t.mu.RLock()
	s := t.s
	t.mu.RUnlock()
	if s == nil {
		return ErrNoTarget
	}
	return s.Send(p)
}

// Bridge filters samples into actuator packets and keeps the vehicle fed
// with idle packets when input stalls.
type Bridge struct {
	out    PacketSender
	filter *Filter
	idle   time.Duration

	seq     uint32
	sendLog rate.Sometimes
}

func NewBridge(out PacketSender) *Bridge {
	return &Bridge{
		out:     out,
		filter:  NewFilter(),
		idle:    IdleAfter,
		sendLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Run consumes samples until ctx is done or the channel is closed, then
// sends one final idle packet.
func (b *Bridge) Run(ctx context.Context, samples <-chan Sample) error {
	log.Printf("[joystick] bridge running, idle watchdog %s", b.idle)
	watchdog := time.NewTimer(b.idle)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			b.send(0, 0)
			log.Printf("[joystick] bridge stopped, sent final idle packet")
			return nil
		case s, ok := <-samples:
			if !ok {
				b.send(0, 0)
				log.Printf("[joystick] input closed, sent final idle packet")
				return nil
			}
			b.send(b.filter.Apply(s))
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(b.idle)
		case <-watchdog.C:
			b.send(0, 0)
			watchdog.Reset(b.idle)
		}
	}
}

func (b *Bridge) send(throttle, steering int16) {
	p := protocol.ActuatorPacket{Seq: b.seq, Left: throttle, Right: steering}
	b.seq++
	if err := b.out.Send(p); err != nil {
		b.sendLog.Do(func() {
			log.Printf("[joystick] send seq=%d: %v", p.Seq, err)
		})
	}
}
