package video

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrNoSource = errors.New("video: no vehicle selected")

// Receiver is the controller side of the video port: it subscribes to a
// vehicle's streamer and reassembles the chunk datagrams into a FrameCell.
// It implements Camera, so an HTTPHandler can serve the received stream.
type Receiver struct {
	cell *FrameCell
	// refreshes the subscription before the streamer's client TTL runs out
	resubscribe time.Duration

	mu     sync.Mutex
	source string
	conn   *net.UDPConn
	done   chan struct{}

	errLog rate.Sometimes
}

func NewReceiver(cell *FrameCell, resubscribe time.Duration) *Receiver {
	if resubscribe <= 0 {
		resubscribe = 20 * time.Second
	}
	return &Receiver{
		cell:        cell,
		resubscribe: resubscribe,
		errLog:      rate.Sometimes{Interval: 5 * time.Second},
	}
}

// SetSource selects the vehicle's video address. A running subscription to
// another address is stopped; an empty addr just stops it.
func (r *Receiver) SetSource(addr string) {
	r.mu.Lock()
	changed := r.source != addr
	r.source = addr
	r.mu.Unlock()
	if changed {
		_ = r.Stop()
	}
}

func (r *Receiver) Source() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

// Start subscribes to the selected vehicle. It is a no-op while running.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	if r.source == "" {
		return ErrNoSource
	}
	raddr, err := net.ResolveUDPAddr("udp", r.source)
	if err != nil {
		return fmt.Errorf("video: resolve %s: %w", r.source, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("video: dial %s: %w", r.source, err)
	}
	if _, err := conn.Write([]byte(CmdSubscribe)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("video: subscribe %s: %w", r.source, err)
	}
	r.conn = conn
	r.done = make(chan struct{})
	go r.readLoop(conn, r.done)
	log.Printf("[video] subscribed to %s", r.source)
	return nil
}

// Stop unsubscribes and clears the cell.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn, r.done = nil, nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	if _, err := conn.Write([]byte(CmdUnsubscribe)); err != nil {
		log.Printf("[video] unsubscribe %s: %v", conn.RemoteAddr(), err)
	}
	err := conn.Close()
	<-done
	r.cell.Clear()
	log.Printf("[video] unsubscribed from %s", conn.RemoteAddr())
	return err
}

func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Receiver) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	var asm Reassembler
	buf := make([]byte, DatagramSize)
	next := time.Now().Add(r.resubscribe)
	for {
		if now := time.Now(); now.After(next) {
			next = now.Add(r.resubscribe)
			if _, err := conn.Write([]byte(CmdSubscribe)); err != nil && errors.Is(err, net.ErrClosed) {
				return
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
			case errors.Is(err, net.ErrClosed):
				return
			default:
				// Port unreachable until the vehicle's streamer is up.
				r.errLog.Do(func() { log.Printf("[video] receive: %v", err) })
			}
			continue
		}
		d := buf[:n]
		if bytes.HasPrefix(d, []byte("CAMERA_")) {
			continue
		}
		frame, err := asm.Add(d)
		if err != nil {
			r.errLog.Do(func() { log.Printf("[video] drop chunk: %v", err) })
			continue
		}
		if frame != nil {
			r.cell.Store(frame)
		}
	}
}
