package session

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

// ErrRejected wraps the vehicle's message when it refuses an update.
var ErrRejected = errors.New("session: update rejected")

// Client is the controller side of a control session.
type Client struct {
	conn *net.UDPConn

	msgs chan protocol.ServerMessage
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	wmu     sync.Mutex
	waiters []*waiter
	dropLog rate.Sometimes
}

// waiter takes the first message match accepts.
type waiter struct {
	match func(protocol.ServerMessage) bool
	ch    chan protocol.ServerMessage
}

// Dial opens an ephemeral UDP socket toward a vehicle's control port.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}
	cl := &Client{
		conn: c.(*net.UDPConn),
		msgs: make(chan protocol.ServerMessage, 32),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	cl.wg.Add(1)
	go cl.readLoop()
	return cl, nil
}

// Messages delivers every decoded server message, including the replies
// taken by the request helpers. It is closed by Close.
func (c *Client) Messages() <-chan protocol.ServerMessage { return c.msgs }

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.msgs)
	buf := make([]byte, maxDatagram)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-c.done:
					return
				default:
					continue
				}
			}
			select {
			case <-c.done:
				return
			default:
			}
			// ICMP port unreachable surfaces as a read error on a
			// connected UDP socket; keep reading.
			log.Printf("[session] client read: %v", err)
			continue
		}
		m, err := protocol.DecodeServerMessage(buf[:n])
		if err != nil {
			log.Printf("[session] client drop: %v", err)
			continue
		}
		c.deliver(m)
		select {
		case c.msgs <- m:
		case <-c.done:
			return
		default:
			c.dropLog.Do(func() {
				log.Printf("[session] client queue full, dropping %s", m.Type())
			})
		}
	}
}

func (c *Client) deliver(m protocol.ServerMessage) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.match(m) {
			w.ch <- m
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

func (c *Client) unwait(w *waiter) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// call sends m and waits for the first reply match accepts.
func (c *Client) call(ctx context.Context, m protocol.ClientMessage, match func(protocol.ServerMessage) bool) (protocol.ServerMessage, error) {
	w := &waiter{match: match, ch: make(chan protocol.ServerMessage, 1)}
	c.wmu.Lock()
	c.waiters = append(c.waiters, w)
	c.wmu.Unlock()
	defer c.unwait(w)

	if err := c.send(m); err != nil {
		return nil, err
	}
	select {
	case r := <-w.ch:
		return r, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("session: %s: %w", m.Type(), ctx.Err())
	}
}

func (c *Client) send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("session: send %s: %w", m.Type(), err)
	}
	return nil
}

func (c *Client) Ping() error { return c.send(protocol.Ping{Timestamp: time.Now().UnixMilli()}) }

func (c *Client) RequestIdentity() error { return c.send(protocol.IdentityRequest{}) }

func (c *Client) RequestPhysics() error { return c.send(protocol.PhysicsRequest{}) }

func (c *Client) UpdateIdentity(id protocol.CarIdentity) error {
	return c.send(protocol.IdentityUpdate{Identity: id})
}

func (c *Client) UpdatePhysics(p protocol.CarPhysics) error {
	return c.send(protocol.PhysicsUpdate{Physics: p})
}

func (c *Client) SendControl(steering, throttle int32) error {
	return c.send(protocol.Control{Steering: steering, Throttle: throttle})
}

// SendActuator writes a raw fast-path frame.
func (c *Client) SendActuator(p protocol.ActuatorPacket) error {
	if _, err := c.conn.Write(p.Encode()); err != nil {
		return fmt.Errorf("session: send actuator: %w", err)
	}
	return nil
}

// RoundTrip pings and waits for the matching Pong.
func (c *Client) RoundTrip(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ts := start.UnixMilli()
	_, err := c.call(ctx, protocol.Ping{Timestamp: ts}, func(m protocol.ServerMessage) bool {
		p, ok := m.(protocol.Pong)
		return ok && p.Timestamp == ts
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Identity asks the vehicle for its identity.
func (c *Client) Identity(ctx context.Context) (protocol.CarIdentity, error) {
	m, err := c.call(ctx, protocol.IdentityRequest{}, is[protocol.Identity])
	if err != nil {
		return protocol.CarIdentity{}, err
	}
	return m.(protocol.Identity).Identity, nil
}

// Physics asks the vehicle for its physics limits.
func (c *Client) Physics(ctx context.Context) (protocol.CarPhysics, error) {
	m, err := c.call(ctx, protocol.PhysicsRequest{}, is[protocol.Physics])
	if err != nil {
		return protocol.CarPhysics{}, err
	}
	return m.(protocol.Physics).Physics, nil
}

// SetIdentity updates the vehicle's identity and waits for the outcome.
func (c *Client) SetIdentity(ctx context.Context, id protocol.CarIdentity) error {
	m, err := c.call(ctx, protocol.IdentityUpdate{Identity: id}, is[protocol.IdentityUpdated])
	if err != nil {
		return err
	}
	if r := m.(protocol.IdentityUpdated); !r.Success {
		return fmt.Errorf("%w: %s", ErrRejected, r.Message)
	}
	return nil
}

// SetPhysics updates the vehicle's physics limits and waits for the outcome.
func (c *Client) SetPhysics(ctx context.Context, p protocol.CarPhysics) error {
	m, err := c.call(ctx, protocol.PhysicsUpdate{Physics: p}, is[protocol.PhysicsUpdated])
	if err != nil {
		return err
	}
	if r := m.(protocol.PhysicsUpdated); !r.Success {
		return fmt.Errorf("%w: %s", ErrRejected, r.Message)
	}
	return nil
}

func is[T protocol.ServerMessage](m protocol.ServerMessage) bool {
	_, ok := m.(T)
	return ok
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
