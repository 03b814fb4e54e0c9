package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"carlink/internal/events"
	"carlink/internal/joystick"
	"carlink/internal/protocol"
	"carlink/internal/registry"
	"carlink/internal/session"
)

var (
	ErrUnknownCar   = errors.New("car not found")
	ErrNotConnected = errors.New("car is not connected")
)

// Link is an open control session with one vehicle. *session.Client
// implements it.
type Link interface {
	RoundTrip(ctx context.Context) (time.Duration, error)
	Identity(ctx context.Context) (protocol.CarIdentity, error)
	Physics(ctx context.Context) (protocol.CarPhysics, error)
	SetIdentity(ctx context.Context, id protocol.CarIdentity) error
	SetPhysics(ctx context.Context, p protocol.CarPhysics) error
	SendActuator(p protocol.ActuatorPacket) error
	// Messages is closed when the link is closed.
	Messages() <-chan protocol.ServerMessage
	Close() error
}

// VideoSource follows the connected car's video port. *video.Receiver
// implements it.
type VideoSource interface {
	SetSource(addr string)
	Start() error
}

type DialFunc func(ctx context.Context, addr string) (Link, error)

// DialSession opens a control session over UDP.
func DialSession(ctx context.Context, addr string) (Link, error) {
	c, err := session.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Links keeps at most one vehicle connected and points the joystick target
// at it.
type Links struct {
	dial    DialFunc
	cars    *registry.Store
	feed    events.Buffer
	target  *joystick.Target
	timeout time.Duration
	// updates wait for the vehicle to re-advertise
	updateTimeout time.Duration

	// fallback receives joystick packets while no car is connected
	fallback joystick.PacketSender

	video     VideoSource
	videoPort int

	mu     sync.Mutex
	active string
	link   Link
}

func NewLinks(dial DialFunc, cars *registry.Store, feed events.Buffer, target *joystick.Target) *Links {
	return &Links{
		dial:          dial,
		cars:          cars,
		feed:          feed,
		target:        target,
		timeout:       2 * time.Second,
		updateTimeout: 5 * time.Second,
	}
}

// SetVideo makes the receiver follow the connected car's video port.
func (l *Links) SetVideo(v VideoSource, port int) {
	l.mu.Lock()
	l.video, l.videoPort = v, port
	l.mu.Unlock()
}

// SetFallback sets where joystick packets go while no car is connected.
func (l *Links) SetFallback(s joystick.PacketSender) {
	l.mu.Lock()
	l.fallback = s
	if l.link == nil && l.target != nil {
		l.target.Set(s)
	}
	l.mu.Unlock()
}

// Connect opens a session with the car and confirms it with a ping round
// trip. The car moves Connecting -> Connected, or Failed with the cause.
// A previously connected car is disconnected first.
func (l *Links) Connect(ctx context.Context, id string) (registry.Car, error) {
	car, ok := l.cars.Get(id)
	if !ok {
		return registry.Car{}, ErrUnknownCar
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active == id && car.Status == registry.StatusConnected {
		return car, nil
	}
	l.setStatus(id, registry.StatusConnecting, "")

	addr := net.JoinHostPort(car.Address, strconv.Itoa(car.Port))
	link, err := l.dial(ctx, addr)
	if err != nil {
		return l.fail(id, err)
	}
	rctx, cancel := context.WithTimeout(ctx, l.timeout)
	rtt, err := link.RoundTrip(rctx)
	cancel()
	if err != nil {
		_ = link.Close()
		return l.fail(id, err)
	}

	l.dropLocked()
	l.active, l.link = id, link
	if l.target != nil {
		l.target.Set(joystick.SenderFunc(link.SendActuator))
	}
	go l.pump(id, link)
	if l.video != nil {
		l.video.SetSource(net.JoinHostPort(car.Address, strconv.Itoa(l.videoPort)))
		if err := l.video.Start(); err != nil {
			log.Printf("[web] video from car #%d: %v", car.Number, err)
		}
	}
	log.Printf("[web] connected to car #%d at %s (rtt %s)", car.Number, addr, rtt)
	return l.setStatus(id, registry.StatusConnected, ""), nil
}

// pump forwards the vehicle's messages to the event feed until the link is
// closed. Pongs are left out.
func (l *Links) pump(id string, link Link) {
	for m := range link.Messages() {
		if _, ok := m.(protocol.Pong); ok || l.feed == nil {
			continue
		}
		payload, err := protocol.Encode(m)
		if err != nil {
			log.Printf("[web] encode %s from %s: %v", m.Type(), id, err)
			continue
		}
		l.feed.Push(events.Event{Topic: events.TopicMessage, CarID: id, Payload: payload})
	}
}

// Disconnect closes the session with the car.
func (l *Links) Disconnect(id string) (registry.Car, error) {
	if _, ok := l.cars.Get(id); !ok {
		return registry.Car{}, ErrUnknownCar
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != id {
		return registry.Car{}, ErrNotConnected
	}
	l.dropLocked()
	c, _ := l.cars.Get(id)
	return c, nil
}

func (l *Links) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Check implements registry.Checker for the connected car.
func (l *Links) Check(ctx context.Context, c registry.Car) error {
	l.mu.Lock()
	link := l.link
	active := l.active
	l.mu.Unlock()
	if link == nil || active != c.ID {
		return ErrNotConnected
	}
	_, err := link.RoundTrip(ctx)
	return err
}

// Unreachable implements registry.FailureHandler: the car's session is
// closed, the joystick falls back and the car is marked Failed.
func (l *Links) Unreachable(c registry.Car, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == c.ID && l.link != nil {
		l.closeLocked()
	}
	l.setStatus(c.ID, registry.StatusFailed, err.Error())
}

// Identity reads the connected car's identity.
func (l *Links) Identity(ctx context.Context, id string) (protocol.CarIdentity, error) {
	link, err := l.linkFor(id)
	if err != nil {
		return protocol.CarIdentity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return link.Identity(ctx)
}

// Physics reads the connected car's physics limits.
func (l *Links) Physics(ctx context.Context, id string) (protocol.CarPhysics, error) {
	link, err := l.linkFor(id)
	if err != nil {
		return protocol.CarPhysics{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return link.Physics(ctx)
}

// SetIdentity updates the connected car's identity.
func (l *Links) SetIdentity(ctx context.Context, id string, v protocol.CarIdentity) error {
	link, err := l.linkFor(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.updateTimeout)
	defer cancel()
	return link.SetIdentity(ctx, v)
}

// SetPhysics updates the connected car's physics limits.
func (l *Links) SetPhysics(ctx context.Context, id string, v protocol.CarPhysics) error {
	link, err := l.linkFor(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.updateTimeout)
	defer cancel()
	return link.SetPhysics(ctx, v)
}

func (l *Links) linkFor(id string) (Link, error) {
	if _, ok := l.cars.Get(id); !ok {
		return nil, ErrUnknownCar
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != id || l.link == nil {
		return nil, ErrNotConnected
	}
	return l.link, nil
}

// Close drops the active session, if any.
func (l *Links) Close() {
	l.mu.Lock()
	l.dropLocked()
	l.mu.Unlock()
}

func (l *Links) dropLocked() {
	if l.link == nil {
		return
	}
	id := l.closeLocked()
	l.setStatus(id, registry.StatusDisconnected, "")
	log.Printf("[web] disconnected from %s", id)
}

// closeLocked closes the active session and returns its car id.
func (l *Links) closeLocked() string {
	if l.target != nil {
		l.target.Set(l.fallback)
	}
	if l.video != nil {
		l.video.SetSource("")
	}
	_ = l.link.Close()
	id := l.active
	l.active, l.link = "", nil
	return id
}

func (l *Links) fail(id string, err error) (registry.Car, error) {
	log.Printf("[web] connect %s: %v", id, err)
	l.setStatus(id, registry.StatusFailed, err.Error())
	return registry.Car{}, fmt.Errorf("connect %s: %w", id, err)
}

func (l *Links) setStatus(id string, st registry.Status, reason string) registry.Car {
	c, ok := l.cars.SetStatus(id, st, reason)
	if !ok || l.feed == nil {
		return c
	}
	payload, err := json.Marshal(c)
	if err == nil {
		l.feed.Push(events.Event{Topic: events.TopicConnection, CarID: id, Payload: payload})
	}
	return c
}
