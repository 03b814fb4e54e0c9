// Package discovery advertises a vehicle on the local network and keeps the
// controller's directory of discovered vehicles up to date.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"carlink/internal/events"
	"carlink/internal/mdns"
	"carlink/internal/registry"
)

const (
	KeyNumber  = "number"
	KeyDriver  = "driver"
	KeyTeam    = "team"
	KeyVersion = "version"
)

var (
	ErrMissingProperty = errors.New("discovery: missing property")
	ErrBadProperty     = errors.New("discovery: invalid property")
	ErrAlreadyRunning  = errors.New("discovery: already running")
	ErrNotRunning      = errors.New("discovery: not running")
)

// Source produces browse events until ctx is done.
type Source interface {
	Browse(ctx context.Context, out chan<- mdns.Event) error
}

// MDNSSource browses on a fresh multicast socket per call.
type MDNSSource struct {
	Interface   string
	ServiceType string
	Interval    time.Duration
}

func (s MDNSSource) Browse(ctx context.Context, out chan<- mdns.Event) error {
	conn, err := mdns.Listen(s.Interface)
	if err != nil {
		return fmt.Errorf("discovery: browse: %w", err)
	}
	defer conn.Close()
	return mdns.NewBrowser(conn, s.ServiceType, s.Interval).Run(ctx, out)
}

// Directory turns browse events into cached car identities and feed events.
type Directory struct {
	src  Source
	cars *registry.Store
	feed events.Buffer

	mu      sync.Mutex
	names   map[string]string // lower-case instance full name -> car id
	onError func(error)
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDirectory(src Source, cars *registry.Store, feed events.Buffer) *Directory {
	return &Directory{src: src, cars: cars, feed: feed, names: make(map[string]string)}
}

// OnError registers an observer for per-record errors.
func (d *Directory) OnError(fn func(error)) {
	d.mu.Lock()
	d.onError = fn
	d.mu.Unlock()
}

// Discover browses for window (or until ctx is done).
func (d *Directory) Discover(ctx context.Context, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	return d.browse(ctx)
}

// Start begins an open-ended browse that lasts until Stop or ctx is done.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	d.mu.Unlock()

	log.Printf("[discovery] browse started")
	d.publishStatus(true, "")

	go func() {
		defer close(done)
		err := d.browse(ctx)
		d.mu.Lock()
		if d.done == done {
			d.cancel, d.done = nil, nil
		}
		d.mu.Unlock()
		cancel()
		if err != nil {
			log.Printf("[discovery] browse ended: %v", err)
			d.publishStatus(false, err.Error())
		}
	}()
	return nil
}

// Stop ends a browse started with Start and waits for it to finish.
func (d *Directory) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	log.Printf("[discovery] browse stopped")
	d.publishStatus(false, "")
	return nil
}

func (d *Directory) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *Directory) browse(ctx context.Context) error {
	ch := make(chan mdns.Event, 16)
	errc := make(chan error, 1)
	go func() { errc <- d.src.Browse(ctx, ch) }()

	for {
		select {
		case ev := <-ch:
			d.handle(ev)
		case err := <-errc:
			for {
				select {
				case ev := <-ch:
					d.handle(ev)
				default:
					return err
				}
			}
		}
	}
}

func (d *Directory) handle(ev mdns.Event) {
	switch ev.Kind {
	case mdns.Resolved:
		d.resolved(ev)
	case mdns.Removed:
		d.removed(ev.FullName)
	}
}

func (d *Directory) resolved(ev mdns.Event) {
	car, err := carFromService(ev.Service)
	if err != nil {
		d.recordError(ev.FullName, fmt.Errorf("record %s: %w", ev.FullName, err))
		return
	}
	stored, isNew := d.cars.Upsert(car)

	d.mu.Lock()
	d.names[strings.ToLower(ev.FullName)] = stored.ID
	d.mu.Unlock()

	topic := events.TopicUpdated
	if isNew {
		topic = events.TopicDiscovered
		log.Printf("[discovery] found car #%d %s (%s) at %s", stored.Number, stored.Driver, stored.Team, stored.ID)
	}
	d.publishCar(topic, stored)
}

func (d *Directory) removed(fullname string) {
	key := strings.ToLower(fullname)
	d.mu.Lock()
	id, ok := d.names[key]
	delete(d.names, key)
	d.mu.Unlock()
	if !ok {
		return
	}
	car, ok := d.cars.Get(id)
	if !ok {
		return
	}
	log.Printf("[discovery] car #%d (%s) went offline", car.Number, car.ID)
	d.publishCar(events.TopicOffline, car)
}

func (d *Directory) recordError(fullname string, err error) {
	log.Printf("[discovery] %v", err)
	payload, _ := json.Marshal(map[string]string{"fullname": fullname, "error": err.Error()})
	d.feed.Push(events.Event{Topic: events.TopicError, Payload: payload})

	d.mu.Lock()
	fn := d.onError
	d.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (d *Directory) publishCar(topic string, c registry.Car) {
	payload, err := json.Marshal(c)
	if err != nil {
		log.Printf("[discovery] encode %s: %v", c.ID, err)
		return
	}
	d.feed.Push(events.Event{Topic: topic, CarID: c.ID, Payload: payload})
}

func (d *Directory) publishStatus(running bool, reason string) {
	payload, _ := json.Marshal(struct {
		Running bool   `json:"running"`
		Reason  string `json:"reason,omitempty"`
	}{running, reason})
	d.feed.Push(events.Event{Topic: events.TopicStatus, Payload: payload})
}

func carFromService(s mdns.Service) (registry.Car, error) {
	for _, k := range []string{KeyNumber, KeyDriver, KeyTeam, KeyVersion} {
		if _, ok := s.TXT[k]; !ok {
			return registry.Car{}, fmt.Errorf("%w: %s", ErrMissingProperty, k)
		}
	}
	n, err := strconv.ParseUint(s.TXT[KeyNumber], 10, 8)
	if err != nil {
		return registry.Car{}, fmt.Errorf("%w: number %q", ErrBadProperty, s.TXT[KeyNumber])
	}
	addr := s.IP.String()
	return registry.Car{
		ID:       net.JoinHostPort(addr, strconv.Itoa(int(s.Port))),
		Number:   uint8(n),
		Driver:   s.TXT[KeyDriver],
		Team:     s.TXT[KeyTeam],
		Address:  addr,
		Port:     int(s.Port),
		Version:  s.TXT[KeyVersion],
		LastSeen: time.Now(),
	}, nil
}
