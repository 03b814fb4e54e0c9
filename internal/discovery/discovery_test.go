package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"carlink/internal/events"
	"carlink/internal/mdns"
	"carlink/internal/protocol"
	"carlink/internal/registry"
)

// scripted replays a fixed list of events, then blocks until ctx is done.
type scripted struct {
	evs []mdns.Event
	err error
}

func (s scripted) Browse(ctx context.Context, out chan<- mdns.Event) error {
	if s.err != nil {
		return s.err
	}
	for _, ev := range s.evs {
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

const svcType = "_f1-car._udp.local."

func resolved(number, driver string) mdns.Event {
	s := mdns.Service{
		Instance: "car-" + number,
		Type:     svcType,
		Host:     "car-" + number + ".local.",
		IP:       net.IPv4(10, 0, 0, 7),
		Port:     8080,
		TXT:      map[string]string{"number": number, "driver": driver, "team": "Ferrari", "version": "0.1.0"},
	}
	return mdns.Event{Kind: mdns.Resolved, FullName: s.FullName(), Service: s}
}

func topics(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Topic
	}
	return out
}

func runDiscover(t *testing.T, src Source) (*registry.Store, []events.Event) {
	t.Helper()
	cars := registry.NewStore()
	feed := events.NewRing(64)
	d := NewDirectory(src, cars, feed)
	if err := d.Discover(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	return cars, feed.Pull(0, 64)
}

func TestSameKeyResolvedTwiceUpdates(t *testing.T) {
	cars, evs := runDiscover(t, scripted{evs: []mdns.Event{
		resolved("16", "Leclerc"),
		resolved("16", "Sainz"),
	}})

	list := cars.List()
	if len(list) != 1 {
		t.Fatalf("cached %d cars, want 1", len(list))
	}
	if list[0].ID != "10.0.0.7:8080" || list[0].Driver != "Sainz" {
		t.Errorf("car = %+v", list[0])
	}
	got := topics(evs)
	want := []string{events.TopicDiscovered, events.TopicUpdated}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("topics = %v, want %v", got, want)
	}
}

func TestRemovalEmitsOneOffline(t *testing.T) {
	first := resolved("44", "Hamilton")
	gone := mdns.Event{Kind: mdns.Removed, FullName: first.FullName}
	cars, evs := runDiscover(t, scripted{evs: []mdns.Event{first, gone, gone}})

	var offline []events.Event
	for _, e := range evs {
		if e.Topic == events.TopicOffline {
			offline = append(offline, e)
		}
	}
	if len(offline) != 1 {
		t.Fatalf("offline events = %d, want 1", len(offline))
	}
	var c registry.Car
	if err := json.Unmarshal(offline[0].Payload, &c); err != nil {
		t.Fatal(err)
	}
	if c.Number != 44 || c.Driver != "Hamilton" {
		t.Errorf("offline payload = %+v", c)
	}
	if _, ok := cars.Get("10.0.0.7:8080"); !ok {
		t.Error("identity was evicted on loss")
	}
}

func TestUnknownRemovalIgnored(t *testing.T) {
	_, evs := runDiscover(t, scripted{evs: []mdns.Event{{Kind: mdns.Removed, FullName: "car-9." + svcType}}})
	if len(evs) != 0 {
		t.Errorf("events = %v, want none", topics(evs))
	}
}

func TestMissingPropertyIsPerRecordError(t *testing.T) {
	bad := resolved("5", "Alonso")
	delete(bad.Service.TXT, "team")
	notNum := resolved("x", "Ocon")
	good := resolved("3", "Ricciardo")

	cars := registry.NewStore()
	feed := events.NewRing(64)
	d := NewDirectory(scripted{evs: []mdns.Event{bad, notNum, good}}, cars, feed)

	var mu sync.Mutex
	var errs []error
	d.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	if err := d.Discover(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	if !errors.Is(errs[0], ErrMissingProperty) {
		t.Errorf("first error = %v, want ErrMissingProperty", errs[0])
	}
	if !errors.Is(errs[1], ErrBadProperty) {
		t.Errorf("second error = %v, want ErrBadProperty", errs[1])
	}
	if len(cars.List()) != 1 {
		t.Errorf("cached %d cars, want the valid one only", len(cars.List()))
	}
	got := topics(feed.Pull(0, 64))
	want := []string{events.TopicError, events.TopicError, events.TopicDiscovered}
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topics = %v, want %v", got, want)
			break
		}
	}
}

func TestBrowseStartFailure(t *testing.T) {
	boom := errors.New("bind: address in use")
	d := NewDirectory(scripted{err: boom}, registry.NewStore(), events.NewRing(8))
	if err := d.Discover(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Errorf("Discover = %v, want %v", err, boom)
	}
}

func TestStartStop(t *testing.T) {
	d := NewDirectory(scripted{}, registry.NewStore(), events.NewRing(8))
	if err := d.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop on idle = %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !d.Running() {
		t.Error("not running after Start")
	}
	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if d.Running() {
		t.Error("still running after Stop")
	}
}

type fakeRegistrar struct {
	mu    sync.Mutex
	log   []string
	fail  error
	names map[string]mdns.Service
}

func (f *fakeRegistrar) Register(s mdns.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.names == nil {
		f.names = map[string]mdns.Service{}
	}
	f.names[s.FullName()] = s
	f.log = append(f.log, "register "+s.FullName())
	return nil
}

func (f *fakeRegistrar) Unregister(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.names, name)
	f.log = append(f.log, "unregister "+name)
	return nil
}

func newTestAdvertiser(reg Registrar) *Advertiser {
	a := NewAdvertiser(reg, AdvertiserConfig{ServiceType: svcType, Version: "0.1.0", Port: 8080})
	a.resolveIP = func() (net.IP, error) { return net.IPv4(192, 168, 4, 1), nil }
	return a
}

func TestAdvertiseReplacesRecord(t *testing.T) {
	reg := &fakeRegistrar{}
	a := newTestAdvertiser(reg)
	ctx := context.Background()

	if err := a.Advertise(ctx, protocol.CarIdentity{Number: 1, DriverName: "A", TeamName: "T"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Readvertise(ctx, protocol.CarIdentity{Number: 16, DriverName: "X", TeamName: "Y"}); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"register car-1." + svcType,
		"unregister car-1." + svcType,
		"register car-16." + svcType,
	}
	if len(reg.log) != len(want) {
		t.Fatalf("calls = %v, want %v", reg.log, want)
	}
	for i := range want {
		if reg.log[i] != want[i] {
			t.Fatalf("calls = %v, want %v", reg.log, want)
		}
	}
	svc := reg.names["car-16."+svcType]
	if svc.Host != "car-16.local." || svc.TXT["driver"] != "X" || svc.TXT["team"] != "Y" || svc.TXT["number"] != "16" {
		t.Errorf("record = %+v", svc)
	}

	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(reg.names) != 0 || a.Current() != "" {
		t.Errorf("record left after Stop: %v", reg.names)
	}
}

func TestFailedReadvertiseLeavesNoRecord(t *testing.T) {
	reg := &fakeRegistrar{}
	a := newTestAdvertiser(reg)
	if err := a.Advertise(context.Background(), protocol.CarIdentity{Number: 1}); err != nil {
		t.Fatal(err)
	}
	reg.fail = errors.New("socket closed")
	if err := a.Readvertise(context.Background(), protocol.CarIdentity{Number: 2}); err == nil {
		t.Fatal("expected error")
	}
	if len(reg.names) != 0 || a.Current() != "" {
		t.Errorf("records = %v, current = %q", reg.names, a.Current())
	}
}

func TestAdvertiseSettleHonoursContext(t *testing.T) {
	a := newTestAdvertiser(&fakeRegistrar{})
	a.cfg.Settle = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Advertise(ctx, protocol.CarIdentity{Number: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Advertise = %v, want deadline exceeded", err)
	}
}
