package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestUpsertKeepsStatus(t *testing.T) {
	s := NewStore()

	c, isNew := s.Upsert(Car{ID: "10.0.0.2:8080", Number: 4, Driver: "A"})
	if !isNew || c.Status != StatusDisconnected {
		t.Fatalf("first upsert: new=%v status=%q", isNew, c.Status)
	}
	s.SetStatus(c.ID, StatusConnected, "")

	c, isNew = s.Upsert(Car{ID: "10.0.0.2:8080", Number: 4, Driver: "B"})
	if isNew {
		t.Error("second upsert reported new")
	}
	if c.Status != StatusConnected || c.Driver != "B" {
		t.Errorf("got %+v", c)
	}
	if len(s.List()) != 1 {
		t.Errorf("list = %d entries, want 1", len(s.List()))
	}
}

func TestListOrder(t *testing.T) {
	s := NewStore()
	s.Upsert(Car{ID: "b", Number: 44})
	s.Upsert(Car{ID: "a", Number: 1})
	s.Upsert(Car{ID: "c", Number: 1})

	got := s.List()
	want := []string{"a", "c", "b"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSetStatusUnknown(t *testing.T) {
	s := NewStore()
	if _, ok := s.SetStatus("nope", StatusFailed, "x"); ok {
		t.Error("SetStatus on unknown id succeeded")
	}
	if s.Remove("nope") {
		t.Error("Remove on unknown id succeeded")
	}
}

func TestBoltCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cars.db")
	bc, err := OpenBoltCache(path)
	if err != nil {
		t.Fatal(err)
	}

	s := NewPersistentStore(bc, nil)
	s.Upsert(Car{ID: "10.0.0.2:8080", Number: 16, Driver: "X", Team: "Y"})
	s.Upsert(Car{ID: "10.0.0.3:8080", Number: 44})
	s.SetStatus("10.0.0.2:8080", StatusConnected, "")
	s.Remove("10.0.0.3:8080")
	if err := bc.Close(); err != nil {
		t.Fatal(err)
	}

	bc, err = OpenBoltCache(path)
	if err != nil {
		t.Fatal(err)
	}
	defer bc.Close()
	cars, err := bc.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(cars) != 1 || cars[0].Driver != "X" {
		t.Fatalf("loaded %+v", cars)
	}

	reloaded := NewPersistentStore(bc, cars)
	c, ok := reloaded.Get("10.0.0.2:8080")
	if !ok {
		t.Fatal("car missing after reload")
	}
	if c.Status != StatusDisconnected {
		t.Errorf("reloaded status = %q, want Disconnected", c.Status)
	}
}

func TestCheckCarsMarksFailed(t *testing.T) {
	s := NewStore()
	s.Upsert(Car{ID: "up", Number: 1})
	s.Upsert(Car{ID: "down", Number: 2})
	s.Upsert(Car{ID: "idle", Number: 3})
	s.SetStatus("up", StatusConnected, "")
	s.SetStatus("down", StatusConnected, "")

	checked := map[string]bool{}
	chk := CheckerFunc(func(_ context.Context, c Car) error {
		checked[c.ID] = true
		if c.ID == "down" {
			return errors.New("no pong")
		}
		return nil
	})
	s.checkCars(context.Background(), chk)

	if checked["idle"] {
		t.Error("disconnected car was checked")
	}
	if c, _ := s.Get("up"); c.Status != StatusConnected {
		t.Errorf("up status = %q", c.Status)
	}
	c, ok := s.Get("down")
	if !ok {
		t.Fatal("failed car was removed")
	}
	if c.Status != StatusFailed || c.StatusReason != "no pong" {
		t.Errorf("down = %+v", c)
	}
}

type handlingChecker struct {
	CheckerFunc
	failed []string
}

func (h *handlingChecker) Unreachable(c Car, err error) {
	h.failed = append(h.failed, c.ID+": "+err.Error())
}

func TestCheckCarsDefersToFailureHandler(t *testing.T) {
	s := NewStore()
	s.Upsert(Car{ID: "down", Number: 2})
	s.SetStatus("down", StatusConnected, "")

	h := &handlingChecker{CheckerFunc: func(context.Context, Car) error { return errors.New("no pong") }}
	s.checkCars(context.Background(), h)

	if len(h.failed) != 1 || h.failed[0] != "down: no pong" {
		t.Errorf("handler got %v", h.failed)
	}
	// The handler owns the status change.
	if c, _ := s.Get("down"); c.Status != StatusConnected {
		t.Errorf("status = %q, want Connected", c.Status)
	}
}
