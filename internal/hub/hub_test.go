package hub

import "testing"

func TestPublishWithoutSubscribers(t *testing.T) {
	h := New()
	if n := h.Publish(Control{Steering: 10}); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish(Control{Throttle: int32(i)})
	}
	if h.Dropped() != 3 {
		t.Errorf("dropped = %d, want 3", h.Dropped())
	}
	if got := (<-ch).Throttle; got != 0 {
		t.Errorf("first = %d, want 0", got)
	}
	if got := (<-ch).Throttle; got != 1 {
		t.Errorf("second = %d, want 1", got)
	}
}

func TestFanOutAndCancel(t *testing.T) {
	h := New()
	a, cancelA := h.Subscribe(1)
	b, cancelB := h.Subscribe(1)
	defer cancelB()

	if n := h.Publish(Control{Steering: -5}); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	<-a
	<-b

	cancelA()
	cancelA() // idempotent
	if _, ok := <-a; ok {
		t.Error("channel still open after cancel")
	}
	if h.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers())
	}
	if n := h.Publish(Control{}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
}
