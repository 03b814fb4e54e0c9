package events

import "testing"

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(Event{Topic: TopicUpdated})
	}
	got := r.Pull(0, 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("seqs = %d..%d, want 3..5", got[0].Seq, got[2].Seq)
	}
}

func TestPullAfterSeq(t *testing.T) {
	r := NewRing(16)
	first := r.Push(Event{Topic: TopicDiscovered, CarID: "a"})
	r.Push(Event{Topic: TopicOffline, CarID: "a"})
	r.Push(Event{Topic: TopicRemoved, CarID: "a"})

	if first.ID == "" || first.Time.IsZero() {
		t.Errorf("push did not stamp event: %+v", first)
	}

	got := r.Pull(first.Seq, 1)
	if len(got) != 1 || got[0].Topic != TopicOffline {
		t.Fatalf("got %+v, want the offline event only", got)
	}
	if n := len(r.Pull(3, 10)); n != 0 {
		t.Errorf("pull past head returned %d events", n)
	}
}
