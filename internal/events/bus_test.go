package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBusFanOutInOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	// Publish without anyone reading: the publisher must not block.
	for i := int64(1); i <= 100; i++ {
		p := NewProgress(i, 100)
		b.Publish(Event{Type: TypeProgress, ModelID: "ner", Progress: &p})
	}
	b.Publish(Event{Type: TypeReady, ModelID: "ner", Ready: &Ready{Path: "/x", Format: "tflite"}})

	for _, s := range []*Subscription{s1, s2} {
		for i := int64(1); i <= 100; i++ {
			e := recv(t, s)
			if e.Type != TypeProgress || e.Progress.BytesDownloaded != i {
				t.Fatalf("event %d out of order: %#v", i, e)
			}
		}
		if e := recv(t, s); e.Type != TypeReady {
			t.Fatalf("expected Ready last, got %s", e.Type)
		}
	}
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	b := NewBus()
	defer b.Close()
	b.Publish(Event{Type: TypeReady, ModelID: "ner"})

	s := b.Subscribe()
	b.Publish(Event{Type: TypeStarted, ModelID: "emb"})
	if e := recv(t, s); e.ModelID != "emb" {
		t.Fatalf("late subscriber saw stale event: %#v", e)
	}
}

func TestCloseDetaches(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	s.Close()
	if n := b.Subscribers(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	select {
	case _, ok := <-s.C():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed")
	}

	b.Close()
	late := b.Subscribe()
	if _, ok := <-late.C(); ok {
		t.Fatalf("subscription on closed bus should be closed")
	}
}

func TestNewProgressClamps(t *testing.T) {
	if p := NewProgress(200, 1000); p.Fraction != 0.2 {
		t.Fatalf("fraction = %v", p.Fraction)
	}
	if p := NewProgress(1200, 1000); p.Fraction != 1 {
		t.Fatalf("expected clamp to 1, got %v", p.Fraction)
	}
	if p := NewProgress(10, 0); p.Fraction != 0 {
		t.Fatalf("unknown total should give 0, got %v", p.Fraction)
	}
}

func TestDetachDeliversQueuedEvents(t *testing.T) {
	b := NewBus()
	defer b.Close()
	s := b.Subscribe()
	b.Publish(Event{Type: TypeStarted, ModelID: "ner", JobID: "j1"})
	b.Publish(Event{Type: TypeCancelled, ModelID: "ner", JobID: "j1"})
	s.Detach()
	b.Publish(Event{Type: TypeStarted, ModelID: "late", JobID: "j2"})

	if e := recv(t, s); e.Type != TypeStarted || e.JobID != "j1" {
		t.Fatalf("unexpected first event %#v", e)
	}
	if e := recv(t, s); e.Type != TypeCancelled {
		t.Fatalf("queued terminal event lost: %#v", e)
	}
	select {
	case e, ok := <-s.C():
		if ok {
			t.Fatalf("event published after Detach was delivered: %#v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after the queue drained")
	}
}
