package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFiltersByOwner(t *testing.T) {
	b := New()
	mine, unsubMine := b.Subscribe(4, ForOwner("u1"))
	defer unsubMine()
	all, unsubAll := b.Subscribe(4, nil)
	defer unsubAll()

	b.Publish(Event{Type: "reminder.created", OwnerID: "u2"})
	b.Publish(Event{Type: "reminder.fired", OwnerID: "u1"})

	select {
	case e := <-mine:
		if e.Type != "reminder.fired" {
			t.Fatalf("expected reminder.fired, got %q", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatalf("expected publish to stamp time")
		}
	case <-time.After(time.Second):
		t.Fatalf("owner subscriber got nothing")
	}
	if len(mine) != 0 {
		t.Fatalf("owner subscriber received foreign events: %d", len(mine))
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber expected 2 events, got %d", len(all))
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1, nil)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("expected 9 drops, got %d", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1, nil)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}

func TestUnsubscribeRacingPublish(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		_, unsub := b.Subscribe(1, nil)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Publish(Event{Type: "x"})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}
