package activity

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	if b.Count() != 2 {
		t.Errorf("count = %d, want 2", b.Count())
	}

	b.Publish(Event{Kind: KindUploaded, RelativePath: "a.txt"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != KindUploaded || ev.RelativePath != "a.txt" {
				t.Errorf("event = %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("publish must stamp the event")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber starved")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the buffer and keep publishing; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{Kind: KindDeleted, RelativePath: "spam.txt"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if b.Count() != 0 {
		t.Errorf("count = %d, want 0", b.Count())
	}
}
