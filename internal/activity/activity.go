// Package activity broadcasts sync activity to UI-layer subscribers.
package activity

import (
	"sync"
	"time"

	"github.com/ulvenforst/nuvii-sync/internal/metrics"
)

// Kind classifies a completed or failed sync operation for display.
type Kind string

const (
	KindUploaded   Kind = "uploaded"
	KindDownloaded Kind = "downloaded"
	KindDeleted    Kind = "deleted"
	KindRenamed    Kind = "renamed"
	KindMoved      Kind = "moved"
	KindSynced     Kind = "synced"
	KindSyncFailed Kind = "sync_failed"
)

// Event is one user-visible sync activity entry.
type Event struct {
	Kind         Kind      `json:"kind"`
	RelativePath string    `json:"relative_path"`
	OldRelative  string    `json:"old_relative,omitempty"`
	IsDirectory  bool      `json:"is_directory"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Broadcaster fans activity events out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new activity broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordActivity(string(event.Kind))
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
