// Package remote abstracts the source of server-side change events. The
// reference implementation watches the server directory; production
// deployments substitute the SSE push feed without changing the rest of the
// engine.
package remote

import "context"

// EventKind classifies a remote change.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventDelete EventKind = "delete"
	EventRename EventKind = "rename"
)

// Event is one server-side change, with slash-form server-relative paths.
type Event struct {
	Kind            EventKind `json:"kind"`
	RelativePath    string    `json:"relative_path"`
	OldRelativePath string    `json:"old_relative_path,omitempty"`
}

// Feed delivers remote change events at least once; consumers are
// idempotent where possible.
type Feed interface {
	// Start begins delivery. It returns once the feed is running.
	Start(ctx context.Context) error

	// Events returns the delivery channel. It is closed when the feed
	// stops.
	Events() <-chan Event

	// Stop ends delivery and closes the event channel.
	Stop()
}
