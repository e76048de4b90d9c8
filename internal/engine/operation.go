package engine

import (
	"time"
)

// OpType classifies a pending client-to-server operation.
type OpType int

const (
	OpCreate OpType = iota
	OpRename
	OpDelete
	OpModify
)

func (t OpType) String() string {
	switch t {
	case OpCreate:
		return "create"
	case OpRename:
		return "rename"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// OpState is the lifecycle state of a pending operation.
type OpState int

const (
	StatePending OpState = iota
	StateInProgress
	StateCompleted
	StateFailed
)

// Operation is one debounced client-to-server operation. The engine keys
// operations by current path with case-insensitive equality; at most one
// operation exists per key.
type Operation struct {
	Type             OpType
	CurrentPath      string // absolute client path
	OriginalPath     string // rename source, absolute
	CurrentRelative  string
	OriginalRelative string
	IsDirectory      bool
	CreatedAt        time.Time
	State            OpState

	// timer is the one-shot debounce wait; nil once the operation is
	// in progress.
	timer *time.Timer

	// followup is re-enqueued when this operation reaches a terminal
	// state. Set when an event arrives for a key whose operation is
	// already executing (e.g. a rename landing on an in-progress create).
	followup *Operation

	// viaMoveDetection marks a rename synthesized from a delete+create
	// pair; its activity is always reported as a move.
	viaMoveDetection bool
}

// DeletedRecord remembers a recent deletion so a matching create within the
// move window can be recognized as a cross-directory move.
type DeletedRecord struct {
	OriginalPath string
	RelativePath string
	FileName     string
	DeletedAt    time.Time
	IsDirectory  bool
}
