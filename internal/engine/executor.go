package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/activity"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/store"
	"github.com/ulvenforst/nuvii-sync/pkg/retry"
)

// fire runs when op's debounce timer expires. A timer cancelled after
// firing finds the operation gone or superseded and does nothing.
func (e *Engine) fire(k string, op *Operation) {
	now := time.Now()

	e.mu.Lock()
	if e.closed || e.pending[k] != op || op.State != StatePending {
		e.mu.Unlock()
		return
	}
	op.State = StateInProgress
	op.timer = nil

	// Declare intent before acting so the reflected remote event is
	// recognized as our own echo.
	e.suppressLocked(op.CurrentRelative, now)
	if op.Type == OpRename {
		e.suppressLocked(op.OriginalRelative, now)
	}
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	e.execute(k, op)
}

// execute runs the type-specific executor with retry, then publishes the
// terminal activity event and releases the key.
func (e *Engine) execute(k string, op *Operation) {
	start := time.Now()

	err := retry.Do(e.ctx, e.opts.Retry, func() error {
		return e.runOnce(op)
	}, func(attempt int, err error) {
		metrics.RecordSyncRetry()
		logging.Warn("sync operation retrying",
			zap.String("type", op.Type.String()),
			zap.String("path", op.CurrentRelative),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})

	metrics.RecordSyncOperation(op.Type.String(), time.Since(start), err == nil)

	var followup *Operation
	e.mu.Lock()
	if e.pending[k] == op {
		delete(e.pending, k)
	}
	metrics.SetPendingOperations(len(e.pending))
	if err == nil {
		op.State = StateCompleted
	} else {
		op.State = StateFailed
	}
	followup = op.followup
	if !e.closed && followup != nil {
		e.upsertLocked(followup)
	}
	e.mu.Unlock()

	if err != nil {
		logging.Error("sync operation failed",
			zap.String("type", op.Type.String()),
			zap.String("path", op.CurrentRelative),
			zap.Error(err))
		e.activity.Publish(activity.Event{
			Kind:         activity.KindSyncFailed,
			RelativePath: op.CurrentRelative,
			IsDirectory:  op.IsDirectory,
			Error:        err.Error(),
		})
		return
	}

	e.activity.Publish(activity.Event{
		Kind:         e.activityKind(op),
		RelativePath: op.CurrentRelative,
		OldRelative:  op.OriginalRelative,
		IsDirectory:  op.IsDirectory,
	})
	logging.Info("sync operation complete",
		zap.String("type", op.Type.String()),
		zap.String("path", op.CurrentRelative),
		zap.Duration("elapsed", time.Since(start)))
}

// activityKind maps a completed operation to its user-visible tag. A rename
// is a Move when the parent directory changed.
func (e *Engine) activityKind(op *Operation) activity.Kind {
	switch op.Type {
	case OpDelete:
		return activity.KindDeleted
	case OpRename:
		if op.viaMoveDetection || filepath.Dir(op.OriginalPath) != filepath.Dir(op.CurrentPath) {
			return activity.KindMoved
		}
		return activity.KindRenamed
	default:
		return activity.KindUploaded
	}
}

// runOnce performs one attempt of the operation.
func (e *Engine) runOnce(op *Operation) error {
	ctx := context.Background()

	switch op.Type {
	case OpCreate:
		return e.runCreate(ctx, op)
	case OpRename:
		return e.runRename(ctx, op)
	case OpDelete:
		return e.backend.Delete(ctx, op.CurrentRelative)
	case OpModify:
		return e.runUpload(ctx, op)
	default:
		return retry.Permanent(fmt.Errorf("unknown operation type %d", op.Type))
	}
}

// runCreate mirrors a new client entry to the server, then marks the local
// entry in sync (converting it to a placeholder if needed).
func (e *Engine) runCreate(ctx context.Context, op *Operation) error {
	if op.IsDirectory {
		if err := e.backend.EnsureDir(ctx, op.CurrentRelative); err != nil {
			return err
		}
		return e.placeholders.MarkInSync(op.CurrentPath)
	}
	return e.runUpload(ctx, op)
}

// runUpload copies the whole client file to the server.
func (e *Engine) runUpload(ctx context.Context, op *Operation) error {
	f, err := os.Open(op.CurrentPath)
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished during the debounce window; nothing to sync.
			return retry.Permanent(fmt.Errorf("upload %s: %w", op.CurrentRelative, err))
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if parent := filepath.Dir(op.CurrentRelative); parent != "." {
		if err := e.backend.EnsureDir(ctx, parent); err != nil {
			return err
		}
	}
	if err := e.backend.Put(ctx, op.CurrentRelative, f, info.Size()); err != nil {
		return err
	}
	return e.placeholders.MarkInSync(op.CurrentPath)
}

// runRename moves the entry on the server, rewrites the placeholder's
// identity, and marks it in sync. A source missing on the server falls
// through to create semantics.
func (e *Engine) runRename(ctx context.Context, op *Operation) error {
	exists, err := e.backend.Exists(ctx, op.OriginalRelative)
	if err != nil {
		return err
	}

	if !exists {
		return e.runCreate(ctx, op)
	}

	if err := e.backend.Rename(ctx, op.OriginalRelative, op.CurrentRelative); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.runCreate(ctx, op)
		}
		return err
	}

	// Rewrite the identity before the in-sync transition, or future
	// hydration will look for the stale server path.
	if err := e.placeholders.UpdateIdentity(op.CurrentPath, op.CurrentRelative); err != nil {
		logging.Warn("identity update failed",
			zap.String("path", op.CurrentRelative), zap.Error(err))
	}
	return e.placeholders.MarkInSync(op.CurrentPath)
}
