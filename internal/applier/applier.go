// Package applier mirrors remote create/delete/rename events onto the
// client tree as placeholder operations, honoring the sync engine's echo
// suppression.
package applier

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/activity"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
	"github.com/ulvenforst/nuvii-sync/internal/remote"
)

// Suppressor answers whether a relative path was recently touched by the
// client-to-server direction.
type Suppressor interface {
	IsSuppressed(relative string) bool
}

// Applier applies remote events to the client side.
type Applier struct {
	store      *placeholder.Store
	paths      *pathmap.Map
	suppressor Suppressor
	activity   *activity.Broadcaster
}

// New creates an Applier. broadcaster may be nil.
func New(store *placeholder.Store, paths *pathmap.Map, suppressor Suppressor, broadcaster *activity.Broadcaster) *Applier {
	return &Applier{
		store:      store,
		paths:      paths,
		suppressor: suppressor,
		activity:   broadcaster,
	}
}

// Run applies events from the feed channel until it closes or ctx ends.
func (a *Applier) Run(ctx context.Context, events <-chan remote.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := a.Apply(ctx, event); err != nil {
				logging.Error("remote event not applied",
					zap.String("kind", string(event.Kind)),
					zap.String("path", event.RelativePath),
					zap.Error(err))
			}
		}
	}
}

// Apply mirrors one remote event. Events for suppressed paths are silently
// dropped: they were almost certainly caused by this engine's own write.
// Apply is idempotent where possible: delete of an absent entry and create
// of an existing one are no-ops.
func (a *Applier) Apply(ctx context.Context, event remote.Event) error {
	if a.suppressor.IsSuppressed(event.RelativePath) ||
		(event.OldRelativePath != "" && a.suppressor.IsSuppressed(event.OldRelativePath)) {
		metrics.RecordSuppressedEvent()
		logging.Debug("suppressed remote event",
			zap.String("kind", string(event.Kind)),
			zap.String("path", event.RelativePath))
		return nil
	}

	relative := filepath.FromSlash(event.RelativePath)
	clientAbs := a.paths.ClientAbs(relative)

	switch event.Kind {
	case remote.EventCreate:
		if err := a.store.CreateSingle(ctx, relative); err != nil {
			return err
		}
		a.store.ReportShellChange(filepath.Dir(clientAbs))

	case remote.EventDelete:
		if err := a.store.Delete(clientAbs); err != nil {
			return err
		}

	case remote.EventRename:
		oldAbs := a.paths.ClientAbs(filepath.FromSlash(event.OldRelativePath))
		if err := a.applyRename(ctx, oldAbs, clientAbs, relative); err != nil {
			return err
		}

	default:
		logging.Warn("unknown remote event kind", zap.String("kind", string(event.Kind)))
		return nil
	}

	a.publish(event)
	return nil
}

// applyRename moves the client entry and rewrites its identity. A rename
// whose source is already gone but whose destination exists was applied
// before: a no-op. A source that never existed locally falls back to a
// fresh create.
func (a *Applier) applyRename(ctx context.Context, oldAbs, newAbs, newRelative string) error {
	if !exists(oldAbs) {
		if exists(newAbs) {
			return nil // delivered at least once already
		}
		return a.store.CreateSingle(ctx, newRelative)
	}

	if err := a.store.Rename(oldAbs, newAbs); err != nil {
		return err
	}
	return a.store.UpdateIdentity(newAbs, newRelative)
}

func (a *Applier) publish(event remote.Event) {
	if a.activity == nil {
		return
	}
	a.activity.Publish(activity.Event{
		Kind:         activity.KindSynced,
		RelativePath: event.RelativePath,
		OldRelative:  event.OldRelativePath,
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
