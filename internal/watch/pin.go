package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
)

// inSyncSettle is the brief wait after an in-sync transition before
// attempting dehydration, giving the filter time to propagate the state.
const inSyncSettle = 100 * time.Millisecond

// PinWatcher is a second, narrower observer on the client tree, reacting
// only to attribute changes that carry pin and unpin gestures.
type PinWatcher struct {
	root   string
	driver cloudfilter.Driver
	store  *placeholder.Store
	paths  *pathmap.Map

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewPinWatcher creates a PinWatcher.
func NewPinWatcher(root string, driver cloudfilter.Driver, store *placeholder.Store, paths *pathmap.Map) *PinWatcher {
	return &PinWatcher{root: root, driver: driver, store: store, paths: paths}
}

// Start begins watching attribute changes.
func (w *PinWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addRecursive(watcher, w.root); err != nil {
		watcher.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel

	go w.loop(runCtx, watcher)
	logging.Info("pin watcher started", zap.String("root", w.root))
	return nil
}

// Stop ends the watch.
func (w *PinWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}

func (w *PinWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				// Keep the recursive watch current; pin gestures can land
				// anywhere in the tree.
				addRecursive(watcher, event.Name)
				continue
			}
			if event.Op.Has(fsnotify.Chmod) {
				w.HandleAttributeChange(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				logging.Error("pin watcher error", zap.Error(err))
				metrics.RecordObserverRestart()
				w.Stop()
				if startErr := w.Start(ctx); startErr != nil {
					logging.Error("pin watcher restart failed", zap.Error(startErr))
				}
				return
			}
		}
	}
}

// HandleAttributeChange inspects the entry's pin intent and triggers
// hydration or the dehydration protocol.
func (w *PinWatcher) HandleAttributeChange(path string) {
	state, err := w.driver.State(path)
	if err != nil {
		return
	}

	switch {
	case state.Has(cloudfilter.StatePinned):
		w.HandlePinned(path, state)
	case state.Has(cloudfilter.StateUnpinned):
		w.HandleUnpinned(path, state)
	}
}

// HandlePinned materializes a pinned entry and marks it in sync.
func (w *PinWatcher) HandlePinned(path string, state cloudfilter.State) {
	if !state.Has(cloudfilter.StateOffline) && !state.Has(cloudfilter.StatePartial) {
		return // already fully present
	}

	logging.Info("pin: hydrating", zap.String("path", path))
	if err := w.store.Hydrate(path, 0, -1); err != nil {
		logging.Error("pin hydration failed", zap.String("path", path), zap.Error(err))
		return
	}
	if err := w.store.MarkInSync(path); err != nil {
		logging.Warn("pin in-sync transition failed", zap.String("path", path), zap.Error(err))
	}
}

// HandleUnpinned walks the dehydration protocol: the entry must be a
// placeholder, in sync, and not pinned before the filter permits release.
func (w *PinWatcher) HandleUnpinned(path string, state cloudfilter.State) {
	// Already offline: nothing to release.
	if state.Has(cloudfilter.StateOffline) {
		return
	}

	// A fresh file the user just created is not yet a placeholder: a
	// single call converts it and releases the content.
	if !state.Has(cloudfilter.StatePlaceholder) {
		relative, err := w.paths.ToClientRelative(path)
		if err != nil {
			logging.Error("unpin outside sync root", zap.String("path", path), zap.Error(err))
			return
		}
		logging.Info("unpin: converting fresh file", zap.String("path", path))
		if err := w.store.ConvertAndDehydrate(path, filepath.ToSlash(relative)); err != nil {
			logging.Error("convert and dehydrate failed", zap.String("path", path), zap.Error(err))
		}
		return
	}

	// Dehydration requires the in-sync state first.
	if !state.Has(cloudfilter.StateInSync) {
		if err := w.store.MarkInSync(path); err != nil {
			logging.Warn("unpin in-sync transition failed", zap.String("path", path), zap.Error(err))
			return
		}
		time.Sleep(inSyncSettle)
	}

	logging.Info("unpin: dehydrating", zap.String("path", path))
	if err := w.store.Dehydrate(path, 0, -1); err != nil {
		logging.Error("dehydration failed", zap.String("path", path), zap.Error(err))
		// Clear the pending shell state as a best effort.
		if syncErr := w.store.MarkInSync(path); syncErr != nil {
			logging.Debug("post-failure in-sync failed", zap.String("path", path), zap.Error(syncErr))
		}
		return
	}

	if err := w.store.MarkInSync(path); err != nil {
		logging.Warn("post-dehydration in-sync failed", zap.String("path", path), zap.Error(err))
	}
	// The parent's aggregate state changed too.
	w.store.ReportShellChange(filepath.Dir(path))
}
