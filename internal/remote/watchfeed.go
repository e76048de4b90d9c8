package remote

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/tempfile"
)

// renamePairWindow bounds how long a rename-away event waits for its
// matching create before degrading to a delete.
const renamePairWindow = 500 * time.Millisecond

// WatchFeed is the reference Feed: a filesystem observer on the server
// directory translating raw notifications 1:1 into remote events.
type WatchFeed struct {
	root   string
	oracle *tempfile.Oracle
	events chan Event
	log    *zap.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	pendingOld  string
	pendingTime time.Time
	flushTimer  *time.Timer
	stopped     bool
}

// NewWatchFeed creates a WatchFeed over the server root.
func NewWatchFeed(root string, oracle *tempfile.Oracle) *WatchFeed {
	return &WatchFeed{
		root:   root,
		oracle: oracle,
		events: make(chan Event, 128),
		log:    logging.Named("watchfeed"),
	}
}

// Events returns the delivery channel.
func (f *WatchFeed) Events() <-chan Event {
	return f.events
}

// Start begins watching the server tree. A stopped feed restarts with a
// fresh event channel.
func (f *WatchFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.events = make(chan Event, 128)
		f.stopped = false
	}
	f.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.WalkDir(f.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.watcher = watcher
	f.cancel = cancel
	f.mu.Unlock()

	go f.loop(runCtx, watcher)
	f.log.Info("server change feed started", zap.String("root", f.root))
	return nil
}

// Stop ends delivery and closes the event channel.
func (f *WatchFeed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	cancel := f.cancel
	watcher := f.watcher
	if f.flushTimer != nil {
		f.flushTimer.Stop()
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	close(f.events)
}

func (f *WatchFeed) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			f.translate(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				f.log.Error("server feed observer error", zap.Error(err))
				metrics.RecordObserverRestart()
			}
		}
	}
}

func (f *WatchFeed) translate(watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			watcher.Add(event.Name)
		}
		if old, ok := f.takePendingRename(); ok {
			f.emitRename(old, event.Name)
			return
		}
		f.emitCreate(event.Name)

	case event.Op.Has(fsnotify.Rename):
		f.holdRename(event.Name)

	case event.Op.Has(fsnotify.Remove):
		f.emitDelete(event.Name)
	}
}

func (f *WatchFeed) holdRename(oldPath string) {
	f.mu.Lock()
	stale := f.pendingOld
	f.pendingOld = oldPath
	f.pendingTime = time.Now()
	if f.flushTimer != nil {
		f.flushTimer.Stop()
	}
	f.flushTimer = time.AfterFunc(renamePairWindow, func() {
		f.mu.Lock()
		old := f.pendingOld
		f.pendingOld = ""
		f.mu.Unlock()
		if old != "" {
			f.emitDelete(old)
		}
	})
	f.mu.Unlock()

	if stale != "" {
		f.emitDelete(stale)
	}
}

func (f *WatchFeed) takePendingRename() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingOld == "" || time.Since(f.pendingTime) > renamePairWindow {
		return "", false
	}
	old := f.pendingOld
	f.pendingOld = ""
	if f.flushTimer != nil {
		f.flushTimer.Stop()
		f.flushTimer = nil
	}
	return old, true
}

func (f *WatchFeed) relative(path string) (string, bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (f *WatchFeed) emitCreate(path string) {
	if f.oracle.IsTemp(path) {
		return
	}
	if rel, ok := f.relative(path); ok {
		f.send(Event{Kind: EventCreate, RelativePath: rel})
	}
}

func (f *WatchFeed) emitDelete(path string) {
	if f.oracle.IsTempByNameOnly(path) {
		return
	}
	if rel, ok := f.relative(path); ok {
		f.send(Event{Kind: EventDelete, RelativePath: rel})
	}
}

func (f *WatchFeed) emitRename(oldPath, newPath string) {
	oldRel, okOld := f.relative(oldPath)
	newRel, okNew := f.relative(newPath)
	if !okOld || !okNew {
		return
	}
	f.send(Event{Kind: EventRename, RelativePath: newRel, OldRelativePath: oldRel})
}

func (f *WatchFeed) send(event Event) {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return
	}

	metrics.RecordRemoteEvent(string(event.Kind))
	select {
	case f.events <- event:
	default:
		f.log.Warn("dropping remote event for slow consumer",
			zap.String("kind", string(event.Kind)),
			zap.String("path", event.RelativePath))
	}
}

var _ Feed = (*WatchFeed)(nil)
