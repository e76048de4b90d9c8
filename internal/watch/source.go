// Package watch observes the client tree: the local event source feeds the
// sync engine, and the pin watcher reacts to pin/unpin attribute changes.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/tempfile"
)

// renamePairWindow bounds how long a rename-away event waits for its
// matching create before degrading to a delete.
const renamePairWindow = 500 * time.Millisecond

// Callbacks receives filtered local events. Delivery is serial per source.
type Callbacks struct {
	OnCreated  func(path string, isPlaceholderOnly bool)
	OnRenamed  func(oldPath, newPath string)
	OnDeleted  func(path string)
	OnModified func(path string)
}

// Source watches the client tree for create/rename/delete/modify, drops
// editor-temp churn and placeholder-only events, and delivers the rest.
type Source struct {
	root   string
	oracle *tempfile.Oracle
	driver cloudfilter.Driver
	cb     Callbacks

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	pendingOld  string // rename-away waiting for its create
	pendingTime time.Time
	flushTimer  *time.Timer
	cancel      context.CancelFunc
}

// NewSource creates a Source over root.
func NewSource(root string, oracle *tempfile.Oracle, driver cloudfilter.Driver, cb Callbacks) *Source {
	return &Source{
		root:   root,
		oracle: oracle,
		driver: driver,
		cb:     cb,
	}
}

// Start begins watching with subtree recursion.
func (s *Source) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addRecursive(watcher, s.root); err != nil {
		watcher.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.watcher = watcher
	s.cancel = cancel
	s.mu.Unlock()

	go s.loop(runCtx, watcher)
	logging.Info("local event source started", zap.String("root", s.root))
	return nil
}

// Stop ends the watch.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	watcher := s.watcher
	s.cancel = nil
	s.watcher = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
}

// restart performs the stop-then-start cycle after an observer error.
func (s *Source) restart(ctx context.Context) {
	metrics.RecordObserverRestart()
	logging.Warn("restarting local event source", zap.String("root", s.root))
	s.Stop()
	if err := s.Start(ctx); err != nil {
		logging.Error("local event source restart failed", zap.Error(err))
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: watch what we can
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (s *Source) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				logging.Error("observer error", zap.Error(err))
				go s.restart(ctx)
				return
			}
		}
	}
}

func (s *Source) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		// New directories join the recursive watch before anything else.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(watcher, event.Name); err != nil {
				logging.Warn("watch new directory failed",
					zap.String("path", event.Name), zap.Error(err))
			}
		}
		if old, ok := s.takePendingRename(); ok {
			s.Renamed(old, event.Name)
			return
		}
		s.Created(event.Name)

	case event.Op.Has(fsnotify.Rename):
		// The notifier reports the old path only; hold it briefly for the
		// matching create. An unpaired rename degrades to a delete.
		s.holdRename(event.Name)

	case event.Op.Has(fsnotify.Remove):
		s.Deleted(event.Name)

	case event.Op.Has(fsnotify.Write):
		s.Modified(event.Name)
	}
}

func (s *Source) holdRename(oldPath string) {
	s.mu.Lock()
	stale := s.pendingOld
	s.pendingOld = oldPath
	s.pendingTime = time.Now()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(renamePairWindow, s.flushPendingRename)
	s.mu.Unlock()

	if stale != "" {
		// A second rename before the pair completed: the first entry left
		// the tree.
		s.Deleted(stale)
	}
}

// takePendingRename claims the held rename source if one is waiting within
// the pair window.
func (s *Source) takePendingRename() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingOld == "" || time.Since(s.pendingTime) > renamePairWindow {
		return "", false
	}
	old := s.pendingOld
	s.pendingOld = ""
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	return old, true
}

// flushPendingRename surfaces an unpaired rename as a delete.
func (s *Source) flushPendingRename() {
	s.mu.Lock()
	old := s.pendingOld
	s.pendingOld = ""
	s.flushTimer = nil
	s.mu.Unlock()

	if old != "" {
		s.Deleted(old)
	}
}

// Created classifies and delivers a create event.
func (s *Source) Created(path string) {
	if s.oracle.IsTemp(path) {
		metrics.RecordTempFiltered()
		return
	}
	metrics.RecordLocalEvent("create")
	s.cb.OnCreated(path, s.isPlaceholderOnly(path))
}

// Renamed classifies both names and delivers the appropriate event:
// temp-to-temp drops, temp-to-real surfaces as a create, real-to-temp as a
// delete, real-to-real as a rename.
func (s *Source) Renamed(oldPath, newPath string) {
	oldTemp := s.oracle.IsTempByNameOnly(oldPath)
	newTemp := s.oracle.IsTemp(newPath)

	switch {
	case oldTemp && newTemp:
		metrics.RecordTempFiltered()
	case oldTemp && !newTemp:
		metrics.RecordLocalEvent("create")
		s.cb.OnCreated(newPath, s.isPlaceholderOnly(newPath))
	case !oldTemp && newTemp:
		metrics.RecordLocalEvent("delete")
		s.cb.OnDeleted(oldPath)
	default:
		metrics.RecordLocalEvent("rename")
		s.cb.OnRenamed(oldPath, newPath)
	}
}

// Deleted classifies by name only (the entry is gone) and delivers.
func (s *Source) Deleted(path string) {
	if s.oracle.IsTempByNameOnly(path) {
		metrics.RecordTempFiltered()
		return
	}
	metrics.RecordLocalEvent("delete")
	s.cb.OnDeleted(path)
}

// Modified drops directories, temps, and placeholder-only entries, then
// delivers.
func (s *Source) Modified(path string) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return
	}
	if s.oracle.IsTemp(path) {
		metrics.RecordTempFiltered()
		return
	}
	if s.isPlaceholderOnly(path) {
		return
	}
	metrics.RecordLocalEvent("modify")
	s.cb.OnModified(path)
}

// isPlaceholderOnly reports whether the entry is a cloud placeholder whose
// state indicates server-side population rather than a user edit: offline,
// or placeholder + in-sync + partial.
func (s *Source) isPlaceholderOnly(path string) bool {
	state, err := s.driver.State(path)
	if err != nil {
		return false
	}
	if state.Has(cloudfilter.StateOffline) {
		return true
	}
	return state.Has(cloudfilter.StatePlaceholder | cloudfilter.StateInSync | cloudfilter.StatePartial)
}
