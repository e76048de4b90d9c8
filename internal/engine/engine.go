// Package engine debounces, merges, and executes client-to-server sync
// operations, detects cross-directory moves, and owns the echo-suppression
// set consulted by the server-side applier.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/activity"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
	"github.com/ulvenforst/nuvii-sync/internal/store"
	"github.com/ulvenforst/nuvii-sync/pkg/retry"
)

// Options holds the engine's tunable parameters.
type Options struct {
	Debounce       time.Duration
	MoveWindow     time.Duration
	SuppressionTTL time.Duration
	Retry          retry.Policy
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Debounce:       3 * time.Second,
		MoveWindow:     5 * time.Second,
		SuppressionTTL: 5 * time.Second,
		Retry:          retry.DefaultPolicy(),
	}
}

// Engine owns the pending map, the deleted-records map, and the suppression
// map. Map lookup, merge decision, and map mutation form a single critical
// section per event; execution of a matured operation happens on the timer
// goroutine so a slow server write never blocks event ingress.
type Engine struct {
	opts         Options
	paths        *pathmap.Map
	backend      store.Backend
	placeholders *placeholder.Store
	activity     *activity.Broadcaster

	mu            sync.Mutex
	pending       map[string]*Operation
	deletedRecent map[string]DeletedRecord
	suppressed    map[string]time.Time
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine.
func New(opts Options, paths *pathmap.Map, backend store.Backend, placeholders *placeholder.Store, broadcaster *activity.Broadcaster) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:          opts,
		paths:         paths,
		backend:       backend,
		placeholders:  placeholders,
		activity:      broadcaster,
		pending:       make(map[string]*Operation),
		deletedRecent: make(map[string]DeletedRecord),
		suppressed:    make(map[string]time.Time),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// key normalizes an absolute path for case-insensitive map equality.
func key(path string) string {
	return strings.ToLower(filepath.Clean(path))
}

// HandleCreated processes a local create event. isPlaceholderOnly marks
// entries written by the server-side applier, which must not echo back.
func (e *Engine) HandleCreated(path string, isPlaceholderOnly bool) {
	now := time.Now()
	name := strings.ToLower(filepath.Base(path))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.evictDeletedLocked(now)

	// Move detection: a delete of the same basename within the window means
	// this create is the second half of a move.
	if rec, ok := e.deletedRecent[name]; ok && now.Sub(rec.DeletedAt) <= e.opts.MoveWindow {
		delete(e.deletedRecent, name)

		if key(rec.OriginalPath) == key(path) {
			// The record is this very path: the redundant destination delete
			// of a replace gesture (Delete(dest) + Delete(src) +
			// Create(dest)). Cancel it and pair with the later source
			// deletion instead, so the rename can use overwrite semantics.
			e.removePendingLocked(key(path), OpDelete)
			if src, found := e.takeLaterDeletedLocked(rec.DeletedAt); found {
				e.detectedMoveLocked(path, src, now)
				e.mu.Unlock()
				e.placeholders.MarkNotInSync(path)
				return
			}
			// No source deletion: a delete-then-recreate; fall through to a
			// plain create.
		} else {
			e.detectedMoveLocked(path, rec, now)
			e.mu.Unlock()

			// Show the sync-arrows indicator while the move propagates.
			e.placeholders.MarkNotInSync(path)
			return
		}
	}

	if isPlaceholderOnly {
		// Written by the applier during server-side population, not a user
		// action.
		e.mu.Unlock()
		logging.Debug("dropping placeholder-only create", zap.String("path", path))
		return
	}

	op := &Operation{
		Type:        OpCreate,
		CurrentPath: path,
		IsDirectory: isDir(path),
		CreatedAt:   now,
		State:       StatePending,
	}
	e.upsertLocked(op)
	e.mu.Unlock()
}

// detectedMoveLocked replaces the recorded delete and this create with a
// single rename operation at the destination key.
func (e *Engine) detectedMoveLocked(path string, rec DeletedRecord, now time.Time) {
	// The delete scheduled for the move source is half of this move.
	e.removePendingLocked(key(rec.OriginalPath), OpDelete)

	// The replace-file gesture deletes the destination first; treating that
	// delete as redundant lets the rename use overwrite semantics.
	e.removePendingLocked(key(path), OpDelete)

	isDirectory := rec.IsDirectory
	if info, err := os.Stat(path); err == nil {
		isDirectory = info.IsDir()
	}

	op := &Operation{
		Type:             OpRename,
		CurrentPath:      path,
		OriginalPath:     rec.OriginalPath,
		OriginalRelative: rec.RelativePath,
		IsDirectory:      isDirectory,
		CreatedAt:        now,
		State:            StatePending,
		viaMoveDetection: true,
	}
	e.upsertLocked(op)

	logging.Debug("cross-directory move detected",
		zap.String("from", rec.OriginalPath), zap.String("to", path))
}

// HandleRenamed processes a paired rename event.
func (e *Engine) HandleRenamed(oldPath, newPath string) {
	now := time.Now()
	oldKey := key(oldPath)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if existing, ok := e.pending[oldKey]; ok {
		switch {
		case existing.State == StatePending && existing.Type == OpCreate:
			// Coalesce: the file never existed on the server under its old
			// name, so the create simply moves to the new key.
			e.dropLocked(oldKey, existing)
			moved := &Operation{
				Type:        OpCreate,
				CurrentPath: newPath,
				IsDirectory: existing.IsDirectory,
				CreatedAt:   existing.CreatedAt,
				State:       StatePending,
			}
			e.upsertLocked(moved)
			return

		case existing.State == StateInProgress && existing.Type == OpCreate:
			// The create is already executing; queue the rename behind it.
			existing.followup = &Operation{
				Type:         OpRename,
				CurrentPath:  newPath,
				OriginalPath: oldPath,
				IsDirectory:  existing.IsDirectory,
				CreatedAt:    now,
				State:        StatePending,
			}
			return

		case existing.State == StatePending:
			// A pending rename or modify follows the file to its new name.
			e.dropLocked(oldKey, existing)
			originalPath := oldPath
			if existing.Type == OpRename && existing.OriginalPath != "" {
				originalPath = existing.OriginalPath
			}
			e.upsertLocked(&Operation{
				Type:         OpRename,
				CurrentPath:  newPath,
				OriginalPath: originalPath,
				IsDirectory:  existing.IsDirectory,
				CreatedAt:    existing.CreatedAt,
				State:        StatePending,
			})
			return
		}
	}

	e.upsertLocked(&Operation{
		Type:         OpRename,
		CurrentPath:  newPath,
		OriginalPath: oldPath,
		IsDirectory:  isDir(newPath),
		CreatedAt:    now,
		State:        StatePending,
	})
}

// HandleDeleted processes a local delete event.
func (e *Engine) HandleDeleted(path string) {
	now := time.Now()
	k := key(path)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.evictDeletedLocked(now)

	if existing, ok := e.pending[k]; ok && existing.State == StatePending && existing.Type == OpCreate {
		// Create then delete before execution: net zero.
		e.dropLocked(k, existing)
		return
	}

	isDirectory := false
	if existing, ok := e.pending[k]; ok {
		if existing.State == StatePending {
			isDirectory = existing.IsDirectory
			e.dropLocked(k, existing)
		}
	}

	op := &Operation{
		Type:        OpDelete,
		CurrentPath: path,
		IsDirectory: isDirectory,
		CreatedAt:   now,
		State:       StatePending,
	}
	e.upsertLocked(op)

	e.deletedRecent[strings.ToLower(filepath.Base(path))] = DeletedRecord{
		OriginalPath: path,
		RelativePath: e.relativeOf(path),
		FileName:     filepath.Base(path),
		DeletedAt:    now,
		IsDirectory:  isDirectory,
	}
}

// HandleModified processes a local content-change event.
func (e *Engine) HandleModified(path string) {
	k := key(path)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if existing, ok := e.pending[k]; ok {
		switch existing.State {
		case StatePending:
			// Reset the timer only; the operation keeps its type.
			existing.timer.Reset(e.opts.Debounce)
			return
		case StateInProgress:
			if existing.followup == nil {
				existing.followup = &Operation{
					Type:        OpModify,
					CurrentPath: path,
					IsDirectory: existing.IsDirectory,
					CreatedAt:   time.Now(),
					State:       StatePending,
				}
			}
			return
		}
	}

	e.upsertLocked(&Operation{
		Type:        OpModify,
		CurrentPath: path,
		CreatedAt:   time.Now(),
		State:       StatePending,
	})
}

// upsertLocked installs op at its key, cancelling any pending operation
// already there, and starts its debounce timer.
func (e *Engine) upsertLocked(op *Operation) {
	k := key(op.CurrentPath)
	if existing, ok := e.pending[k]; ok && existing.State == StatePending {
		e.dropLocked(k, existing)
	}

	op.CurrentRelative = e.relativeOf(op.CurrentPath)
	if op.Type == OpRename && op.OriginalRelative == "" {
		op.OriginalRelative = e.relativeOf(op.OriginalPath)
	}

	e.pending[k] = op
	op.timer = time.AfterFunc(e.opts.Debounce, func() {
		e.fire(k, op)
	})
	metrics.SetPendingOperations(len(e.pending))
}

// removePendingLocked drops the operation at k if it is pending and of the
// given type.
func (e *Engine) removePendingLocked(k string, t OpType) {
	if existing, ok := e.pending[k]; ok && existing.State == StatePending && existing.Type == t {
		e.dropLocked(k, existing)
	}
}

// dropLocked cancels op's timer and removes it from the pending map.
func (e *Engine) dropLocked(k string, op *Operation) {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	if e.pending[k] == op {
		delete(e.pending, k)
	}
	metrics.SetPendingOperations(len(e.pending))
}

// takeLaterDeletedLocked consumes and returns the most recent deleted
// record at or after the given time, if any.
func (e *Engine) takeLaterDeletedLocked(after time.Time) (DeletedRecord, bool) {
	var best DeletedRecord
	found := false
	for _, rec := range e.deletedRecent {
		if rec.DeletedAt.Before(after) {
			continue
		}
		if !found || rec.DeletedAt.After(best.DeletedAt) {
			best = rec
			found = true
		}
	}
	if found {
		delete(e.deletedRecent, strings.ToLower(best.FileName))
		// The source's own pending delete is half of this move.
		e.removePendingLocked(key(best.OriginalPath), OpDelete)
	}
	return best, found
}

// evictDeletedLocked ages out deleted records past the move window.
func (e *Engine) evictDeletedLocked(now time.Time) {
	for name, rec := range e.deletedRecent {
		if now.Sub(rec.DeletedAt) > e.opts.MoveWindow {
			delete(e.deletedRecent, name)
		}
	}
}

func (e *Engine) relativeOf(path string) string {
	rel, err := e.paths.ToClientRelative(path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Suppression --------------------------------------------------------------

// suppressLocked declares the engine's intent to touch relative on the
// server before acting, so the reflected remote event can be recognized.
func (e *Engine) suppressLocked(relative string, now time.Time) {
	if relative == "" {
		return
	}
	e.suppressed[strings.ToLower(filepath.ToSlash(relative))] = now.Add(e.opts.SuppressionTTL)
}

// IsSuppressed reports whether relative is currently suppressed, lazily
// evicting expired entries.
func (e *Engine) IsSuppressed(relative string) bool {
	now := time.Now()
	k := strings.ToLower(filepath.ToSlash(relative))

	e.mu.Lock()
	defer e.mu.Unlock()

	for r, expires := range e.suppressed {
		if now.After(expires) {
			delete(e.suppressed, r)
		}
	}

	_, ok := e.suppressed[k]
	return ok
}

// PendingCount returns the number of operations in the debounce window.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close cancels every pending timer and clears the maps. In-flight
// executors run to completion before Close returns.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for k, op := range e.pending {
		if op.State == StatePending {
			e.dropLocked(k, op)
		}
	}
	e.deletedRecent = make(map[string]DeletedRecord)
	e.suppressed = make(map[string]time.Time)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
