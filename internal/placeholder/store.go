// Package placeholder manages the OS-level placeholder entries under the
// client root: creation, conversion, rename, deletion, hydration state, and
// file-identity maintenance.
package placeholder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/store"
)

// Store performs placeholder operations. It is stateless: every call opens
// and closes its own handles through the driver.
type Store struct {
	driver  cloudfilter.Driver
	backend store.Backend
	paths   *pathmap.Map
}

// NewStore creates a Store.
func NewStore(driver cloudfilter.Driver, backend store.Backend, paths *pathmap.Map) *Store {
	return &Store{driver: driver, backend: backend, paths: paths}
}

// identityFor returns the identity stored in a placeholder at the given
// client-relative path: the server-relative path in slash form.
func identityFor(relative string) string {
	return filepath.ToSlash(relative)
}

// CreateSingle creates the placeholder for one server entry, mirroring its
// size and timestamps, and marks it in sync. Directory placeholders are
// created with on-demand population disabled and their children are created
// eagerly. Creating an entry that already exists locally is a no-op.
func (s *Store) CreateSingle(ctx context.Context, relative string) error {
	info, err := s.backend.Stat(ctx, relative)
	if err != nil {
		return fmt.Errorf("create placeholder %s: %w", relative, err)
	}

	clientAbs := s.paths.ClientAbs(filepath.FromSlash(relative))

	if _, stateErr := s.driver.State(clientAbs); stateErr == nil {
		logging.Debug("placeholder already present", zap.String("path", relative))
		if info.IsDir {
			return s.createChildren(ctx, relative)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(clientAbs), 0755); err != nil {
		return fmt.Errorf("create placeholder parent %s: %w", relative, err)
	}

	meta := cloudfilter.PlaceholderMeta{
		Identity:     identityFor(relative),
		Size:         info.Size,
		CreationTime: info.CreateTime,
		LastWrite:    info.ModTime,
		LastAccess:   info.AccessTime,
		ChangeTime:   info.ChangeTime,
		IsDirectory:  info.IsDir,

		DisableOnDemandPopulation: info.IsDir,
	}
	if err := s.driver.CreatePlaceholder(clientAbs, meta); err != nil {
		return fmt.Errorf("create placeholder %s: %w", relative, err)
	}
	if err := s.driver.SetInSync(clientAbs, true); err != nil {
		return fmt.Errorf("mark in sync %s: %w", relative, err)
	}
	metrics.RecordPlaceholderCreated()

	if info.IsDir {
		return s.createChildren(ctx, relative)
	}
	return nil
}

func (s *Store) createChildren(ctx context.Context, relative string) error {
	return s.backend.Walk(ctx, relative, func(child store.EntryInfo) error {
		return s.createOne(child)
	})
}

// CreateTree populates placeholders for everything under the given
// server-relative subdirectory ("" for the whole tree), parents first.
func (s *Store) CreateTree(ctx context.Context, relative string) error {
	count := 0
	err := s.backend.Walk(ctx, relative, func(info store.EntryInfo) error {
		if err := s.createOne(info); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("populate %q: %w", relative, err)
	}
	logging.Info("initial population complete",
		zap.String("subtree", relative), zap.Int("placeholders", count))
	return nil
}

// createOne creates a single placeholder from already-fetched entry info,
// skipping entries that already exist locally.
func (s *Store) createOne(info store.EntryInfo) error {
	clientAbs := s.paths.ClientAbs(filepath.FromSlash(info.RelativePath))

	if _, err := s.driver.State(clientAbs); err == nil {
		return nil
	}

	meta := cloudfilter.PlaceholderMeta{
		Identity:     identityFor(info.RelativePath),
		Size:         info.Size,
		CreationTime: info.CreateTime,
		LastWrite:    info.ModTime,
		LastAccess:   info.AccessTime,
		ChangeTime:   info.ChangeTime,
		IsDirectory:  info.IsDir,

		DisableOnDemandPopulation: info.IsDir,
	}
	if err := s.driver.CreatePlaceholder(clientAbs, meta); err != nil {
		return fmt.Errorf("create placeholder %s: %w", info.RelativePath, err)
	}
	if err := s.driver.SetInSync(clientAbs, true); err != nil {
		return fmt.Errorf("mark in sync %s: %w", info.RelativePath, err)
	}
	metrics.RecordPlaceholderCreated()
	return nil
}

// Delete removes the client entry, recursively for directories. Deleting an
// absent entry is a no-op.
func (s *Store) Delete(clientAbs string) error {
	if err := os.RemoveAll(clientAbs); err != nil {
		return fmt.Errorf("delete %s: %w", clientAbs, err)
	}
	return s.driver.Removed(clientAbs)
}

// Rename ensures the new parent exists, then moves the entry with overwrite
// semantics. The caller must follow a successful rename with UpdateIdentity
// before the next MarkInSync, or future hydration will look for the stale
// server path.
func (s *Store) Rename(oldClientAbs, newClientAbs string) error {
	if err := os.MkdirAll(filepath.Dir(newClientAbs), 0755); err != nil {
		return fmt.Errorf("rename %s: create parent: %w", oldClientAbs, err)
	}

	// os.Rename does not overwrite files on Windows.
	if info, err := os.Stat(newClientAbs); err == nil && !info.IsDir() {
		if err := os.Remove(newClientAbs); err != nil {
			return fmt.Errorf("rename %s: clear destination: %w", oldClientAbs, err)
		}
		s.driver.Removed(newClientAbs)
	}

	if err := os.Rename(oldClientAbs, newClientAbs); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldClientAbs, newClientAbs, err)
	}
	return s.driver.Moved(oldClientAbs, newClientAbs)
}

// MarkInSync transitions the entry to the in-sync state. A regular file that
// is not yet a placeholder is converted in place, preserving content, with
// an identity built from its current client-relative path.
func (s *Store) MarkInSync(clientAbs string) error {
	state, err := s.driver.State(clientAbs)
	if err != nil {
		return fmt.Errorf("mark in sync %s: %w", clientAbs, err)
	}

	if !state.Has(cloudfilter.StatePlaceholder) {
		relative, err := s.paths.ToClientRelative(clientAbs)
		if err != nil {
			return err
		}
		return s.ConvertToPlaceholder(clientAbs, identityFor(relative))
	}

	return s.driver.SetInSync(clientAbs, true)
}

// MarkNotInSync shows the sync-arrows indicator. Failures are logged and
// swallowed: the visual state is best-effort.
func (s *Store) MarkNotInSync(clientAbs string) {
	if err := s.driver.SetInSync(clientAbs, false); err != nil {
		logging.Debug("mark not-in-sync failed", zap.String("path", clientAbs), zap.Error(err))
	}
}

// ConvertToPlaceholder converts a regular file in place, preserving its
// content and marking it in sync. Subsequent dehydration is permitted.
func (s *Store) ConvertToPlaceholder(clientAbs, identity string) error {
	if err := s.driver.ConvertToPlaceholder(clientAbs, identity, false); err != nil {
		return fmt.Errorf("convert %s: %w", clientAbs, err)
	}
	return nil
}

// ConvertAndDehydrate converts a regular file and releases its cached
// content in a single call.
func (s *Store) ConvertAndDehydrate(clientAbs, identity string) error {
	if err := s.driver.ConvertToPlaceholder(clientAbs, identity, true); err != nil {
		return fmt.Errorf("convert and dehydrate %s: %w", clientAbs, err)
	}
	return nil
}

// Hydrate materializes [offset, offset+length) of the placeholder.
// length = -1 means the whole file.
func (s *Store) Hydrate(clientAbs string, offset, length int64) error {
	return s.driver.Hydrate(clientAbs, offset, length)
}

// Dehydrate releases the cached range. length = -1 means the whole file.
func (s *Store) Dehydrate(clientAbs string, offset, length int64) error {
	return s.driver.Dehydrate(clientAbs, offset, length)
}

// UpdateIdentity rewrites the stored identity so future hydration callbacks
// carry the new server-relative name.
func (s *Store) UpdateIdentity(clientAbs, newRelative string) error {
	if err := s.driver.UpdateIdentity(clientAbs, identityFor(newRelative)); err != nil {
		return fmt.Errorf("update identity %s: %w", clientAbs, err)
	}
	return nil
}

// State returns the placeholder state vector for the entry.
func (s *Store) State(clientAbs string) (cloudfilter.State, error) {
	return s.driver.State(clientAbs)
}

// ReportShellChange asks the shell to refresh clientAbs. Best-effort.
func (s *Store) ReportShellChange(clientAbs string) {
	s.driver.ReportShellChange(clientAbs)
}
