// Package registrar owns the sync-root lifecycle: shell registration, the
// filter callback channel, initial placeholder population, and the ordered
// start and stop of every sync component.
package registrar

import (
	"context"
	"fmt"
	"os/user"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ulvenforst/nuvii-sync/internal/applier"
	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/engine"
	"github.com/ulvenforst/nuvii-sync/internal/hydrate"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
	"github.com/ulvenforst/nuvii-sync/internal/remote"
	"github.com/ulvenforst/nuvii-sync/internal/watch"
)

// ShellServices hosts the shell-COM class objects (custom state, thumbnail,
// context menu). The real host lives outside the core; the default is a
// no-op.
type ShellServices interface {
	Start(ctx context.Context) error
	Stop() error
}

// SearchIndexer registers the client path with the OS search indexer. The
// real helper lives outside the core; the default is a no-op.
type SearchIndexer interface {
	Add(path string) error
	Remove(path string) error
}

// NoopShellServices is the default ShellServices.
type NoopShellServices struct{}

func (NoopShellServices) Start(context.Context) error { return nil }
func (NoopShellServices) Stop() error                 { return nil }

// NoopSearchIndexer is the default SearchIndexer.
type NoopSearchIndexer struct{}

func (NoopSearchIndexer) Add(string) error    { return nil }
func (NoopSearchIndexer) Remove(string) error { return nil }

// Components are the sync parts the registrar starts and stops.
type Components struct {
	Driver       cloudfilter.Driver
	Hydration    *hydrate.Handler
	Placeholders *placeholder.Store
	Engine       *engine.Engine
	Source       *watch.Source
	Pins         *watch.PinWatcher
	Feed         remote.Feed
	Applier      *applier.Applier

	Shell   ShellServices
	Indexer SearchIndexer
}

// Registrar drives startup and shutdown in order.
type Registrar struct {
	info       cloudfilter.SyncRootInfo
	components Components

	connKey   cloudfilter.ConnectionKey
	connected bool
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New creates a Registrar. An empty UserSID resolves to the current user.
func New(info cloudfilter.SyncRootInfo, components Components) (*Registrar, error) {
	if components.Shell == nil {
		components.Shell = NoopShellServices{}
	}
	if components.Indexer == nil {
		components.Indexer = NoopSearchIndexer{}
	}

	if info.UserSID == "" {
		current, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("resolve current user: %w", err)
		}
		info.UserSID = current.Uid
	}

	return &Registrar{info: info, components: components}, nil
}

// SyncRootID returns the registered identity string.
func (r *Registrar) SyncRootID() string {
	return r.info.ID()
}

// Start brings the provider up. The sequence is ordered and each step must
// succeed before the next; a failure tears down the steps already taken and
// is fatal at startup.
func (r *Registrar) Start(ctx context.Context) (err error) {
	c := r.components

	// (1) Shell-COM service host, so class objects are registered before
	// the shell can ask for them.
	if err := c.Shell.Start(ctx); err != nil {
		return fmt.Errorf("start shell services: %w", err)
	}
	defer func() {
		if err != nil {
			c.Shell.Stop()
		}
	}()

	// (2) Search indexer.
	if err := c.Indexer.Add(r.info.ClientPath); err != nil {
		return fmt.Errorf("register with search indexer: %w", err)
	}
	defer func() {
		if err != nil {
			c.Indexer.Remove(r.info.ClientPath)
		}
	}()

	// (3) Sync-root registration. Registration persists across restarts;
	// re-registering an existing root refreshes it.
	registered, regErr := c.Driver.IsSyncRootRegistered(r.info.ID())
	if regErr != nil {
		return fmt.Errorf("query sync root registration: %w", regErr)
	}
	if registered {
		logging.Info("reattaching to existing sync root", zap.String("id", r.info.ID()))
	}
	if err := c.Driver.RegisterSyncRoot(r.info); err != nil {
		return fmt.Errorf("register sync root: %w", err)
	}

	// (4) Connect the filter callback channel; the hydration callbacks stay
	// pinned for the connection's lifetime.
	key, err := c.Driver.Connect(r.info.ClientPath, c.Hydration.Callbacks())
	if err != nil {
		return fmt.Errorf("connect sync root: %w", err)
	}
	r.connKey = key
	r.connected = true
	defer func() {
		if err != nil {
			c.Driver.Disconnect(r.connKey)
			r.connected = false
		}
	}()

	// (5) Initial placeholder population.
	if err := c.Placeholders.CreateTree(ctx, ""); err != nil {
		return fmt.Errorf("populate placeholders: %w", err)
	}

	// (6) Observers, feed, and applier.
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	if err := c.Pins.Start(runCtx); err != nil {
		return fmt.Errorf("start pin watcher: %w", err)
	}
	if err := c.Source.Start(runCtx); err != nil {
		c.Pins.Stop()
		return fmt.Errorf("start local event source: %w", err)
	}
	if err := c.Feed.Start(runCtx); err != nil {
		c.Source.Stop()
		c.Pins.Stop()
		return fmt.Errorf("start remote change feed: %w", err)
	}

	r.group, _ = errgroup.WithContext(runCtx)
	r.group.Go(func() error {
		c.Applier.Run(runCtx, c.Feed.Events())
		return nil
	})

	r.started = true
	logging.Info("sync provider started",
		zap.String("id", r.info.ID()),
		zap.String("client", r.info.ClientPath))
	return nil
}

// Stop reverses startup. Unregistration of the sync root is explicit and
// not part of normal shutdown.
func (r *Registrar) Stop() error {
	c := r.components

	if r.started {
		c.Feed.Stop()
		if r.cancel != nil {
			r.cancel()
		}
		if r.group != nil {
			r.group.Wait()
		}
		c.Source.Stop()
		c.Pins.Stop()
		c.Engine.Close()
		r.started = false
	}

	if r.connected {
		if err := c.Driver.Disconnect(r.connKey); err != nil {
			logging.Warn("disconnect failed", zap.Error(err))
		}
		r.connected = false
	}

	c.Indexer.Remove(r.info.ClientPath)
	if err := c.Shell.Stop(); err != nil {
		logging.Warn("shell services stop failed", zap.Error(err))
	}

	logging.Info("sync provider stopped", zap.String("id", r.info.ID()))
	return nil
}

// Unregister removes the sync-root registration. Rare and explicit.
func (r *Registrar) Unregister() error {
	return r.components.Driver.UnregisterSyncRoot(r.info.ID())
}

// Cleanup force-removes every provider-prefixed sync-root registration.
// Operator action; Windows only.
func Cleanup(providerPrefix string) (int, error) {
	return cloudfilter.CleanupSyncRoots(providerPrefix)
}
