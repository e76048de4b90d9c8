// NuviiSync client daemon.
//
// Projects a server directory into a local folder as on-demand cloud-file
// placeholders and keeps the two sides in sync:
//   - placeholder lifecycle and fetch-on-demand hydration
//   - client-to-server debounce/merge pipeline with move detection
//   - server-to-client change propagation with echo suppression
//   - pin ("always keep on this device") and unpin ("free up space")
//
// Usage:
//
//	nuviisync -config nuviisync.yaml
//	nuviisync -cleanup            # operator: scrub provider sync roots
//	nuviisync -unregister         # explicit sync-root unregistration
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/activity"
	"github.com/ulvenforst/nuvii-sync/internal/applier"
	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/config"
	"github.com/ulvenforst/nuvii-sync/internal/engine"
	"github.com/ulvenforst/nuvii-sync/internal/hydrate"
	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
	"github.com/ulvenforst/nuvii-sync/internal/registrar"
	"github.com/ulvenforst/nuvii-sync/internal/remote"
	"github.com/ulvenforst/nuvii-sync/internal/single"
	"github.com/ulvenforst/nuvii-sync/internal/store"
	locals "github.com/ulvenforst/nuvii-sync/internal/store/local"
	s3s "github.com/ulvenforst/nuvii-sync/internal/store/s3"
	"github.com/ulvenforst/nuvii-sync/internal/tempfile"
	"github.com/ulvenforst/nuvii-sync/internal/watch"
	"github.com/ulvenforst/nuvii-sync/pkg/retry"
)

func main() {
	configPath := flag.String("config", "", "Path to the settings file")
	cleanup := flag.Bool("cleanup", false, "Remove all provider-prefixed sync-root registrations and exit")
	unregister := flag.Bool("unregister", false, "Unregister the sync root and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogFormat == "console",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *cleanup {
		removed, err := registrar.Cleanup(cfg.ProviderID)
		if err != nil {
			logging.Fatal("cleanup failed", zap.Error(err))
		}
		logging.Info("cleanup complete", zap.Int("removed", removed))
		return
	}

	lock, err := single.Acquire(lockPath())
	if err != nil {
		var running single.ErrAlreadyRunning
		if errors.As(err, &running) {
			logging.Info("redirecting to running instance", zap.Int("pid", running.PID))
			return
		}
		logging.Fatal("single-instance lock failed", zap.Error(err))
	}
	defer lock.Release()

	driver, err := cloudfilter.NewPlatformDriver()
	if err != nil {
		logging.Fatal("cloud filter unavailable", zap.Error(err))
	}

	paths, err := pathmap.New(cfg.ClientPath, cfg.ServerPath)
	if err != nil {
		logging.Fatal("invalid sync pair", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("server backend init failed", zap.Error(err))
	}
	defer backend.Close()

	oracle := tempfile.New()
	placeholders := placeholder.NewStore(driver, backend, paths)
	broadcaster := activity.NewBroadcaster()

	handler := hydrate.NewHandler(driver, backend, 0)
	handler.SetActivity(broadcaster)

	eng := engine.New(engine.Options{
		Debounce:       cfg.Debounce,
		MoveWindow:     cfg.MoveWindow,
		SuppressionTTL: cfg.SuppressionTTL,
		Retry: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
	}, paths, backend, placeholders, broadcaster)

	source := watch.NewSource(cfg.ClientPath, oracle, driver, watch.Callbacks{
		OnCreated:  eng.HandleCreated,
		OnRenamed:  eng.HandleRenamed,
		OnDeleted:  eng.HandleDeleted,
		OnModified: eng.HandleModified,
	})
	pins := watch.NewPinWatcher(cfg.ClientPath, driver, placeholders, paths)
	feed := newFeed(cfg)
	apply := applier.New(placeholders, paths, eng, broadcaster)

	info := cloudfilter.SyncRootInfo{
		ProviderID:   cfg.ProviderID,
		AccountName:  cfg.AccountName,
		DisplayName:  cfg.DisplayName,
		IconResource: cfg.IconResource,
		ClientPath:   cfg.ClientPath,
		Version:      cfg.Version,
	}

	reg, err := registrar.New(info, registrar.Components{
		Driver:       driver,
		Hydration:    handler,
		Placeholders: placeholders,
		Engine:       eng,
		Source:       source,
		Pins:         pins,
		Feed:         feed,
		Applier:      apply,
	})
	if err != nil {
		logging.Fatal("registrar init failed", zap.Error(err))
	}

	if *unregister {
		if err := reg.Unregister(); err != nil {
			logging.Fatal("unregister failed", zap.Error(err))
		}
		logging.Info("sync root unregistered", zap.String("id", reg.SyncRootID()))
		return
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	// Surface activity to the log; the tray UI subscribes the same way.
	events := broadcaster.Subscribe()
	go func() {
		for ev := range events {
			logging.Debug("activity",
				zap.String("kind", string(ev.Kind)),
				zap.String("path", ev.RelativePath))
		}
	}()

	if err := reg.Start(ctx); err != nil {
		logging.Fatal("startup failed", zap.Error(err))
	}

	logging.Info("NuviiSync running",
		zap.String("client", cfg.ClientPath),
		zap.String("server", cfg.ServerPath),
		zap.String("backend", backend.Type()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	cancel()
	if err := reg.Stop(); err != nil {
		logging.Error("shutdown error", zap.Error(err))
	}
	broadcaster.Unsubscribe(events)
}

func newBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return s3s.New(ctx, s3s.Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Bucket:    cfg.Storage.S3.Bucket,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Region:    cfg.Storage.S3.Region,
		})
	default:
		return locals.New(locals.Config{RootPath: cfg.ServerPath, CreateRoot: true})
	}
}

func newFeed(cfg *config.Config) remote.Feed {
	if cfg.Feed.Mode == "sse" {
		token := cfg.Feed.Token
		return remote.NewSSEFeed(cfg.Feed.URL, func(context.Context) (string, error) {
			return token, nil
		})
	}
	return remote.NewWatchFeed(cfg.ServerPath, tempfile.New())
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	logging.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("metrics server stopped", zap.Error(err))
	}
}

func lockPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "NuviiSync", "nuviisync.lock")
}
