package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/hydrate"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
	"github.com/ulvenforst/nuvii-sync/internal/store/local"
)

type pinFixture struct {
	watcher *PinWatcher
	driver  *cloudfilter.SimDriver
	store   *placeholder.Store
	client  string
	server  string
}

func newPinFixture(t *testing.T) *pinFixture {
	t.Helper()

	root := t.TempDir()
	clientDir := filepath.Join(root, "client")
	serverDir := filepath.Join(root, "server")
	for _, d := range []string{clientDir, serverDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	backend, err := local.New(local.Config{RootPath: serverDir})
	if err != nil {
		t.Fatal(err)
	}
	paths, err := pathmap.New(clientDir, serverDir)
	if err != nil {
		t.Fatal(err)
	}

	driver := cloudfilter.NewSimDriver()
	handler := hydrate.NewHandler(driver, backend, 0)
	if _, err := driver.Connect(clientDir, handler.Callbacks()); err != nil {
		t.Fatal(err)
	}

	store := placeholder.NewStore(driver, backend, paths)
	return &pinFixture{
		watcher: NewPinWatcher(clientDir, driver, store, paths),
		driver:  driver,
		store:   store,
		client:  clientDir,
		server:  serverDir,
	}
}

func TestPinHydratesAndMarksInSync(t *testing.T) {
	f := newPinFixture(t)

	content := []byte("keep me on this device")
	if err := os.WriteFile(filepath.Join(f.server, "pin.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateSingle(context.Background(), "pin.txt"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(f.client, "pin.txt")
	if err := f.driver.SetPinState(path, cloudfilter.PinPinned); err != nil {
		t.Fatal(err)
	}

	f.watcher.HandleAttributeChange(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(content) {
		t.Errorf("content = %q", data)
	}
	state, _ := f.driver.State(path)
	if state.Has(cloudfilter.StateOffline) {
		t.Error("pinned entry should be available offline")
	}
	if !state.Has(cloudfilter.StateInSync) {
		t.Error("pinned entry should be in sync")
	}
}

func TestUnpinFreshFileConvertsAndDehydrates(t *testing.T) {
	f := newPinFixture(t)

	// A new file the user just created: not yet a placeholder.
	path := filepath.Join(f.client, "fresh.txt")
	if err := os.WriteFile(path, []byte("local only"), 0644); err != nil {
		t.Fatal(err)
	}

	f.watcher.HandleUnpinned(path, 0)

	state, err := f.driver.State(path)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Has(cloudfilter.StatePlaceholder | cloudfilter.StateInSync | cloudfilter.StateOffline) {
		t.Errorf("state = %b, want offline in-sync placeholder", state)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("local data not released: %d bytes", info.Size())
	}
}

func TestUnpinRoundTrip(t *testing.T) {
	f := newPinFixture(t)

	content := []byte("round trip")
	if err := os.WriteFile(filepath.Join(f.server, "rt.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateSingle(context.Background(), "rt.txt"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(f.client, "rt.txt")

	// Pin: content becomes available offline.
	if err := f.driver.SetPinState(path, cloudfilter.PinPinned); err != nil {
		t.Fatal(err)
	}
	f.watcher.HandleAttributeChange(path)

	data, _ := os.ReadFile(path)
	if string(data) != string(content) {
		t.Fatalf("hydrated content = %q", data)
	}

	// Unpin: the file ends offline and in sync with no local data.
	if err := f.driver.SetPinState(path, cloudfilter.PinUnpinned); err != nil {
		t.Fatal(err)
	}
	f.watcher.HandleAttributeChange(path)

	state, _ := f.driver.State(path)
	if !state.Has(cloudfilter.StateOffline) || !state.Has(cloudfilter.StateInSync) {
		t.Errorf("state = %b, want offline and in sync", state)
	}
	info, _ := os.Stat(path)
	if info.Size() != 0 {
		t.Errorf("local data remains: %d bytes", info.Size())
	}

	// The parent directory's aggregate state was refreshed.
	changes := f.driver.ShellChanges()
	if len(changes) == 0 || changes[len(changes)-1] != f.client {
		t.Errorf("shell changes = %v, want parent %s", changes, f.client)
	}
}

func TestUnpinAlreadyOfflineIsNoOp(t *testing.T) {
	f := newPinFixture(t)

	if err := os.WriteFile(filepath.Join(f.server, "off.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateSingle(context.Background(), "off.txt"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(f.client, "off.txt")

	state, _ := f.driver.State(path)
	if !state.Has(cloudfilter.StateOffline) {
		t.Fatal("precondition: dehydrated placeholder")
	}

	f.watcher.HandleUnpinned(path, state)

	after, _ := f.driver.State(path)
	if after != state {
		t.Errorf("state changed from %b to %b on a no-op unpin", state, after)
	}
}
