package applier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ulvenforst/nuvii-sync/internal/cloudfilter"
	"github.com/ulvenforst/nuvii-sync/internal/pathmap"
	"github.com/ulvenforst/nuvii-sync/internal/placeholder"
	"github.com/ulvenforst/nuvii-sync/internal/remote"
	"github.com/ulvenforst/nuvii-sync/internal/store/local"
)

type fakeSuppressor struct {
	paths map[string]bool
}

func (s *fakeSuppressor) IsSuppressed(relative string) bool {
	return s.paths[strings.ToLower(relative)]
}

type fixture struct {
	applier    *Applier
	driver     *cloudfilter.SimDriver
	suppressor *fakeSuppressor
	client     string
	server     string
}

func newFixture(t *testing.T) *fixture {
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
	store := placeholder.NewStore(driver, backend, paths)
	suppressor := &fakeSuppressor{paths: map[string]bool{}}

	return &fixture{
		applier:    New(store, paths, suppressor, nil),
		driver:     driver,
		suppressor: suppressor,
		client:     clientDir,
		server:     serverDir,
	}
}

func (f *fixture) writeServer(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.server, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestApplyCreate(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, "x.txt", "remote content")

	err := f.applier.Apply(context.Background(), remote.Event{
		Kind: remote.EventCreate, RelativePath: "x.txt",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	clientPath := filepath.Join(f.client, "x.txt")
	state, err := f.driver.State(clientPath)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.Has(cloudfilter.StatePlaceholder | cloudfilter.StateInSync) {
		t.Errorf("state = %b", state)
	}

	// The parent directory got a shell refresh.
	if changes := f.driver.ShellChanges(); len(changes) == 0 {
		t.Error("expected a shell change notification")
	}
}

func TestApplyCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, "twice.txt", "x")

	event := remote.Event{Kind: remote.EventCreate, RelativePath: "twice.txt"}
	ctx := context.Background()
	if err := f.applier.Apply(ctx, event); err != nil {
		t.Fatal(err)
	}
	// A feed delivering at least once may repeat itself.
	if err := f.applier.Apply(ctx, event); err != nil {
		t.Errorf("second delivery: %v", err)
	}
}

func TestApplyDelete(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, "gone.txt", "x")

	ctx := context.Background()
	if err := f.applier.Apply(ctx, remote.Event{Kind: remote.EventCreate, RelativePath: "gone.txt"}); err != nil {
		t.Fatal(err)
	}

	if err := f.applier.Apply(ctx, remote.Event{Kind: remote.EventDelete, RelativePath: "gone.txt"}); err != nil {
		t.Fatalf("Apply delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.client, "gone.txt")); !os.IsNotExist(err) {
		t.Error("client entry should be gone")
	}

	// Delete of an absent entry is a no-op.
	if err := f.applier.Apply(ctx, remote.Event{Kind: remote.EventDelete, RelativePath: "gone.txt"}); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestApplyRename(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, "new-name.txt", "x") // the server already moved it

	ctx := context.Background()
	// Local placeholder still under the old name.
	f.writeServer(t, "old-name.txt", "x")
	if err := f.applier.Apply(ctx, remote.Event{Kind: remote.EventCreate, RelativePath: "old-name.txt"}); err != nil {
		t.Fatal(err)
	}

	event := remote.Event{
		Kind:            remote.EventRename,
		RelativePath:    "new-name.txt",
		OldRelativePath: "old-name.txt",
	}
	if err := f.applier.Apply(ctx, event); err != nil {
		t.Fatalf("Apply rename: %v", err)
	}

	newAbs := filepath.Join(f.client, "new-name.txt")
	if _, err := os.Stat(newAbs); err != nil {
		t.Fatal("renamed entry missing")
	}
	id, err := f.driver.Identity(newAbs)
	if err != nil || id != "new-name.txt" {
		t.Errorf("identity = %q, %v", id, err)
	}

	// Re-delivery finds the rename already applied.
	if err := f.applier.Apply(ctx, event); err != nil {
		t.Errorf("second delivery: %v", err)
	}
}

func TestSuppressedEventDropped(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, "echo.txt", "x")
	f.suppressor.paths["echo.txt"] = true

	err := f.applier.Apply(context.Background(), remote.Event{
		Kind: remote.EventCreate, RelativePath: "echo.txt",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := os.Stat(filepath.Join(f.client, "echo.txt")); !os.IsNotExist(err) {
		t.Error("suppressed event must not touch the client tree")
	}
}

func TestSuppressedRenameOldPathDropped(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, "b.txt", "x")
	f.suppressor.paths["a.txt"] = true

	err := f.applier.Apply(context.Background(), remote.Event{
		Kind:            remote.EventRename,
		RelativePath:    "b.txt",
		OldRelativePath: "a.txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(f.client, "b.txt")); !os.IsNotExist(err) {
		t.Error("rename suppressed by its old path must be dropped")
	}
}

func TestApplyCreateDirectoryBringsChildren(t *testing.T) {
	f := newFixture(t)
	f.writeServer(t, filepath.Join("album", "one.jpg"), "1")
	f.writeServer(t, filepath.Join("album", "two.jpg"), "2")

	err := f.applier.Apply(context.Background(), remote.Event{
		Kind: remote.EventCreate, RelativePath: "album",
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{"album", "album/one.jpg", "album/two.jpg"} {
		if _, err := f.driver.State(filepath.Join(f.client, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
}
