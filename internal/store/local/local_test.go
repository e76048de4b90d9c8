package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulvenforst/nuvii-sync/internal/store"
)

func newBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Config{RootPath: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, dir
}

func TestPutGetRoundTrip(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	content := []byte("the quick brown fox")
	if err := b.Put(ctx, filepath.Join("docs", "a.txt"), readerOf(content), int64(len(content))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, size, err := b.Get(ctx, filepath.Join("docs", "a.txt"), 0, -1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()

	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	got, _ := io.ReadAll(r)
	if string(got) != string(content) {
		t.Errorf("content = %q", got)
	}
}

func TestGetRange(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	content := []byte("0123456789")
	if err := b.Put(ctx, "r.bin", readerOf(content), int64(len(content))); err != nil {
		t.Fatal(err)
	}

	r, _, err := b.Get(ctx, "r.bin", 3, 4)
	if err != nil {
		t.Fatalf("Get range: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "3456" {
		t.Errorf("range read = %q, want 3456", got)
	}
}

func TestGetMissing(t *testing.T) {
	b, _ := newBackend(t)
	_, _, err := b.Get(context.Background(), "nope.txt", 0, -1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRecursiveAndIdempotent(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	if err := b.EnsureDir(ctx, filepath.Join("tree", "sub")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, filepath.Join("tree", "sub", "f.txt"), readerOf([]byte("x")), 1); err != nil {
		t.Fatal(err)
	}

	if err := b.Delete(ctx, "tree"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := b.Exists(ctx, "tree"); ok {
		t.Error("tree should be gone")
	}
	// Deleting an absent entry is a no-op.
	if err := b.Delete(ctx, "tree"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestRenameOverwrites(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, "src.txt", readerOf([]byte("new")), 3); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "dst.txt", readerOf([]byte("old")), 3); err != nil {
		t.Fatal(err)
	}

	if err := b.Rename(ctx, "src.txt", "dst.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	r, _, err := b.Get(ctx, "dst.txt", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "new" {
		t.Errorf("dst content = %q, want new", got)
	}
	if ok, _ := b.Exists(ctx, "src.txt"); ok {
		t.Error("src should be gone")
	}
}

func TestRenameMissingSource(t *testing.T) {
	b, _ := newBackend(t)
	err := b.Rename(context.Background(), "ghost.txt", "dst.txt")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRenameIntoNewDirectory(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, "f.txt", readerOf([]byte("x")), 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Rename(ctx, "f.txt", filepath.Join("made", "up", "f.txt")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if ok, _ := b.Exists(ctx, filepath.Join("made", "up", "f.txt")); !ok {
		t.Error("destination missing")
	}
}

func TestWalkParentsFirst(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	if err := b.EnsureDir(ctx, filepath.Join("a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, filepath.Join("a", "b", "c.txt"), readerOf([]byte("x")), 1); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	order := 0
	err := b.Walk(ctx, "", func(info store.EntryInfo) error {
		seen[filepath.ToSlash(info.RelativePath)] = order
		order++
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(seen) != 3 {
		t.Fatalf("visited %d entries, want 3: %v", len(seen), seen)
	}
	if !(seen["a"] < seen["a/b"] && seen["a/b"] < seen["a/b/c.txt"]) {
		t.Errorf("parents should precede children: %v", seen)
	}
}

func TestStatMirrorsFile(t *testing.T) {
	b, dir := newBackend(t)
	ctx := context.Background()

	if err := b.Put(ctx, "s.txt", readerOf([]byte("12345")), 5); err != nil {
		t.Fatal(err)
	}

	info, err := b.Stat(ctx, "s.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 5 || info.IsDir {
		t.Errorf("info = %+v", info)
	}

	osInfo, err := os.Stat(filepath.Join(dir, "s.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime.Equal(osInfo.ModTime()) {
		t.Errorf("ModTime = %v, want %v", info.ModTime, osInfo.ModTime())
	}
}

func readerOf(b []byte) io.Reader {
	return bytes.NewReader(b)
}
