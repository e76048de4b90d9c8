package cloudfilter

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSimCreatePlaceholder(t *testing.T) {
	dir := t.TempDir()
	d := NewSimDriver()

	path := filepath.Join(dir, "a.txt")
	err := d.CreatePlaceholder(path, PlaceholderMeta{Identity: "a.txt", Size: 42})
	if err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("placeholder entry missing on disk: %v", err)
	}

	state, err := d.State(path)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.Has(StatePlaceholder) || !state.Has(StateOffline) {
		t.Errorf("state = %b, want placeholder+offline", state)
	}

	id, err := d.Identity(path)
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	if id != "a.txt" {
		t.Errorf("identity = %q", id)
	}

	// Creating over an existing entry collides.
	if err := d.CreatePlaceholder(path, PlaceholderMeta{Identity: "a.txt"}); err == nil {
		t.Error("expected collision error")
	}
}

func TestSimConvertAndDehydrateGuards(t *testing.T) {
	dir := t.TempDir()
	d := NewSimDriver()

	path := filepath.Join(dir, "fresh.txt")
	if err := os.WriteFile(path, []byte("local content"), 0644); err != nil {
		t.Fatal(err)
	}

	// Dehydrating a regular file fails.
	if err := d.Dehydrate(path, 0, -1); err == nil {
		t.Error("dehydrate of regular file should fail")
	}

	if err := d.ConvertToPlaceholder(path, "fresh.txt", false); err != nil {
		t.Fatalf("ConvertToPlaceholder: %v", err)
	}

	// Content preserved by conversion.
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "local content" {
		t.Errorf("content after convert = %q, %v", data, err)
	}

	state, _ := d.State(path)
	if !state.Has(StatePlaceholder | StateInSync) {
		t.Errorf("state after convert = %b, want placeholder+insync", state)
	}

	// Pinned entries refuse dehydration.
	if err := d.SetPinState(path, PinPinned); err != nil {
		t.Fatal(err)
	}
	if err := d.Dehydrate(path, 0, -1); err == nil {
		t.Error("dehydrate of pinned entry should fail")
	}
	if err := d.SetPinState(path, PinUnspecified); err != nil {
		t.Fatal(err)
	}

	if err := d.Dehydrate(path, 0, -1); err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("dehydrated file size = %d, want 0", info.Size())
	}
	state, _ = d.State(path)
	if !state.Has(StateOffline) {
		t.Errorf("state after dehydrate = %b, want offline", state)
	}
}

func TestSimConvertAndDehydrateSingleCall(t *testing.T) {
	dir := t.TempDir()
	d := NewSimDriver()

	path := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(path, []byte("bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := d.ConvertToPlaceholder(path, "new.txt", true); err != nil {
		t.Fatalf("ConvertToPlaceholder(dehydrate): %v", err)
	}

	info, _ := os.Stat(path)
	if info.Size() != 0 {
		t.Errorf("size = %d, want 0 after convert+dehydrate", info.Size())
	}
	state, _ := d.State(path)
	if !state.Has(StatePlaceholder | StateInSync | StateOffline) {
		t.Errorf("state = %b", state)
	}
}

func TestSimMovedRekeysSubtree(t *testing.T) {
	dir := t.TempDir()
	d := NewSimDriver()

	oldDir := filepath.Join(dir, "old")
	if err := d.CreatePlaceholder(oldDir, PlaceholderMeta{Identity: "old", IsDirectory: true}); err != nil {
		t.Fatal(err)
	}
	child := filepath.Join(oldDir, "c.txt")
	if err := d.CreatePlaceholder(child, PlaceholderMeta{Identity: "old/c.txt"}); err != nil {
		t.Fatal(err)
	}

	newDir := filepath.Join(dir, "new")
	if err := os.Rename(oldDir, newDir); err != nil {
		t.Fatal(err)
	}
	if err := d.Moved(oldDir, newDir); err != nil {
		t.Fatal(err)
	}

	if _, err := d.State(filepath.Join(newDir, "c.txt")); err != nil {
		t.Errorf("child state lost after move: %v", err)
	}
	id, err := d.Identity(filepath.Join(newDir, "c.txt"))
	if err != nil || id != "old/c.txt" {
		t.Errorf("child identity = %q, %v", id, err)
	}
	if _, err := d.State(child); err == nil {
		t.Error("old child key should be gone")
	}
}

func TestSimStateDistinguishesRegularFiles(t *testing.T) {
	dir := t.TempDir()
	d := NewSimDriver()

	path := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	state, err := d.State(path)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != 0 {
		t.Errorf("regular file state = %b, want 0", state)
	}

	if _, err := d.State(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing entry should error")
	}
}
