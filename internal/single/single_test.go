package single

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuviisync.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("lock file missing")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be gone")
	}
}

func TestSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuviisync.lock")

	lock, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = Acquire(path)
	var running ErrAlreadyRunning
	if !errors.As(err, &running) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if running.PID != os.Getpid() {
		t.Errorf("owner pid = %d, want %d", running.PID, os.Getpid())
	}
}

func TestStaleLockIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuviisync.lock")

	// A lock left behind by a dead process.
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", 1<<30)), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("stale lock not replaced: %v", err)
	}
	defer lock.Release()

	pid, err := readOwner(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("owner = %d, %v", pid, err)
	}
}

func TestGarbageLockIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuviisync.lock")
	if err := os.WriteFile(path, []byte("not a pid"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("garbage lock not replaced: %v", err)
	}
	lock.Release()
}
