// Package single enforces one provider process per machine with a lock
// file carrying the owner's PID.
package single

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned when another live process holds the lock.
type ErrAlreadyRunning struct {
	PID int
}

func (e ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("another instance is running (pid %d)", e.PID)
}

// Lock is a held single-instance lock.
type Lock struct {
	path string
}

// Acquire takes the lock at path, replacing a stale lock whose owner is
// gone. A second launch finds the live owner and fails.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, writeErr := fmt.Fprintf(f, "%d\n", os.Getpid())
			closeErr := f.Close()
			if writeErr != nil || closeErr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", writeErr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		pid, readErr := readOwner(path)
		if readErr == nil && processAlive(pid) {
			return nil, ErrAlreadyRunning{PID: pid}
		}

		// Stale lock: the owner is gone.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("lock at %s contested", path)
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
