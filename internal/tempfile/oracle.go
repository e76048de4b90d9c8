// Package tempfile classifies filenames and attributes as editor temp, lock,
// or backup artifacts that must be excluded from sync.
package tempfile

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Oracle decides whether a path participates in sync.
type Oracle struct{}

// New creates an Oracle.
func New() *Oracle {
	return &Oracle{}
}

// temp-ish extensions observed from office suites, editors, and IDEs.
var tempExtensions = map[string]struct{}{
	".tmp":    {},
	".temp":   {},
	".bak":    {},
	".backup": {},
	".old":    {},
	".swp":    {},
	".swo":    {},
	".swn":    {},
	".lock":   {},
	".lck":    {},
	".asd":    {},
}

// system noise files never worth syncing.
var systemNoise = map[string]struct{}{
	"desktop.ini": {},
	"thumbs.db":   {},
	".ds_store":   {},
	"icon\r":      {},
}

// IsTemp reports whether path should be excluded from sync. It consults the
// OS temporary attribute first (when the file still exists), then the known
// name patterns, then the heuristics.
func (o *Oracle) IsTemp(path string) bool {
	if hasTemporaryAttribute(path) {
		return true
	}
	return o.isTempByName(filepath.Base(path), isHidden(path))
}

// IsTempByNameOnly classifies without touching the filesystem, for deletion
// events where the file no longer exists. Hidden-file heuristics fall back
// to the dotfile convention.
func (o *Oracle) IsTempByNameOnly(path string) bool {
	name := filepath.Base(path)
	return o.isTempByName(name, strings.HasPrefix(name, "."))
}

func (o *Oracle) isTempByName(name string, hidden bool) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)

	// Known patterns.
	if _, ok := systemNoise[lower]; ok {
		return true
	}
	if strings.HasPrefix(name, "~$") {
		return true // office owner lock
	}
	if strings.HasPrefix(name, "~") && strings.HasSuffix(lower, ".tmp") {
		return true
	}
	if strings.HasPrefix(lower, ".~lock.") && strings.HasSuffix(name, "#") {
		return true // office lock
	}
	if isBlenderBackup(lower) {
		return true
	}
	if _, ok := tempExtensions[filepath.Ext(lower)]; ok {
		return true
	}
	if strings.HasSuffix(name, "~") {
		return true // generic backup
	}

	// Heuristics.
	if isAtomicSaveName(name) {
		return true
	}
	if hidden {
		if strings.HasPrefix(name, "~") {
			return true
		}
		if strings.HasPrefix(name, ".") {
			if strings.HasPrefix(name, ".#") {
				return true
			}
			for _, marker := range []string{"~lock", ".tmp", ".temp", ".swp"} {
				if strings.Contains(lower, marker) {
					return true
				}
			}
		}
	}

	return false
}

// isBlenderBackup matches .blend1 through .blend32 and .blend@.
func isBlenderBackup(lower string) bool {
	if strings.HasSuffix(lower, ".blend@") {
		return true
	}
	idx := strings.LastIndex(lower, ".blend")
	if idx < 0 {
		return false
	}
	digits := lower[idx+len(".blend"):]
	if digits == "" {
		return false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 32
}

// isAtomicSaveName matches filenames of exactly 8 hexadecimal characters
// with no extension, the shape many editors use for atomic-save temps.
func isAtomicSaveName(name string) bool {
	if len(name) != 8 || strings.ContainsRune(name, '.') {
		return false
	}
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
