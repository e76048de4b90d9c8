//go:build !windows

package tempfile

import (
	"path/filepath"
	"strings"
)

// hasTemporaryAttribute is Windows-only; other platforms have no temporary
// attribute bit.
func hasTemporaryAttribute(string) bool {
	return false
}

// isHidden uses the dotfile convention outside Windows.
func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
