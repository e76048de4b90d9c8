// Package pathmap translates between server-relative, client-relative, and
// absolute paths for a registered sync root.
package pathmap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutOfScope is returned when a path is not under the expected root.
var ErrOutOfScope = errors.New("path is outside the sync root")

// Map holds the two absolute roots of a sync pair.
type Map struct {
	clientRoot string
	serverRoot string
}

// New creates a Map from two absolute roots. Both are cleaned; neither may
// contain the other.
func New(clientRoot, serverRoot string) (*Map, error) {
	clientRoot = filepath.Clean(clientRoot)
	serverRoot = filepath.Clean(serverRoot)

	if !filepath.IsAbs(clientRoot) {
		return nil, fmt.Errorf("client root %q is not absolute", clientRoot)
	}
	if !filepath.IsAbs(serverRoot) {
		return nil, fmt.Errorf("server root %q is not absolute", serverRoot)
	}
	if hasPrefix(clientRoot, serverRoot) || hasPrefix(serverRoot, clientRoot) {
		return nil, fmt.Errorf("roots %q and %q overlap", clientRoot, serverRoot)
	}

	return &Map{clientRoot: clientRoot, serverRoot: serverRoot}, nil
}

// ClientRoot returns the absolute client root.
func (m *Map) ClientRoot() string { return m.clientRoot }

// ServerRoot returns the absolute server root.
func (m *Map) ServerRoot() string { return m.serverRoot }

// ToClientRelative returns the tail of abs under the client root.
func (m *Map) ToClientRelative(abs string) (string, error) {
	return toRelative(abs, m.clientRoot)
}

// ToServerRelative returns the tail of abs under the server root.
func (m *Map) ToServerRelative(abs string) (string, error) {
	return toRelative(abs, m.serverRoot)
}

// ClientAbs joins a relative path onto the client root.
func (m *Map) ClientAbs(relative string) string {
	return filepath.Join(m.clientRoot, relative)
}

// ServerAbs joins a relative path onto the server root.
func (m *Map) ServerAbs(relative string) string {
	return filepath.Join(m.serverRoot, relative)
}

// ClientToServer swaps the client root for the server root on abs.
func (m *Map) ClientToServer(abs string) (string, error) {
	rel, err := m.ToClientRelative(abs)
	if err != nil {
		return "", err
	}
	return m.ServerAbs(rel), nil
}

// ServerToClient swaps the server root for the client root on abs.
func (m *Map) ServerToClient(abs string) (string, error) {
	rel, err := m.ToServerRelative(abs)
	if err != nil {
		return "", err
	}
	return m.ClientAbs(rel), nil
}

// ContainsClient reports whether abs lies under the client root.
func (m *Map) ContainsClient(abs string) bool {
	return hasPrefix(filepath.Clean(abs), m.clientRoot)
}

// ContainsServer reports whether abs lies under the server root.
func (m *Map) ContainsServer(abs string) bool {
	return hasPrefix(filepath.Clean(abs), m.serverRoot)
}

// toRelative strips root from abs and the leading separator. The prefix
// match is case-insensitive: NTFS preserves case but does not distinguish it.
func toRelative(abs, root string) (string, error) {
	abs = filepath.Clean(abs)
	if !hasPrefix(abs, root) {
		return "", fmt.Errorf("%w: %s not under %s", ErrOutOfScope, abs, root)
	}
	rel := abs[len(root):]
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	return rel, nil
}

// hasPrefix is a case-insensitive prefix test honoring separator boundaries:
// C:\data\docs is under C:\data but C:\database is not.
func hasPrefix(abs, root string) bool {
	if len(abs) < len(root) {
		return false
	}
	if !strings.EqualFold(abs[:len(root)], root) {
		return false
	}
	if len(abs) == len(root) {
		return true
	}
	return abs[len(root)] == filepath.Separator
}
