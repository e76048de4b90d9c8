//go:build !windows

package cloudfilter

import "errors"

// NewPlatformDriver returns the real filter driver on Windows. Other
// platforms run against the simulator (tests) or not at all.
func NewPlatformDriver() (Driver, error) {
	return nil, errors.New("the cloud-files filter is only available on Windows")
}

// CleanupSyncRoots is Windows-only.
func CleanupSyncRoots(providerPrefix string) (int, error) {
	return 0, errors.New("sync-root cleanup is only available on Windows")
}
