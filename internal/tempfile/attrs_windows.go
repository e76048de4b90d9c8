//go:build windows

package tempfile

import "golang.org/x/sys/windows"

// hasTemporaryAttribute reports whether the file exists and carries the
// FILE_ATTRIBUTE_TEMPORARY bit. Classification errors default to "not temp":
// safer to sync than to silently drop.
func hasTemporaryAttribute(path string) bool {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_TEMPORARY != 0
}

// isHidden reports whether the file carries the hidden attribute.
func isHidden(path string) bool {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_HIDDEN != 0
}
