// Package drives exposes the two filesystem primitives the rest of the app
// consumes: mount point enumeration and path existence. Enumeration is
// platform specific; see the build-tagged files.
package drives

import "os"

// Mount describes one mounted filesystem.
type Mount struct {
	Path   string `json:"path"`
	Device string `json:"device"`
	Type   string `json:"type,omitempty"`
}

// PathExists reports whether path currently exists and is reachable. Any
// stat error other than not-exist is treated as unreachable: the callers
// are precondition checks that must fail closed.
func PathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
