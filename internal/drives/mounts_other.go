//go:build !linux

package drives

import (
	"fmt"
	"os"
	"path/filepath"
)

// ListMounts lists /Volumes entries, which is where macOS mounts external
// drives. The boot volume is always included.
func ListMounts() ([]Mount, error) {
	mounts := []Mount{{Path: "/", Device: "boot"}}

	entries, err := os.ReadDir("/Volumes")
	if err != nil {
		if os.IsNotExist(err) {
			return mounts, nil
		}
		return nil, fmt.Errorf("reading /Volumes: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		mounts = append(mounts, Mount{
			Path:   filepath.Join("/Volumes", e.Name()),
			Device: e.Name(),
		})
	}
	return mounts, nil
}
