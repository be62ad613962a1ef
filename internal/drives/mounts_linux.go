//go:build linux

package drives

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const procMounts = "/proc/mounts"

// Pseudo-filesystems that are never model storage candidates.
var ignoredFSTypes = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "devpts": true,
	"tmpfs": true, "cgroup": true, "cgroup2": true, "securityfs": true,
	"debugfs": true, "tracefs": true, "overlay": true, "squashfs": true,
	"fusectl": true, "configfs": true, "pstore": true, "bpf": true,
	"autofs": true, "mqueue": true, "hugetlbfs": true, "binfmt_misc": true,
}

// ListMounts parses /proc/mounts and returns real filesystem mount points.
func ListMounts() ([]Mount, error) {
	f, err := os.Open(procMounts)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	defer f.Close()
	return parseMounts(f)
}

func parseMounts(r io.Reader) ([]Mount, error) {
	var mounts []Mount
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		device, path, fstype := fields[0], fields[1], fields[2]
		if ignoredFSTypes[fstype] {
			continue
		}
		// Octal escapes in mount paths (e.g. \040 for space).
		path = strings.ReplaceAll(path, `\040`, " ")
		mounts = append(mounts, Mount{Path: path, Device: device, Type: fstype})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning mount table: %w", err)
	}
	return mounts, nil
}
