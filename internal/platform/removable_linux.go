//go:build linux

package platform

import (
	"bufio"
	"context"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// removableFSTypes lists filesystem types typically found on USB mass
// storage, used to filter /proc/mounts entries.
var removableFSTypes = map[string]bool{
	"vfat": true, "exfat": true, "ntfs": true, "ntfs3": true, "msdos": true,
}

type procMountsLister struct{}

func NewRemovableDriveLister() RemovableDriveLister {
	return newRemovableDriveLister()
}

func newRemovableDriveLister() RemovableDriveLister {
	return &procMountsLister{}
}

// List scans /proc/mounts for removable-looking filesystems, grounded
// on Hara602-usbSentry's internal/sysutil/mountLinux.go WaitForMount
// poll of the same file.
func (l *procMountsLister) List(ctx context.Context) ([]string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var mounts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !removableFSTypes[fsType] {
			continue
		}
		if !strings.HasPrefix(mountPoint, "/media/") && !strings.HasPrefix(mountPoint, "/run/media/") && !strings.HasPrefix(mountPoint, "/mnt/") {
			continue
		}
		mounts = append(mounts, mountPoint)
	}
	return mounts, scanner.Err()
}

func unmount(mountPoint string) error {
	return unix.Unmount(mountPoint, unix.MNT_DETACH)
}
