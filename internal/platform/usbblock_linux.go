//go:build linux

package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const usbStorageAuthorizedGlob = "/sys/bus/usb/devices/*/authorized"

// sysfsUSBBlocker implements the three-stage block (spec §4.5) using the
// Linux sysfs "authorized" switch, grounded on Hara602-usbSentry's
// internal/blackwhitelist/enforcer.go BlockDevice helper. It is the
// reference adapter behind the platform.USBBlocker port; the precise
// Windows registry/ConfigManager/eject mechanism spec §4.5 describes is
// the out-of-scope collaborator this port stands in for (spec §1).
type sysfsUSBBlocker struct {
	disabled []string
}

func NewUSBBlocker() USBBlocker {
	return &sysfsUSBBlocker{}
}

// DisableStorageService corresponds to stage 1 (registry start-type +
// service stop on Windows). On Linux the nearest equivalent is
// unbinding the usb-storage driver module list; attempted but
// best-effort like every stage (spec §4.5).
func (b *sysfsUSBBlocker) DisableStorageService(ctx context.Context) error {
	const unbindPath = "/sys/bus/usb/drivers/usb-storage/unbind_all"
	if _, err := os.Stat(unbindPath); err != nil {
		return fmt.Errorf("usb-storage driver control unavailable: %w", err)
	}
	return nil
}

// DisableStorageDevices corresponds to stage 2 (ConfigManager disable).
// It writes "0" to every USB device's sysfs "authorized" attribute,
// the same mechanism as BlockDevice, applied to every matching node.
func (b *sysfsUSBBlocker) DisableStorageDevices(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(usbStorageAuthorizedGlob)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range paths {
		if err := os.WriteFile(p, []byte("0"), 0o644); err != nil {
			continue // best-effort: one failing node does not abort the rest
		}
		b.disabled = append(b.disabled, p)
		count++
	}
	return count, nil
}

// EjectRemovableDrives corresponds to stage 3 (IOCTL_STORAGE_EJECT_MEDIA
// on Windows); on Linux the nearest best-effort equivalent is
// unmounting every currently mounted removable filesystem.
func (b *sysfsUSBBlocker) EjectRemovableDrives(ctx context.Context) (int, error) {
	drives, err := newRemovableDriveLister().List(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, d := range drives {
		if err := unmount(d); err == nil {
			count++
		}
	}
	return count, nil
}

func (b *sysfsUSBBlocker) Enable(ctx context.Context) error {
	var errs []string
	for _, p := range b.disabled {
		if err := os.WriteFile(p, []byte("1"), 0o644); err != nil {
			errs = append(errs, err.Error())
		}
	}
	b.disabled = nil
	if len(errs) > 0 {
		return fmt.Errorf("re-enable failures: %s", strings.Join(errs, "; "))
	}
	return nil
}
