//go:build !linux

package platform

import (
	"context"
	"errors"
)

// stubUSBBlocker mirrors Hara602-usbSentry's windows stub watcher: a
// placeholder until this OS gets its own ConfigManager/registry-backed
// implementation. Every stage reports failure so callers record
// block_success=false rather than silently pretending to succeed
// (spec §7(d)).
type stubUSBBlocker struct{}

func NewUSBBlocker() USBBlocker { return &stubUSBBlocker{} }

var errUnsupportedPlatform = errors.New("usb blocking not implemented on this platform")

func (b *stubUSBBlocker) DisableStorageService(ctx context.Context) error { return errUnsupportedPlatform }
func (b *stubUSBBlocker) DisableStorageDevices(ctx context.Context) (int, error) {
	return 0, errUnsupportedPlatform
}
func (b *stubUSBBlocker) EjectRemovableDrives(ctx context.Context) (int, error) {
	return 0, errUnsupportedPlatform
}
func (b *stubUSBBlocker) Enable(ctx context.Context) error { return nil }
