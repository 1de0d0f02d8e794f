// Package platform defines the OS-facing ports spec §9 calls for:
// "abstract the USB controls behind a platform port (arrival
// notifications, disable storage, enable storage, eject drive) so the
// core is platform-agnostic and testable with a mock port." The same
// treatment is extended to clipboard/window-title access and removable
// drive enumeration, which spec §4.4/§4.6 also need but intentionally
// leaves as external collaborators (spec §1).
package platform

import "context"

// USBDeviceEvent is a single arrival/removal notification (spec §4.5).
type USBDeviceEvent struct {
	Action      string // "add" | "remove"
	DevicePath  string
	VendorID    string
	ProductID   string
	Serial      string
	FriendlyName string
}

// USBWatcher subscribes to device-arrival/removal notifications (spec
// §4.5). Grounded on Hara602-usbSentry's internal/watcher.DeviceWatcher.
type USBWatcher interface {
	Start() (<-chan USBDeviceEvent, error)
	Stop()
}

// BlockResult records the per-stage outcome of the three-stage USB
// block (spec §4.5), mirrored into the event envelope's attributes.
type BlockResult struct {
	RegistryBlocked bool
	DevicesDisabled int
	DrivesEjected   int
	Success         bool
}

// USBBlocker is the device-control port (spec §9's redesign note).
// Stage methods are independently best-effort; Success of the aggregate
// BlockResult is true iff any stage succeeded (spec §4.5).
type USBBlocker interface {
	// DisableStorageService sets the mass-storage driver's start type to
	// disabled and stops the running service/module (stage 1).
	DisableStorageService(ctx context.Context) error
	// DisableStorageDevices enumerates USB-storage device nodes and
	// disables each, returning how many were disabled (stage 2).
	DisableStorageDevices(ctx context.Context) (int, error)
	// EjectRemovableDrives ejects every currently mounted removable
	// volume, returning how many were ejected (stage 3).
	EjectRemovableDrives(ctx context.Context) (int, error)
	// Enable reverses the block: restores the service start type and
	// re-enables previously disabled device nodes (spec §4.5: "the
	// inverse must run").
	Enable(ctx context.Context) error
}

// RemovableDriveLister enumerates currently mounted removable drives
// for the USB file-transfer monitor's ~1 Hz poll (spec §4.6).
type RemovableDriveLister interface {
	List(ctx context.Context) ([]string, error)
}

// ClipboardReader returns the current clipboard text content (spec
// §4.4).
type ClipboardReader interface {
	ReadText(ctx context.Context) (string, error)
}

// WindowTitler returns the foreground window's title, used to infer a
// likely source filename for a clipboard copy (spec §4.4).
type WindowTitler interface {
	ForegroundTitle(ctx context.Context) (string, error)
}
