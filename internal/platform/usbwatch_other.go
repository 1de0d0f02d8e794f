//go:build !linux

package platform

// stubUSBWatcher mirrors Hara602-usbSentry's internal/watcher/impl_windows.go:
// a trivial stand-in until a platform-specific device-notification pump
// is implemented for this OS.
type stubUSBWatcher struct{}

func NewUSBWatcher() USBWatcher { return &stubUSBWatcher{} }

func (w *stubUSBWatcher) Start() (<-chan USBDeviceEvent, error) {
	ch := make(chan USBDeviceEvent)
	return ch, nil
}

func (w *stubUSBWatcher) Stop() {}
