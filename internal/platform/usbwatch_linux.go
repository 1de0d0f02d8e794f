//go:build linux

package platform

import (
	"fmt"

	"github.com/pilebones/go-udev/netlink"
)

// udevWatcher subscribes to kernel uevents for usb-typed devices,
// grounded on Hara602-usbSentry's internal/watcher/impl_linux.go.
type udevWatcher struct {
	conn   *netlink.UEventConn
	stopCh chan struct{}
}

func NewUSBWatcher() USBWatcher {
	return &udevWatcher{}
}

func (w *udevWatcher) Start() (<-chan USBDeviceEvent, error) {
	w.conn = new(netlink.UEventConn)
	if err := w.conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect netlink: %w", err)
	}

	matcher := &netlink.RuleDefinitions{Rules: []netlink.RuleDefinition{
		{Env: map[string]string{"SUBSYSTEM": "usb"}},
	}}

	raw := make(chan netlink.UEvent)
	errCh := make(chan error)
	quit := w.conn.Monitor(raw, errCh, matcher)

	events := make(chan USBDeviceEvent, 16)
	w.stopCh = make(chan struct{})

	go func() {
		defer close(events)
		for {
			select {
			case <-w.stopCh:
				close(quit)
				return
			case ue, ok := <-raw:
				if !ok {
					return
				}
				events <- toDeviceEvent(ue)
			case <-errCh:
				// transport errors on the netlink socket are not fatal;
				// the watcher keeps listening (spec §7(a) treats
				// collaborator transport errors as non-terminal).
			}
		}
	}()
	return events, nil
}

func (w *udevWatcher) Stop() {
	if w.stopCh != nil {
		close(w.stopCh)
	}
}

func toDeviceEvent(ue netlink.UEvent) USBDeviceEvent {
	action := "add"
	if ue.Action == netlink.REMOVE {
		action = "remove"
	}
	env := ue.Env
	return USBDeviceEvent{
		Action:     action,
		DevicePath: env["DEVNAME"],
		VendorID:   env["ID_VENDOR_ID"],
		ProductID:  env["ID_MODEL_ID"],
		Serial:     env["ID_SERIAL_SHORT"],
	}
}
