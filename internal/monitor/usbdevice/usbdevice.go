// Package usbdevice implements the USB device monitor (spec §4.5):
// consumes platform device-arrival/removal notifications, runs the
// three-stage block when usb_blocking_active, and emits per-event
// envelopes.
package usbdevice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/platform"
	"github.com/haasonsaas/dlpagent/internal/policy"
)

type Monitor struct {
	log     zerolog.Logger
	active  func() *policy.ActivePolicySet
	watcher platform.USBWatcher
	blocker platform.USBBlocker
	emitter *events.Emitter

	// driveToDevice maps an observed drive mount point to the device
	// path that produced it, purged on disconnect (spec §4.5).
	driveToDevice map[string]string
}

func New(log zerolog.Logger, active func() *policy.ActivePolicySet, watcher platform.USBWatcher, blocker platform.USBBlocker, emitter *events.Emitter) *Monitor {
	return &Monitor{
		log:           log,
		active:        active,
		watcher:       watcher,
		blocker:       blocker,
		emitter:       emitter,
		driveToDevice: map[string]string{},
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	ch, err := m.watcher.Start()
	if err != nil {
		return fmt.Errorf("start usb watcher: %w", err)
	}
	go m.loop(ctx, ch)
	return nil
}

func (m *Monitor) Stop() {
	m.watcher.Stop()
}

func (m *Monitor) loop(ctx context.Context, ch <-chan platform.USBDeviceEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("usb device monitor panicked")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, ev platform.USBDeviceEvent) {
	switch ev.Action {
	case "add":
		m.handleArrival(ctx, ev)
	case "remove":
		m.handleRemoval(ctx, ev)
	}
}

func friendlyName(ev platform.USBDeviceEvent) string {
	if ev.FriendlyName != "" {
		return ev.FriendlyName
	}
	return fmt.Sprintf("USB Device (VID:%s PID:%s)", ev.VendorID, ev.ProductID)
}

func (m *Monitor) handleArrival(ctx context.Context, ev platform.USBDeviceEvent) {
	set := m.active()
	rules := set.Rules(policy.ClassUSBDevice)

	var matchedBlockRule *policy.Rule
	var action policy.Action = policy.ActionLog
	var severity policy.Severity = policy.SeverityLow
	for _, r := range rules {
		if !r.Enabled || !r.MonitorsEvent(policy.EventUSBConnect) {
			continue
		}
		if r.Action.Rank() > action.Rank() {
			action = r.Action
			severity = r.Severity
		}
		if r.Action == policy.ActionBlock {
			matchedBlockRule = r
		}
	}

	attrs := map[string]any{
		"device_path":   ev.DevicePath,
		"vendor_id":     ev.VendorID,
		"product_id":    ev.ProductID,
		"friendly_name": friendlyName(ev),
	}

	// Arrival events that are only alert/log bypass the blocker (spec
	// §4.5).
	if set.USBBlockingActive && matchedBlockRule != nil {
		result := m.runBlock(ctx)
		attrs["stage1_service_disabled"] = result.RegistryBlocked
		attrs["stage2_devices_disabled"] = result.DevicesDisabled
		attrs["stage3_drives_ejected"] = result.DrivesEjected
		attrs["block_success"] = result.Success
		action = policy.ActionBlock
		severity = policy.SeverityCritical
	}

	m.emitter.Emit(ctx, events.Event{
		EventType:    events.TypeUSB,
		EventSubtype: string(policy.EventUSBConnect),
		Description:  fmt.Sprintf("usb device connected: %s", friendlyName(ev)),
		Severity:     severity,
		Action:       action,
		Attributes:   attrs,
	})
}

// runBlock executes the three independently best-effort stages spec
// §4.5 lists; success of any stage is a successful block.
func (m *Monitor) runBlock(ctx context.Context) platform.BlockResult {
	var res platform.BlockResult
	if err := m.blocker.DisableStorageService(ctx); err == nil {
		res.RegistryBlocked = true
	} else {
		m.log.Warn().Err(err).Msg("stage1 disable storage service failed")
	}
	if n, err := m.blocker.DisableStorageDevices(ctx); err == nil {
		res.DevicesDisabled = n
	} else {
		m.log.Warn().Err(err).Msg("stage2 disable storage devices failed")
	}
	if n, err := m.blocker.EjectRemovableDrives(ctx); err == nil {
		res.DrivesEjected = n
	} else {
		m.log.Warn().Err(err).Msg("stage3 eject removable drives failed")
	}
	res.Success = res.RegistryBlocked || res.DevicesDisabled > 0 || res.DrivesEjected > 0
	return res
}

func (m *Monitor) handleRemoval(ctx context.Context, ev platform.USBDeviceEvent) {
	for drive, dev := range m.driveToDevice {
		if dev == ev.DevicePath {
			delete(m.driveToDevice, drive)
		}
	}

	m.emitter.Emit(ctx, events.Event{
		EventType:    events.TypeUSB,
		EventSubtype: string(policy.EventUSBDisconnect),
		Description:  fmt.Sprintf("usb device disconnected: %s", friendlyName(ev)),
		Severity:     policy.SeverityLow,
		Action:       policy.ActionLog,
		Attributes: map[string]any{
			"device_path": ev.DevicePath,
			"vendor_id":   ev.VendorID,
			"product_id":  ev.ProductID,
		},
	})
}

// OnUSBBlockingChanged implements the store callback spec §4.1
// describes: when blocking deactivates, the inverse must run and
// re-enable disabled device nodes (spec §4.5).
func (m *Monitor) OnUSBBlockingChanged(active bool) {
	if active {
		return
	}
	ctx := context.Background()
	if err := m.blocker.Enable(ctx); err != nil {
		m.log.Error().Err(err).Msg("failed to re-enable usb storage after blocking deactivated")
	}
}
