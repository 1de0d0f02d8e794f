package usbdevice

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/platform"
	"github.com/haasonsaas/dlpagent/internal/policy"
)

type fakeWatcher struct {
	ch chan platform.USBDeviceEvent
}

func (w *fakeWatcher) Start() (<-chan platform.USBDeviceEvent, error) { return w.ch, nil }
func (w *fakeWatcher) Stop()                                          { close(w.ch) }

type fakeBlocker struct {
	enabled bool
}

func (b *fakeBlocker) DisableStorageService(ctx context.Context) error      { return nil }
func (b *fakeBlocker) DisableStorageDevices(ctx context.Context) (int, error) { return 2, nil }
func (b *fakeBlocker) EjectRemovableDrives(ctx context.Context) (int, error)  { return 1, nil }
func (b *fakeBlocker) Enable(ctx context.Context) error                      { b.enabled = true; return nil }

type captureSender struct{ events []events.Event }

func (c *captureSender) SendEvent(ctx context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never true")
}

func TestArrivalWithBlockRuleRunsThreeStageBlock(t *testing.T) {
	rule := &policy.Rule{
		PolicyID:        "usb1",
		Class:           policy.ClassUSBDevice,
		Enabled:         true,
		Action:          policy.ActionBlock,
		Severity:        policy.SeverityCritical,
		MonitoredEvents: []policy.EventKind{policy.EventUSBConnect},
	}
	bundle := &policy.Bundle{Policies: map[policy.Class][]*policy.Rule{policy.ClassUSBDevice: {rule}}}
	store := policy.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	if _, err := store.Apply(bundle); err != nil {
		t.Fatalf("apply bundle: %v", err)
	}
	if !store.Active().USBBlockingActive {
		t.Fatal("expected usb blocking active from block+connect rule")
	}

	sender := &captureSender{}
	emitter := events.NewEmitter("agent-1", sender, store.Active, zerolog.Nop())
	watcher := &fakeWatcher{ch: make(chan platform.USBDeviceEvent, 2)}
	blocker := &fakeBlocker{}

	mon := New(zerolog.Nop(), store.Active, watcher, blocker, emitter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mon.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	watcher.ch <- platform.USBDeviceEvent{Action: "add", DevicePath: "/dev/usb1", VendorID: "0781", ProductID: "5567"}

	waitUntil(t, func() bool { return len(sender.events) == 1 })
	ev := sender.events[0]
	if ev.Action != policy.ActionBlock {
		t.Fatalf("expected block action, got %s", ev.Action)
	}
	if ev.Attributes["stage2_devices_disabled"] != 2 {
		t.Fatalf("expected stage2 count 2, got %v", ev.Attributes["stage2_devices_disabled"])
	}
	if ev.Attributes["friendly_name"] != "USB Device (VID:0781 PID:5567)" {
		t.Fatalf("unexpected fallback friendly name: %v", ev.Attributes["friendly_name"])
	}
}

func TestBlockingDeactivationReEnablesDevices(t *testing.T) {
	store := policy.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	sender := &captureSender{}
	emitter := events.NewEmitter("agent-1", sender, store.Active, zerolog.Nop())
	watcher := &fakeWatcher{ch: make(chan platform.USBDeviceEvent, 1)}
	blocker := &fakeBlocker{}

	mon := New(zerolog.Nop(), store.Active, watcher, blocker, emitter)
	store.OnUSBBlockingChanged(mon.OnUSBBlockingChanged)

	blockRule := &policy.Rule{
		PolicyID: "usb1", Class: policy.ClassUSBDevice, Enabled: true,
		Action: policy.ActionBlock, MonitoredEvents: []policy.EventKind{policy.EventUSBConnect},
	}
	if _, err := store.Apply(&policy.Bundle{Policies: map[policy.Class][]*policy.Rule{policy.ClassUSBDevice: {blockRule}}}); err != nil {
		t.Fatalf("apply block bundle: %v", err)
	}
	if _, err := store.Apply(&policy.Bundle{Policies: map[policy.Class][]*policy.Rule{}}); err != nil {
		t.Fatalf("apply empty bundle: %v", err)
	}
	if !blocker.enabled {
		t.Fatal("expected Enable to be called when usb blocking deactivates")
	}
}
