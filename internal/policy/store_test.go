package policy

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseBundleDropsDisabledAndDefaultsAction(t *testing.T) {
	data := []byte(`{
		"version": "v1",
		"policies": {
			"file_system_monitoring": [
				{"policy_id":"p1","enabled":true,"monitored_paths":["/watched"],"data_types":["aadhaar_number"]},
				{"policy_id":"p2","enabled":false,"monitored_paths":["/skip"]}
			]
		}
	}`)
	b, err := ParseBundle(data)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	rules := b.Policies[ClassFileSystem]
	if len(rules) != 1 {
		t.Fatalf("expected disabled rule dropped, got %d rules", len(rules))
	}
	if rules[0].Action != ActionAlert {
		t.Fatalf("expected default action alert, got %q", rules[0].Action)
	}
	if rules[0].DataTypes[0] != "aadhaar" {
		t.Fatalf("expected alias normalization to aadhaar, got %q", rules[0].DataTypes[0])
	}
}

func TestParseBundleRejectsUnknownAction(t *testing.T) {
	data := []byte(`{"policies":{"file_system_monitoring":[{"policy_id":"p1","enabled":true,"action":"nuke"}]}}`)
	if _, err := ParseBundle(data); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestUSBEventExpansionDrivesBlockingActive(t *testing.T) {
	data := []byte(`{"policies":{"usb_device_monitoring":[
		{"policy_id":"u1","enabled":true,"action":"block","events":{"connect":true}}
	]}}`)
	b, err := ParseBundle(data)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	set := buildActivePolicySet(b)
	if !set.USBBlockingActive {
		t.Fatal("expected usb_blocking_active=true")
	}
}

func TestStoreApplyRejectsMalformedBundleKeepsPrevious(t *testing.T) {
	store := NewStore("", zerolog.Nop())
	good, _ := ParseBundle([]byte(`{"version":"v1","policies":{"file_system_monitoring":[{"policy_id":"p1","enabled":true,"action":"log"}]}}`))
	set, err := store.Apply(good)
	if err != nil {
		t.Fatalf("Apply good bundle: %v", err)
	}
	if set.Version != "v1" {
		t.Fatalf("unexpected version: %v", set.Version)
	}

	_, err = ParseBundle([]byte(`{"policies":{"file_system_monitoring":[{"policy_id":"bad","enabled":true,"action":"explode"}]}}`))
	if err == nil {
		t.Fatal("expected parse error for malformed rule")
	}
	if store.Active().Version != "v1" {
		t.Fatal("active set must remain unchanged after a rejected bundle")
	}
}

func TestPersistedUSBBlockingActive(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "usb_block_state.json")
	store := NewStore(stateFile, zerolog.Nop())

	blocked, _ := ParseBundle([]byte(`{"policies":{"usb_device_monitoring":[{"policy_id":"u1","enabled":true,"action":"block","events":{"connect":true}}]}}`))
	if _, err := store.Apply(blocked); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	reopened := NewStore(stateFile, zerolog.Nop())
	if !reopened.PersistedUSBBlockingActive() {
		t.Fatal("expected persisted usb_blocking_active=true to survive a fresh Store")
	}
}
