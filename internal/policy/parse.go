package policy

import (
	"encoding/json"
	"fmt"
)

// ParseBundle decodes a server-delivered bundle and normalizes every
// rule in place: defaults, alias expansion, and validation (spec §4.1).
// A malformed bundle is rejected in full — "replacement is all-or-
// nothing" — so any error here must leave the caller's previous active
// set untouched.
func ParseBundle(data []byte) (*Bundle, error) {
	var raw Bundle
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	for class, rules := range raw.Policies {
		kept := make([]*Rule, 0, len(rules))
		for _, r := range rules {
			if r == nil || !r.Enabled {
				continue // enabled=false rules are dropped (spec §4.1)
			}
			if err := normalizeRule(class, r); err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.PolicyID, err)
			}
			kept = append(kept, r)
		}
		raw.Policies[class] = kept
	}
	return &raw, nil
}

func normalizeRule(class Class, r *Rule) error {
	r.Class = class
	if r.Action == "" {
		r.Action = ActionAlert // "action defaults to alert when absent" (spec §4.1)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if r.MinMatchCount < 1 {
		r.MinMatchCount = 1
	}
	if r.PolicyID == "" {
		return fmt.Errorf("policy_id is required")
	}

	normalized := make([]string, 0, len(r.DataTypes))
	for _, dt := range r.DataTypes {
		normalized = append(normalized, NormalizeDataType(dt))
	}
	r.DataTypes = normalized

	if class == ClassUSBDevice && r.Events != nil {
		r.MonitoredEvents = expandUSBEvents(*r.Events)
	}
	return nil
}

// expandUSBEvents implements spec §4.1: "boolean sub-fields
// events.connect/events.disconnect/events.fileTransfer expand to
// monitored-event tokens usb_connect, usb_disconnect, usb_file_transfer".
func expandUSBEvents(f USBEventFlags) []EventKind {
	var kinds []EventKind
	if f.Connect {
		kinds = append(kinds, EventUSBConnect)
	}
	if f.Disconnect {
		kinds = append(kinds, EventUSBDisconnect)
	}
	if f.FileTransfer {
		kinds = append(kinds, EventUSBFileTransfer)
	}
	return kinds
}
