package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ActivePolicySet is the read-mostly snapshot monitors consult on every
// evaluation (spec §4.1, §9's "copy-on-write pointer" redesign note). It
// is never mutated after construction; Store.Apply builds a fresh one
// and atomically swaps the pointer.
type ActivePolicySet struct {
	Version  string
	Bundle   *Bundle
	// MonitoredDirs is the de-duplicated union of monitored_paths across
	// all enabled file_system_monitoring rules.
	MonitoredDirs []string
	// QuarantinePaths is the de-duplicated set of quarantine directories
	// that must exist, gathered from every rule's QuarantinePath.
	QuarantinePaths []string
	// USBBlockingActive is true iff any enabled usb_device rule with
	// usb_connect in its monitored events has action=block (spec §4.1).
	USBBlockingActive bool
}

func (s *ActivePolicySet) Rules(class Class) []*Rule {
	if s == nil || s.Bundle == nil {
		return nil
	}
	return s.Bundle.Policies[class]
}

// Empty reports whether the bundle carries no rules at all, the
// condition under which the event emitter drops every envelope (spec
// §4.8) and the supervisor stops every monitor (SPEC_FULL §9.A).
func (s *ActivePolicySet) Empty() bool {
	if s == nil || s.Bundle == nil {
		return true
	}
	for _, rules := range s.Bundle.Policies {
		if len(rules) > 0 {
			return false
		}
	}
	return true
}

func (s *ActivePolicySet) HasClass(class Class) bool {
	if s == nil || s.Bundle == nil {
		return false
	}
	return len(s.Bundle.Policies[class]) > 0
}

// Store owns the single active policy set and the usb_blocking_active
// crash-persistence marker (SPEC_FULL §9 open-question decision).
type Store struct {
	active    atomic.Pointer[ActivePolicySet]
	stateFile string
	log       zerolog.Logger
	onUSBBlockingChanged func(active bool)
}

func NewStore(stateFile string, log zerolog.Logger) *Store {
	s := &Store{stateFile: stateFile, log: log}
	s.active.Store(&ActivePolicySet{Bundle: &Bundle{Policies: map[Class][]*Rule{}}})
	return s
}

// OnUSBBlockingChanged registers a callback invoked whenever
// USBBlockingActive transitions, so the USB device monitor can run the
// restore-device-access call described in spec §4.1.
func (s *Store) OnUSBBlockingChanged(fn func(active bool)) {
	s.onUSBBlockingChanged = fn
}

func (s *Store) Active() *ActivePolicySet {
	return s.active.Load()
}

// Apply validates and swaps in a new bundle. A malformed bundle leaves
// the previous active set untouched (spec §4.1).
func (s *Store) Apply(bundle *Bundle) (*ActivePolicySet, error) {
	next := buildActivePolicySet(bundle)
	prev := s.active.Swap(next)

	if prev == nil || prev.USBBlockingActive != next.USBBlockingActive {
		if s.onUSBBlockingChanged != nil {
			s.onUSBBlockingChanged(next.USBBlockingActive)
		}
		s.persistUSBBlockingState(next.USBBlockingActive)
	}
	return next, nil
}

func buildActivePolicySet(bundle *Bundle) *ActivePolicySet {
	if bundle == nil {
		bundle = &Bundle{Policies: map[Class][]*Rule{}}
	}
	set := &ActivePolicySet{Version: bundle.Version, Bundle: bundle}

	dirSeen := map[string]bool{}
	for _, r := range bundle.Policies[ClassFileSystem] {
		for _, p := range r.MonitoredPaths {
			if p != "" && !dirSeen[p] {
				dirSeen[p] = true
				set.MonitoredDirs = append(set.MonitoredDirs, p)
			}
		}
	}
	sort.Strings(set.MonitoredDirs)

	qSeen := map[string]bool{}
	for _, rules := range bundle.Policies {
		for _, r := range rules {
			if r.QuarantinePath != "" && !qSeen[r.QuarantinePath] {
				qSeen[r.QuarantinePath] = true
				set.QuarantinePaths = append(set.QuarantinePaths, r.QuarantinePath)
			}
		}
	}
	sort.Strings(set.QuarantinePaths)

	for _, r := range bundle.Policies[ClassUSBDevice] {
		if r.Action != ActionBlock {
			continue
		}
		for _, k := range r.MonitoredEvents {
			if k == EventUSBConnect {
				set.USBBlockingActive = true
			}
		}
	}
	return set
}

type usbBlockState struct {
	Active bool `json:"usb_blocking_active"`
}

func (s *Store) persistUSBBlockingState(active bool) {
	if s.stateFile == "" {
		return
	}
	if dir := filepath.Dir(s.stateFile); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	data, err := json.Marshal(usbBlockState{Active: active})
	if err != nil {
		s.log.Error().Err(err).Msg("marshal usb block state")
		return
	}
	if err := os.WriteFile(s.stateFile, data, 0o644); err != nil {
		s.log.Error().Err(err).Msg("persist usb block state")
	}
}

// PersistedUSBBlockingActive reads the crash-persistence marker written
// by the last successful Apply, for the startup reconciliation decided
// in SPEC_FULL §9.
func (s *Store) PersistedUSBBlockingActive() bool {
	if s.stateFile == "" {
		return false
	}
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		return false
	}
	var st usbBlockState
	if err := json.Unmarshal(data, &st); err != nil {
		return false
	}
	return st.Active
}
