// Package usbtransfer implements the USB file-transfer monitor (spec
// §4.6): tracks known source files, polls mounted removable drives for
// their appearance, and enforces the most specific matching rule on a
// detected transfer.
package usbtransfer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/platform"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/quarantine"
)

const (
	pollInterval   = 1 * time.Second
	restoreDelay   = 2 * time.Minute
)

type trackedFile struct {
	sourcePath      string
	relPath         string
	name            string
	size            int64
	modTime         time.Time
	presentInSource bool
}

func (t *trackedFile) key() string { return t.sourcePath + "|" + t.relPath }

type Monitor struct {
	log       zerolog.Logger
	active    func() *policy.ActivePolicySet
	lister    platform.RemovableDriveLister
	scheduler *quarantine.Scheduler
	emitter   *events.Emitter
	vaultRoot string

	mu          sync.Mutex
	sources     map[string]bool
	tracked     map[string]*trackedFile
	driveState  map[string]map[string]bool // drive root -> tracked key -> present_on_usb
	knownDrives map[string]bool

	stopCh chan struct{}
}

func New(log zerolog.Logger, active func() *policy.ActivePolicySet, lister platform.RemovableDriveLister, scheduler *quarantine.Scheduler, emitter *events.Emitter, vaultRoot string) *Monitor {
	return &Monitor{
		log:         log,
		active:      active,
		lister:      lister,
		scheduler:   scheduler,
		emitter:     emitter,
		vaultRoot:   vaultRoot,
		sources:     map[string]bool{},
		tracked:     map[string]*trackedFile{},
		driveState:  map[string]map[string]bool{},
		knownDrives: map[string]bool{},
	}
}

func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("usb transfer monitor panicked")
		}
	}()
	m.reconcileSources()
	m.pollDrives(ctx)
}

// reconcileSources implements spec §4.6's initialization step:
// "on first appearance of any rule in this class, walk each monitored
// source path recursively and build the tracked-file table".
func (m *Monitor) reconcileSources() {
	rules := m.active().Rules(policy.ClassUSBFileTransfer)
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		for _, src := range r.MonitoredPaths {
			if m.sources[src] {
				continue
			}
			m.sources[src] = true
			m.seedSource(src, r.Action == policy.ActionBlock)
		}
	}
}

func (m *Monitor) seedSource(root string, wantShadow bool) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		tf := &trackedFile{
			sourcePath:      root,
			relPath:         rel,
			name:            d.Name(),
			size:            info.Size(),
			modTime:         info.ModTime(),
			presentInSource: true,
		}
		m.tracked[tf.key()] = tf
		if wantShadow {
			m.seedShadow(tf, path)
		}
		return nil
	})
}

// seedShadow keeps a last-known-good copy for block-action rules, so a
// move back to source can proceed even if the original is later
// removed from the drive enforcement path before it completes.
func (m *Monitor) seedShadow(tf *trackedFile, sourceFile string) {
	content, err := os.ReadFile(sourceFile)
	if err != nil {
		return
	}
	shadowPath := m.shadowPathFor(tf)
	if err := os.MkdirAll(filepath.Dir(shadowPath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(shadowPath, content, 0o644)
}

func (m *Monitor) shadowPathFor(tf *trackedFile) string {
	safe := filepath.Base(tf.sourcePath) + "_" + filepath.ToSlash(tf.relPath)
	return filepath.Join(m.vaultRoot, "shadow", safe)
}

func (m *Monitor) pollDrives(ctx context.Context) {
	drives, err := m.lister.List(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("failed to list removable drives")
		return
	}

	m.mu.Lock()
	current := map[string]bool{}
	for _, d := range drives {
		current[d] = true
	}
	var disconnected []string
	for d := range m.knownDrives {
		if !current[d] {
			disconnected = append(disconnected, d)
		}
	}
	for _, d := range disconnected {
		delete(m.knownDrives, d)
		delete(m.driveState, d)
	}
	m.mu.Unlock()

	for _, d := range drives {
		if !driveReadable(d) {
			continue // post-eject races (spec §4.6)
		}
		m.mu.Lock()
		isNew := !m.knownDrives[d]
		if isNew {
			m.knownDrives[d] = true
			m.driveState[d] = map[string]bool{}
		}
		m.mu.Unlock()

		if isNew {
			m.preExistingSweep(d)
		}
		m.checkTransitions(ctx, d)
	}
}

func driveReadable(drive string) bool {
	_, err := os.ReadDir(drive)
	return err == nil
}

// preExistingSweep marks every already-present tracked file as
// present_on_usb=true so a drive that already held the file before the
// agent noticed it does not retroactively trigger enforcement (spec
// §4.6).
func (m *Monitor) preExistingSweep(drive string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tf := range m.tracked {
		if fileExistsOnDrive(drive, tf) {
			m.driveState[drive][key] = true
		}
	}
}

func fileExistsOnDrive(drive string, tf *trackedFile) bool {
	info, err := os.Stat(filepath.Join(drive, tf.relPath))
	return err == nil && !info.IsDir()
}

func (m *Monitor) checkTransitions(ctx context.Context, drive string) {
	m.mu.Lock()
	var newTransfers []*trackedFile
	for key, tf := range m.tracked {
		present := fileExistsOnDrive(drive, tf)
		was := m.driveState[drive][key]
		if present && !was {
			m.driveState[drive][key] = true
			newTransfers = append(newTransfers, tf)
		} else if !present && was {
			m.driveState[drive][key] = false
		}
	}
	m.mu.Unlock()

	for _, tf := range newTransfers {
		m.onNewTransfer(ctx, drive, tf)
	}
}

func (m *Monitor) onNewTransfer(ctx context.Context, drive string, tf *trackedFile) {
	sourceFile := filepath.Join(tf.sourcePath, tf.relPath)
	_, err := os.Stat(sourceFile)
	sourceExists := err == nil
	kind := "copy"
	if !sourceExists {
		kind = "move"
	}

	rule := m.mostSpecificRule(tf.sourcePath)
	if rule == nil {
		return
	}

	usbPath := filepath.Join(drive, tf.relPath)
	attrs := map[string]any{
		"source_path":     sourceFile,
		"usb_path":        usbPath,
		"transfer_kind":   kind,
		"matched_policy":  rule.PolicyID,
	}
	eventAction := string(rule.Action)

	switch rule.Action {
	case policy.ActionBlock:
		eventAction = m.enforceBlock(usbPath, sourceFile, tf, kind)
	case policy.ActionQuarantine:
		eventAction = m.enforceQuarantine(sourceFile, usbPath, rule, kind)
	case policy.ActionAlert:
		// emit only (spec §4.6)
	}

	m.emitter.Emit(ctx, events.Event{
		EventType:    events.TypeUSB,
		EventSubtype: string(policy.EventUSBFileTransfer),
		Description:  fmt.Sprintf("usb file transfer (%s) detected for %s", kind, tf.name),
		Severity:     rule.Severity,
		Action:       policy.Action(eventAction),
		Attributes:   attrs,
	})
}

// mostSpecificRule picks the enabled rule whose monitored path exactly
// matches sourcePath, preferring the longest match when several rules
// claim overlapping paths.
func (m *Monitor) mostSpecificRule(sourcePath string) *policy.Rule {
	rules := m.active().Rules(policy.ClassUSBFileTransfer)
	var best *policy.Rule
	bestLen := -1
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		for _, mp := range r.MonitoredPaths {
			if mp != sourcePath {
				continue
			}
			if len(mp) > bestLen {
				best = r
				bestLen = len(mp)
			}
		}
	}
	return best
}

// enforceBlock implements spec §4.6's block action: copy deletes the
// USB copy; move copies the USB file back to the original location and
// deletes the USB file, refreshing the shadow entry.
func (m *Monitor) enforceBlock(usbPath, sourceFile string, tf *trackedFile, kind string) string {
	if kind == "copy" {
		if err := os.Remove(usbPath); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("path", usbPath).Msg("failed to delete blocked usb copy")
			return "log"
		}
		return "deleted_usb_copy"
	}

	content, err := os.ReadFile(usbPath)
	if err != nil {
		m.log.Error().Err(err).Str("path", usbPath).Msg("failed to read usb file for block restore")
		return "log"
	}
	if err := os.MkdirAll(filepath.Dir(sourceFile), 0o755); err != nil {
		return "log"
	}
	if err := os.WriteFile(sourceFile, content, 0o644); err != nil {
		m.log.Error().Err(err).Str("path", sourceFile).Msg("failed to restore blocked file to source")
		return "log"
	}
	if err := os.Remove(usbPath); err != nil && !os.IsNotExist(err) {
		m.log.Error().Err(err).Str("path", usbPath).Msg("failed to remove usb file after block restore")
	}
	m.seedShadow(tf, sourceFile)
	return "restored_to_source"
}

// enforceQuarantine implements spec §4.6's quarantine action: copy
// renames the source file into the quarantine dir with a timestamped
// name and deletes the USB copy; move renames the USB file into the
// quarantine dir. Either way, restoration to the original location is
// scheduled in 2 minutes with no grace window (spec §4.6, §9).
func (m *Monitor) enforceQuarantine(sourceFile, usbPath string, rule *policy.Rule, kind string) string {
	quarantineDir := rule.QuarantinePath
	if quarantineDir == "" {
		quarantineDir = m.vaultRoot
	}
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		m.log.Error().Err(err).Msg("failed to create quarantine directory")
		return "log"
	}
	vaultPath := filepath.Join(quarantineDir, timestampedName(filepath.Base(sourceFile)))

	var originalPath string
	if kind == "copy" {
		originalPath = sourceFile
		if err := os.Rename(sourceFile, vaultPath); err != nil {
			m.log.Error().Err(err).Msg("failed to move source file to quarantine")
			return "log"
		}
		if err := os.Remove(usbPath); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("path", usbPath).Msg("failed to delete usb copy after quarantine")
		}
	} else {
		originalPath = sourceFile
		if err := os.Rename(usbPath, vaultPath); err != nil {
			m.log.Error().Err(err).Msg("failed to move usb file to quarantine")
			return "log"
		}
	}

	rec := quarantine.Record{
		VaultPath:          vaultPath,
		OriginalPath:       originalPath,
		ScheduledRestoreAt: time.Now().Add(restoreDelay),
		MatchedPolicies:    []string{rule.PolicyID},
		Kind:               quarantine.KindUSBTransfer,
	}
	m.scheduler.Schedule(rec, 0, func(ctx context.Context, rec quarantine.Record) error {
		if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
			return err
		}
		if err := os.Rename(rec.VaultPath, rec.OriginalPath); err != nil {
			return err
		}
		return nil
	})
	return "quarantined"
}

func timestampedName(base string) string {
	return fmt.Sprintf("%s_%s", time.Now().Format("20060102T150405.000000000"), base)
}
