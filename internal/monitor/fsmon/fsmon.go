// Package fsmon implements the filesystem monitor (spec §4.3): watches
// every active monitored directory recursively, captures baselines,
// classifies content, and enforces the matched rule's action through
// the quarantine scheduler.
package fsmon

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/baseline"
	"github.com/haasonsaas/dlpagent/internal/classify"
	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/quarantine"
)

const (
	dedupWindow            = 2 * time.Second
	createModifyDedupWindow = 1 * time.Second
	fileRestoreDelay   = 10 * time.Minute
	graceWindow            = 30 * time.Second
)

type Monitor struct {
	log       zerolog.Logger
	active    func() *policy.ActivePolicySet
	baselines *baseline.Store
	scheduler *quarantine.Scheduler
	emitter   *events.Emitter
	vaultRoot string

	watcher     *fsnotify.Watcher
	watchedDirs map[string]bool

	mu          sync.Mutex
	dedupSeen   map[string]time.Time // key: path|subtype
	createdAt   map[string]time.Time // path -> last file_created time

	stopCh chan struct{}
}

func New(log zerolog.Logger, active func() *policy.ActivePolicySet, baselines *baseline.Store, scheduler *quarantine.Scheduler, emitter *events.Emitter, vaultRoot string) *Monitor {
	return &Monitor{
		log:         log,
		active:      active,
		baselines:   baselines,
		scheduler:   scheduler,
		emitter:     emitter,
		vaultRoot:   vaultRoot,
		watchedDirs: map[string]bool{},
		dedupSeen:   map[string]time.Time{},
		createdAt:   map[string]time.Time{},
	}
}

// Start performs the one-shot baseline-seeding walk and begins watching
// the current active policy set's monitored directories (spec §4.3).
func (m *Monitor) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	m.watcher = w
	m.stopCh = make(chan struct{})

	if err := m.Reconcile(m.active().MonitoredDirs); err != nil {
		return err
	}
	go m.loop(ctx)
	return nil
}

func (m *Monitor) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// Reconcile diffs desired monitored directories against the currently
// watched set and only (un)watches what actually changed, per
// SPEC_FULL §9.A's monitor-reconciliation supplement. It also ensures
// every per-rule quarantine path override exists up front (spec §4.1:
// "ensure quarantine paths exist"), not just the default vault.
func (m *Monitor) Reconcile(desired []string) error {
	for _, qp := range m.active().QuarantinePaths {
		if err := os.MkdirAll(qp, 0o755); err != nil {
			m.log.Error().Err(err).Str("dir", qp).Msg("failed to create quarantine path")
		}
	}

	desiredSet := map[string]bool{}
	for _, d := range desired {
		if d == "" || d == m.vaultRoot {
			continue // the quarantine vault is always excluded (SPEC_FULL §9.A)
		}
		desiredSet[os.ExpandEnv(d)] = true
	}

	for dir := range m.watchedDirs {
		if !desiredSet[dir] {
			m.unwatchTree(dir)
		}
	}
	for dir := range desiredSet {
		if !m.watchedDirs[dir] {
			if err := m.watchTree(dir); err != nil {
				m.log.Error().Err(err).Str("dir", dir).Msg("failed to watch directory")
				continue
			}
			m.seedBaselines(dir)
		}
	}
	return nil
}

func (m *Monitor) watchTree(root string) error {
	m.watchedDirs[root] = true
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best effort; unreadable subtrees are skipped (spec §7(c))
		}
		if d.IsDir() {
			_ = m.watcher.Add(path)
		}
		return nil
	})
}

func (m *Monitor) unwatchTree(root string) {
	delete(m.watchedDirs, root)
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = m.watcher.Remove(path)
		}
		return nil
	})
}

// seedBaselines performs the one-shot recursive walk spec §4.3 requires
// on start-up to capture baselines for pre-existing files.
func (m *Monitor) seedBaselines(root string) {
	set := m.active()
	rules := set.Rules(policy.ClassFileSystem)
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !m.isInteresting(path, rules, policy.EventFileCreated) {
			return nil
		}
		content, rerr := os.ReadFile(path)
		if rerr != nil || classify.TooLargeOrBinary(content) {
			return nil
		}
		m.baselines.CaptureOnce(path, content)
		return nil
	})
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Error().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (m *Monitor) handle(ctx context.Context, ev fsnotify.Event) {
	subtype, isDir := m.classifyEvent(ev)
	if subtype == "" {
		return
	}
	if isDir && ev.Op.Has(fsnotify.Create) {
		_ = m.watcher.Add(ev.Name)
		return
	}
	if m.scheduler.IsQuarantining(ev.Name) {
		return // spec §3 invariant: a file being actively moved cannot cascade
	}
	if m.dedup(ev.Name, subtype) {
		return
	}

	set := m.active()
	rules := set.Rules(policy.ClassFileSystem)
	if !m.isInteresting(ev.Name, rules, subtype) {
		return
	}
	m.process(ctx, ev.Name, subtype, rules)
}

// classifyEvent maps an fsnotify event to a spec §4.3 event kind and
// whether the target currently looks like a directory (best-effort,
// since the entry may already be gone on delete).
func (m *Monitor) classifyEvent(ev fsnotify.Event) (policy.EventKind, bool) {
	info, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && info.IsDir()
	switch {
	case ev.Op.Has(fsnotify.Create):
		return policy.EventFileCreated, isDir
	case ev.Op.Has(fsnotify.Write):
		return policy.EventFileModified, isDir
	case ev.Op.Has(fsnotify.Remove):
		return policy.EventFileDeleted, isDir
	case ev.Op.Has(fsnotify.Rename):
		return policy.EventFileRenamed, isDir
	default:
		return "", isDir
	}
}

// dedup implements the 2s same-(path,subtype) window plus the
// create-then-modify-within-1s special case from
// original_source/agents/endpoint/linux/agent.py (SPEC_FULL §9.A).
func (m *Monitor) dedup(path string, subtype policy.EventKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	if subtype == policy.EventFileCreated {
		m.createdAt[path] = now
	} else if subtype == policy.EventFileModified {
		if createdAt, ok := m.createdAt[path]; ok && now.Sub(createdAt) < createModifyDedupWindow {
			return true
		}
	}

	key := path + "|" + string(subtype)
	if last, ok := m.dedupSeen[key]; ok && now.Sub(last) < dedupWindow {
		return true
	}
	m.dedupSeen[key] = now
	return false
}

// isInteresting implements spec §4.3: a matching rule's monitored path
// must prefix the file, and the extension filter (if any) must pass.
func (m *Monitor) isInteresting(path string, rules []*policy.Rule, subtype policy.EventKind) bool {
	ext := filepath.Ext(path)
	for _, r := range rules {
		if !r.Enabled || !r.MonitorsEvent(subtype) {
			continue
		}
		for _, mp := range r.MonitoredPaths {
			if strings.HasPrefix(path, os.ExpandEnv(mp)) && r.MatchesExtension(ext) {
				return true
			}
		}
	}
	return false
}

func (m *Monitor) process(ctx context.Context, path string, subtype policy.EventKind, rules []*policy.Rule) {
	var content []byte
	var baselineExisted bool
	var bl baseline.Baseline

	switch subtype {
	case policy.EventFileCreated:
		raw, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("failed to read created file")
			return
		}
		content = raw
		if !classify.TooLargeOrBinary(content) {
			m.baselines.CaptureOnce(path, content)
		}
	case policy.EventFileModified:
		raw, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("failed to read modified file")
			return
		}
		content = raw
	case policy.EventFileDeleted, policy.EventFileRenamed:
		bl, baselineExisted = m.baselines.Get(path)
		content = bl.Content
	}

	if content == nil {
		content = []byte{}
	}
	text := ""
	if !classify.TooLargeOrBinary(content) {
		text = string(content)
	}

	res := classify.Classify(m.log, text, rules, subtype)
	if !res.Matched() {
		return // "sensitive-content detections without a matching rule downgrade to log" — nothing matched, nothing to enforce
	}

	m.enforce(ctx, path, subtype, res, rules, baselineExisted, bl)
}

// quarantineRuleFor returns the matched rule that drove the quarantine
// action, so its QuarantinePath override (spec §3) can be honored
// instead of always falling back to the default vault.
func quarantineRuleFor(rules []*policy.Rule, matchedPolicies []string) *policy.Rule {
	matched := map[string]bool{}
	for _, id := range matchedPolicies {
		matched[id] = true
	}
	for _, r := range rules {
		if r.Action == policy.ActionQuarantine && matched[r.PolicyID] {
			return r
		}
	}
	return nil
}

func (m *Monitor) enforce(ctx context.Context, path string, subtype policy.EventKind, res classify.Result, rules []*policy.Rule, baselineExisted bool, bl baseline.Baseline) {
	attrs := map[string]any{
		"path":             path,
		"detected_types":   res.DetectedByType,
		"matched_policies": res.MatchedPolicies,
	}
	action := res.SuggestedAction
	eventAction := string(action)

	if action == policy.ActionQuarantine && m.scheduler.InGrace(path) {
		// spec §3 invariant: a path under grace cannot re-enter
		// quarantine until the grace window elapses.
		action = policy.ActionLog
		eventAction = "log"
	}

	quarantineDir := m.vaultRoot
	if rule := quarantineRuleFor(rules, res.MatchedPolicies); rule != nil && rule.QuarantinePath != "" {
		quarantineDir = rule.QuarantinePath
	}

	switch {
	case action == policy.ActionLog, action == policy.ActionAlert:
		// emit only, no filesystem change (spec §4.3)
	case action == policy.ActionQuarantine && (subtype == policy.EventFileCreated || subtype == policy.EventFileModified):
		eventAction = m.quarantineOnWrite(ctx, path, quarantineDir, res)
	case action == policy.ActionQuarantine && subtype == policy.EventFileDeleted:
		eventAction = m.quarantineOnDelete(ctx, path, quarantineDir, res, baselineExisted, bl)
	case action == policy.ActionBlock:
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("path", path).Msg("failed to delete blocked file")
		}
		eventAction = "deleted"
	}

	m.emitter.Emit(ctx, events.Event{
		EventType:    events.TypeFile,
		EventSubtype: string(subtype),
		Description:  fmt.Sprintf("filesystem policy matched for %s", path),
		Severity:     res.Severity,
		Action:       policy.Action(eventAction),
		Attributes:   attrs,
	})
}

func (m *Monitor) quarantineOnWrite(ctx context.Context, path, quarantineDir string, res classify.Result) string {
	m.scheduler.MarkQuarantining(path)
	vaultPath, err := m.vaultPathFor(path, quarantineDir)
	if err != nil {
		m.log.Error().Err(err).Str("dir", quarantineDir).Msg("failed to create quarantine directory")
		m.scheduler.ClearQuarantining(path)
		return "log"
	}
	if err := os.Rename(path, vaultPath); err != nil {
		m.log.Error().Err(err).Str("path", path).Msg("failed to move file to quarantine")
		m.scheduler.ClearQuarantining(path)
		return "log"
	}

	rec := quarantine.Record{
		VaultPath:          vaultPath,
		OriginalPath:       path,
		ScheduledRestoreAt: time.Now().Add(fileRestoreDelay),
		MatchedPolicies:    res.MatchedPolicies,
		Kind:               quarantine.KindOnModify,
	}
	m.scheduler.Schedule(rec, graceWindow, func(ctx context.Context, rec quarantine.Record) error {
		return m.restoreOnModify(rec)
	})
	return "quarantined"
}

func (m *Monitor) quarantineOnDelete(ctx context.Context, path, quarantineDir string, res classify.Result, baselineExisted bool, bl baseline.Baseline) string {
	if !baselineExisted {
		m.log.Warn().Str("path", path).Msg("quarantine-on-delete requested but no baseline exists; deletion is unrecoverable")
		return "log"
	}
	m.scheduler.MarkQuarantining(path)
	vaultPath, err := m.vaultPathFor(path, quarantineDir)
	if err != nil {
		m.log.Error().Err(err).Str("dir", quarantineDir).Msg("failed to create quarantine directory")
		m.scheduler.ClearQuarantining(path)
		return "log"
	}
	if err := os.WriteFile(vaultPath, bl.Content, 0o644); err != nil {
		m.log.Error().Err(err).Str("path", path).Msg("failed to write baseline into vault")
		m.scheduler.ClearQuarantining(path)
		return "log"
	}

	rec := quarantine.Record{
		VaultPath:          vaultPath,
		OriginalPath:       path,
		ScheduledRestoreAt: time.Now().Add(fileRestoreDelay),
		MatchedPolicies:    res.MatchedPolicies,
		Kind:               quarantine.KindOnDelete,
	}
	m.scheduler.Schedule(rec, graceWindow, func(ctx context.Context, rec quarantine.Record) error {
		return m.restoreOnDelete(rec)
	})
	return "quarantined_on_delete"
}

// restoreOnModify implements spec §4.7's on_modify restore: rewrite the
// baseline to the original path if one exists, otherwise rename the
// vault copy back.
func (m *Monitor) restoreOnModify(rec quarantine.Record) error {
	if bl, ok := m.baselines.Get(rec.OriginalPath); ok {
		if err := os.WriteFile(rec.OriginalPath, bl.Content, 0o644); err != nil {
			return err
		}
		if err := os.Remove(rec.VaultPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		m.baselines.Clear(rec.OriginalPath)
		return nil
	}
	return os.Rename(rec.VaultPath, rec.OriginalPath)
}

// restoreOnDelete implements spec §4.7's on_delete restore: rewrite the
// baseline to the original (now-missing) path.
func (m *Monitor) restoreOnDelete(rec quarantine.Record) error {
	bl, ok := m.baselines.Get(rec.OriginalPath)
	if !ok {
		return fmt.Errorf("baseline for %s no longer present", rec.OriginalPath)
	}
	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(rec.OriginalPath, bl.Content, 0o644); err != nil {
		return err
	}
	if err := os.Remove(rec.VaultPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.baselines.Clear(rec.OriginalPath)
	return nil
}

// vaultPathFor builds a timestamped destination under dir, creating dir
// first so a rule's QuarantinePath override (spec §3) need not already
// exist on disk.
func (m *Monitor) vaultPathFor(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ts := time.Now().Format("20060102T150405.000000000")
	name := fmt.Sprintf("%s_%s", ts, filepath.Base(path))
	return filepath.Join(dir, name), nil
}
