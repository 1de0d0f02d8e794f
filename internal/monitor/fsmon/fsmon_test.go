package fsmon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/baseline"
	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/quarantine"
)

type captureSender struct {
	events []events.Event
}

func (c *captureSender) SendEvent(ctx context.Context, ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestMonitor(t *testing.T, rule *policy.Rule, clock quarantine.Clock) (*Monitor, *captureSender, string) {
	t.Helper()
	watched := t.TempDir()
	vault := t.TempDir()

	bundle := &policy.Bundle{Policies: map[policy.Class][]*policy.Rule{
		policy.ClassFileSystem: {rule},
	}}
	store := policy.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	if _, err := store.Apply(bundle); err != nil {
		t.Fatalf("apply bundle: %v", err)
	}

	sender := &captureSender{}
	emitter := events.NewEmitter("agent-1", sender, store.Active, zerolog.Nop())
	sched := quarantine.NewScheduler(clock, zerolog.Nop())
	baselines := baseline.New(baseline.DefaultCapacity)

	mon := New(zerolog.Nop(), store.Active, baselines, sched, emitter, vault)
	return mon, sender, watched
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestQuarantineOnDeleteThenRestoreAfterTenMinutes(t *testing.T) {
	clock := quarantine.NewFakeClock()
	rule := &policy.Rule{
		PolicyID:       "p1",
		Class:          policy.ClassFileSystem,
		Enabled:        true,
		Action:         policy.ActionQuarantine,
		Severity:       policy.SeverityHigh,
		DataTypes:      []string{"ssn"},
		MonitoredPaths: nil, // filled in below once watched dir is known
		MinMatchCount:  1,
	}
	mon, sender, watched := newTestMonitor(t, rule, clock)
	rule.MonitoredPaths = []string{watched}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mon.Start(ctx); err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	defer mon.Stop()

	target := filepath.Join(watched, "secret.txt")
	if err := os.WriteFile(target, []byte("ssn 123-45-6789"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitFor(t, func() bool { return mon.baselines.Len() > 0 })

	if err := os.Remove(target); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	waitFor(t, func() bool { return len(sender.events) > 0 })
	if sender.events[0].Action != policy.ActionQuarantine && sender.events[0].EventSubtype != string(policy.EventFileDeleted) {
		t.Fatalf("unexpected first event: %+v", sender.events[0])
	}

	waitFor(t, func() bool { return mon.scheduler.Pending() == 1 })
	clock.Advance(fileRestoreDelay)

	waitFor(t, func() bool {
		_, err := os.Stat(target)
		return err == nil
	})
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "ssn 123-45-6789" {
		t.Fatalf("restored content mismatch: %q", data)
	}
}

func TestGraceWindowSuppressesRequarantineAfterRestore(t *testing.T) {
	clock := quarantine.NewFakeClock()
	rule := &policy.Rule{
		PolicyID:      "p1",
		Class:         policy.ClassFileSystem,
		Enabled:       true,
		Action:        policy.ActionQuarantine,
		Severity:      policy.SeverityHigh,
		DataTypes:     []string{"ssn"},
		MinMatchCount: 1,
	}
	mon, sender, watched := newTestMonitor(t, rule, clock)
	rule.MonitoredPaths = []string{watched}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mon.Start(ctx); err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	defer mon.Stop()

	target := filepath.Join(watched, "secret.txt")
	if err := os.WriteFile(target, []byte("ssn 123-45-6789"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	waitFor(t, func() bool { return mon.baselines.Len() > 0 })

	if err := os.WriteFile(target, []byte("ssn 987-65-4321 extra"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	waitFor(t, func() bool { return mon.scheduler.Pending() == 1 })

	clock.Advance(fileRestoreDelay)
	waitFor(t, func() bool { return mon.scheduler.InGrace(target) })

	if !mon.scheduler.InGrace(target) {
		t.Fatal("expected path to be within its grace window right after restore")
	}

	// Clear the same-subtype dedup window (real wall-clock, independent
	// of the fake quarantine clock) so the next write is not suppressed
	// before it ever reaches the grace check.
	time.Sleep(dedupWindow + 100*time.Millisecond)

	eventsBeforeRewrite := len(sender.events)
	if err := os.WriteFile(target, []byte("ssn 111-22-3333 again"), 0o644); err != nil {
		t.Fatalf("rewrite file during grace window: %v", err)
	}
	waitFor(t, func() bool { return len(sender.events) > eventsBeforeRewrite })

	last := sender.events[len(sender.events)-1]
	if last.Action != policy.ActionLog {
		t.Fatalf("expected grace-window rewrite to downgrade to log action, got %q", last.Action)
	}
	if mon.scheduler.Pending() != 0 {
		t.Fatalf("expected no new quarantine to be scheduled during grace window, pending=%d", mon.scheduler.Pending())
	}
}
