package quarantine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestScheduleRestoresAndGraceWindowSuppressesRequarantine(t *testing.T) {
	clock := NewFakeClock()
	s := NewScheduler(clock, zerolog.Nop())

	var restored bool
	s.MarkQuarantining("/watched/a.txt")
	rec := Record{OriginalPath: "/watched/a.txt", VaultPath: "/vault/a.txt", ScheduledRestoreAt: clock.Now().Add(10 * time.Minute), Kind: KindOnDelete}
	s.Schedule(rec, 30*time.Second, func(ctx context.Context, r Record) error {
		restored = true
		return nil
	})

	if !s.IsQuarantining("/watched/a.txt") {
		t.Fatal("expected being-quarantined marker to be set before restore fires")
	}

	clock.Advance(10 * time.Minute)
	if !restored {
		t.Fatal("expected restore to run after scheduled interval")
	}
	if s.IsQuarantining("/watched/a.txt") {
		t.Fatal("expected being-quarantined marker cleared after restore")
	}
	if !s.InGrace("/watched/a.txt") {
		t.Fatal("expected grace window to start after a successful restore")
	}

	clock.Advance(30 * time.Second)
	if s.InGrace("/watched/a.txt") {
		t.Fatal("expected grace window to have elapsed")
	}
}

func TestRestoreFailureLeavesVaultAndClearsMarker(t *testing.T) {
	clock := NewFakeClock()
	s := NewScheduler(clock, zerolog.Nop())
	s.MarkQuarantining("/watched/b.txt")
	rec := Record{OriginalPath: "/watched/b.txt", ScheduledRestoreAt: clock.Now().Add(time.Minute), Kind: KindOnModify}
	s.Schedule(rec, 30*time.Second, func(ctx context.Context, r Record) error {
		return context.DeadlineExceeded
	})

	clock.Advance(time.Minute)
	if s.IsQuarantining("/watched/b.txt") {
		t.Fatal("expected marker cleared even after a failed restore")
	}
	if s.InGrace("/watched/b.txt") {
		t.Fatal("a failed restore must not start a grace window")
	}
}

func TestCancelStopsPendingTimer(t *testing.T) {
	clock := NewFakeClock()
	s := NewScheduler(clock, zerolog.Nop())
	s.MarkQuarantining("/watched/c.txt")
	fired := false
	rec := Record{OriginalPath: "/watched/c.txt", ScheduledRestoreAt: clock.Now().Add(time.Minute)}
	s.Schedule(rec, 0, func(ctx context.Context, r Record) error {
		fired = true
		return nil
	})
	if !s.Cancel("/watched/c.txt") {
		t.Fatal("expected Cancel to stop the pending timer")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Fatal("cancelled restore must not fire")
	}
}
