// Package quarantine implements the quarantine & restore scheduler
// (spec §4.7) as a single timer-driven component, per spec §9's redesign
// note replacing the original's detached one-shot restore threads.
package quarantine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindOnModify    Kind = "on_modify"
	KindOnDelete    Kind = "on_delete"
	KindUSBTransfer Kind = "usb_transfer"
)

// Record is the QuarantineRecord of spec §3, owned by the scheduler
// until restore completes.
type Record struct {
	VaultPath          string
	OriginalPath       string
	ScheduledRestoreAt time.Time
	MatchedPolicies    []string
	Kind               Kind
}

// RestoreFunc performs the kind-appropriate restore for a record
// (rewrite baseline, rename vault back, or restore-to-source for USB
// moves) — the caller supplies this because only it knows where the
// baseline or shadow copy lives (spec §4.7).
type RestoreFunc func(ctx context.Context, rec Record) error

type pending struct {
	rec   Record
	timer Timer
}

// Scheduler holds all outstanding QuarantineRecords plus the
// being-quarantined and grace-window sets spec §5 lists as mutex-guarded
// resources (iv) and (v).
type Scheduler struct {
	mu           sync.Mutex
	clock        Clock
	log          zerolog.Logger
	pending      map[string]*pending // keyed by OriginalPath
	quarantining map[string]bool
	grace        map[string]time.Time
}

func NewScheduler(clock Clock, log zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	return &Scheduler{
		clock:        clock,
		log:          log,
		pending:      map[string]*pending{},
		quarantining: map[string]bool{},
		grace:        map[string]time.Time{},
	}
}

// MarkQuarantining flags originalPath as actively being moved to
// quarantine, so cascaded change events for the same path are dropped
// (spec §3 invariant, §4.3).
func (s *Scheduler) MarkQuarantining(originalPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantining[originalPath] = true
}

func (s *Scheduler) IsQuarantining(originalPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantining[originalPath]
}

// InGrace reports whether originalPath is within its post-restore grace
// window (spec §3 invariant: "cannot re-enter quarantine until the grace
// window elapses").
func (s *Scheduler) InGrace(originalPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.grace[originalPath]
	if !ok {
		return false
	}
	if s.clock.Now().After(until) {
		delete(s.grace, originalPath)
		return false
	}
	return true
}

// Schedule retains ownership of a one-shot timer that fires restore at
// rec.ScheduledRestoreAt. grace is the hold duration applied to
// OriginalPath after a successful restore (0 disables grace, e.g. for
// the USB-transfer kind which spec §4.6 does not grace-window).
func (s *Scheduler) Schedule(rec Record, grace time.Duration, restore RestoreFunc) {
	delay := rec.ScheduledRestoreAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	p := &pending{rec: rec}
	p.timer = s.clock.AfterFunc(delay, func() {
		s.fire(rec, grace, restore)
	})

	s.mu.Lock()
	s.pending[rec.OriginalPath] = p
	s.mu.Unlock()
}

func (s *Scheduler) fire(rec Record, grace time.Duration, restore RestoreFunc) {
	ctx := context.Background()
	err := restore(ctx, rec)

	s.mu.Lock()
	delete(s.pending, rec.OriginalPath)
	// Failure policy (spec §4.7): restore failures log and leave the
	// vault file in place; the being-quarantined marker is cleared
	// either way so observation continues.
	delete(s.quarantining, rec.OriginalPath)
	if err == nil && grace > 0 {
		s.grace[rec.OriginalPath] = s.clock.Now().Add(grace)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("path", rec.OriginalPath).Str("kind", string(rec.Kind)).Msg("quarantine restore failed")
	}
}

// Cancel stops a pending restore timer if it has not fired yet and
// clears its being-quarantined marker, used on shutdown (spec §5:
// "clearing running ... pending restore timers may or may not fire").
func (s *Scheduler) Cancel(originalPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[originalPath]
	if !ok {
		return false
	}
	stopped := p.timer.Stop()
	delete(s.pending, originalPath)
	delete(s.quarantining, originalPath)
	return stopped
}

// Pending reports how many restores are currently outstanding, used by
// tests and graceful-shutdown logging.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ClearQuarantining releases the marker without running a restore, used
// when a filesystem error aborts a quarantine attempt before scheduling
// (spec §7(c)).
func (s *Scheduler) ClearQuarantining(originalPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantining, originalPath)
}
