package quarantine

import "time"

// Timer is the minimal handle quarantine needs to cancel a pending
// restore on shutdown (spec §5: "pending restore timers may or may not
// fire depending on whether their one-shot task is still sleeping").
type Timer interface {
	Stop() bool
}

// Clock abstracts scheduling so tests can drive restores deterministically
// instead of sleeping for the real 10 min / 30 s / 2 min intervals spec §8
// uses (SPEC_FULL §8).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock is the production Clock, backed by time.AfterFunc.
var RealClock Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
