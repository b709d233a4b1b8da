package lneto

import "time"

// Instant is a monotonic point in time as seen by the poll loop. The core
// never calls time.Now itself on the packet path; the driver/poll loop
// supplies Instant values so the whole stack can be driven deterministically
// in tests.
type Instant = time.Time

// Duration is re-exported for readability in TCB/config fields.
type Duration = time.Duration

// Expiration represents a timer that is either disarmed (Never) or armed to
// fire At a given Instant. Timers are data, not tasks: nothing is
// interrupted when an Expiration elapses, the poll loop simply observes
// that now is past At on its next pass and reacts.
type Expiration struct {
	at    Instant
	armed bool
}

// Never is the disarmed Expiration.
var Never Expiration

// At returns an Expiration armed to fire at instant t.
func At(t Instant) Expiration { return Expiration{at: t, armed: true} }

// IsArmed reports whether the expiration carries a deadline.
func (e Expiration) IsArmed() bool { return e.armed }

// Deadline returns the armed deadline and true, or the zero Instant and
// false if the expiration is Never.
func (e Expiration) Deadline() (Instant, bool) { return e.at, e.armed }

// Elapsed reports whether the expiration is armed and now is at or past it.
func (e Expiration) Elapsed(now Instant) bool {
	return e.armed && !now.Before(e.at)
}

// Earliest returns whichever of a, b has the earlier deadline, treating
// Never as "no deadline". Used to compute the poll loop's "deadline of next
// work" query over all armed timers in a TCB.
func Earliest(a, b Expiration) Expiration {
	if !a.armed {
		return b
	}
	if !b.armed {
		return a
	}
	if a.at.Before(b.at) {
		return a
	}
	return b
}
