package sched

import (
	"sync/atomic"
	"time"
)

// Timer wraps time.AfterFunc with a generation counter (spec.md §5
// "Cancellation"): Cancel bumps the generation so that a timer which has
// already fired on another goroutine, racing the cancellation, observes a
// stale generation and becomes a no-op instead of running its callback.
type Timer struct {
	gen uint64
	t   *time.Timer
}

// After schedules fn to run on strand after d, unless canceled first.
func (s *Strand) After(d time.Duration, fn Task) *Timer {
	tm := &Timer{}
	g := uint64(0) // initial generation
	tm.t = time.AfterFunc(d, func() {
		if atomic.LoadUint64(&tm.gen) != g {
			return // stale: canceled (or rescheduled) after firing raced us
		}
		s.Post(fn)
	})
	return tm
}

// Cancel invalidates the timer. Safe to call multiple times, and safe to
// call concurrently with the timer firing: the fire either observes the
// bumped generation and no-ops, or it already posted before Cancel ran
// (Cancel does not retroactively un-post a task already handed to a
// strand -- only suppresses sending the task in the first place).
func (tm *Timer) Cancel() {
	atomic.AddUint64(&tm.gen, 1)
	tm.t.Stop()
}

// Reset cancels any pending fire and schedules a fresh one for d from now,
// bumping the generation so any in-flight fire from the previous schedule
// is suppressed.
func (tm *Timer) Reset(d time.Duration, s *Strand, fn Task) {
	g := atomic.AddUint64(&tm.gen, 1)
	tm.t.Stop()
	tm.t = time.AfterFunc(d, func() {
		if atomic.LoadUint64(&tm.gen) != g {
			return
		}
		s.Post(fn)
	})
}
