// Package mono provides a monotonic clock source shared across strands,
// timers, and sequence-number bookkeeping.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start, strictly
// monotonic (backed by the runtime's monotonic clock reading, never the
// wall clock). Safe to call from any goroutine.
func NanoTime() int64 { return int64(time.Since(start)) }

// MicroTime is NanoTime truncated to microsecond resolution, the tick unit
// the space-global timebase (timed motion vectors/quaternions) is defined
// over.
func MicroTime() int64 { return NanoTime() / int64(time.Microsecond) }

// Since returns the elapsed duration since a NanoTime reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
