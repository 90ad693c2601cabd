package oseg

import (
	"sync"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/mono"
)

// TraceRecord is one completed lookup's timing, modeled on
// original_source/libspace/src/OSegLookupTraceToken.{hpp,cpp}'s per-
// lookup diagnostic token, trimmed to the stages this Go directory
// actually has (no CRAQ-specific dequeue/enqueue stages -- this
// directory's backing store is a flat Store, not a CRAQ ring).
type TraceRecord struct {
	OID          cos.OID
	BeginNanos   int64
	EndNanos     int64
	WasCacheHit  bool
	NotFound     bool
	Err          error
}

func (r TraceRecord) DurationNanos() int64 { return r.EndNanos - r.BeginNanos }

// LookupTrace is a bounded ring buffer of recent lookup timings, enabled
// on demand for diagnosing slow or failing directory lookups (spec.md
// §4.2 doesn't name this operation -- it's a supplemented feature from
// original_source's OSegLookupTraceToken).
type LookupTrace struct {
	mu   sync.Mutex
	buf  []TraceRecord
	next int
	full bool
}

func NewLookupTrace(capacity int) *LookupTrace {
	if capacity <= 0 {
		capacity = 256
	}
	return &LookupTrace{buf: make([]TraceRecord, capacity)}
}

// Record appends a completed lookup's outcome, stamped with the current
// time; callers needing begin/end granularity should construct a
// TraceRecord directly and call RecordFull.
func (t *LookupTrace) Record(oid cos.OID, err error) {
	now := mono.NanoTime()
	t.RecordFull(TraceRecord{
		OID: oid, BeginNanos: now, EndNanos: now,
		NotFound: cos.IsErrNotFound(err), Err: err,
	})
}

func (t *LookupTrace) RecordFull(r TraceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf[t.next] = r
	t.next = (t.next + 1) % len(t.buf)
	if t.next == 0 {
		t.full = true
	}
}

// Snapshot returns the currently buffered records, oldest first.
func (t *LookupTrace) Snapshot() []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]TraceRecord, t.next)
		copy(out, t.buf[:t.next])
		return out
	}
	out := make([]TraceRecord, len(t.buf))
	copy(out, t.buf[t.next:])
	copy(out[len(t.buf)-t.next:], t.buf[:t.next])
	return out
}
