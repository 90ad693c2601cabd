package loc

import (
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
)

// seqIndex is an ordered (field, OID) -> last-applied-sequence index,
// maintained alongside each object's Record so a field's update history
// can be range-scanned without walking the full object table.
// Service.FieldAdvancedSince exposes that range query, and it backs the
// tests asserting the per-field monotonic-sequence invariant
// (spec.md §3). The subscription dispatcher's coalescing does not
// consult it.
type seqIndex struct {
	mu  sync.Mutex
	idx btree.Map[string, uint64]
}

// seqKeyFor orders first by field, then by OID, so Ascend can range-scan one
// field's entries contiguously.
func seqKeyFor(field meta.Field, oid cos.OID) string {
	return fmt.Sprintf("%02d:%s", field, oid)
}

// record stores seq for (field, oid) if it's newer than what's already
// indexed, mirroring Record.Apply's own monotonic check so the index and
// the record it describes never diverge.
func (x *seqIndex) record(field meta.Field, oid cos.OID, seq uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	k := seqKeyFor(field, oid)
	if prev, ok := x.idx.Get(k); ok && prev >= seq {
		return
	}
	x.idx.Set(k, seq)
}

// advancedSince returns, in OID order, every object whose field has been
// applied at a sequence number strictly greater than since.
func (x *seqIndex) advancedSince(field meta.Field, since uint64) []cos.OID {
	x.mu.Lock()
	defer x.mu.Unlock()
	prefix := fmt.Sprintf("%02d:", field)
	var out []cos.OID
	x.idx.Ascend(prefix, func(k string, seq uint64) bool {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			return false // past this field's key range
		}
		if seq > since {
			if oid, err := cos.ParseOID(k[len(prefix):]); err == nil {
				out = append(out, oid)
			}
		}
		return true
	})
	return out
}

// remove drops every field entry for oid, called when the object itself
// is deregistered so the index doesn't outlive the record it describes.
func (x *seqIndex) remove(oid cos.OID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for f := meta.Field(0); f < meta.Field(meta.NumFields()); f++ {
		x.idx.Delete(seqKeyFor(f, oid))
	}
}
