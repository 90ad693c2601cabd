package forwarder

import (
	"testing"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/odp"
)

// White-box: exercises the bounded per-OID pending queue directly,
// without racing against oseg resolution completing in the background.
func TestPendingQueuePerOIDBound(t *testing.T) {
	f := &Forwarder{pending: make(map[cos.OID][]*queuedMsg)}
	oid := cos.MustParseOID("00000000000000000000000000000099")
	dg := odp.Datagram{Header: odp.Header{Dest: cos.SOR{Obj: oid}}}

	for i := 0; i < defaultPendingPerOID; i++ {
		if !f.enqueuePending(oid, dg) {
			t.Fatalf("enqueue %d: expected room under the bound", i)
		}
	}
	if f.enqueuePending(oid, dg) {
		t.Fatal("expected the bounded per-OID pending queue to reject once full")
	}
}
