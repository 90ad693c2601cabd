package loc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/loc"
	"github.com/sirikata/spaced/sched"
)

type recordingListener struct {
	mu      sync.Mutex
	added   []cos.OID
	updated []cos.OID
}

func (r *recordingListener) ObjectAdded(oid cos.OID, local, agg bool, rec *meta.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, oid)
}
func (r *recordingListener) ObjectRemoved(oid cos.OID, local, agg bool) {}
func (r *recordingListener) ObjectUpdated(oid cos.OID, local, agg bool, rec *meta.Record, advanced []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, oid)
}

func TestMonotonicApplyAndListenerFanout(t *testing.T) {
	svc := loc.NewService(16)
	lst := &recordingListener{}
	svc.AddListener(lst, true)

	oid := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	rec := meta.NewRecord(oid)
	svc.LocalObjectAdded(oid, false, rec)

	u := &meta.Update{OID: oid}
	u.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 1}}, 5)
	svc.LocalObjectUpdated(u)

	// Stale seq must be dropped.
	stale := &meta.Update{OID: oid}
	stale.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 99}}, 3)
	svc.LocalObjectUpdated(stale)

	gotRec, local, ok := svc.Lookup(oid)
	if !ok || !local {
		t.Fatalf("Lookup: ok=%v local=%v", ok, local)
	}
	if gotRec.Location.P.X != 1 {
		t.Fatalf("stale update must not overwrite: got X=%v", gotRec.Location.P.X)
	}

	lst.mu.Lock()
	defer lst.mu.Unlock()
	if len(lst.added) != 1 || len(lst.updated) != 1 {
		t.Fatalf("listener fanout: added=%v updated=%v", lst.added, lst.updated)
	}
}

func TestSubscriptionCoalescesUnderBackpressure(t *testing.T) {
	svc := loc.NewService(1) // capacity 1: forces coalescing
	oid := cos.MustParseOID("aabbccddeeff00112233445566778899")
	svc.LocalObjectAdded(oid, false, meta.NewRecord(oid))

	delivered := make(chan int64, 16)
	block := make(chan struct{})
	first := true
	svc.Subscribe("sub1", oid, func(o cos.OID, rec *meta.Record, advanced []bool) {
		if first {
			first = false
			<-block // hold the dispatch loop so subsequent updates coalesce
		}
		delivered <- int64(rec.Seq[meta.FieldLocation])
	})

	for seq := uint64(1); seq <= 5; seq++ {
		u := &meta.Update{OID: oid}
		u.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: float64(seq)}}, seq)
		svc.LocalObjectUpdated(u)
	}
	close(block)

	var seqs []int64
	for {
		select {
		case s := <-delivered:
			seqs = append(seqs, s)
		case <-time.After(300 * time.Millisecond):
			goto done
		}
	}
done:
	if len(seqs) == 0 {
		t.Fatal("expected at least one delivery")
	}
	last := seqs[len(seqs)-1]
	if last != 5 {
		t.Fatalf("last delivered seq = %d, want 5 (coalescing must never lose the latest state)", last)
	}
	if len(seqs) >= 5 {
		t.Fatalf("expected fewer than 5 deliveries due to coalescing, got %d: %v", len(seqs), seqs)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc := loc.NewService(16)
	oid := cos.MustParseOID("11223344556677889900aabbccddeeff")
	svc.LocalObjectAdded(oid, false, meta.NewRecord(oid))

	var mu sync.Mutex
	count := 0
	svc.Subscribe("sub2", oid, func(o cos.OID, rec *meta.Record, advanced []bool) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	svc.Unsubscribe("sub2", oid)

	u := &meta.Update{OID: oid}
	u.SetLocation(meta.TimedMotionVector{}, 1)
	svc.LocalObjectUpdated(u)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestFieldAdvancedSinceRangeQuery(t *testing.T) {
	svc := loc.NewService(16)
	a := cos.MustParseOID("00000000000000000000000000000001")
	b := cos.MustParseOID("00000000000000000000000000000002")
	svc.LocalObjectAdded(a, false, meta.NewRecord(a))
	svc.LocalObjectAdded(b, false, meta.NewRecord(b))

	ua := &meta.Update{OID: a}
	ua.SetLocation(meta.TimedMotionVector{}, 10)
	svc.LocalObjectUpdated(ua)

	ub := &meta.Update{OID: b}
	ub.SetLocation(meta.TimedMotionVector{}, 20)
	svc.LocalObjectUpdated(ub)

	// An unrelated field must not appear in FieldLocation's range.
	ub2 := &meta.Update{OID: b}
	ub2.SetMesh("mesh.obj", 1)
	svc.LocalObjectUpdated(ub2)

	got := svc.FieldAdvancedSince(meta.FieldLocation, 10)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("FieldAdvancedSince(location, 10) = %v, want [%v]", got, b)
	}

	got = svc.FieldAdvancedSince(meta.FieldLocation, 0)
	if len(got) != 2 {
		t.Fatalf("FieldAdvancedSince(location, 0) = %v, want both objects", got)
	}

	svc.LocalObjectRemoved(a)
	got = svc.FieldAdvancedSince(meta.FieldLocation, 0)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("FieldAdvancedSince after removing a = %v, want [%v]", got, b)
	}
}

type proxListener struct {
	mu      sync.Mutex
	added   []cos.OID
	updated []cos.OID
}

func (p *proxListener) ObjectAdded(oid cos.OID, aggregate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, oid)
}
func (p *proxListener) ObjectRemoved(oid cos.OID, aggregate bool) {}
func (p *proxListener) ObjectUpdated(oid cos.OID, advanced []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, oid)
}

func TestCacheBridgesToProxListener(t *testing.T) {
	pool := sched.NewPool(2)
	defer pool.Close()
	strand := pool.NewStrand("prox-test")

	svc := loc.NewService(16)
	cache := loc.NewCache(svc, strand, true)
	pl := &proxListener{}
	cache.AddUpdateListener(pl)

	oid := cos.MustParseOID("99887766554433221100ffeeddccbbaa")
	rec := meta.NewRecord(oid)
	svc.LocalObjectAdded(oid, false, rec)

	u := &meta.Update{OID: oid}
	u.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 7}}, 1)
	svc.LocalObjectUpdated(u)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pl.mu.Lock()
		n := len(pl.added)
		m := len(pl.updated)
		pl.mu.Unlock()
		if n == 1 && m == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cache did not bridge add/update to prox listener in time")
}
