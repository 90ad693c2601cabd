package prox_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/loc"
	"github.com/sirikata/spaced/prox"
	"github.com/sirikata/spaced/sched"
)

// recordingEvents is an EventListener that just appends Enter/Exit calls
// for later assertion; thread-safe since it's invoked from the shared
// Prox strand but read from the test goroutine.
type recordingEvents struct {
	mu      sync.Mutex
	entered map[prox.QuerierID][]cos.OID
	exited  map[prox.QuerierID][]cos.OID
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{entered: map[prox.QuerierID][]cos.OID{}, exited: map[prox.QuerierID][]cos.OID{}}
}

func (r *recordingEvents) Enter(q prox.QuerierID, oid cos.OID, rec *meta.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entered[q] = append(r.entered[q], oid)
}

func (r *recordingEvents) Exit(q prox.QuerierID, oid cos.OID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited[q] = append(r.exited[q], oid)
}

func (r *recordingEvents) enteredOf(q prox.QuerierID) []cos.OID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]cos.OID(nil), r.entered[q]...)
	return out
}

func (r *recordingEvents) exitedOf(q prox.QuerierID) []cos.OID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]cos.OID(nil), r.exited[q]...)
	return out
}

// harness wires a Service+Cache+Engine onto one strand and provides a
// postSync helper so tests can drive object/query mutation and Tick()
// deterministically despite the strand's async dispatch. The Cache
// re-posts every add/update to the strand, so a Tick has to run in a
// later postSync than the mutation it is meant to observe.
type harness struct {
	pool   *sched.Pool
	strand *sched.Strand
	svc    *loc.Service
	cache  *loc.Cache
	engine *prox.Engine
	events *recordingEvents
}

func newHarness() *harness {
	pool := sched.NewPool(2)
	strand := pool.NewStrand("prox-spec")
	svc := loc.NewService(64)
	cache := loc.NewCache(svc, strand, true)
	engine := prox.NewEngine(cache)
	events := newRecordingEvents()
	engine.AddListener(events)
	cache.AddUpdateListener(engine)
	return &harness{pool: pool, strand: strand, svc: svc, cache: cache, engine: engine, events: events}
}

func (h *harness) close() { h.pool.Close() }

func (h *harness) postSync(fn func()) {
	done := make(chan struct{})
	h.strand.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		panic("postSync: strand task never completed")
	}
}

func (h *harness) addObject(oid cos.OID, pos meta.Vec3, radius float64) {
	rec := meta.NewRecord(oid)
	u := &meta.Update{OID: oid}
	u.SetLocation(meta.TimedMotionVector{P: pos}, 1)
	u.SetBounds(meta.BoundingDescription{MaxObjectRadius: radius}, 1)
	rec.Apply(u)
	h.svc.LocalObjectAdded(oid, false, rec)
}

func (h *harness) moveObject(oid cos.OID, pos meta.Vec3, seq uint64) {
	u := &meta.Update{OID: oid}
	u.SetLocation(meta.TimedMotionVector{P: pos}, seq)
	h.svc.LocalObjectUpdated(u)
}

var _ = Describe("Engine", func() {
	var h *harness

	BeforeEach(func() { h = newHarness() })
	AfterEach(func() { h.close() })

	It("emits Enter when an object's apparent size crosses theta", func() {
		querier := cos.MustParseOID("00000000000000000000000000000001")
		target := cos.MustParseOID("00000000000000000000000000000002")

		h.postSync(func() {
			h.addObject(querier, meta.Vec3{}, 0.1)
			h.addObject(target, meta.Vec3{X: 10}, 5) // apparent size 5/10 = 0.5
		})
		h.postSync(func() {
			h.engine.RegisterQuery("q1", querier, 0.1, 10, true)
			h.engine.Tick()
		})

		Eventually(func() []cos.OID { return h.events.enteredOf("q1") }).Should(ContainElement(target))
	})

	It("emits Exit when the object moves out of range", func() {
		querier := cos.MustParseOID("10000000000000000000000000000001")
		target := cos.MustParseOID("10000000000000000000000000000002")

		h.postSync(func() {
			h.addObject(querier, meta.Vec3{}, 0.1)
			h.addObject(target, meta.Vec3{X: 10}, 5)
		})
		h.postSync(func() {
			h.engine.RegisterQuery("q2", querier, 0.1, 10, true)
			h.engine.Tick()
		})
		Eventually(func() []cos.OID { return h.events.enteredOf("q2") }).Should(ContainElement(target))

		h.postSync(func() {
			h.moveObject(target, meta.Vec3{X: 10000}, 2)
		})
		h.postSync(func() {
			h.engine.Tick()
		})
		Eventually(func() []cos.OID { return h.events.exitedOf("q2") }).Should(ContainElement(target))
	})

	It("drops aggregate objects from queries that did not opt in", func() {
		querier := cos.MustParseOID("20000000000000000000000000000001")
		agg := cos.MustParseOID("20000000000000000000000000000002")

		h.postSync(func() {
			h.addObject(querier, meta.Vec3{}, 0.1)
			rec := meta.NewRecord(agg)
			u := &meta.Update{OID: agg}
			u.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 2}}, 1)
			u.SetBounds(meta.BoundingDescription{MaxObjectRadius: 5}, 1)
			rec.Apply(u)
			h.svc.LocalObjectAdded(agg, true, rec)
		})
		h.postSync(func() {
			h.engine.RegisterQuery("q3", querier, 0.1, 10, false)
			h.engine.Tick()
		})

		Consistently(func() []cos.OID { return h.events.enteredOf("q3") }, "100ms").ShouldNot(ContainElement(agg))
	})

	It("evicts the smallest apparent size first when over max-results", func() {
		querier := cos.MustParseOID("30000000000000000000000000000001")
		near := cos.MustParseOID("30000000000000000000000000000002")
		far := cos.MustParseOID("30000000000000000000000000000003")

		h.postSync(func() {
			h.addObject(querier, meta.Vec3{}, 0.1)
			h.addObject(near, meta.Vec3{X: 2}, 5)  // size 2.5
			h.addObject(far, meta.Vec3{X: 20}, 5)  // size 0.25
		})
		h.postSync(func() {
			h.engine.RegisterQuery("q4", querier, 0.01, 1, true)
			h.engine.Tick()
		})

		Eventually(func() []cos.OID { return h.events.enteredOf("q4") }).Should(ConsistOf(near))
	})
})
