package loc

import (
	"sync"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
)

// queuedDelta is one coalesced, not-yet-delivered change for an object:
// the latest record snapshot plus the union of fields that have advanced
// since the last flush to this subscriber.
type queuedDelta struct {
	rec      *meta.Record
	advanced []bool
}

// subQueue is one subscriber's bounded, per-destination delivery queue
// (spec.md §4.3 "Backpressure"): entries are keyed by object, FIFO by
// first-enqueue order, and coalesced in place while full.
type subQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cap     int
	order   []cos.OID
	pending map[cos.OID]*queuedDelta
	deliver func(cos.OID, *meta.Record, []bool)
	closed  bool
}

func newSubQueue(cap int, deliver func(cos.OID, *meta.Record, []bool)) *subQueue {
	q := &subQueue{cap: cap, pending: make(map[cos.OID]*queuedDelta), deliver: deliver}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// enqueue coalesces a delta into the queue. If oid is already pending, the
// new values replace the old ones and the advanced masks union -- the
// subscriber never loses the latest state. If oid is not pending and the
// queue is at capacity, the delta is dropped: the existing entries keep
// their slot rather than being evicted for a newer object (spec.md §4.3:
// "coalescing continues in place").
func (q *subQueue) enqueue(oid cos.OID, rec *meta.Record, advanced []bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if d, ok := q.pending[oid]; ok {
		d.rec = rec.Clone()
		for i, adv := range advanced {
			if adv {
				d.advanced[i] = true
			}
		}
		q.cond.Signal()
		return
	}
	if len(q.order) >= q.cap {
		return
	}
	mask := make([]bool, len(advanced))
	copy(mask, advanced)
	q.pending[oid] = &queuedDelta{rec: rec.Clone(), advanced: mask}
	q.order = append(q.order, oid)
	q.cond.Signal()
}

// dropObject removes any pending delta for oid without delivering it, used
// when the object itself is removed out from under a pending subscription.
func (q *subQueue) dropObject(oid cos.OID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[oid]; !ok {
		return
	}
	delete(q.pending, oid)
	for i, o := range q.order {
		if o == oid {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *subQueue) run() {
	for {
		q.mu.Lock()
		for len(q.order) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		oid := q.order[0]
		q.order = q.order[1:]
		d := q.pending[oid]
		delete(q.pending, oid)
		q.mu.Unlock()

		q.deliver(oid, d.rec, d.advanced)
	}
}

func (q *subQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// subscriptionTable tracks, per subscriber id, a subQueue, and maintains
// the reverse index from object to subscribers for dispatch and for
// bulk cleanup when an object is removed.
type subscriptionTable struct {
	cap int

	mu        sync.Mutex
	queues    map[string]*subQueue
	byObject  map[cos.OID]map[string]struct{}
	bySubIDs  map[string]map[cos.OID]struct{}
}

func newSubscriptionTable(cap int) *subscriptionTable {
	if cap <= 0 {
		cap = 256
	}
	return &subscriptionTable{
		cap:      cap,
		queues:   make(map[string]*subQueue),
		byObject: make(map[cos.OID]map[string]struct{}),
		bySubIDs: make(map[string]map[cos.OID]struct{}),
	}
}

func (t *subscriptionTable) subscribe(subscriber string, oid cos.OID, deliver func(cos.OID, *meta.Record, []bool)) {
	t.mu.Lock()
	q, ok := t.queues[subscriber]
	if !ok {
		q = newSubQueue(t.cap, deliver)
		t.queues[subscriber] = q
	}
	if t.byObject[oid] == nil {
		t.byObject[oid] = make(map[string]struct{})
	}
	t.byObject[oid][subscriber] = struct{}{}
	if t.bySubIDs[subscriber] == nil {
		t.bySubIDs[subscriber] = make(map[cos.OID]struct{})
	}
	t.bySubIDs[subscriber][oid] = struct{}{}
	t.mu.Unlock()
}

func (t *subscriptionTable) unsubscribe(subscriber string, oid cos.OID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if subs, ok := t.byObject[oid]; ok {
		delete(subs, subscriber)
		if len(subs) == 0 {
			delete(t.byObject, oid)
		}
	}
	if oids, ok := t.bySubIDs[subscriber]; ok {
		delete(oids, oid)
	}
	if q, ok := t.queues[subscriber]; ok {
		q.dropObject(oid)
	}
}

func (t *subscriptionTable) unsubscribeAll(subscriber string) {
	t.mu.Lock()
	oids := t.bySubIDs[subscriber]
	delete(t.bySubIDs, subscriber)
	q := t.queues[subscriber]
	delete(t.queues, subscriber)
	for oid := range oids {
		if subs, ok := t.byObject[oid]; ok {
			delete(subs, subscriber)
			if len(subs) == 0 {
				delete(t.byObject, oid)
			}
		}
	}
	t.mu.Unlock()
	if q != nil {
		q.close()
	}
}

// unsubscribeAllForObject clears every subscription to oid, called when
// the object itself is deregistered so dangling subscriptions don't leak.
func (t *subscriptionTable) unsubscribeAllForObject(oid cos.OID) {
	t.mu.Lock()
	subs := t.byObject[oid]
	delete(t.byObject, oid)
	var queues []*subQueue
	for subscriber := range subs {
		if oids, ok := t.bySubIDs[subscriber]; ok {
			delete(oids, oid)
		}
		if q, ok := t.queues[subscriber]; ok {
			queues = append(queues, q)
		}
	}
	t.mu.Unlock()
	for _, q := range queues {
		q.dropObject(oid)
	}
}

func (t *subscriptionTable) dispatch(oid cos.OID, rec *meta.Record, advanced []bool) {
	t.mu.Lock()
	subs := t.byObject[oid]
	var queues []*subQueue
	for subscriber := range subs {
		if q, ok := t.queues[subscriber]; ok {
			queues = append(queues, q)
		}
	}
	t.mu.Unlock()
	for _, q := range queues {
		q.enqueue(oid, rec, advanced)
	}
}
