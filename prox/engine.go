package prox

import (
	"sort"
	"sync"

	"github.com/tidwall/tinyqueue"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/loc"
)

// EventListener receives Enter/Exit transitions for a query (spec.md
// §4.4 point 3: "an event Enter(O) or Exit(O) is emitted, carrying the
// current Loc record for O... and the sequence numbers of each field").
type EventListener interface {
	Enter(query QuerierID, oid cos.OID, rec *meta.Record)
	Exit(query QuerierID, oid cos.OID)
}

// Engine ties a geometric Index to a loc.Cache and a set of registered
// queries, emitting Enter/Exit events on Tick. It implements
// loc.UpdateListener, so it must be handed to the same loc.Cache
// constructed on the Prox strand (spec.md §5: "Prox strand(s): index
// updates and query iteration") -- Engine never takes its own lock
// around the object-update path, relying on that single-strand
// serialization exactly as CBRLocationServiceCache does in
// original_source.
type Engine struct {
	cache *loc.Cache
	index *Index

	listenersMu sync.Mutex
	listeners   []EventListener

	queries map[QuerierID]*Query
	dirty   bool // conservative: any object touched since last Tick
}

func NewEngine(cache *loc.Cache) *Engine {
	return &Engine{
		cache:   cache,
		index:   NewIndex(),
		queries: make(map[QuerierID]*Query),
	}
}

func (e *Engine) AddListener(l EventListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// --- loc.UpdateListener: must run on the shared Cache/Prox strand. ---

func (e *Engine) ObjectAdded(oid cos.OID, aggregate bool) {
	e.indexObject(oid)
	e.dirty = true
}

func (e *Engine) ObjectRemoved(oid cos.OID, aggregate bool) {
	e.index.Remove(oid)
	e.dirty = true
	for id, q := range e.queries {
		if _, in := q.current[oid]; in {
			delete(q.current, oid)
			e.emitExit(id, oid)
		}
	}
}

func (e *Engine) ObjectUpdated(oid cos.OID, advanced []bool) {
	e.indexObject(oid)
	e.dirty = true
}

func (e *Engine) indexObject(oid cos.OID) {
	rec, ok := e.cache.Record(oid)
	if !ok {
		return
	}
	// Indexed at the position last reported, not extrapolated to "now":
	// the Engine has no independent tick clock of its own, and spec.md
	// doesn't require sub-tick extrapolation for index membership, only
	// for rendering/physics on the consumer side.
	e.index.Upsert(oid, rec.Location.P, rec.Bounds.ApparentRadius())
}

// RegisterQuery adds a new query (spec.md §4.4 point 1: "registers with
// (center-ref, theta, max-results)"). centerOID must already be a
// tracked object in the Cache (for a remote-server querier, the caller
// registers a synthetic placeholder object standing in for that
// server's viewport center).
func (e *Engine) RegisterQuery(id QuerierID, centerOID cos.OID, theta float64, maxResults int, wantAggregates bool) {
	e.queries[id] = newQuery(id, centerOID, theta, maxResults, wantAggregates)
	e.dirty = true
}

// UnregisterQuery drops a query and emits Exit for every object still in
// its result set.
func (e *Engine) UnregisterQuery(id QuerierID) {
	q, ok := e.queries[id]
	if !ok {
		return
	}
	delete(e.queries, id)
	for oid := range q.current {
		e.emitExit(id, oid)
	}
}

func (e *Engine) emitExit(id QuerierID, oid cos.OID) {
	e.listenersMu.Lock()
	ls := append([]EventListener(nil), e.listeners...)
	e.listenersMu.Unlock()
	for _, l := range ls {
		l.Exit(id, oid)
	}
}

func (e *Engine) emitEnter(id QuerierID, oid cos.OID, rec *meta.Record) {
	e.listenersMu.Lock()
	ls := append([]EventListener(nil), e.listeners...)
	e.listenersMu.Unlock()
	for _, l := range ls {
		l.Enter(id, oid, rec)
	}
}

// evictItem orders tinyqueue's min-heap by smallest apparent size first,
// tie-broken by OID (spec.md §4.4 "Result fairness").
type evictItem struct {
	oid  cos.OID
	size float64
}

func evictLess(a, b interface{}) bool {
	ia, ib := a.(evictItem), b.(evictItem)
	if ia.size != ib.size {
		return ia.size < ib.size
	}
	return ia.oid.Hex() < ib.oid.Hex()
}

// Tick recomputes membership for every query touched since the last
// tick (spec.md §4.4 point 2). The dirty bit is whole-engine and
// conservative -- any object change makes every query a recompute
// candidate this tick, trading some redundant work for a much simpler
// implementation than per-query dependency tracking, while the
// underlying Index update itself (Upsert/Remove) stays the
// amortized-sublinear operation the contract requires.
func (e *Engine) Tick() {
	if !e.dirty {
		return
	}
	e.dirty = false
	for id, q := range e.queries {
		e.recompute(id, q)
	}
}

func (e *Engine) recompute(id QuerierID, q *Query) {
	centerRec, ok := e.cache.Record(q.CenterOID)
	if !ok {
		return
	}
	center := centerRec.Location.P

	candidates := e.index.Query(center, q.CenterOID, q.Theta)
	if !q.WantAggregates {
		filtered := candidates[:0]
		for _, c := range candidates {
			if e.cache.IsAggregate(c.oid) {
				continue
			}
			filtered = append(filtered, c)
		}
		candidates = filtered
	}

	if q.MaxResults > 0 && len(candidates) > q.MaxResults {
		candidates = evictToFit(candidates, q.MaxResults)
	}

	next := make(map[cos.OID]float64, len(candidates))
	for _, c := range candidates {
		next[c.oid] = c.size
	}

	// Exit: in current but not next.
	var exited []cos.OID
	for oid := range q.current {
		if _, still := next[oid]; !still {
			exited = append(exited, oid)
		}
	}
	sort.Slice(exited, func(i, j int) bool { return exited[i].Hex() < exited[j].Hex() })
	for _, oid := range exited {
		delete(q.current, oid)
		e.emitExit(id, oid)
	}

	// Enter: in next but not current.
	var entered []candidate
	for _, c := range candidates {
		if _, already := q.current[c.oid]; !already {
			entered = append(entered, c)
		}
	}
	// Sort per-query events by the object's location sequence number so
	// downstream consumers never observe out-of-order delivery for a
	// given (object, field) pair within one tick (spec.md §4.4 point 4).
	sort.Slice(entered, func(i, j int) bool {
		ri, _ := e.cache.Record(entered[i].oid)
		rj, _ := e.cache.Record(entered[j].oid)
		if ri == nil || rj == nil {
			return entered[i].oid.Hex() < entered[j].oid.Hex()
		}
		return ri.Seq[meta.FieldLocation] < rj.Seq[meta.FieldLocation]
	})
	for _, c := range entered {
		q.current[c.oid] = c.size
		rec, _ := e.cache.Record(c.oid)
		e.emitEnter(id, c.oid, rec)
	}
}

// evictToFit keeps the limit candidates with the largest apparent size,
// dropping the smallest first and breaking ties by OID (spec.md §4.4
// "Result fairness"), via a tidwall/tinyqueue min-heap over everything
// that doesn't survive.
func evictToFit(candidates []candidate, limit int) []candidate {
	h := tinyqueue.New(nil, evictLess)
	for _, c := range candidates {
		h.Push(evictItem{oid: c.oid, size: c.size})
	}
	drop := h.Len() - limit
	dropped := make(map[cos.OID]struct{}, drop)
	for i := 0; i < drop; i++ {
		it := h.Pop().(evictItem)
		dropped[it.oid] = struct{}{}
	}
	out := candidates[:0]
	for _, c := range candidates {
		if _, gone := dropped[c.oid]; !gone {
			out = append(out, c)
		}
	}
	return out
}
