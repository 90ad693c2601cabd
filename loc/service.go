// Package loc implements the Location Service (spec.md §4.3): the
// authoritative per-node store of each object's kinematic state, with
// replication to remote servers and publish/subscribe delivery to
// subscribers.
package loc

import (
	"sync"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
)

// Listener receives every applied change to every tracked object, local or
// replica, subject to the wantAggregates filter it registered with
// (spec.md §4.3: "addListener(listener, wantAggregates)"). advanced has
// length meta.NumFields() and mirrors the mask returned by Record.Apply.
type Listener interface {
	ObjectAdded(oid cos.OID, local bool, agg bool, rec *meta.Record)
	ObjectRemoved(oid cos.OID, local bool, agg bool)
	ObjectUpdated(oid cos.OID, local bool, agg bool, rec *meta.Record, advanced []bool)
}

type registeredListener struct {
	listener       Listener
	wantAggregates bool
}

type objectEntry struct {
	rec       *meta.Record
	aggregate bool
}

// Service holds the local-authoritative and replica record tables, and
// fans out every applied change to registered listeners and subscribers.
type Service struct {
	mu      sync.Mutex
	local   map[cos.OID]*objectEntry
	replica map[cos.OID]*objectEntry

	listenersMu sync.Mutex
	listeners   []registeredListener

	subs   *subscriptionTable
	seqIdx seqIndex
}

// NewService creates an empty Service. subQueueCap bounds each subscriber's
// per-destination coalescing queue (spec.md §4.3 backpressure clause).
func NewService(subQueueCap int) *Service {
	return &Service{
		local:   make(map[cos.OID]*objectEntry),
		replica: make(map[cos.OID]*objectEntry),
		subs:    newSubscriptionTable(subQueueCap),
	}
}

// AddListener registers l for every applied change. If wantAggregates is
// false, changes to objects marked as aggregates (spec.md §4.4 composite
// objects) are filtered out before reaching l.
func (s *Service) AddListener(l Listener, wantAggregates bool) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, registeredListener{listener: l, wantAggregates: wantAggregates})
}

func (s *Service) RemoveListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := s.listeners[:0]
	for _, rl := range s.listeners {
		if rl.listener != l {
			out = append(out, rl)
		}
	}
	s.listeners = out
}

func (s *Service) notifyAdded(oid cos.OID, local, agg bool, rec *meta.Record) {
	s.listenersMu.Lock()
	ls := append([]registeredListener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, rl := range ls {
		if agg && !rl.wantAggregates {
			continue
		}
		rl.listener.ObjectAdded(oid, local, agg, rec)
	}
}

func (s *Service) notifyRemoved(oid cos.OID, local, agg bool) {
	s.listenersMu.Lock()
	ls := append([]registeredListener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, rl := range ls {
		if agg && !rl.wantAggregates {
			continue
		}
		rl.listener.ObjectRemoved(oid, local, agg)
	}
}

func (s *Service) notifyUpdated(oid cos.OID, local, agg bool, rec *meta.Record, advanced []bool) {
	s.listenersMu.Lock()
	ls := append([]registeredListener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, rl := range ls {
		if agg && !rl.wantAggregates {
			continue
		}
		rl.listener.ObjectUpdated(oid, local, agg, rec, advanced)
	}
	s.subs.dispatch(oid, rec, advanced)
}

// LocalObjectAdded registers a newly-admitted locally-owned object
// (spec.md §4.3).
func (s *Service) LocalObjectAdded(oid cos.OID, agg bool, rec *meta.Record) {
	s.mu.Lock()
	s.local[oid] = &objectEntry{rec: rec, aggregate: agg}
	s.mu.Unlock()
	s.indexRecord(oid, rec)
	s.notifyAdded(oid, true, agg, rec)
}

// LocalObjectRemoved deregisters a locally-owned object (session close or
// migration-out commit).
func (s *Service) LocalObjectRemoved(oid cos.OID) {
	s.mu.Lock()
	e, ok := s.local[oid]
	if ok {
		delete(s.local, oid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.seqIdx.remove(oid)
	s.notifyRemoved(oid, true, e.aggregate)
	s.subs.unsubscribeAllForObject(oid)
}

// LocalObjectUpdated applies u to the locally-owned record for u.OID,
// honoring the per-field monotonic sequence rule (meta.Record.Apply), and
// fans out the delta to listeners and subscribers. It is a no-op if oid
// isn't a locally-owned object.
func (s *Service) LocalObjectUpdated(u *meta.Update) {
	s.mu.Lock()
	e, ok := s.local[u.OID]
	s.mu.Unlock()
	if !ok {
		return
	}
	advanced := e.rec.Apply(u)
	if !meta.AnyAdvanced(advanced) {
		return
	}
	s.indexRecord(u.OID, e.rec)
	s.notifyUpdated(u.OID, true, e.aggregate, e.rec, advanced[:])
}

// ReplicaObjectAdded mirrors localObjectAdded for an object this server
// tracks as a replica, typically fed by an inbound wire.LocUpdate.
func (s *Service) ReplicaObjectAdded(oid cos.OID, agg bool, rec *meta.Record) {
	s.mu.Lock()
	s.replica[oid] = &objectEntry{rec: rec, aggregate: agg}
	s.mu.Unlock()
	s.indexRecord(oid, rec)
	s.notifyAdded(oid, false, agg, rec)
}

func (s *Service) ReplicaObjectRemoved(oid cos.OID) {
	s.mu.Lock()
	e, ok := s.replica[oid]
	if ok {
		delete(s.replica, oid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.seqIdx.remove(oid)
	s.notifyRemoved(oid, false, e.aggregate)
	s.subs.unsubscribeAllForObject(oid)
}

func (s *Service) ReplicaObjectUpdated(u *meta.Update) {
	s.mu.Lock()
	e, ok := s.replica[u.OID]
	s.mu.Unlock()
	if !ok {
		return
	}
	advanced := e.rec.Apply(u)
	if !meta.AnyAdvanced(advanced) {
		return
	}
	s.indexRecord(u.OID, e.rec)
	s.notifyUpdated(u.OID, false, e.aggregate, e.rec, advanced[:])
}

// indexRecord refreshes the ordered (field, OID) sequence index for every
// field of rec, mirroring whatever rec.Apply just advanced (or the
// initial state of a newly-added object).
func (s *Service) indexRecord(oid cos.OID, rec *meta.Record) {
	for f := 0; f < len(rec.Seq); f++ {
		s.seqIdx.record(meta.Field(f), oid, rec.Seq[f])
	}
}

// FieldAdvancedSince returns, in OID order, every tracked object whose
// field has been applied at a sequence number past since. The
// subscription dispatcher does not call it; its coalescing keeps only
// the newest queued record per object on its own.
func (s *Service) FieldAdvancedSince(field meta.Field, since uint64) []cos.OID {
	return s.seqIdx.advancedSince(field, since)
}

// Lookup returns the current record for oid, local or replica, and whether
// it's locally authoritative.
func (s *Service) Lookup(oid cos.OID) (rec *meta.Record, local bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, found := s.local[oid]; found {
		return e.rec, true, true
	}
	if e, found := s.replica[oid]; found {
		return e.rec, false, true
	}
	return nil, false, false
}

// IsLocal reports whether oid is presently a locally-owned object.
func (s *Service) IsLocal(oid cos.OID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[oid]
	return ok
}

// Subscribe registers subscriber to receive future deltas for oid
// (spec.md §4.3). deliver is invoked by the subscriber's dispatch loop,
// never inline from an Apply call, so a slow subscriber cannot stall
// object-update processing.
func (s *Service) Subscribe(subscriber string, oid cos.OID, deliver func(cos.OID, *meta.Record, []bool)) {
	s.subs.subscribe(subscriber, oid, deliver)
}

// Unsubscribe removes one subscription. UnsubscribeAll removes every
// subscription subscriber holds (spec.md §4.3: "unsubscribe(subscriber,
// oid|all)").
func (s *Service) Unsubscribe(subscriber string, oid cos.OID) { s.subs.unsubscribe(subscriber, oid) }
func (s *Service) UnsubscribeAll(subscriber string)           { s.subs.unsubscribeAll(subscriber) }
