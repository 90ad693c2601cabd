package loc

import (
	"sync"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/sched"
)

// UpdateListener is Prox's view onto the Cache: the same event stream
// ordinary subscribers see (spec.md §4.3 "Cross-listener replication"),
// but delivered only on the Cache's strand so Prox's index update never
// races with the listener callbacks below.
type UpdateListener interface {
	ObjectAdded(oid cos.OID, aggregate bool)
	ObjectRemoved(oid cos.OID, aggregate bool)
	ObjectUpdated(oid cos.OID, advanced []bool)
}

type cacheEntry struct {
	rec       *meta.Record
	local     bool
	tracking  int
	exists    bool
	aggregate bool
}

// Cache is the Go counterpart of original_source's CBRLocationServiceCache:
// it registers itself as a Service Listener and re-publishes the same
// event stream to Prox on its own strand, so CBR (here, Prox) only ever
// sees events serialized with its other proximity-thread work. Object
// data itself is touched only from the Cache's strand once installed, so
// it needs no separate lock (mirroring the C++ comment: "this data does
// *NOT* need to be locked for access").
type Cache struct {
	svc          *Service
	strand       *sched.Strand
	withReplicas bool

	objects map[cos.OID]*cacheEntry

	listenersMu sync.Mutex
	listeners   map[UpdateListener]struct{}
}

// NewCache constructs a Cache over svc, processing its own work on strand.
// If withReplicas, replica objects are tracked in addition to local ones
// (always tracked), matching the constructor argument of the same name in
// CBRLocationServiceCache.
func NewCache(svc *Service, strand *sched.Strand, withReplicas bool) *Cache {
	c := &Cache{
		svc:          svc,
		strand:       strand,
		withReplicas: withReplicas,
		objects:      make(map[cos.OID]*cacheEntry),
		listeners:    make(map[UpdateListener]struct{}),
	}
	svc.AddListener(c, true)
	return c
}

func (c *Cache) AddUpdateListener(l UpdateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[l] = struct{}{}
}

func (c *Cache) RemoveUpdateListener(l UpdateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, l)
}

func (c *Cache) forEachListener(fn func(UpdateListener)) {
	c.listenersMu.Lock()
	ls := make([]UpdateListener, 0, len(c.listeners))
	for l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// ObjectAdded implements Listener, posting the actual work to the strand.
func (c *Cache) ObjectAdded(oid cos.OID, local bool, agg bool, rec *meta.Record) {
	if !local && !c.withReplicas {
		return
	}
	c.strand.Post(func() { c.processAdded(oid, local, agg, rec) })
}

func (c *Cache) ObjectRemoved(oid cos.OID, local bool, agg bool) {
	if !local && !c.withReplicas {
		return
	}
	c.strand.Post(func() { c.processRemoved(oid, agg) })
}

func (c *Cache) ObjectUpdated(oid cos.OID, local bool, agg bool, rec *meta.Record, advanced []bool) {
	if !local && !c.withReplicas {
		return
	}
	mask := make([]bool, len(advanced))
	copy(mask, advanced)
	c.strand.Post(func() { c.processUpdated(oid, rec, mask) })
}

func (c *Cache) processAdded(oid cos.OID, local bool, agg bool, rec *meta.Record) {
	c.objects[oid] = &cacheEntry{rec: rec.Clone(), local: local, exists: true, aggregate: agg}
	c.forEachListener(func(l UpdateListener) { l.ObjectAdded(oid, agg) })
}

func (c *Cache) processRemoved(oid cos.OID, agg bool) {
	e, ok := c.objects[oid]
	if !ok {
		return
	}
	e.exists = false
	if e.tracking <= 0 {
		delete(c.objects, oid)
	}
	c.forEachListener(func(l UpdateListener) { l.ObjectRemoved(oid, agg) })
}

func (c *Cache) processUpdated(oid cos.OID, rec *meta.Record, advanced []bool) {
	e, ok := c.objects[oid]
	if !ok {
		return
	}
	e.rec = rec.Clone()
	c.forEachListener(func(l UpdateListener) { l.ObjectUpdated(oid, advanced) })
}

// StartTracking/StopTracking are reference-counted holds matching the C++
// Iterator lifetime: Prox's index holds a tracking ref while an object is
// reachable from its working set, and the entry is only purged once both
// the authoritative side has removed it and tracking has dropped to zero.
// Must be called from the Cache's strand.
func (c *Cache) StartTracking(oid cos.OID) {
	if e, ok := c.objects[oid]; ok {
		e.tracking++
	}
}

func (c *Cache) StopTracking(oid cos.OID) {
	e, ok := c.objects[oid]
	if !ok {
		return
	}
	e.tracking--
	if e.tracking <= 0 && !e.exists {
		delete(c.objects, oid)
	}
}

// Record returns the cached snapshot for oid. Must be called from the
// Cache's strand.
func (c *Cache) Record(oid cos.OID) (*meta.Record, bool) {
	e, ok := c.objects[oid]
	if !ok {
		return nil, false
	}
	return e.rec, true
}

func (c *Cache) IsLocal(oid cos.OID) bool {
	e, ok := c.objects[oid]
	return ok && e.local
}

func (c *Cache) IsAggregate(oid cos.OID) bool {
	e, ok := c.objects[oid]
	return ok && e.aggregate
}
