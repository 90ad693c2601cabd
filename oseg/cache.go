package oseg

import (
	"container/list"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/sirikata/spaced/cmn/cos"
)

// Cache is the bounded LRU directory cache of spec.md §4.2: entries are
// populated on lookup miss and invalidated by MigrateAck/OSegUpdate
// receipt. A cuckoofilter is a negative-lookup pre-check. Because a
// cuckoo filter supports deletion, it's kept in lockstep with the LRU's
// actual membership (unlike a Bloom filter, which could never shrink),
// grounded on SPEC_FULL.md's domain-stack entry for
// github.com/seiflotfy/cuckoofilter.
type Cache struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List // front = most recently used
	items    map[cos.OID]*list.Element
	filter   *cuckoo.Filter
}

type cacheEntry struct {
	oid   cos.OID
	entry Entry
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{
		cap:    capacity,
		ll:     list.New(),
		items:  make(map[cos.OID]*list.Element),
		filter: cuckoo.NewFilter(uint(capacity * 2)),
	}
}

// MightContain is the fast negative-lookup pre-check: false means oid is
// definitely not cached, letting callers skip the LRU mutex entirely on
// the common cold-cache path.
func (c *Cache) MightContain(oid cos.OID) bool {
	return c.filter.Lookup(oid[:])
}

func (c *Cache) Get(oid cos.OID) (Entry, bool) {
	if !c.MightContain(oid) {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[oid]
	if !ok {
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).entry, true
}

func (c *Cache) Put(oid cos.OID, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[oid]; ok {
		el.Value.(*cacheEntry).entry = e
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{oid: oid, entry: e})
	c.items[oid] = el
	c.filter.InsertUnique(oid[:])
	if c.ll.Len() > c.cap {
		c.evictOldest()
	}
}

// Invalidate drops oid from the cache (spec.md §4.2: "entries are
// invalidated by MigrateAck/OSegUpdate messages").
func (c *Cache) Invalidate(oid cos.OID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[oid]
	if !ok {
		return
	}
	c.ll.Remove(el)
	delete(c.items, oid)
	c.filter.Delete(oid[:])
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	ce := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.items, ce.oid)
	c.filter.Delete(ce.oid[:])
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
