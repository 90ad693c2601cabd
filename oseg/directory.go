package oseg

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/nlog"
)

// Directory is the OSeg component (spec.md §4.2): local authoritative
// table + bounded cache in front of a shared backing Store, with
// migration handoff coordination.
type Directory struct {
	self   cos.ServerID
	prefix string
	store  Store
	cache  *Cache
	sf     singleflight.Group

	mu        sync.Mutex
	local     map[cos.OID]Entry
	migrating map[cos.OID]struct{}

	trace *LookupTrace
}

func NewDirectory(self cos.ServerID, prefix string, store Store, cacheCap int) *Directory {
	return &Directory{
		self:      self,
		prefix:    prefix,
		store:     store,
		cache:     NewCache(cacheCap),
		local:     make(map[cos.OID]Entry),
		migrating: make(map[cos.OID]struct{}),
	}
}

// EnableTrace turns on the lookup-trace diagnostic (see lookup_trace.go),
// supplementing spec.md from original_source's OSegLookupTraceToken.
func (d *Directory) EnableTrace(capacity int) *LookupTrace {
	d.trace = NewLookupTrace(capacity)
	return d.trace
}

// CacheLookup never blocks (spec.md §4.2): local authoritative table,
// then the LRU cache, or a miss.
func (d *Directory) CacheLookup(oid cos.OID) (Entry, bool) {
	d.mu.Lock()
	if e, ok := d.local[oid]; ok {
		d.mu.Unlock()
		return e, true
	}
	d.mu.Unlock()
	return d.cache.Get(oid)
}

// Lookup returns an entry synchronously if locally known (local table or
// cache); otherwise it returns (zero, false) and later invokes onComplete
// exactly once with the resolved entry or an error: not-found when the
// store holds no entry for oid, directory-unreachable when the store read
// fails, or the error from decoding the stored entry.
// Concurrent lookups for the same oid are coalesced via singleflight.
func (d *Directory) Lookup(ctx context.Context, oid cos.OID, onComplete func(Entry, error)) (Entry, bool) {
	if e, ok := d.CacheLookup(oid); ok {
		return e, true
	}
	go func() {
		v, err, _ := d.sf.Do(oid.Hex(), func() (interface{}, error) {
			val, found, err := d.store.Get(ctx, key(d.prefix, oid))
			if err != nil {
				return nil, cos.NewErrDirectoryUnreachable(err)
			}
			if !found {
				return nil, cos.NewErrNotFound(oid.Hex())
			}
			e, err := decodeEntry(val)
			if err != nil {
				return nil, err
			}
			return e, nil
		})
		if d.trace != nil {
			d.trace.Record(oid, err)
		}
		if err != nil {
			onComplete(Entry{}, err)
			return
		}
		e := v.(Entry)
		d.cache.Put(oid, e)
		onComplete(e, nil)
	}()
	return Entry{}, false
}

// AddNewObject registers a new local object via SETNX (spec.md §4.2).
func (d *Directory) AddNewObject(ctx context.Context, oid cos.OID, radius float64) AddStatus {
	entry := Entry{Server: d.self, Radius: radius}
	set, err := d.store.SetNX(ctx, key(d.prefix, oid), entry.encode())
	if err != nil {
		nlog.Warningf("oseg: addNewObject %s: %v", oid, err)
		return AddUnknownError
	}
	if !set {
		return AddAlreadyRegistered
	}
	d.mu.Lock()
	d.local[oid] = entry
	d.mu.Unlock()
	d.cache.Put(oid, entry)
	return AddSuccess
}

// AddMigratedObject claims authority upon an incoming migration (spec.md
// §4.2): an unconditional SET is the commit point, after which this
// server -- and only this server -- owns oid. If generateAck, sendAck is
// invoked with the acknowledgement once the write commits.
func (d *Directory) AddMigratedObject(ctx context.Context, oid cos.OID, radius float64, from cos.ServerID,
	generateAck bool, sendAck func(to cos.ServerID, oid cos.OID, radius float64)) error {
	entry := Entry{Server: d.self, Radius: radius}
	if err := d.store.Set(ctx, key(d.prefix, oid), entry.encode()); err != nil {
		return cos.NewErrDirectoryUnreachable(err)
	}
	d.mu.Lock()
	d.local[oid] = entry
	d.mu.Unlock()
	d.cache.Put(oid, entry)
	if generateAck && sendAck != nil {
		sendAck(from, oid, radius)
	}
	return nil
}

// RemoveObject deregisters a local object (spec.md §4.2).
func (d *Directory) RemoveObject(ctx context.Context, oid cos.OID) error {
	if err := d.store.Del(ctx, key(d.prefix, oid)); err != nil {
		return cos.NewErrDirectoryUnreachable(err)
	}
	d.mu.Lock()
	delete(d.local, oid)
	d.mu.Unlock()
	d.cache.Invalidate(oid)
	return nil
}

// ClearToMigrate gates migration start: false if another migration for
// oid is already in flight on this server (spec.md §4.2).
func (d *Directory) ClearToMigrate(oid cos.OID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.migrating[oid]; busy {
		return false
	}
	d.migrating[oid] = struct{}{}
	return true
}

// MigrateObject relinquishes local authority after a successful handoff.
// Only local bookkeeping is touched here: the destination's
// AddMigratedObject performs the directory write, preserving
// exactly-one ownership (spec.md §4.2 invariant).
func (d *Directory) MigrateObject(oid cos.OID, newEntry Entry) {
	d.mu.Lock()
	delete(d.local, oid)
	delete(d.migrating, oid)
	d.mu.Unlock()
	d.cache.Put(oid, newEntry)
}

// AbortMigration clears the in-flight gate without relinquishing
// ownership, for a migration attempt that failed before the handoff
// committed.
func (d *Directory) AbortMigration(oid cos.OID) {
	d.mu.Lock()
	delete(d.migrating, oid)
	d.mu.Unlock()
}

// OnMigrateAck / OnOSegUpdate invalidate (and refresh) the cache on
// receipt of the corresponding inter-server message (spec.md §4.2).
func (d *Directory) OnMigrateAck(oid cos.OID, to cos.ServerID, radius float64) {
	d.cache.Put(oid, Entry{Server: to, Radius: radius})
}

func (d *Directory) OnOSegUpdate(oid cos.OID, newServer cos.ServerID, radius float64) {
	d.cache.Put(oid, Entry{Server: newServer, Radius: radius})
}

// IsLocal reports whether oid is presently authoritative on this server.
func (d *Directory) IsLocal(oid cos.OID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.local[oid]
	return ok
}

func (d *Directory) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("oseg.Directory[self=%d local=%d cached=%d]", d.self, len(d.local), d.cache.Len())
}
