package oseg_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/oseg"
)

func newTestDirectory(t *testing.T, self cos.ServerID) *oseg.Directory {
	t.Helper()
	store, err := oseg.NewBuntStore(":memory:")
	if err != nil {
		t.Fatalf("NewBuntStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return oseg.NewDirectory(self, "oseg:", store, 64)
}

func TestAddNewObjectThenAlreadyRegistered(t *testing.T) {
	d := newTestDirectory(t, 1)
	ctx := context.Background()
	oid := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")

	if got := d.AddNewObject(ctx, oid, 5); got != oseg.AddSuccess {
		t.Fatalf("first add: got %v, want SUCCESS", got)
	}
	if got := d.AddNewObject(ctx, oid, 5); got != oseg.AddAlreadyRegistered {
		t.Fatalf("second add: got %v, want ALREADY_REGISTERED", got)
	}
	if !d.IsLocal(oid) {
		t.Fatal("expected oid to be local after AddNewObject")
	}
	if e, ok := d.CacheLookup(oid); !ok || e.Server != 1 {
		t.Fatalf("CacheLookup = %+v, %v", e, ok)
	}
}

func TestLookupAsyncCompletes(t *testing.T) {
	owner := newTestDirectory(t, 1)
	ctx := context.Background()
	oid := cos.MustParseOID("aabbccddeeff00112233445566778899")
	if got := owner.AddNewObject(ctx, oid, 2.5); got != oseg.AddSuccess {
		t.Fatalf("AddNewObject: %v", got)
	}

	// A second directory over an independent backing store (simulating a
	// server that doesn't share the owner's directory) exercises the
	// not-found path of an async lookup.
	store, err := oseg.NewBuntStore(":memory:")
	if err != nil {
		t.Fatalf("NewBuntStore: %v", err)
	}
	defer store.Close()

	remote := oseg.NewDirectory(2, "oseg:", store, 64)
	done := make(chan struct{})
	var gotErr error
	if _, ok := remote.Lookup(ctx, oid, func(e oseg.Entry, err error) {
		gotErr = err
		close(done)
	}); ok {
		t.Fatal("expected async miss since stores are independent")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lookup callback never fired")
	}
	if gotErr == nil {
		t.Fatal("expected not-found error from an independent store")
	}
}

func TestMigrationHandoff(t *testing.T) {
	ctx := context.Background()
	store, err := oseg.NewBuntStore(":memory:")
	if err != nil {
		t.Fatalf("NewBuntStore: %v", err)
	}
	defer store.Close()

	src := oseg.NewDirectory(1, "oseg:", store, 64)
	dst := oseg.NewDirectory(2, "oseg:", store, 64)
	o := cos.MustParseOID("00112233445566778899aabbccddeeff")

	if got := src.AddNewObject(ctx, o, 1.0); got != oseg.AddSuccess {
		t.Fatalf("AddNewObject: %v", got)
	}
	if !src.ClearToMigrate(o) {
		t.Fatal("expected clear to migrate on first attempt")
	}
	if src.ClearToMigrate(o) {
		t.Fatal("expected second concurrent migration attempt to be denied")
	}

	var mu sync.Mutex
	var acked bool
	err = dst.AddMigratedObject(ctx, o, 1.0, 1, true, func(to cos.ServerID, oid cos.OID, radius float64) {
		mu.Lock()
		acked = true
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("AddMigratedObject: %v", err)
	}
	src.MigrateObject(o, oseg.Entry{Server: 2, Radius: 1.0})

	mu.Lock()
	defer mu.Unlock()
	if !acked {
		t.Fatal("expected migrate ack callback to fire")
	}
	if src.IsLocal(o) {
		t.Fatal("source should have relinquished local authority")
	}
	if !dst.IsLocal(o) {
		t.Fatal("destination should now be authoritative")
	}
	if e, ok := src.CacheLookup(o); !ok || e.Server != 2 {
		t.Fatalf("source cache after migration = %+v, %v", e, ok)
	}
}
