package conn_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/conn"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/forwarder"
	"github.com/sirikata/spaced/loc"
	"github.com/sirikata/spaced/odp"
	"github.com/sirikata/spaced/oseg"
	"github.com/sirikata/spaced/sched"
)

var testSecret = []byte("test-secret")

func token(t *testing.T, oid cos.OID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: oid.Hex(),
	})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func sharedStore(t *testing.T) oseg.Store {
	t.Helper()
	store, err := oseg.NewBuntStore(":memory:")
	if err != nil {
		t.Fatalf("NewBuntStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// fixture bundles one server's dependency graph (oseg, loc, forwarder,
// conn.Manager) so tests read as "source does X, destination does Y"
// without repeating plumbing.
type fixture struct {
	dir    *oseg.Directory
	locSvc *loc.Service
	fwd    *forwarder.Forwarder
	mgr    *conn.Manager

	pool *sched.Pool
	host *odp.MemHostService
}

func newFixture(t *testing.T, self cos.ServerID, store oseg.Store) *fixture {
	t.Helper()
	dir := oseg.NewDirectory(self, "oseg:", store, 64)
	locSvc := loc.NewService(32)
	pool := sched.NewPool(2)
	strand := pool.NewStrand("fwd")
	host := odp.NewMemHostService(self)
	fwd := forwarder.New(self, host, dir, strand)
	mgr := conn.NewManager(self, dir, locSvc, fwd, testSecret)
	return &fixture{dir: dir, locSvc: locSvc, fwd: fwd, mgr: mgr, pool: pool, host: host}
}

func (f *fixture) Close() {
	f.fwd.Close()
	f.host.Close()
	f.pool.Close()
}

func TestManagerConnectAdmitsNewSession(t *testing.T) {
	f := newFixture(t, 1, sharedStore(t))
	defer f.Close()

	oid := cos.MustParseOID("00000000000000000000000000000001")
	tok := token(t, oid)

	err := f.mgr.Connect(context.Background(), oid, 1.0, tok, func(odp.Datagram) bool { return true })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st, ok := f.mgr.State(oid); !ok || st != conn.Connected {
		t.Fatalf("expected CONNECTED, got %v (ok=%v)", st, ok)
	}
	if !f.dir.IsLocal(oid) {
		t.Fatalf("expected oseg to record %s as local", oid)
	}
}

func TestManagerConnectRejectsWrongCredentialSubject(t *testing.T) {
	f := newFixture(t, 1, sharedStore(t))
	defer f.Close()

	oid := cos.MustParseOID("00000000000000000000000000000001")
	other := cos.MustParseOID("00000000000000000000000000000002")
	tok := token(t, other)

	err := f.mgr.Connect(context.Background(), oid, 1.0, tok, func(odp.Datagram) bool { return true })
	if !cos.IsErrInvalidCredential(err) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestManagerConnectRejectsDuplicate(t *testing.T) {
	f := newFixture(t, 1, sharedStore(t))
	defer f.Close()

	oid := cos.MustParseOID("00000000000000000000000000000001")
	tok := token(t, oid)
	if err := f.mgr.Connect(context.Background(), oid, 1.0, tok, func(odp.Datagram) bool { return true }); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	err := f.mgr.Connect(context.Background(), oid, 1.0, tok, func(odp.Datagram) bool { return true })
	if !cos.IsErrAlreadyRegistered(err) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestManagerMigrationHappyPath(t *testing.T) {
	store := sharedStore(t)
	src := newFixture(t, 1, store)
	defer src.Close()
	dst := newFixture(t, 2, store)
	defer dst.Close()

	oid := cos.MustParseOID("00000000000000000000000000000001")
	tok := token(t, oid)
	if err := src.mgr.Connect(context.Background(), oid, 1.0, tok, func(odp.Datagram) bool { return true }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	src.locSvc.LocalObjectAdded(oid, false, meta.NewRecord(oid))

	// Stand in for cmd/spaced's wire-level glue: ship the record straight
	// to the destination's CompleteIncomingMigration, and its ack straight
	// back to the source's OnMigrateAck.
	dst.mgr.BeginIncomingMigration(oid)

	acked := make(chan error, 1)
	src.mgr.SetRecordSender(func(ctx context.Context, dest cos.ServerID, oid cos.OID, rec *meta.Record) error {
		go func() {
			if err := dst.mgr.CompleteIncomingMigration(ctx, oid, rec, 1, func(odp.Datagram) bool { return true }); err != nil {
				acked <- err
				return
			}
			acked <- src.mgr.OnMigrateAck(oid, 2, 1.0)
		}()
		return nil
	})

	if err := src.mgr.MigrateOut(context.Background(), oid, 2); err != nil {
		t.Fatalf("MigrateOut: %v", err)
	}

	select {
	case err := <-acked:
		if err != nil {
			t.Fatalf("migration completion: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for migration ack")
	}

	if st, ok := src.mgr.State(oid); ok {
		t.Fatalf("expected source session to be gone, got %v", st)
	}
	if st, ok := dst.mgr.State(oid); !ok || st != conn.Connected {
		t.Fatalf("expected destination CONNECTED, got %v (ok=%v)", st, ok)
	}
	if src.dir.IsLocal(oid) {
		t.Fatalf("expected source to have relinquished oseg authority")
	}
	if !dst.dir.IsLocal(oid) {
		t.Fatalf("expected destination to hold oseg authority")
	}
	if _, local, ok := dst.locSvc.Lookup(oid); !ok || !local {
		t.Fatalf("expected destination to hold the local loc record")
	}
	if _, local, ok := src.locSvc.Lookup(oid); ok && local {
		t.Fatalf("expected source to have dropped the local loc record")
	}
}

func TestManagerDestinationBuffersUntilMigrationApplied(t *testing.T) {
	dst := newFixture(t, 2, sharedStore(t))
	defer dst.Close()

	oid := cos.MustParseOID("00000000000000000000000000000001")
	dst.mgr.BeginIncomingMigration(oid)

	dg := odp.Datagram{
		Header:  odp.Header{Dest: cos.SOR{Space: "s1", Obj: oid}},
		Payload: []byte("while migrating"),
	}
	dst.fwd.Route(context.Background(), dg)

	var delivered []odp.Datagram
	rec := meta.NewRecord(oid)
	if err := dst.mgr.CompleteIncomingMigration(context.Background(), oid, rec, 1, func(d odp.Datagram) bool {
		delivered = append(delivered, d)
		return true
	}); err != nil {
		t.Fatalf("CompleteIncomingMigration: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 buffered message replayed, got %d", len(delivered))
	}
}

func TestManagerSweepMigrationTimeoutsAbortsStaleMigration(t *testing.T) {
	src := newFixture(t, 1, sharedStore(t))
	defer src.Close()

	oid := cos.MustParseOID("00000000000000000000000000000001")
	tok := token(t, oid)

	var delivered []odp.Datagram
	if err := src.mgr.Connect(context.Background(), oid, 1.0, tok, func(dg odp.Datagram) bool {
		delivered = append(delivered, dg)
		return true
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	src.locSvc.LocalObjectAdded(oid, false, meta.NewRecord(oid))

	// A RecordSender that never completes the handoff: the destination
	// never calls CompleteIncomingMigration/OnMigrateAck, modeling a peer
	// that vanished mid-migration.
	src.mgr.SetRecordSender(func(context.Context, cos.ServerID, cos.OID, *meta.Record) error { return nil })

	if err := src.mgr.MigrateOut(context.Background(), oid, 2); err != nil {
		t.Fatalf("MigrateOut: %v", err)
	}
	if st, _ := src.mgr.State(oid); st != conn.MigratingOut {
		t.Fatalf("expected MIGRATING_OUT, got %v", st)
	}

	time.Sleep(5 * time.Millisecond)
	n := src.mgr.SweepMigrationTimeouts(time.Millisecond)
	if n != 1 {
		t.Fatalf("expected 1 migration aborted, got %d", n)
	}
	if st, ok := src.mgr.State(oid); !ok || st != conn.Connected {
		t.Fatalf("expected session restored to CONNECTED, got %v (ok=%v)", st, ok)
	}
	if !src.dir.IsLocal(oid) {
		t.Fatalf("expected oseg authority to remain local after abort")
	}

	dg := odp.Datagram{
		Header:  odp.Header{Dest: cos.SOR{Space: "s1", Obj: oid}},
		Payload: []byte("post-abort"),
	}
	src.fwd.Route(context.Background(), dg)
	if len(delivered) != 1 {
		t.Fatalf("expected local delivery restored after abort, got %d deliveries", len(delivered))
	}

	if n := src.mgr.SweepMigrationTimeouts(time.Millisecond); n != 0 {
		t.Fatalf("expected no further aborts once back to CONNECTED, got %d", n)
	}
}
