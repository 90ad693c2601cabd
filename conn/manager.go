// manager.go is the Object Connection Manager proper: admission, and the
// five-step outgoing migration protocol of spec.md §4.7.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/mono"
	"github.com/sirikata/spaced/cmn/nlog"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/forwarder"
	"github.com/sirikata/spaced/loc"
	"github.com/sirikata/spaced/odp"
	"github.com/sirikata/spaced/oseg"
)

// RecordSender ships oid's current Loc record to dest as migration step 2
// (spec.md §4.7: "Loc serializes current record and ships it to the
// destination server").
type RecordSender func(ctx context.Context, dest cos.ServerID, oid cos.OID, rec *meta.Record) error

// AckSender ships a MigrateAck from this server (the destination) back to
// from, migration step 4.
type AckSender func(from cos.ServerID, oid cos.OID, radius float64) error

// Manager implements the session state machine and migration orchestration
// of spec.md §4.7, wired on top of oseg (authority), loc (record state),
// and forwarder (the local-session table messages are routed through).
type Manager struct {
	self      cos.ServerID
	dir       *oseg.Directory
	locSvc    *loc.Service
	fwd       *forwarder.Forwarder
	jwtSecret []byte

	sendRecord RecordSender
	sendAck    AckSender

	mu       sync.Mutex
	sessions map[cos.OID]*session

	bufMu   sync.Mutex
	buffers map[cos.OID][]odp.Datagram
}

func NewManager(self cos.ServerID, dir *oseg.Directory, locSvc *loc.Service, fwd *forwarder.Forwarder, jwtSecret []byte) *Manager {
	return &Manager{
		self:      self,
		dir:       dir,
		locSvc:    locSvc,
		fwd:       fwd,
		jwtSecret: jwtSecret,
		sessions:  make(map[cos.OID]*session),
		buffers:   make(map[cos.OID][]odp.Datagram),
	}
}

// SetRecordSender / SetAckSender wire the migration-protocol transport
// hooks; cmd/spaced supplies conn.Wire's SendRecord/SendAck, which send
// straight over the host service on Wire's own SnapshotPort/AckPort.
func (m *Manager) SetRecordSender(fn RecordSender) { m.sendRecord = fn }
func (m *Manager) SetAckSender(fn AckSender)       { m.sendAck = fn }

func (m *Manager) State(oid cos.OID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[oid]
	if !ok {
		return Disconnected, false
	}
	return s.State(), true
}

// Connect admits a new first-time session (spec.md §4.7): validates the
// object's credential token, then races addNewObject against OSeg. deliver
// becomes oid's local fast-path handler on success.
func (m *Manager) Connect(ctx context.Context, oid cos.OID, radius float64, token string, deliver func(odp.Datagram) bool) error {
	if err := validateCredential(token, m.jwtSecret, oid); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.sessions[oid]; exists {
		m.mu.Unlock()
		return cos.NewErrAlreadyRegistered(oid.Hex())
	}
	sess := newSession(Connecting)
	m.sessions[oid] = sess
	m.mu.Unlock()

	status := m.dir.AddNewObject(ctx, oid, radius)
	if status != oseg.AddSuccess {
		m.mu.Lock()
		delete(m.sessions, oid)
		m.mu.Unlock()
		if status == oseg.AddAlreadyRegistered {
			return cos.NewErrAlreadyRegistered(oid.Hex())
		}
		return cos.NewErrDirectoryUnreachable(nil)
	}

	sess.transition(Connecting, Connected)
	sess.setDeliver(deliver)
	m.fwd.AddLocalSession(oid, deliver)
	nlog.Infof("conn: %s connected (radius=%.2f)", oid, radius)
	return nil
}

// Disconnect tears down a CONNECTED session outright (not a migration).
func (m *Manager) Disconnect(ctx context.Context, oid cos.OID) error {
	m.mu.Lock()
	sess, ok := m.sessions[oid]
	m.mu.Unlock()
	if !ok {
		return cos.NewErrNotFound(oid.Hex())
	}
	sess.transition(Connected, Disconnecting)
	if err := m.dir.RemoveObject(ctx, oid); err != nil {
		return err
	}
	m.fwd.RemoveLocalSession(oid)
	m.locSvc.LocalObjectRemoved(oid)
	sess.transition(Disconnecting, Disconnected)
	m.mu.Lock()
	delete(m.sessions, oid)
	m.mu.Unlock()
	return nil
}

//
// Incoming migration (this server is the destination)
//

// BeginIncomingMigration registers a buffering placeholder as oid's local
// session before the migrated record has been applied: "the destination
// buffers until it has applied the migrated state" (spec.md §4.7).
// Messages routed here while the buffer is in place are held, not
// dropped, and replayed in order once CompleteIncomingMigration runs.
func (m *Manager) BeginIncomingMigration(oid cos.OID) {
	m.fwd.AddLocalSession(oid, func(dg odp.Datagram) bool {
		m.bufMu.Lock()
		m.buffers[oid] = append(m.buffers[oid], dg)
		m.bufMu.Unlock()
		return true
	})
}

// CompleteIncomingMigration is migration step 3 on the destination:
// addMigratedObject claims OSeg authority, the shipped record becomes the
// local Loc record, MigrateAck is sent back to from (step 4), and any
// datagrams buffered since BeginIncomingMigration are replayed through
// deliver before it becomes the permanent local-session handler.
func (m *Manager) CompleteIncomingMigration(ctx context.Context, oid cos.OID, rec *meta.Record, from cos.ServerID, deliver func(odp.Datagram) bool) error {
	radius := rec.Bounds.ApparentRadius()
	err := m.dir.AddMigratedObject(ctx, oid, radius, from, m.sendAck != nil, func(to cos.ServerID, oid cos.OID, radius float64) {
		if m.sendAck == nil {
			return
		}
		if err := m.sendAck(to, oid, radius); err != nil {
			nlog.Warningf("conn: MigrateAck to %d for %s failed: %v", to, oid, err)
		}
	})
	if err != nil {
		return err
	}

	m.locSvc.LocalObjectAdded(oid, rec.Aggregate, rec)

	sess := newSession(Connected)
	sess.setDeliver(deliver)
	m.mu.Lock()
	m.sessions[oid] = sess
	m.mu.Unlock()

	m.bufMu.Lock()
	buffered := m.buffers[oid]
	delete(m.buffers, oid)
	m.bufMu.Unlock()

	m.fwd.AddLocalSession(oid, deliver)
	for _, dg := range buffered {
		deliver(dg)
	}

	nlog.Infof("conn: %s arrived via migration from server %d", oid, from)
	return nil
}

//
// Outgoing migration (this server is the source)
//

// MigrateOut drives steps 1-2 of spec.md §4.7's outgoing migration: marks
// the session MIGRATING_OUT, redirects its local-session handler to
// forward messages to dest instead of delivering them (so the source
// keeps routing traffic to the object while the destination finishes
// applying state), and ships the current Loc record.
func (m *Manager) MigrateOut(ctx context.Context, oid cos.OID, dest cos.ServerID) error {
	m.mu.Lock()
	sess, ok := m.sessions[oid]
	m.mu.Unlock()
	if !ok {
		return cos.NewErrNotFound(oid.Hex())
	}
	if !sess.transition(Connected, MigratingOut) {
		return cos.NewErrAlreadyRegistered(oid.Hex()) // session busy migrating or not connected
	}
	if !m.dir.ClearToMigrate(oid) {
		sess.transition(MigratingOut, Connected)
		return cos.NewErrAlreadyRegistered(oid.Hex())
	}
	sess.migratingTo.Store(uint32(dest))
	sess.enterMigratingOut()

	abort := func() {
		m.dir.AbortMigration(oid)
		sess.transition(MigratingOut, Connected)
		m.fwd.AddLocalSession(oid, sess.getDeliver())
	}

	m.fwd.AddLocalSession(oid, func(dg odp.Datagram) bool {
		return m.fwd.ForwardToPeer(dest, dg)
	})

	rec, local, ok := m.locSvc.Lookup(oid)
	if !ok || !local {
		abort()
		return cos.NewErrNotFound(oid.Hex())
	}

	if m.sendRecord == nil {
		abort()
		return cos.NewErrDirectoryUnreachable(nil)
	}
	if err := m.sendRecord(ctx, dest, oid, rec); err != nil {
		abort()
		return err
	}
	nlog.Infof("conn: %s migration to server %d in flight", oid, dest)
	return nil
}

// OnMigrateAck completes outgoing migration (steps 4-5): the destination's
// acknowledgement lets the source relinquish OSeg authority, remove the
// local record, and drop the session entirely.
func (m *Manager) OnMigrateAck(oid cos.OID, to cos.ServerID, radius float64) error {
	m.mu.Lock()
	sess, ok := m.sessions[oid]
	m.mu.Unlock()
	if !ok {
		return cos.NewErrUnknownMigration(oid.Hex())
	}
	if sess.State() != MigratingOut || cos.ServerID(sess.migratingTo.Load()) != to {
		return cos.NewErrUnknownMigration(oid.Hex())
	}

	m.dir.MigrateObject(oid, oseg.Entry{Server: to, Radius: radius})
	sess.transition(MigratingOut, Disconnected)
	m.fwd.RemoveLocalSession(oid)
	m.locSvc.LocalObjectRemoved(oid)

	m.mu.Lock()
	delete(m.sessions, oid)
	m.mu.Unlock()

	nlog.Infof("conn: %s migration to server %d complete", oid, to)
	return nil
}

// SweepMigrationTimeouts aborts any session stuck in MIGRATING_OUT past
// maxAge -- no ack, and presumably no destination ever applied the
// record -- restoring local delivery and relinquishing the migration gate
// so the object can be retried or reached locally again (spec.md §5,
// "migration handoff timeout"). Intended to be registered against
// hk.DefaultHK; returns the count aborted, for logging/metrics by the
// caller.
func (m *Manager) SweepMigrationTimeouts(maxAge time.Duration) int {
	cutoff := mono.NanoTime() - maxAge.Nanoseconds()

	m.mu.Lock()
	var stuck []cos.OID
	for oid, sess := range m.sessions {
		if sess.State() == MigratingOut && sess.migratingSince.Load() < cutoff {
			stuck = append(stuck, oid)
		}
	}
	m.mu.Unlock()

	aborted := 0
	for _, oid := range stuck {
		m.mu.Lock()
		sess, ok := m.sessions[oid]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if !sess.transition(MigratingOut, Connected) {
			continue // ack (or a concurrent sweep) already resolved it
		}
		m.dir.AbortMigration(oid)
		m.fwd.AddLocalSession(oid, sess.getDeliver())
		nlog.Warningf("conn: %s migration to server %d timed out after %s, aborting", oid, sess.migratingTo.Load(), maxAge)
		aborted++
	}
	return aborted
}
