// wire.go is the inter-server transport for the migration handoff protocol
// of spec.md §4.7: shipping the Loc record to the destination on
// SnapshotPort and sending the MigrateAck back on AckPort, both msgpack-
// encoded with the wire package's hand-written codecs. Manager itself only
// depends on the RecordSender/AckSender function types so its tests can
// wire two in-process Managers directly together; Wire is the concrete
// implementation cmd/spaced hands to SetRecordSender/SetAckSender. Each
// message kind gets its own port rather than a tagged envelope, following
// forwarder's and sst's convention of one dedicated port per concern.
package conn

import (
	"context"
	"fmt"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/nlog"
	"github.com/sirikata/spaced/core/meta"
	"github.com/sirikata/spaced/odp"
	"github.com/sirikata/spaced/wire"
)

// SnapshotPort carries wire.LocSnapshot (migration step 2); AckPort
// carries wire.OSegMigrateAck (migration step 4). Both sit in the
// system-reserved port range alongside session/location/proximity/
// registration (spec.md §6).
const (
	SnapshotPort odp.Port = 16
	AckPort      odp.Port = 17
)

// Wire binds a Manager to a concrete odp.HostService, implementing
// RecordSender/AckSender over the wire and dispatching inbound control
// messages back into the Manager.
type Wire struct {
	self cos.ServerID
	host odp.HostService
	mgr  *Manager

	// resolveDeliver returns the local handler a migrated-in object's
	// traffic should be delivered to once CompleteIncomingMigration
	// applies the record; cmd/spaced supplies the real one (the boundary
	// into whatever terminates the object's own client session, out of
	// this module's scope per spec.md's space-server-core focus).
	resolveDeliver func(oid cos.OID) func(odp.Datagram) bool
}

// NewWire registers onSnapshot/onAck on SnapshotPort/AckPort and returns a
// Wire whose SendRecord/SendAck methods satisfy RecordSender/AckSender.
func NewWire(self cos.ServerID, host odp.HostService, mgr *Manager, resolveDeliver func(oid cos.OID) func(odp.Datagram) bool) *Wire {
	w := &Wire{self: self, host: host, mgr: mgr, resolveDeliver: resolveDeliver}
	host.Listen(SnapshotPort, w.onSnapshot)
	host.Listen(AckPort, w.onAck)
	return w
}

func (w *Wire) Close() {
	w.host.Unlisten(SnapshotPort)
	w.host.Unlisten(AckPort)
}

// SendRecord implements RecordSender.
func (w *Wire) SendRecord(_ context.Context, dest cos.ServerID, oid cos.OID, rec *meta.Record) error {
	snap := wire.LocSnapshotFromRecord(rec)
	b, err := snap.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("conn: encode migration snapshot for %s: %w", oid, err)
	}
	return w.send(SnapshotPort, dest, b)
}

// SendAck implements AckSender.
func (w *Wire) SendAck(from cos.ServerID, oid cos.OID, radius float64) error {
	ack := &wire.OSegMigrateAck{From: w.self, To: from, Object: oid, Radius: radius}
	b, err := ack.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("conn: encode migration ack for %s: %w", oid, err)
	}
	return w.send(AckPort, from, b)
}

func (w *Wire) send(port odp.Port, dest cos.ServerID, payload []byte) error {
	return w.host.Send(odp.OHDPDatagram{
		Header: odp.OHDPHeader{
			SourceHost: w.self,
			DestHost:   dest,
			SrcPort:    port,
			DstPort:    port,
		},
		Payload: payload,
	})
}

func (w *Wire) onSnapshot(dg odp.OHDPDatagram) {
	var snap wire.LocSnapshot
	if _, err := snap.UnmarshalMsg(dg.Payload); err != nil {
		nlog.Warningf("conn: malformed migration snapshot from %d: %v", dg.Header.SourceHost, err)
		return
	}
	oid := snap.Object
	rec := snap.ToRecord()
	w.mgr.BeginIncomingMigration(oid)
	deliver := w.resolveDeliver(oid)
	// CompleteIncomingMigration sends the MigrateAck itself via the
	// AckSender wired with SetAckSender (migration step 4); Wire need not
	// (and must not) send a second one here.
	if err := w.mgr.CompleteIncomingMigration(context.Background(), oid, rec, dg.Header.SourceHost, deliver); err != nil {
		nlog.Warningf("conn: applying migrated record for %s from %d: %v", oid, dg.Header.SourceHost, err)
	}
}

func (w *Wire) onAck(dg odp.OHDPDatagram) {
	var ack wire.OSegMigrateAck
	if _, err := ack.UnmarshalMsg(dg.Payload); err != nil {
		nlog.Warningf("conn: malformed migration ack from %d: %v", dg.Header.SourceHost, err)
		return
	}
	if err := w.mgr.OnMigrateAck(ack.Object, dg.Header.SourceHost, ack.Radius); err != nil {
		nlog.Warningf("conn: applying migrate ack for %s from %d: %v", ack.Object, dg.Header.SourceHost, err)
	}
}
