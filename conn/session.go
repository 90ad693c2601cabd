// Package conn implements the Object Connection Manager of spec.md §4.7:
// the session state machine admitting objects onto this server and
// orchestrating outgoing migration handoff. Grounded on
// transport/bundle/dmover.go's DataMover for the shape of a staged
// lifecycle driven by atomic stage flags (there: regred/opened/laterx;
// here: the session State machine) plus a distinct data-channel/ack-
// channel pair -- re-expressed as the record-shipment (data) and
// OSegMigrateAck (ack) halves of migration instead of DataMover's object
// payload and transport-level ack.
package conn

import (
	"sync"
	"sync/atomic"

	"github.com/sirikata/spaced/cmn/mono"
	"github.com/sirikata/spaced/odp"
)

// State is a session's position in spec.md §4.7's state machine:
// CONNECTING -> CONNECTED -> {MIGRATING_OUT, DISCONNECTING} -> DISCONNECTED.
type State int32

const (
	Connecting State = iota
	Connected
	MigratingOut
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case MigratingOut:
		return "MIGRATING_OUT"
	case Disconnecting:
		return "DISCONNECTING"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// session tracks one object's connection lifecycle on this server.
type session struct {
	state          atomic.Int32
	migratingTo    atomic.Uint32 // valid while state == MigratingOut
	migratingSince atomic.Int64  // mono.NanoTime when MigratingOut began; spec.md §5 migration-handoff timeout

	deliverMu sync.Mutex
	deliver   func(odp.Datagram) bool // the session's pre-migration local handler, restored on abort
}

func newSession(s State) *session {
	ss := &session{}
	ss.state.Store(int32(s))
	return ss
}

// enterMigratingOut stamps the time this session began MIGRATING_OUT, for
// the handoff-timeout sweep in Manager.SweepMigrationTimeouts.
func (s *session) enterMigratingOut() { s.migratingSince.Store(mono.NanoTime()) }

func (s *session) setDeliver(fn func(odp.Datagram) bool) {
	s.deliverMu.Lock()
	s.deliver = fn
	s.deliverMu.Unlock()
}

func (s *session) getDeliver() func(odp.Datagram) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return s.deliver
}

func (s *session) State() State { return State(s.state.Load()) }

// transition moves the session from "from" to "to", reporting whether it
// held "from" at the time -- a compare-and-swap so concurrent callers
// (e.g. a migrate-ack racing a timeout) can't both win.
func (s *session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}
