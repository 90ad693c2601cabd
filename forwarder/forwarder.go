// Package forwarder implements spec.md §4.5: routing of object messages
// either along a local fast path (destination OID live on this server) or
// an inter-server path through a fair-queued outgoing link per peer
// ServerID, resolved via oseg. Grounded on
// original_source/space/src/LocalForwarder.cpp for the local fast path
// (direct map lookup + send, drop+counter on failure) and on
// transport/bundle/stream_bundle.go's per-destination fan-out shape for
// the peer-keyed outgoing structure, re-expressed over fq.FairQueue
// instead of a round-robin stream bundle.
package forwarder

import (
	"context"
	"sync"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/nlog"
	"github.com/sirikata/spaced/fq"
	"github.com/sirikata/spaced/odp"
	"github.com/sirikata/spaced/oseg"
	"github.com/sirikata/spaced/sched"
)

// forwardPort is the reserved system port the forwarder uses to wrap
// forwarded ODP datagrams inside an OHDP envelope between servers.
const forwardPort odp.Port = 8

// DropReason classifies why a message never reached its destination, for
// the drop-reason telemetry channel spec.md §4.5 calls for.
type DropReason int

const (
	DropNoSession DropReason = iota
	DropSessionSendFailed
	DropNoRoute
	DropPendingQueueFull
	DropPeerQueueFull
	DropPeerLost
	DropInterServerSendFailed
)

func (r DropReason) String() string {
	switch r {
	case DropNoSession:
		return "no_session"
	case DropSessionSendFailed:
		return "session_send_failed"
	case DropNoRoute:
		return "no_route"
	case DropPendingQueueFull:
		return "pending_queue_full"
	case DropPeerQueueFull:
		return "peer_queue_full"
	case DropPeerLost:
		return "peer_lost"
	case DropInterServerSendFailed:
		return "inter_server_send_failed"
	default:
		return "unknown"
	}
}

// DropListener is notified of every drop, reason plus the message's
// destination object, for stats to count by reason.
type DropListener func(reason DropReason, dest cos.OID)

// PeerLostListener is notified when a peer's outgoing queue is discarded
// after persistent send failure (spec.md §4.5 "Failure semantics"), so the
// connection manager can react (e.g. tear down sessions migrating there).
type PeerLostListener func(peer cos.ServerID)

const (
	defaultPendingPerOID = 32
	defaultPeerQueueCap  = 4096
	maxSendFailures      = 5
)

type queuedMsg struct {
	dest cos.ServerID
	dg   odp.Datagram
}

func (q *queuedMsg) Size() int { return len(q.dg.Payload) + 64 }

// Forwarder routes object messages per spec.md §4.5.
type Forwarder struct {
	self cos.ServerID
	host odp.HostService
	dir  *oseg.Directory

	strand *sched.Strand

	sessMu   sync.RWMutex
	sessions map[cos.OID]func(odp.Datagram) bool

	pendMu  sync.Mutex
	pending map[cos.OID][]*queuedMsg

	fqMu     sync.Mutex
	outgoing *fq.FairQueue[cos.ServerID, *queuedMsg]
	failures map[cos.ServerID]int

	onDrop     DropListener
	onPeerLost PeerLostListener

	closed chan struct{}
	once   sync.Once
}

// New creates a Forwarder for server self, sending over host and
// resolving unknown destinations via dir. strand is the network-IO strand
// (spec.md §5) the drain loop runs on.
func New(self cos.ServerID, host odp.HostService, dir *oseg.Directory, strand *sched.Strand) *Forwarder {
	f := &Forwarder{
		self:     self,
		host:     host,
		dir:      dir,
		strand:   strand,
		sessions: make(map[cos.OID]func(odp.Datagram) bool),
		pending:  make(map[cos.OID][]*queuedMsg),
		outgoing: fq.New[cos.ServerID, *queuedMsg](0),
		failures: make(map[cos.ServerID]int),
		closed:   make(chan struct{}),
	}
	host.Listen(forwardPort, f.handleInbound)
	return f
}

func (f *Forwarder) OnDrop(fn DropListener)         { f.onDrop = fn }
func (f *Forwarder) OnPeerLost(fn PeerLostListener) { f.onPeerLost = fn }

func (f *Forwarder) drop(reason DropReason, dest cos.OID) {
	if f.onDrop != nil {
		f.onDrop(reason, dest)
	}
}

// AddLocalSession registers deliver as the local fast path for oid: called
// directly, bypassing serialization-to-wire, whenever a message addressed
// to oid arrives (spec.md §4.5). deliver returns false on failure (session
// temporarily closed).
func (f *Forwarder) AddLocalSession(oid cos.OID, deliver func(odp.Datagram) bool) {
	f.sessMu.Lock()
	defer f.sessMu.Unlock()
	f.sessions[oid] = deliver
}

func (f *Forwarder) RemoveLocalSession(oid cos.OID) {
	f.sessMu.Lock()
	defer f.sessMu.Unlock()
	delete(f.sessions, oid)
}

// Route delivers dg locally if its destination is live on this server,
// otherwise resolves the destination's owning server via oseg and queues
// it on that peer's fair-queue link (spec.md §4.5).
func (f *Forwarder) Route(ctx context.Context, dg odp.Datagram) {
	dest := dg.Header.Dest.Obj

	f.sessMu.RLock()
	deliver, local := f.sessions[dest]
	f.sessMu.RUnlock()
	if local {
		if !deliver(dg) {
			f.drop(DropSessionSendFailed, dest)
		}
		return
	}

	entry, ok := f.dir.CacheLookup(dest)
	if ok {
		f.enqueuePeer(entry.Server, dg)
		return
	}

	if !f.enqueuePending(dest, dg) {
		f.drop(DropPendingQueueFull, dest)
		return
	}

	f.dir.Lookup(ctx, dest, func(e oseg.Entry, err error) {
		if err != nil {
			f.drainPendingOnFailure(dest)
			return
		}
		f.drainPending(dest, e.Server)
	})
}

// ForwardToPeer queues dg directly on server's outgoing link, bypassing
// oseg resolution entirely. conn uses this to redirect a MIGRATING_OUT
// session's traffic straight to the known migration destination, since
// oseg won't reflect the new owner until the handoff commits.
func (f *Forwarder) ForwardToPeer(server cos.ServerID, dg odp.Datagram) bool {
	select {
	case <-f.closed:
		return false
	default:
	}
	f.enqueuePeer(server, dg)
	return true
}

func (f *Forwarder) enqueuePending(oid cos.OID, dg odp.Datagram) bool {
	f.pendMu.Lock()
	defer f.pendMu.Unlock()
	q := f.pending[oid]
	if len(q) >= defaultPendingPerOID {
		return false
	}
	f.pending[oid] = append(q, &queuedMsg{dg: dg})
	return true
}

func (f *Forwarder) drainPending(oid cos.OID, server cos.ServerID) {
	f.pendMu.Lock()
	q := f.pending[oid]
	delete(f.pending, oid)
	f.pendMu.Unlock()
	for _, m := range q {
		f.enqueuePeer(server, m.dg)
	}
}

func (f *Forwarder) drainPendingOnFailure(oid cos.OID) {
	f.pendMu.Lock()
	q := f.pending[oid]
	delete(f.pending, oid)
	f.pendMu.Unlock()
	for range q {
		f.drop(DropNoRoute, oid)
	}
}

func (f *Forwarder) enqueuePeer(server cos.ServerID, dg odp.Datagram) {
	dest := dg.Header.Dest.Obj
	f.fqMu.Lock()
	if !f.outgoing.HasQueue(server) {
		_ = f.outgoing.AddQueue(server, defaultPeerQueueCap, 1)
	}
	err := f.outgoing.Push(server, &queuedMsg{dest: server, dg: dg})
	f.fqMu.Unlock()
	if err != nil {
		f.drop(DropPeerQueueFull, dest)
		return
	}
	f.wake()
}

// UpdatePeerWeight rebalances the outgoing fair queue per a peer's
// reported used-weight (spec.md §4.6, closing the fair-queueing loop).
func (f *Forwarder) UpdatePeerWeight(peer cos.ServerID, weight float64) {
	f.fqMu.Lock()
	defer f.fqMu.Unlock()
	if f.outgoing.HasQueue(peer) {
		_ = f.outgoing.SetWeight(peer, weight)
	}
}

func (f *Forwarder) handleInbound(dg odp.OHDPDatagram) {
	inner, err := unmarshalDatagram(dg.Payload)
	if err != nil {
		nlog.Warningf("forwarder: malformed envelope from %d: %v", dg.Header.SourceHost, err)
		return
	}
	f.Route(context.Background(), inner)
}

// wake kicks the drain loop; a no-op channel send pattern would do too,
// but posting directly to the strand keeps drain scheduling uniform with
// every other strand-owned component (spec.md §5).
func (f *Forwarder) wake() {
	select {
	case <-f.closed:
		return
	default:
	}
	f.strand.Post(f.drainTick)
}

const perTickByteBudget = 1 << 16

// drainTick pops and sends as many messages as perTickByteBudget allows,
// across whichever peer queues are ready, then stops -- Push re-wakes the
// loop so it never needs to poll.
func (f *Forwarder) drainTick() {
	budget := perTickByteBudget
	for budget > 0 {
		f.fqMu.Lock()
		m, consumed, ok := f.outgoing.Pop(budget)
		f.fqMu.Unlock()
		if !ok {
			return
		}
		budget -= consumed
		f.send(m)
	}
}

func (f *Forwarder) send(m *queuedMsg) {
	out := odp.OHDPDatagram{
		Header: odp.OHDPHeader{
			SourceHost: f.self,
			DestHost:   m.dest,
			SrcPort:    forwardPort,
			DstPort:    forwardPort,
		},
		Payload: marshalDatagram(m.dg),
	}
	if err := f.host.Send(out); err != nil {
		f.handleSendFailure(m, err)
		return
	}
	f.fqMu.Lock()
	delete(f.failures, m.dest)
	f.fqMu.Unlock()
}

// handleSendFailure implements spec.md §4.5's "persistent failure
// (connection dropped) discards the queue and informs the connection
// manager": transient errors are logged and the message is simply
// dropped with telemetry (the fair queue itself does not retry
// individual messages -- re-delivery, if any, is the caller's concern at
// a higher layer), but after maxSendFailures consecutive failures the
// entire peer queue is torn down.
func (f *Forwarder) handleSendFailure(m *queuedMsg, err error) {
	f.drop(DropInterServerSendFailed, m.dg.Header.Dest.Obj)

	f.fqMu.Lock()
	f.failures[m.dest]++
	n := f.failures[m.dest]
	var lost bool
	if n >= maxSendFailures {
		f.outgoing.RemoveQueue(m.dest)
		delete(f.failures, m.dest)
		lost = true
	}
	f.fqMu.Unlock()

	nlog.Warningf("forwarder: send to server %d failed (%d/%d): %v", m.dest, n, maxSendFailures, err)
	if lost {
		f.drop(DropPeerLost, m.dg.Header.Dest.Obj)
		if f.onPeerLost != nil {
			f.onPeerLost(m.dest)
		}
	}
}

// Close stops accepting new inbound datagrams on the forward port.
func (f *Forwarder) Close() {
	f.once.Do(func() {
		close(f.closed)
		f.host.Unlisten(forwardPort)
	})
}
