package sst

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/nlog"
	"github.com/sirikata/spaced/odp"
)

// ConnState is the connection lifecycle (spec.md §4.1):
// PENDING -> CONNECTED -> {DISCONNECTING, TIMED_OUT} -> CLOSED.
type ConnState int32

const (
	ConnPending ConnState = iota
	ConnConnected
	ConnDisconnecting
	ConnTimedOut
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnPending:
		return "PENDING"
	case ConnConnected:
		return "CONNECTED"
	case ConnDisconnecting:
		return "DISCONNECTING"
	case ConnTimedOut:
		return "TIMED_OUT"
	case ConnClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection multiplexes many Streams between this host and one remote
// host (spec.md §4.1). All substream ids are drawn from a monotonic
// counter partitioned by initiator: even lsids belong to the acceptor,
// odd lsids to the initiator, so both sides can create substreams
// without a collision-avoidance handshake.
type Connection struct {
	transport  *Transport
	remote     cos.ServerID
	connID     uint32
	channel    odp.Port
	initiator  bool

	state int32 // ConnState, atomic

	wheel *rtoWheel

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextLS  uint32

	acceptFn func(*Stream)
}

func newConnection(t *Transport, remote cos.ServerID, connID uint32, channel odp.Port, initiator bool) *Connection {
	c := &Connection{
		transport: t,
		remote:    remote,
		connID:    connID,
		channel:   channel,
		initiator: initiator,
		state:     int32(ConnPending),
		wheel:     newRTOWheel(),
		streams:   make(map[uint32]*Stream),
	}
	if initiator {
		c.nextLS = 1
	} else {
		c.nextLS = 2
	}
	return c
}

func (c *Connection) State() ConnState { return ConnState(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(st ConnState) { atomic.StoreInt32(&c.state, int32(st)) }

// allocLSID draws the next substream id from this connection's
// initiator-partitioned counter (even vs odd, spec.md §4.1).
func (c *Connection) allocLSID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextLS
	c.nextLS += 2
	return id
}

func (c *Connection) sendSegment(seg *segment) {
	seg.ChannelID = uint32(c.channel)
	seg.ConnID = c.connID
	c.transport.host.Send(odp.OHDPDatagram{
		Header: odp.OHDPHeader{
			SourceHost: c.transport.self,
			DestHost:   c.remote,
			SrcPort:    c.transport.port,
			DstPort:    c.transport.port,
		},
		Payload: seg.encode(),
	})
}

// createChildStream opens a substream rooted at parent (spec.md §4.1): an
// INIT carrying (parent lsid, new lsid, port) is sent and retransmitted
// (via the shared RTO wheel) until an INIT_ACK for that lsid arrives.
func (c *Connection) createChildStream(parent *Stream, port odp.Port) (*Stream, error) {
	lsid := c.allocLSID()
	child := newStream(c, lsid, parent.lsid, port)

	c.mu.Lock()
	c.streams[lsid] = child
	c.mu.Unlock()

	var item *rtoItem
	var send func()
	send = func() {
		c.sendSegment(&segment{
			LSID: lsid, ParentLSID: parent.lsid,
			LocalPort: uint32(port), RemotePort: uint32(port),
			Flags: FlagInit,
		})
		item = c.wheel.schedule(initialRTO, func() {
			if child.State() == StreamPending {
				send()
			}
		})
	}
	send()

	select {
	case <-child.connectedCh:
		c.wheel.cancel(item)
		return child, nil
	case <-time.After(maxRTO * time.Duration(maxRTOFailures)):
		c.wheel.cancel(item)
		return nil, ErrHandshakeFailed
	}
}

// onSegment is the connection-local half of segment dispatch: the
// transport has already resolved ChannelID/ConnID to this Connection.
func (c *Connection) onSegment(seg *segment) {
	switch {
	case seg.Flags.Has(FlagInit):
		c.handleInit(seg)
	case seg.Flags.Has(FlagInitAck):
		c.handleInitAck(seg)
	case seg.Flags.Has(FlagRst):
		c.handleRst(seg)
	default:
		c.mu.Lock()
		st, ok := c.streams[seg.LSID]
		c.mu.Unlock()
		if !ok {
			nlog.Warningf("sst: segment for unknown lsid %d on conn %d", seg.LSID, c.connID)
			return
		}
		st.handleData(seg)
		st.handleAck(seg.Ack, seg.Window)
	}
}

// handleInit processes an inbound substream (or root-stream) creation
// request. Duplicate INITs for a known lsid are idempotent: just resend
// the INIT_ACK.
func (c *Connection) handleInit(seg *segment) {
	c.mu.Lock()
	if existing, ok := c.streams[seg.LSID]; ok {
		c.mu.Unlock()
		c.sendSegment(&segment{LSID: seg.LSID, Flags: FlagInitAck, Ack: existing.recvAck()})
		return
	}

	if seg.LSID == 0 {
		// root stream: this is a brand new connection accept.
		root := newStream(c, 0, 0, odp.Port(seg.ChannelID))
		c.streams[0] = root
		c.mu.Unlock()
		root.setState(StreamConnected)
		c.setState(ConnConnected)
		c.sendSegment(&segment{LSID: 0, Flags: FlagInitAck})
		if c.acceptFn != nil {
			c.acceptFn(root)
		}
		return
	}

	parent, ok := c.streams[seg.ParentLSID]
	c.mu.Unlock()
	if !ok {
		nlog.Warningf("sst: INIT for unknown parent lsid %d on conn %d", seg.ParentLSID, c.connID)
		return
	}
	child := newStream(c, seg.LSID, seg.ParentLSID, odp.Port(seg.RemotePort))
	child.setState(StreamConnected)
	c.mu.Lock()
	c.streams[seg.LSID] = child
	c.mu.Unlock()
	c.sendSegment(&segment{LSID: seg.LSID, Flags: FlagInitAck})

	parent.childMu.Lock()
	cb := parent.listeners[child.port]
	parent.children[child.lsid] = child
	parent.childMu.Unlock()
	if cb != nil {
		cb(child)
	}
}

func (c *Connection) handleInitAck(seg *segment) {
	c.mu.Lock()
	st, ok := c.streams[seg.LSID]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.setState(StreamConnected)
	if seg.LSID == 0 {
		c.setState(ConnConnected)
	}
}

func (c *Connection) handleRst(seg *segment) {
	c.mu.Lock()
	st, ok := c.streams[seg.LSID]
	c.mu.Unlock()
	if ok {
		st.setState(StreamDisconnected)
	}
}

// onRTOCeiling is invoked once a stream's segment has exceeded the
// configured retransmit ceiling: the whole connection fails (spec.md
// §4.1 "Failure model"), and every substream surfaces "disconnected."
func (c *Connection) onRTOCeiling() {
	if c.State() == ConnTimedOut || c.State() == ConnClosed {
		return
	}
	c.setState(ConnTimedOut)
	c.wheel.Stop()
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()
	for _, st := range streams {
		st.setState(StreamDisconnected)
		st.recvMu.Lock()
		cb := st.eofCb
		st.eofCb = nil
		st.recvMu.Unlock()
		if cb != nil {
			cb()
		}
	}
	c.transport.forget(c)
}

func (c *Connection) close() {
	c.setState(ConnClosed)
	c.wheel.Stop()
}
