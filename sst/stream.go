package sst

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirikata/spaced/odp"
)

// StreamState is the per-stream lifecycle (spec.md §4.1):
// PENDING -> CONNECTED -> {DISCONNECTING, DISCONNECTED}.
type StreamState int32

const (
	StreamPending StreamState = iota
	StreamConnected
	StreamDisconnecting
	StreamDisconnected
)

func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "PENDING"
	case StreamConnected:
		return "CONNECTED"
	case StreamDisconnecting:
		return "DISCONNECTING"
	case StreamDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

const (
	maxSegmentPayload = 1200 // keeps a segment well under typical path MTU
	initialCwnd       = 4 * maxSegmentPayload
	initialRTO        = 150 * time.Millisecond
	maxRTO            = 4 * time.Second
	maxRTOFailures    = 6 // spec.md §4.1 default failure ceiling
	maxRecvWindow     = 64 * maxSegmentPayload // advertised receive window capacity
	dupAckThreshold   = 3                      // spec.md:83 "triple duplicate ACK"
)

type pendingSeg struct {
	seq     uint32
	data    []byte
	fin     bool
	item    *rtoItem
	rto     time.Duration
	fails   int
}

// Stream is a single reliable, ordered byte stream multiplexed within a
// Connection (spec.md §4.1). The zero value is not usable; obtain one via
// Transport.Connect or a ListenSubstream/accept callback.
type Stream struct {
	conn       *Connection
	lsid       uint32
	parentLSID uint32
	port       odp.Port

	state int32 // StreamState, accessed atomically

	connectedCh chan struct{}
	connectOnce sync.Once

	sendMu   sync.Mutex
	sendNext uint32 // seq assigned to the next queued byte
	pending  []*pendingSeg
	queue    [][]byte
	inFlight int
	cwnd     int
	rwnd     int // peer-advertised receive window; min(cwnd, rwnd) gates sends
	lastAck  uint32
	dupAcks  int
	finSent  bool
	finAcked bool

	recvMu       sync.Mutex
	recvNext     uint32
	recvBuf      map[uint32][]byte
	recvBuffered int // bytes currently held in recvBuf, out of order
	finAt        uint32
	haveFinAt    bool
	readCb       func([]byte)
	eofCb        func()

	childMu    sync.Mutex
	children   map[uint32]*Stream
	listeners  map[odp.Port]func(*Stream)
}

func newStream(c *Connection, lsid, parentLSID uint32, port odp.Port) *Stream {
	return &Stream{
		conn:        c,
		lsid:        lsid,
		parentLSID:  parentLSID,
		port:        port,
		state:       int32(StreamPending),
		connectedCh: make(chan struct{}),
		cwnd:        initialCwnd,
		rwnd:        maxRecvWindow, // assumed until the peer's first advertisement arrives
		recvBuf:     make(map[uint32][]byte),
		children:    make(map[uint32]*Stream),
		listeners:   make(map[odp.Port]func(*Stream)),
	}
}

func (s *Stream) State() StreamState { return StreamState(atomic.LoadInt32(&s.state)) }
func (s *Stream) LSID() uint32       { return s.lsid }
func (s *Stream) Port() odp.Port     { return s.port }

func (s *Stream) setState(st StreamState) {
	atomic.StoreInt32(&s.state, int32(st))
	if st == StreamConnected {
		s.connectOnce.Do(func() { close(s.connectedCh) })
	}
}

// RegisterReadCallback installs the handler invoked, in order, with each
// contiguous chunk of delivered bytes. Calling it with nil after an
// end-of-stream notification has fired is a no-op.
func (s *Stream) RegisterReadCallback(cb func([]byte)) {
	s.recvMu.Lock()
	s.readCb = cb
	s.recvMu.Unlock()
}

// OnEOF installs the handler invoked at most once: when the remote side's
// graceful close has been fully observed (spec.md §8: "...the other
// side's read callback eventually observes exactly X followed by an
// end-of-stream event"), or when the connection fails at the retransmit
// ceiling.
func (s *Stream) OnEOF(cb func()) {
	s.recvMu.Lock()
	s.eofCb = cb
	s.recvMu.Unlock()
}

// ListenSubstream registers the acceptance callback for child streams
// created against this stream on the given port (spec.md §4.1).
func (s *Stream) ListenSubstream(port odp.Port, cb func(*Stream)) {
	s.childMu.Lock()
	s.listeners[port] = cb
	s.childMu.Unlock()
}

// CreateChildStream opens a new substream rooted at s, drawing its lsid
// from the connection's initiator-partitioned counter (spec.md §4.1).
func (s *Stream) CreateChildStream(port odp.Port) (*Stream, error) {
	return s.conn.createChildStream(s, port)
}

// Send appends data to the stream's outbound byte sequence, chunking it
// into wire segments and admitting as many as the send window
// (min of cwnd and the peer's rwnd) currently allows.
func (s *Stream) Send(data []byte) error {
	if s.State() == StreamDisconnected || s.State() == StreamDisconnecting {
		return ErrStreamClosed
	}
	if len(data) == 0 {
		return nil
	}
	s.sendMu.Lock()
	for len(data) > 0 {
		n := len(data)
		if n > maxSegmentPayload {
			n = maxSegmentPayload
		}
		chunk := make([]byte, n)
		copy(chunk, data[:n])
		s.queue = append(s.queue, chunk)
		data = data[n:]
	}
	s.drainQueueLocked()
	s.sendMu.Unlock()
	return nil
}

// sendWindow is min(cwnd, rwnd) (spec.md:83): the lesser of the sender's
// own congestion window and the peer's last-advertised receive window
// gates how much may be in flight at once.
func (s *Stream) sendWindow() int {
	if s.rwnd < s.cwnd {
		return s.rwnd
	}
	return s.cwnd
}

// drainQueueLocked admits queued chunks onto the wire while the send
// window allows. Caller holds sendMu.
func (s *Stream) drainQueueLocked() {
	for len(s.queue) > 0 && s.inFlight < s.sendWindow() {
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		seq := s.sendNext
		s.sendNext += uint32(len(chunk))
		ps := &pendingSeg{seq: seq, data: chunk, rto: initialRTO}
		s.pending = append(s.pending, ps)
		s.inFlight += len(chunk)
		s.transmit(ps)
	}
}

func (s *Stream) transmit(ps *pendingSeg) {
	flags := FlagData
	if ps.fin {
		flags |= FlagFin
	}
	s.conn.sendSegment(&segment{
		LSID:    s.lsid,
		Seq:     ps.seq,
		Ack:     s.recvAck(),
		Window:  uint32(s.recvWindow()),
		Flags:   flags,
		Payload: ps.data,
	})
	ps.item = s.conn.wheel.schedule(ps.rto, func() { s.onRTO(ps) })
}

func (s *Stream) recvAck() uint32 {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.recvNext
}

// recvWindow reports how much more out-of-order data this stream will
// currently accept before maxRecvWindow is exhausted; advertised to the
// peer on every outgoing segment so it can track our rwnd.
func (s *Stream) recvWindow() int {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.recvWindowLocked()
}

// recvWindowLocked is recvWindow without acquiring recvMu. Caller holds
// recvMu.
func (s *Stream) recvWindowLocked() int {
	w := maxRecvWindow - s.recvBuffered
	if w < 0 {
		w = 0
	}
	return w
}

func (s *Stream) onRTO(ps *pendingSeg) {
	s.sendMu.Lock()
	stillPending := false
	for _, p := range s.pending {
		if p == ps {
			stillPending = true
			break
		}
	}
	if !stillPending {
		s.sendMu.Unlock()
		return
	}
	ps.fails++
	if ps.fails > maxRTOFailures {
		s.sendMu.Unlock()
		s.conn.onRTOCeiling()
		return
	}
	// multiplicative decrease on loss, per spec.md:83 (ceiling and policy
	// beyond "halves on loss" are an implementation choice the sources
	// leave open).
	s.halveCwndLocked()
	ps.rto *= 2
	if ps.rto > maxRTO {
		ps.rto = maxRTO
	}
	s.transmit(ps)
	s.sendMu.Unlock()
}

// handleAck removes acked segments from the pending list, grows cwnd by
// one segment's worth (additive increase) on each ack that newly
// acknowledges data, records the peer's
// advertised receive window, and fast-retransmits plus halves cwnd on
// the spec.md:83 "triple duplicate ACK" condition.
func (s *Stream) handleAck(ack, peerWindow uint32) {
	s.sendMu.Lock()
	s.rwnd = int(peerWindow)

	acked := 0
	i := 0
	for ; i < len(s.pending); i++ {
		ps := s.pending[i]
		end := ps.seq + uint32(len(ps.data))
		if seqLE(end, ack) {
			s.conn.wheel.cancel(ps.item)
			acked += len(ps.data)
			if ps.fin {
				s.finAcked = true
			}
			continue
		}
		break
	}
	if i > 0 {
		s.pending = s.pending[i:]
	}
	s.inFlight -= acked

	if i > 0 {
		// The ack advanced: fresh progress resets the duplicate run.
		s.lastAck = ack
		s.dupAcks = 0
		if acked > 0 {
			s.cwnd += maxSegmentPayload // additive increase
		}
	} else if ack == s.lastAck && len(s.pending) > 0 {
		s.dupAcks++
		if s.dupAcks >= dupAckThreshold {
			s.dupAcks = 0
			s.halveCwndLocked()
			// fast retransmit: resend the oldest unacked segment now
			// rather than waiting for its RTO to expire.
			ps := s.pending[0]
			s.conn.wheel.cancel(ps.item)
			s.transmit(ps)
		}
	}

	s.drainQueueLocked()
	finAcked := s.finAcked
	s.sendMu.Unlock()
	if finAcked {
		s.maybeDisconnected()
	}
}

// halveCwndLocked applies multiplicative decrease, floored at one
// segment's worth of bytes so the window never stalls outright. Caller
// holds sendMu.
func (s *Stream) halveCwndLocked() {
	s.cwnd = s.cwnd / 2
	if s.cwnd < maxSegmentPayload {
		s.cwnd = maxSegmentPayload
	}
}

func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

// Close begins a graceful or forced shutdown (spec.md §4.1). Graceful
// close flushes all queued application bytes to the wire, then sends a
// FIN whose Seq marks the end of the byte stream; the remote side
// delivers end-of-stream only once every byte before that offset has
// been delivered in order.
func (s *Stream) Close(graceful bool) error {
	if !graceful {
		s.conn.sendSegment(&segment{LSID: s.lsid, Flags: FlagRst})
		s.setState(StreamDisconnected)
		return nil
	}
	s.sendMu.Lock()
	if s.finSent {
		s.sendMu.Unlock()
		return nil
	}
	s.setState(StreamDisconnecting)
	// flush: admit every remaining queued chunk regardless of cwnd so the
	// FIN's offset is the true end of the application's byte sequence.
	for len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		seq := s.sendNext
		s.sendNext += uint32(len(chunk))
		ps := &pendingSeg{seq: seq, data: chunk, rto: initialRTO}
		s.pending = append(s.pending, ps)
		s.inFlight += len(chunk)
		s.transmit(ps)
	}
	finSeq := s.sendNext
	ps := &pendingSeg{seq: finSeq, data: nil, fin: true, rto: initialRTO}
	s.pending = append(s.pending, ps)
	s.finSent = true
	s.transmit(ps)
	s.sendMu.Unlock()
	return nil
}

func (s *Stream) maybeDisconnected() {
	s.recvMu.Lock()
	remoteDone := s.haveFinAt && s.recvNext >= s.finAt
	s.recvMu.Unlock()
	if s.finAcked && remoteDone {
		s.setState(StreamDisconnected)
	}
}

// handleData processes an inbound DATA (and/or FIN) segment, delivering
// contiguous bytes in order and buffering out-of-order ones.
func (s *Stream) handleData(seg *segment) {
	s.recvMu.Lock()
	if seg.Flags.Has(FlagFin) {
		s.haveFinAt = true
		s.finAt = seg.Seq
	}
	if len(seg.Payload) > 0 {
		if seqLE(seg.Seq, s.recvNext) && seg.Seq != s.recvNext {
			// stale retransmit of already-delivered bytes: drop, ack again.
		} else if seg.Seq == s.recvNext {
			s.deliverLocked(seg.Payload)
			s.recvNext += uint32(len(seg.Payload))
			s.drainBufferedLocked()
		} else {
			if _, dup := s.recvBuf[seg.Seq]; !dup {
				s.recvBuf[seg.Seq] = seg.Payload
				s.recvBuffered += len(seg.Payload)
			}
		}
	}
	reachedFin := s.haveFinAt && s.recvNext >= s.finAt
	var eofCb func()
	if reachedFin && s.eofCb != nil {
		eofCb = s.eofCb
		s.eofCb = nil
	}
	ack := s.recvNext
	window := s.recvWindowLocked()
	s.recvMu.Unlock()

	// Reply only when this segment actually carried something new to
	// acknowledge (data or the FIN marker); replying to a bare ack would
	// otherwise ping-pong forever. ACK piggybacking (spec.md §4.1) is
	// satisfied by every data/FIN segment already carrying the current
	// cumulative ack via handleAck's Ack field, not by acking acks.
	if len(seg.Payload) > 0 || seg.Flags.Has(FlagFin) {
		replyFlags := FlagData
		if seg.Flags.Has(FlagFin) {
			replyFlags = FlagFinAck
		}
		s.conn.sendSegment(&segment{LSID: s.lsid, Seq: s.sendNext, Ack: ack, Window: uint32(window), Flags: replyFlags})
	}
	if eofCb != nil {
		eofCb()
	}
	if reachedFin {
		s.maybeDisconnected()
	}
}

// drainBufferedLocked delivers any out-of-order segments that have become
// contiguous. Caller holds recvMu.
func (s *Stream) drainBufferedLocked() {
	for {
		buf, ok := s.recvBuf[s.recvNext]
		if !ok {
			return
		}
		delete(s.recvBuf, s.recvNext)
		s.recvBuffered -= len(buf)
		s.deliverLocked(buf)
		s.recvNext += uint32(len(buf))
	}
}

// deliverLocked invokes the read callback synchronously so that multiple
// chunks becoming deliverable in the same call (via drainBufferedLocked)
// are observed by the application in byte order. Caller holds recvMu.
func (s *Stream) deliverLocked(data []byte) {
	if s.readCb != nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.readCb(cp)
	}
}
