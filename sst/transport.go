// Transport is the top-level SST entry point: one per local server,
// multiplexing every Connection to every remote host over a single
// OHDP listening port (spec.md §4.1's `connect(remote) → stream`).
package sst

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/nlog"
	"github.com/sirikata/spaced/odp"
)

// DefaultPort is the OHDP port SST listens on unless overridden; it sits
// in the system-reserved range (spec.md §6) alongside session/location/
// proximity/registration.
const DefaultPort odp.Port = 9

type connKey struct {
	remote cos.ServerID
	connID uint32
}

// Transport owns the OHDP listening socket and every live Connection
// fanning out from it.
type Transport struct {
	self cos.ServerID
	host odp.HostService
	port odp.Port

	mu        sync.Mutex
	conns     map[connKey]*Connection
	listeners map[odp.Port]func(*Stream)

	randMu sync.Mutex
	rng    *rand.Rand
}

// NewTransport wires an SST transport onto host, listening on port (or
// DefaultPort if zero).
func NewTransport(self cos.ServerID, host odp.HostService, port odp.Port) *Transport {
	if port == 0 {
		port = DefaultPort
	}
	t := &Transport{
		self:      self,
		host:      host,
		port:      port,
		conns:     make(map[connKey]*Connection),
		listeners: make(map[odp.Port]func(*Stream)),
		rng:       rand.New(rand.NewSource(int64(self)*2 + 1)),
	}
	host.Listen(port, t.onDatagram)
	return t
}

// Listen registers onAccept to receive the root stream of every inbound
// connection addressed to channel (spec.md §4.1).
func (t *Transport) Listen(channel odp.Port, onAccept func(*Stream)) {
	t.mu.Lock()
	t.listeners[channel] = onAccept
	t.mu.Unlock()
}

// Unlisten removes a previously registered channel acceptor.
func (t *Transport) Unlisten(channel odp.Port) {
	t.mu.Lock()
	delete(t.listeners, channel)
	t.mu.Unlock()
}

// Connect establishes a new Connection to remote on channel and returns
// its root stream once the handshake completes, or an error if ctx is
// done first or the handshake exhausts its RTO retries.
func (t *Transport) Connect(ctx context.Context, remote cos.ServerID, channel odp.Port) (*Stream, error) {
	t.randMu.Lock()
	connID := t.rng.Uint32()
	t.randMu.Unlock()

	c := newConnection(t, remote, connID, channel, true)
	root := newStream(c, 0, 0, channel)
	c.streams[0] = root

	t.mu.Lock()
	t.conns[connKey{remote, connID}] = c
	t.mu.Unlock()

	var item *rtoItem
	var send func()
	fails := 0
	send = func() {
		c.sendSegment(&segment{LSID: 0, Flags: FlagInit})
		item = c.wheel.schedule(initialRTO<<uint(fails), func() {
			if c.State() == ConnPending {
				fails++
				if fails > maxRTOFailures {
					c.setState(ConnTimedOut)
					return
				}
				send()
			}
		})
	}
	send()

	select {
	case <-root.connectedCh:
		c.wheel.cancel(item)
		return root, nil
	case <-ctx.Done():
		c.wheel.cancel(item)
		t.forget(c)
		return nil, ctx.Err()
	case <-time.After(maxRTO * time.Duration(maxRTOFailures+1)):
		c.wheel.cancel(item)
		t.forget(c)
		return nil, ErrConnTimedOut
	}
}

func (t *Transport) forget(c *Connection) {
	t.mu.Lock()
	delete(t.conns, connKey{c.remote, c.connID})
	t.mu.Unlock()
}

// onDatagram is the single inbound dispatch point: decode the segment,
// resolve (remote host, ConnID) to a Connection -- creating one on first
// INIT if a listener is registered for the segment's channel -- and hand
// off. Parse errors are dropped with a log line, never escalated (spec.md
// §7's "bad SST segment ... drop the offending packet").
func (t *Transport) onDatagram(dg odp.OHDPDatagram) {
	seg, err := decodeSegment(dg.Payload)
	if err != nil {
		nlog.Warningf("sst: malformed segment from %d: %v", dg.Header.SourceHost, err)
		return
	}
	remote := dg.Header.SourceHost
	key := connKey{remote, seg.ConnID}

	t.mu.Lock()
	c, ok := t.conns[key]
	if !ok {
		if !seg.Flags.Has(FlagInit) || seg.LSID != 0 {
			t.mu.Unlock()
			nlog.Warningf("sst: segment for unknown connection %d from %d", seg.ConnID, remote)
			return
		}
		accept, known := t.listeners[odp.Port(seg.ChannelID)]
		if !known {
			t.mu.Unlock()
			nlog.Warningf("sst: connection attempt on unregistered channel %d", seg.ChannelID)
			return
		}
		c = newConnection(t, remote, seg.ConnID, odp.Port(seg.ChannelID), false)
		c.acceptFn = accept
		t.conns[key] = c
	}
	t.mu.Unlock()

	c.onSegment(seg)
}

// Close tears down every live connection and stops listening.
func (t *Transport) Close() error {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[connKey]*Connection)
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	t.host.Unlisten(t.port)
	return nil
}
