package odp

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/sirikata/spaced/cmn/cos"
)

// network is a process-wide registry of ServerID -> inbox, giving every
// space-server node an in-memory datagram fabric. This is the default
// substrate for tests and single-process deployments; a UDP-backed
// HostService would implement the same interface for production.
type network struct {
	mu    sync.RWMutex
	nodes map[cos.ServerID]*MemHostService
}

var defaultNetwork = &network{nodes: make(map[cos.ServerID]*MemHostService)}

// MemHostService is an in-memory, optionally-lossy OHDP transport. SST
// connections, and the forwarder's inter-server path, are built on top of
// this (or a real UDP socket) rather than on per-object ODP endpoints:
// object addressing within a datagram is carried in the payload's SOR
// header and demultiplexed by the layer above (spec.md §6).
type MemHostService struct {
	self     cos.ServerID
	net      *network
	workCh   chan OHDPDatagram
	done     chan struct{}
	mu       sync.RWMutex
	handlers map[Port]OHDPRecvFunc
	// DropRate in [0,1) randomly drops datagrams this host Sends, used to exercise
	// spec.md §8's "lossy underlay (drop rate up to 40%)" boundary test.
	DropRate float64
	rng      *rand.Rand
	rngMu    sync.Mutex
}

var ErrNoRoute = errors.New("odp: no route to destination server")
var ErrInboxFull = errors.New("odp: peer inbox full")

func NewMemHostService(self cos.ServerID) *MemHostService {
	s := &MemHostService{
		self:     self,
		net:      defaultNetwork,
		workCh:   make(chan OHDPDatagram, 4096),
		done:     make(chan struct{}),
		handlers: make(map[Port]OHDPRecvFunc),
		rng:      rand.New(rand.NewSource(int64(self) + 1)),
	}
	s.net.mu.Lock()
	s.net.nodes[self] = s
	s.net.mu.Unlock()
	go s.dispatchLoop()
	return s
}

func (s *MemHostService) dispatchLoop() {
	for {
		select {
		case dg := <-s.workCh:
			s.mu.RLock()
			fn := s.handlers[dg.Header.DstPort]
			s.mu.RUnlock()
			if fn != nil {
				fn(dg)
			}
		case <-s.done:
			return
		}
	}
}

func (s *MemHostService) Send(dg OHDPDatagram) error {
	s.rngMu.Lock()
	drop := s.rng.Float64() < s.DropRate
	s.rngMu.Unlock()
	if drop {
		return nil // simulated loss: silently dropped, as a real lossy link would be
	}
	s.net.mu.RLock()
	peer, ok := s.net.nodes[dg.Header.DestHost]
	s.net.mu.RUnlock()
	if !ok {
		return ErrNoRoute
	}
	select {
	case peer.workCh <- dg:
		return nil
	default:
		return ErrInboxFull
	}
}

func (s *MemHostService) Listen(port Port, fn OHDPRecvFunc) {
	s.mu.Lock()
	s.handlers[port] = fn
	s.mu.Unlock()
}

func (s *MemHostService) Unlisten(port Port) {
	s.mu.Lock()
	delete(s.handlers, port)
	s.mu.Unlock()
}

func (s *MemHostService) Close() error {
	close(s.done)
	s.net.mu.Lock()
	delete(s.net.nodes, s.self)
	s.net.mu.Unlock()
	return nil
}

var _ HostService = (*MemHostService)(nil)
