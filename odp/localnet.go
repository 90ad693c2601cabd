package odp

import "sync"

// LocalService implements Service for same-process, same-server object
// endpoints only: the substrate the forwarder's "local fast path" rides on
// (spec.md §4.5) when both ends of a message live on this node. It never
// crosses ServerID boundaries -- that's HostService's job.
type LocalService struct {
	mu       sync.RWMutex
	handlers map[Port]RecvFunc
	closed   bool
}

func NewLocalService() *LocalService {
	return &LocalService{handlers: make(map[Port]RecvFunc)}
}

func (s *LocalService) Send(dg Datagram) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	if fn, ok := s.handlers[dg.Header.DstPort]; ok {
		fn(dg)
	}
	// No registered handler is not an error at this layer: spec.md §4.5
	// treats an unreachable local object as the forwarder's concern
	// ("drop + counter"), not the transport's.
	return nil
}

func (s *LocalService) Listen(port Port, fn RecvFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[port] = fn
}

func (s *LocalService) Unlisten(port Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, port)
}

func (s *LocalService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Service = (*LocalService)(nil)
