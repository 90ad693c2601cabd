// Package sched implements the scheduler/IO core (spec.md §5): a pool of
// worker goroutines draining a shared task queue, with strands layered on
// top to give cooperative single-threaded semantics to the tasks posted to
// them. Components own one or more strands (main, network-IO, prox,
// parsing/asset) and post tasks rather than spawning goroutines directly,
// so that "only explicit async operations suspend logical tasks" holds.
package sched

import "sync"

// Task is a unit of work posted to a Strand.
type Task func()

// Strand serializes the tasks posted to it: at most one task from a given
// strand runs at a time, in FIFO order of Post calls, though different
// strands run concurrently with each other on the shared Pool.
type Strand struct {
	pool    *Pool
	mu      sync.Mutex
	q       []Task
	running bool
	name    string
}

// NewStrand creates a strand bound to pool. name is used only for logging.
func (p *Pool) NewStrand(name string) *Strand {
	return &Strand{pool: p, name: name}
}

func (s *Strand) Name() string { return s.name }

// Post enqueues fn to run on this strand, scheduling a drain on the pool
// if one isn't already in flight.
func (s *Strand) Post(fn Task) {
	s.mu.Lock()
	s.q = append(s.q, fn)
	needDrain := !s.running
	if needDrain {
		s.running = true
	}
	s.mu.Unlock()

	if needDrain {
		s.pool.submit(s.drain)
	}
}

// drain runs queued tasks until the queue is empty, then releases the
// running flag. Re-checks under lock so a Post racing with the last task
// can never leave work stranded unscheduled.
func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.q) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.q[0]
		s.q = s.q[1:]
		s.mu.Unlock()

		fn()
	}
}

// Len reports the number of tasks currently queued (diagnostics only).
func (s *Strand) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q)
}
