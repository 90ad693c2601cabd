// Package hk provides a mechanism for registering named cleanup
// functions invoked at specified intervals, all run on one goroutine
// instead of each running its own timer goroutine. cmd/spaced registers
// the connection manager's migration-handoff timeout sweep here.
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirikata/spaced/cmn/mono"
	"github.com/sirikata/spaced/cmn/nlog"
)

// HKFunc is a registered sweep. It returns the delay until it should run
// again; a job that wants to stop permanently returns a non-positive
// duration.
type HKFunc func() time.Duration

type job struct {
	name     string
	f        HKFunc
	fireAt   int64 // mono.NanoTime
	index    int   // heap.Interface bookkeeping
	unregged bool
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].fireAt < h[j].fireAt }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)         { j := x.(*job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// HK is a registry of named periodic sweeps, run on a single goroutine.
type HK struct {
	mu       sync.Mutex
	byName   map[string]*job
	heap     jobHeap
	wake     chan struct{}
	stop     chan struct{}
	started  chan struct{}
	startOne sync.Once
}

func newHK() *HK {
	return &HK{
		byName:  make(map[string]*job),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// DefaultHK is the process-wide housekeeper; cmd/spaced registers every
// component's sweep against it and calls Run once at startup.
var DefaultHK *HK

func Init()     { DefaultHK = newHK() }
func TestInit() { Init() }

func init() { Init() }

// Reg schedules f to run first after initialInterval (immediately if
// omitted), then again after each duration f itself returns.
func (hk *HK) Reg(name string, f HKFunc, initialInterval ...time.Duration) {
	var first time.Duration
	if len(initialInterval) > 0 {
		first = initialInterval[0]
	}
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if old, ok := hk.byName[name]; ok {
		old.unregged = true
	}
	j := &job{name: name, f: f, fireAt: mono.NanoTime() + first.Nanoseconds()}
	hk.byName[name] = j
	heap.Push(&hk.heap, j)
	hk.pokeLocked()
}

// Unreg cancels name's future firings; a sweep in flight still completes.
func (hk *HK) Unreg(name string) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if j, ok := hk.byName[name]; ok {
		j.unregged = true
		delete(hk.byName, name)
	}
}

func (hk *HK) pokeLocked() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// Run drives every registered sweep until Stop is called. Intended to run
// on its own goroutine for the lifetime of the process.
func (hk *HK) Run() {
	hk.startOne.Do(func() { close(hk.started) })
	for {
		hk.mu.Lock()
		var wait time.Duration
		if hk.heap.Len() == 0 {
			wait = time.Hour
		} else {
			next := hk.heap[0].fireAt
			wait = time.Duration(next - mono.NanoTime())
			if wait < 0 {
				wait = 0
			}
		}
		hk.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-hk.stop:
			timer.Stop()
			return
		case <-hk.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		hk.fireDue()
	}
}

func (hk *HK) fireDue() {
	now := mono.NanoTime()
	for {
		hk.mu.Lock()
		if hk.heap.Len() == 0 || hk.heap[0].fireAt > now {
			hk.mu.Unlock()
			return
		}
		j := heap.Pop(&hk.heap).(*job)
		hk.mu.Unlock()

		if j.unregged {
			continue
		}
		delay := func() (d time.Duration) {
			defer func() {
				if r := recover(); r != nil {
					nlog.Errorf("hk: sweep %q panicked: %v", j.name, r)
					d = 0
				}
			}()
			return j.f()
		}()
		if delay <= 0 {
			hk.mu.Lock()
			if !j.unregged {
				delete(hk.byName, j.name)
			}
			hk.mu.Unlock()
			continue
		}
		j.fireAt = mono.NanoTime() + delay.Nanoseconds()
		hk.mu.Lock()
		if !j.unregged {
			heap.Push(&hk.heap, j)
		}
		hk.mu.Unlock()
	}
}

// Stop halts Run; used by tests and graceful shutdown.
func (hk *HK) Stop() { close(hk.stop) }

// Reg/Unreg/WaitStarted on the process-wide DefaultHK.
func Reg(name string, f HKFunc, initialInterval ...time.Duration) {
	DefaultHK.Reg(name, f, initialInterval...)
}
func Unreg(name string) { DefaultHK.Unreg(name) }

func WaitStarted() { <-DefaultHK.started }
