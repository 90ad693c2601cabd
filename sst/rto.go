package sst

import (
	"sync"
	"time"

	"github.com/tidwall/tinyqueue"
)

// rtoItem is one pending retransmit deadline. fire is tombstoned (set nil)
// on cancellation rather than removed from the heap immediately -- lazy
// deletion, checked when the item reaches the front of the queue.
type rtoItem struct {
	deadline time.Time
	fire     func()
}

// rtoWheel is the RTO/retransmit timer wheel shared by every stream of a
// connection: a single tidwall/tinyqueue min-heap ordered by deadline,
// driven by one time.Timer armed for the earliest pending deadline. This
// avoids one OS timer per in-flight segment, matching spec.md §4.1's
// "per-segment retransmit timer with exponential backoff" at the
// connection level rather than per-packet.
type rtoWheel struct {
	mu    sync.Mutex
	q     *tinyqueue.Queue
	timer *time.Timer
}

func newRTOWheel() *rtoWheel {
	w := &rtoWheel{
		q: tinyqueue.New(nil, func(a, b interface{}) bool {
			return a.(*rtoItem).deadline.Before(b.(*rtoItem).deadline)
		}),
	}
	w.timer = time.AfterFunc(time.Hour, w.tick)
	w.timer.Stop()
	return w
}

// schedule arms fire to run after d, returning a handle cancel() can
// tombstone.
func (w *rtoWheel) schedule(d time.Duration, fire func()) *rtoItem {
	it := &rtoItem{deadline: time.Now().Add(d), fire: fire}
	w.mu.Lock()
	w.q.Push(it)
	w.rearmLocked()
	w.mu.Unlock()
	return it
}

func (w *rtoWheel) cancel(it *rtoItem) {
	w.mu.Lock()
	it.fire = nil
	w.mu.Unlock()
}

func (w *rtoWheel) rearmLocked() {
	if w.q.Len() == 0 {
		w.timer.Stop()
		return
	}
	top := w.q.Peek().(*rtoItem)
	d := time.Until(top.deadline)
	if d < 0 {
		d = 0
	}
	w.timer.Reset(d)
}

func (w *rtoWheel) tick() {
	w.mu.Lock()
	now := time.Now()
	var fires []func()
	for w.q.Len() > 0 {
		top := w.q.Peek().(*rtoItem)
		if top.deadline.After(now) {
			break
		}
		w.q.Pop()
		if top.fire != nil {
			fires = append(fires, top.fire)
		}
	}
	w.rearmLocked()
	w.mu.Unlock()
	for _, fn := range fires {
		fn()
	}
}

func (w *rtoWheel) Stop() { w.timer.Stop() }
