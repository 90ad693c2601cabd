// receiver.go implements spec.md §4.6, ServerMessageReceiver: on the
// receiving side, measure inbound bytes/sec from each peer and
// periodically rebroadcast used weights upstream so senders can rebalance
// their outgoing fair queues. Grounded on
// original_source/ohcoordinator/src/ServerMessageReceiver.hpp
// (updateSenderStats/totalUsedWeight/capacity, the total-weight vs.
// used-weight split, and the rate estimator feeding mBlocked/overestimate
// bookkeeping), re-expressed as a standalone component that cmd/spaced
// constructs and runs, rather than a SpaceNetwork::ReceiveListener subclass.
package forwarder

import (
	"sync"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/mono"
	"github.com/sirikata/spaced/sched"
)

// RebroadcastFunc sends this server's measured used-weight for peer
// upstream to peer, closing the fair-queueing loop (spec.md §4.6).
type RebroadcastFunc func(peer cos.ServerID, usedWeight float64)

type peerRate struct {
	bytesSinceSample int64
	lastSampleAt     int64 // mono.NanoTime
	rate             float64
	totalWeight      float64
}

// Receiver tracks inbound byte rate per peer and periodically reports
// used weights back to each peer's forwarder.
type Receiver struct {
	capacity float64 // configured bytes/sec budget for this server

	mu    sync.Mutex
	peers map[cos.ServerID]*peerRate

	rebroadcast RebroadcastFunc
}

func NewReceiver(capacityBytesPerSec float64, rebroadcast RebroadcastFunc) *Receiver {
	return &Receiver{
		capacity:    capacityBytesPerSec,
		peers:       make(map[cos.ServerID]*peerRate),
		rebroadcast: rebroadcast,
	}
}

// RecordBytes accounts n inbound bytes just received from peer. The
// forwarder's handleInbound does not call it, and neither does
// cmd/spaced, so there no peer's bytes are accounted and no rate is
// measured.
func (r *Receiver) RecordBytes(peer cos.ServerID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peer(peer)
	p.bytesSinceSample += int64(n)
}

// SetTotalWeight records the sender-reported total weight feeding this
// receiver's queue for peer -- the "real total, not just used" weight
// ServerMessageReceiver::updateSenderStats's total_weight parameter
// carries, maintained on the main strand in the original.
func (r *Receiver) SetTotalWeight(peer cos.ServerID, totalWeight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer(peer).totalWeight = totalWeight
}

func (r *Receiver) peer(id cos.ServerID) *peerRate {
	p, ok := r.peers[id]
	if !ok {
		p = &peerRate{lastSampleAt: mono.NanoTime()}
		r.peers[id] = p
	}
	return p
}

// sample updates each peer's measured rate from bytes accumulated since
// the last sample and resets the accumulator -- mirroring
// SimpleRateEstimator's windowed-average approach.
func (r *Receiver) sample() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := mono.NanoTime()
	for _, p := range r.peers {
		elapsed := time.Duration(now - p.lastSampleAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		p.rate = float64(p.bytesSinceSample) / elapsed
		p.bytesSinceSample = 0
		p.lastSampleAt = now
	}
}

// totalUsedWeight is the sum of every peer's measured inbound rate (bytes/sec),
// the denominator handleUpdateSenderStats-derived implementations use to
// apportion the receiver's own budget.
func (r *Receiver) totalUsedWeight() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	for _, p := range r.peers {
		sum += p.rate
	}
	return sum
}

// usedWeightOf reports peer's fraction of this receiver's configured
// capacity, the value rebroadcast upstream.
func (r *Receiver) usedWeightOf(peer cos.ServerID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peer]
	if !ok || r.capacity <= 0 {
		return 0
	}
	return p.rate / r.capacity
}

func (r *Receiver) peerIDs() []cos.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]cos.ServerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// Run periodically samples rates and rebroadcasts used weights on
// strand's timer, until stop is closed.
func (r *Receiver) Run(strand *sched.Strand, period time.Duration, stop <-chan struct{}) {
	var tick func()
	var timer *sched.Timer
	tick = func() {
		select {
		case <-stop:
			return
		default:
		}
		r.sample()
		if r.rebroadcast != nil {
			for _, id := range r.peerIDs() {
				r.rebroadcast(id, r.usedWeightOf(id))
			}
		}
		timer = strand.After(period, tick)
	}
	timer = strand.After(period, tick)
	go func() {
		<-stop
		if timer != nil {
			timer.Cancel()
		}
	}()
}
