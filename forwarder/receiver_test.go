package forwarder_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/forwarder"
	"github.com/sirikata/spaced/sched"
)

func TestReceiverRebroadcastsUsedWeight(t *testing.T) {
	pool := sched.NewPool(2)
	defer pool.Close()
	strand := pool.NewStrand("recv")

	var mu sync.Mutex
	reports := map[cos.ServerID]float64{}
	r := forwarder.NewReceiver(1000, func(peer cos.ServerID, weight float64) {
		mu.Lock()
		reports[peer] = weight
		mu.Unlock()
	})

	r.RecordBytes(7, 500)

	stop := make(chan struct{})
	r.Run(strand, 20*time.Millisecond, stop)
	defer close(stop)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		_, ok := reports[7]
		mu.Unlock()
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one rebroadcast for peer 7")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
