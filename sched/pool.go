package sched

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool is a fixed-size worker pool draining a shared task channel of 1024
// slots; submit blocks while the channel is full.
// Strands submit their drain loop to Pool.submit; the pool does not know
// about strand identity, only that a function must eventually run.
type Pool struct {
	ch     chan func()
	eg     *errgroup.Group
	cancel context.CancelFunc
	once   sync.Once
}

// NewPool starts n worker goroutines (n<=0 defaults to GOMAXPROCS) pulling
// from a shared channel. Call Close to drain in-flight work and stop.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	p := &Pool{ch: make(chan func(), 1024), eg: eg, cancel: cancel}
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case fn, ok := <-p.ch:
					if !ok {
						return nil
					}
					fn()
				}
			}
		})
	}
	return p
}

func (p *Pool) submit(fn func()) { p.ch <- fn }

// Close stops accepting new strand drains and waits for in-flight workers
// to observe cancellation. Strands must not be posted to after Close.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.ch)
		_ = p.eg.Wait()
	})
}
