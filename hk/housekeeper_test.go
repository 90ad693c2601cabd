package hk_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirikata/spaced/hk"
)

func TestRegFiresAfterInitialInterval(t *testing.T) {
	hk.TestInit()
	go hk.DefaultHK.Run()
	hk.WaitStarted()
	defer hk.DefaultHK.Stop()

	var fired atomic.Int32
	done := make(chan struct{})
	hk.Reg("test-once", func() time.Duration {
		fired.Add(1)
		close(done)
		return 0 // don't reschedule
	}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never fired")
	}
	if fired.Load() != 1 {
		t.Fatalf("expected exactly 1 firing, got %d", fired.Load())
	}
}

func TestRegReschedulesUntilStopped(t *testing.T) {
	hk.TestInit()
	go hk.DefaultHK.Run()
	hk.WaitStarted()
	defer hk.DefaultHK.Stop()

	var count atomic.Int32
	hk.Reg("test-repeat", func() time.Duration {
		count.Add(1)
		return 5 * time.Millisecond
	})

	time.Sleep(60 * time.Millisecond)
	hk.Unreg("test-repeat")
	n := count.Load()
	if n < 3 {
		t.Fatalf("expected several firings in 60ms at a 5ms interval, got %d", n)
	}
	time.Sleep(30 * time.Millisecond)
	if count.Load() != n {
		t.Fatalf("expected no further firings after Unreg, got %d -> %d", n, count.Load())
	}
}

func TestRegReplacesExistingName(t *testing.T) {
	hk.TestInit()
	go hk.DefaultHK.Run()
	hk.WaitStarted()
	defer hk.DefaultHK.Stop()

	var oldFired, newFired atomic.Int32
	hk.Reg("dup", func() time.Duration {
		oldFired.Add(1)
		return time.Millisecond
	})
	hk.Reg("dup", func() time.Duration {
		newFired.Add(1)
		return 0
	})

	time.Sleep(50 * time.Millisecond)
	if newFired.Load() == 0 {
		t.Fatalf("expected the replacement sweep to fire")
	}
}
