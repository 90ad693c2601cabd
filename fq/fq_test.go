package fq_test

import (
	"testing"

	"github.com/sirikata/spaced/fq"
)

type msg struct {
	id   string
	size int
}

func (m msg) Size() int { return m.size }

func TestWeightedShareFavorsHeavierQueue(t *testing.T) {
	q := fq.New[string, msg](0)
	if err := q.AddQueue("a", 16, 2); err != nil {
		t.Fatal(err)
	}
	if err := q.AddQueue("b", 16, 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := q.Push("a", msg{id: "a", size: 100}); err != nil {
			t.Fatal(err)
		}
		if err := q.Push("b", msg{id: "b", size: 100}); err != nil {
			t.Fatal(err)
		}
	}

	// Both queues hold the same number of equal-size messages, so a
	// full drain always services exactly 4 from each regardless of
	// weight -- weight only changes the order. With a:b = 2:1, "a"
	// must win at least as often as "b" within any prefix of the
	// service order, and strictly more within the first half.
	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		m, _, ok := q.Pop(100)
		if !ok {
			t.Fatalf("pop %d: expected a message", i)
		}
		counts[m.id]++
	}
	if counts["a"] <= counts["b"] {
		t.Fatalf("expected heavier-weighted queue to win more of the first half, got %v", counts)
	}
}

func TestTieBrokenByInsertionOrder(t *testing.T) {
	q := fq.New[string, msg](0)
	q.AddQueue("first", 4, 1)
	q.AddQueue("second", 4, 1)
	q.Push("second", msg{id: "second", size: 10})
	q.Push("first", msg{id: "first", size: 10})

	m, _, ok := q.Pop(100)
	if !ok || m.id != "first" {
		t.Fatalf("expected tie broken by insertion order (first registered wins): got %+v ok=%v", m, ok)
	}
}

func TestZeroWeightQueueNeverServed(t *testing.T) {
	q := fq.New[string, msg](0)
	q.AddQueue("zero", 16, 0)
	q.AddQueue("normal", 16, 1)
	for i := 0; i < 5; i++ {
		if err := q.Push("zero", msg{id: "zero", size: 10}); err != nil {
			t.Fatal(err)
		}
	}
	q.Push("normal", msg{id: "normal", size: 10})

	m, _, ok := q.Pop(100)
	if !ok || m.id != "normal" {
		t.Fatalf("expected the weighted queue to be serviced ahead of the zero-weight one: got %+v ok=%v", m, ok)
	}
	// "normal" is now empty and "zero" still holds 5 messages, but a
	// zero-weight queue must never be selected even when it is the only
	// one left with anything queued.
	if _, _, ok := q.Pop(100); ok {
		t.Fatal("expected zero-weight queue to never be served, even as the last non-empty queue")
	}
	if q.Empty() {
		t.Fatal("zero-weight queue's messages should still be sitting unserved")
	}
}

func TestSetWeightToZeroStopsService(t *testing.T) {
	q := fq.New[string, msg](0)
	q.AddQueue("a", 16, 1)
	q.Push("a", msg{id: "a", size: 10})
	if err := q.SetWeight("a", 0); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := q.Pop(100); ok {
		t.Fatal("expected a queue rebalanced to zero weight to stop being served")
	}
}

func TestPushRejectsOverCapacity(t *testing.T) {
	q := fq.New[string, msg](0)
	q.AddQueue("a", 1, 1)
	if err := q.Push("a", msg{size: 10}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := q.Push("a", msg{size: 10}); err != fq.ErrQueueFull {
		t.Fatalf("second push: got %v, want ErrQueueFull", err)
	}
}

func TestPopRespectsBudget(t *testing.T) {
	q := fq.New[string, msg](0)
	q.AddQueue("a", 4, 1)
	q.Push("a", msg{id: "big", size: 200})

	if _, _, ok := q.Pop(50); ok {
		t.Fatal("expected pop to refuse a message larger than budget")
	}
	m, consumed, ok := q.Pop(200)
	if !ok || m.id != "big" || consumed != 200 {
		t.Fatalf("Pop(200) = %+v, %d, %v", m, consumed, ok)
	}
}

func TestNullMessageAdvancesIdleQueueVirtualTime(t *testing.T) {
	// emptyQueueMessageLength > 0 enables the null-message mechanism:
	// an idle queue's next-finish keeps advancing so it doesn't win
	// the very instant it receives a message after a long idle period.
	q := fq.New[string, msg](10)
	q.AddQueue("idle", 4, 1)
	q.AddQueue("busy", 4, 1)

	for i := 0; i < 3; i++ {
		q.Push("busy", msg{id: "busy", size: 10})
	}
	// Drain several rounds while "idle" stays empty -- each Pop call's
	// budget must cover both the null messages the idle queue burns
	// through to catch its virtual time up, and the real message once
	// "busy" becomes the minimum-finish queue.
	for i := 0; i < 3; i++ {
		m, _, ok := q.Pop(100)
		if !ok {
			t.Fatalf("round %d: expected a message", i)
		}
		if m.id != "busy" {
			t.Fatalf("round %d: expected busy to keep servicing, got %s", i, m.id)
		}
	}
	if !q.Empty() {
		t.Fatal("expected busy queue to have drained")
	}
}
