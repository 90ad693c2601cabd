package sst_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirikata/spaced/odp"
	"github.com/sirikata/spaced/sst"
)

func pair(t *testing.T, dropRate float64) (*sst.Transport, *sst.Transport, func()) {
	t.Helper()
	a := odp.NewMemHostService(1)
	b := odp.NewMemHostService(2)
	a.DropRate = dropRate
	b.DropRate = dropRate
	ta := sst.NewTransport(1, a, sst.DefaultPort)
	tb := sst.NewTransport(2, b, sst.DefaultPort)
	return ta, tb, func() {
		ta.Close()
		tb.Close()
		a.Close()
		b.Close()
	}
}

func TestConnectAndSend(t *testing.T) {
	ta, tb, cleanup := pair(t, 0)
	defer cleanup()

	accepted := make(chan *sst.Stream, 1)
	tb.Listen(odp.PortRegistration, func(s *sst.Stream) { accepted <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := ta.Connect(ctx, 2, odp.PortRegistration)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var server *sst.Stream
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}

	var got bytes.Buffer
	var mu sync.Mutex
	done := make(chan struct{})
	server.RegisterReadCallback(func(b []byte) {
		mu.Lock()
		got.Write(b)
		mu.Unlock()
	})
	server.OnEOF(func() { close(done) })

	payload := []byte("hello sst world")
	if err := client.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF")
	}
	mu.Lock()
	defer mu.Unlock()
	if got.String() != string(payload) {
		t.Fatalf("got %q, want %q", got.String(), payload)
	}
}

func TestSubstreamTree(t *testing.T) {
	ta, tb, cleanup := pair(t, 0)
	defer cleanup()

	accepted := make(chan *sst.Stream, 1)
	tb.Listen(odp.PortRegistration, func(s *sst.Stream) { accepted <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	root, err := ta.Connect(ctx, 2, odp.PortRegistration)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-accepted

	childAccepted := make(chan *sst.Stream, 1)
	root.ListenSubstream(odp.Port(50), func(s *sst.Stream) { childAccepted <- s })

	c1, err := root.CreateChildStream(odp.Port(50))
	if err != nil {
		t.Fatalf("CreateChildStream: %v", err)
	}
	select {
	case <-childAccepted:
	case <-time.After(time.Second):
		t.Fatal("substream never accepted")
	}
	if c1.State() != sst.StreamConnected {
		t.Fatalf("child stream state = %v, want CONNECTED", c1.State())
	}
}

func TestLossyUnderlayEventuallyDelivers(t *testing.T) {
	ta, tb, cleanup := pair(t, 0.4)
	defer cleanup()

	accepted := make(chan *sst.Stream, 1)
	tb.Listen(odp.PortRegistration, func(s *sst.Stream) { accepted <- s })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ta.Connect(ctx, 2, odp.PortRegistration)
	if err != nil {
		t.Fatalf("Connect under loss: %v", err)
	}
	var server *sst.Stream
	select {
	case server = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted connection under loss")
	}

	var got bytes.Buffer
	var mu sync.Mutex
	done := make(chan struct{})
	server.RegisterReadCallback(func(b []byte) {
		mu.Lock()
		got.Write(b)
		mu.Unlock()
	})
	server.OnEOF(func() { close(done) })

	payload := bytes.Repeat([]byte("x"), 4000)
	if err := client.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("timed out waiting for full delivery under loss")
	}
	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("got %d bytes, want %d bytes equal", got.Len(), len(payload))
	}
}
