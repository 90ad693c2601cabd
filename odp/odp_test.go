package odp_test

import (
	"testing"
	"time"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/odp"
)

func TestLocalServiceDelivers(t *testing.T) {
	s := odp.NewLocalService()
	defer s.Close()

	recv := make(chan odp.Datagram, 1)
	s.Listen(odp.PortLocation, func(dg odp.Datagram) { recv <- dg })

	oid := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	dg := odp.Datagram{
		Header: odp.Header{
			Dest:    cos.SOR{Space: "s1", Obj: oid},
			DstPort: odp.PortLocation,
		},
		Payload: []byte("hello"),
	}
	if err := s.Send(dg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-recv:
		if string(got.Payload) != "hello" {
			t.Fatalf("payload mismatch: %q", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestLocalServiceNoHandlerIsNotError(t *testing.T) {
	s := odp.NewLocalService()
	defer s.Close()
	if err := s.Send(odp.Datagram{Header: odp.Header{DstPort: 99}}); err != nil {
		t.Fatalf("unhandled port should not error at transport layer: %v", err)
	}
}

func TestMemHostServiceRoutes(t *testing.T) {
	a := odp.NewMemHostService(1)
	b := odp.NewMemHostService(2)
	defer a.Close()
	defer b.Close()

	recv := make(chan odp.OHDPDatagram, 1)
	b.Listen(odp.PortLocation, func(dg odp.OHDPDatagram) { recv <- dg })

	err := a.Send(odp.OHDPDatagram{
		Header:  odp.OHDPHeader{SourceHost: 1, DestHost: 2, DstPort: odp.PortLocation},
		Payload: []byte("ping"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-recv:
		if string(got.Payload) != "ping" {
			t.Fatalf("payload mismatch: %q", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemHostServiceNoRoute(t *testing.T) {
	a := odp.NewMemHostService(3)
	defer a.Close()
	err := a.Send(odp.OHDPDatagram{Header: odp.OHDPHeader{SourceHost: 3, DestHost: 999}})
	if err != odp.ErrNoRoute {
		t.Fatalf("want ErrNoRoute, got %v", err)
	}
}

func TestMemHostServiceDropRate(t *testing.T) {
	a := odp.NewMemHostService(10)
	b := odp.NewMemHostService(11)
	defer a.Close()
	defer b.Close()
	a.DropRate = 1.0 // always drop

	recv := make(chan struct{}, 1)
	b.Listen(odp.PortLocation, func(odp.OHDPDatagram) { recv <- struct{}{} })

	_ = a.Send(odp.OHDPDatagram{Header: odp.OHDPHeader{SourceHost: 10, DestHost: 11, DstPort: odp.PortLocation}})
	select {
	case <-recv:
		t.Fatal("expected datagram to be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}
