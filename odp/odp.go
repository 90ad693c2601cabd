// Package odp implements the Object Datagram Protocol and its host-level
// analogue OHDP (spec.md §6): best-effort, addressed datagrams that every
// higher layer (SST, and inter-server control messages) is built on.
package odp

import (
	"errors"

	"github.com/sirikata/spaced/cmn/cos"
)

var ErrServiceClosed = errors.New("odp: service closed")

// Port is a 32-bit port id within an object's or host's port space.
// [0,127] is reserved for system services (session, location, proximity,
// registration), per spec.md §6.
type Port uint32

const (
	PortSession      Port = 0
	PortLocation     Port = 1
	PortProximity    Port = 2
	PortRegistration Port = 3
	MaxSystemPort    Port = 127
)

func IsSystemPort(p Port) bool { return p <= MaxSystemPort }

// Header is the ODP datagram header: object-addressed, with a unique id
// used for dedup/tracing across retransmission.
type Header struct {
	Source   cos.SOR
	Dest     cos.SOR
	SrcPort  Port
	DstPort  Port
	UniqueID uint64
}

// Datagram is one ODP packet: header plus an opaque payload. A nil/empty
// Payload is legal and used as a control poke (spec.md §6).
type Datagram struct {
	Header  Header
	Payload []byte
}

// OHDPHeader is the host-addressed analogue of Header.
type OHDPHeader struct {
	SourceHost cos.ServerID
	DestHost   cos.ServerID
	SrcPort    Port
	DstPort    Port
}

type OHDPDatagram struct {
	Header  OHDPHeader
	Payload []byte
}

// RecvFunc handles an inbound ODP datagram. It returns nothing, so a
// handler cannot tear down anything at this layer -- per spec.md §7, a
// datagram the handler cannot parse is dropped, never escalated.
type RecvFunc func(Datagram)

// OHDPRecvFunc is the OHDP analogue of RecvFunc.
type OHDPRecvFunc func(OHDPDatagram)

// Service is the minimal contract SST and every inter-server protocol
// build on: best-effort, ordered-within-burst delivery between endpoints,
// addressed by object (Service) or by host (HostService).
type Service interface {
	// Send transmits dg best-effort; errors indicate only local send
	// failure (e.g. socket unavailable), never a remote delivery
	// guarantee -- there is none.
	Send(dg Datagram) error
	// Listen registers fn to receive datagrams addressed to (self, port).
	// Replacing an existing registration on the same port is legal.
	Listen(port Port, fn RecvFunc)
	// Unlisten removes a previously registered handler.
	Unlisten(port Port)
	Close() error
}

type HostService interface {
	Send(dg OHDPDatagram) error
	Listen(port Port, fn OHDPRecvFunc)
	Unlisten(port Port)
	Close() error
}
