// envelope.go frames an odp.Datagram for transit inside an
// odp.OHDPDatagram's opaque Payload (spec.md §6: "object addressing within
// a datagram is carried in the payload's SOR header and demultiplexed by
// the layer above"). Hand-written against msgp, the same tooling wire/
// uses for its own envelopes, rather than a second ad hoc binary format.
package forwarder

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/odp"
)

func marshalDatagram(dg odp.Datagram) []byte {
	b := msgp.AppendMapHeader(nil, 8)
	b = msgp.AppendString(b, "ss")
	b = msgp.AppendString(b, string(dg.Header.Source.Space))
	b = msgp.AppendString(b, "so")
	b = msgp.AppendBytes(b, dg.Header.Source.Obj[:])
	b = msgp.AppendString(b, "ds")
	b = msgp.AppendString(b, string(dg.Header.Dest.Space))
	b = msgp.AppendString(b, "do")
	b = msgp.AppendBytes(b, dg.Header.Dest.Obj[:])
	b = msgp.AppendString(b, "sp")
	b = msgp.AppendUint32(b, uint32(dg.Header.SrcPort))
	b = msgp.AppendString(b, "dp")
	b = msgp.AppendUint32(b, uint32(dg.Header.DstPort))
	b = msgp.AppendString(b, "u")
	b = msgp.AppendUint64(b, dg.Header.UniqueID)
	b = msgp.AppendString(b, "p")
	b = msgp.AppendBytes(b, dg.Payload)
	return b
}

func unmarshalDatagram(b []byte) (odp.Datagram, error) {
	var dg odp.Datagram
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return dg, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return dg, err
		}
		switch key {
		case "ss":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			dg.Header.Source.Space = cos.SpaceID(s)
		case "so":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				copy(dg.Header.Source.Obj[:], raw)
			}
		case "ds":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			dg.Header.Dest.Space = cos.SpaceID(s)
		case "do":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				copy(dg.Header.Dest.Obj[:], raw)
			}
		case "sp":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			dg.Header.SrcPort = odp.Port(v)
		case "dp":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			dg.Header.DstPort = odp.Port(v)
		case "u":
			dg.Header.UniqueID, b, err = msgp.ReadUint64Bytes(b)
		case "p":
			dg.Payload, b, err = msgp.ReadBytesBytes(b, nil)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return dg, err
		}
	}
	return dg, nil
}
