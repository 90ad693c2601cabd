// Package wire defines the inter-server message envelopes named in
// spec.md §6 -- LocUpdate, OSegMigrateAck, OSegUpdate -- and their
// msgpack encoding. Hand-written in the shape `msgp -io=false` codegen
// produces (append/read against a byte slice, no reflection), since the
// generator itself isn't run as part of this build.
package wire

import (
	"github.com/tinylib/msgp/msgp"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
)

// FieldUpdate is one (field, seqno, value) triple inside a LocUpdate, the
// wire form of core/meta.Update's sparse field set.
type FieldUpdate struct {
	Field meta.Field
	Seq   uint64
	// Floats and Str carry the field's new content, msgpack-encoded in
	// whichever shape is natural for that field: Location/Orient are
	// fixed-size float arrays (Floats), Bounds likewise, Mesh/Physics are
	// opaque strings (Str).
	Floats []float64
	Str    string
}

// LocUpdate is the Loc dissemination message (spec.md §6): one object, a
// sparse set of field changes.
type LocUpdate struct {
	Object  cos.OID
	Space   cos.SpaceID
	Fields  []FieldUpdate
	Sender  cos.ServerID
}

// LocSnapshot carries an object's complete Loc record (every field, not
// the sparse delta LocUpdate disseminates to subscribers) from a
// migration source to its destination: spec.md §4.7 step 2, "ships
// current record." Not one of spec.md §6's three named dissemination
// messages -- those cover steady-state subscriber fan-out -- but the
// internal payload the migration handoff protocol needs, which the
// spec's Non-goals leave unspecified ("replacing the public external
// message formats" exempts this internal one).
type LocSnapshot struct {
	Object    cos.OID
	Seq       [5]uint64
	Location  meta.TimedMotionVector
	Orient    meta.TimedMotionQuaternion
	Bounds    meta.BoundingDescription
	Mesh      string
	Physics   string
	Aggregate bool
}

// ToRecord converts the wire form back into a *meta.Record, as applied by
// conn.Manager.CompleteIncomingMigration.
func (m *LocSnapshot) ToRecord() *meta.Record {
	r := meta.NewRecord(m.Object)
	r.Seq = m.Seq
	r.Location = m.Location
	r.Orient = m.Orient
	r.Bounds = m.Bounds
	r.Mesh = m.Mesh
	r.Physics = m.Physics
	r.Aggregate = m.Aggregate
	return r
}

// LocSnapshotFromRecord builds the wire form from rec, as shipped by
// conn.Manager.MigrateOut.
func LocSnapshotFromRecord(rec *meta.Record) *LocSnapshot {
	return &LocSnapshot{
		Object: rec.OID, Seq: rec.Seq, Location: rec.Location, Orient: rec.Orient,
		Bounds: rec.Bounds, Mesh: rec.Mesh, Physics: rec.Physics, Aggregate: rec.Aggregate,
	}
}

// OSegMigrateAck acknowledges a completed migration commit (spec.md §4.2,
// §4.7 step 4): sent from the destination back to the source once the
// backing store write for addMigratedObject has committed.
type OSegMigrateAck struct {
	From   cos.ServerID
	To     cos.ServerID
	Object cos.OID
	Radius float64
}

// OSegUpdate is the optional best-effort cache-invalidation broadcast
// (spec.md §6).
type OSegUpdate struct {
	Object    cos.OID
	NewServer cos.ServerID
	Radius    float64
}

//
// LocUpdate
//

func (m *LocUpdate) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "object")
	b = msgp.AppendBytes(b, m.Object[:])
	b = msgp.AppendString(b, "space")
	b = msgp.AppendString(b, string(m.Space))
	b = msgp.AppendString(b, "sender")
	b = msgp.AppendUint32(b, uint32(m.Sender))
	b = msgp.AppendString(b, "fields")
	b = msgp.AppendArrayHeader(b, uint32(len(m.Fields)))
	for _, f := range m.Fields {
		b = msgp.AppendMapHeader(b, 4)
		b = msgp.AppendString(b, "f")
		b = msgp.AppendInt(b, int(f.Field))
		b = msgp.AppendString(b, "seq")
		b = msgp.AppendUint64(b, f.Seq)
		b = msgp.AppendString(b, "v")
		b = msgp.AppendArrayHeader(b, uint32(len(f.Floats)))
		for _, v := range f.Floats {
			b = msgp.AppendFloat64(b, v)
		}
		b = msgp.AppendString(b, "s")
		b = msgp.AppendString(b, f.Str)
	}
	return b, nil
}

func (m *LocUpdate) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "object":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err != nil {
				return b, err
			}
			copy(m.Object[:], raw)
		case "space":
			var s string
			s, b, err = msgp.ReadStringBytes(b)
			if err != nil {
				return b, err
			}
			m.Space = cos.SpaceID(s)
		case "sender":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			if err != nil {
				return b, err
			}
			m.Sender = cos.ServerID(v)
		case "fields":
			var n uint32
			n, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			m.Fields = make([]FieldUpdate, n)
			for j := uint32(0); j < n; j++ {
				var fsz uint32
				fsz, b, err = msgp.ReadMapHeaderBytes(b)
				if err != nil {
					return b, err
				}
				fu := FieldUpdate{}
				for k := uint32(0); k < fsz; k++ {
					var fkey string
					fkey, b, err = msgp.ReadStringBytes(b)
					if err != nil {
						return b, err
					}
					switch fkey {
					case "f":
						var v int
						v, b, err = msgp.ReadIntBytes(b)
						if err != nil {
							return b, err
						}
						fu.Field = meta.Field(v)
					case "seq":
						fu.Seq, b, err = msgp.ReadUint64Bytes(b)
						if err != nil {
							return b, err
						}
					case "v":
						var vn uint32
						vn, b, err = msgp.ReadArrayHeaderBytes(b)
						if err != nil {
							return b, err
						}
						fu.Floats = make([]float64, vn)
						for fi := range fu.Floats {
							fu.Floats[fi], b, err = msgp.ReadFloat64Bytes(b)
							if err != nil {
								return b, err
							}
						}
					case "s":
						fu.Str, b, err = msgp.ReadStringBytes(b)
						if err != nil {
							return b, err
						}
					}
				}
				m.Fields[j] = fu
			}
		default:
			b, err = msgp.Skip(b)
			if err != nil {
				return b, err
			}
		}
	}
	return b, nil
}

//
// LocSnapshot
//

func (m *LocSnapshot) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 8)
	b = msgp.AppendString(b, "object")
	b = msgp.AppendBytes(b, m.Object[:])
	b = msgp.AppendString(b, "seq")
	b = msgp.AppendArrayHeader(b, uint32(len(m.Seq)))
	for _, s := range m.Seq {
		b = msgp.AppendUint64(b, s)
	}
	b = msgp.AppendString(b, "loc")
	b = msgp.AppendArrayHeader(b, 7)
	b = msgp.AppendInt64(b, int64(m.Location.T0))
	b = msgp.AppendFloat64(b, m.Location.P.X)
	b = msgp.AppendFloat64(b, m.Location.P.Y)
	b = msgp.AppendFloat64(b, m.Location.P.Z)
	b = msgp.AppendFloat64(b, m.Location.V.X)
	b = msgp.AppendFloat64(b, m.Location.V.Y)
	b = msgp.AppendFloat64(b, m.Location.V.Z)
	b = msgp.AppendString(b, "orient")
	b = msgp.AppendArrayHeader(b, 8)
	b = msgp.AppendInt64(b, int64(m.Orient.T0))
	b = msgp.AppendFloat64(b, m.Orient.Q.W)
	b = msgp.AppendFloat64(b, m.Orient.Q.X)
	b = msgp.AppendFloat64(b, m.Orient.Q.Y)
	b = msgp.AppendFloat64(b, m.Orient.Q.Z)
	b = msgp.AppendFloat64(b, m.Orient.W.X)
	b = msgp.AppendFloat64(b, m.Orient.W.Y)
	b = msgp.AppendFloat64(b, m.Orient.W.Z)
	b = msgp.AppendString(b, "bounds")
	b = msgp.AppendArrayHeader(b, 5)
	b = msgp.AppendFloat64(b, m.Bounds.Center.X)
	b = msgp.AppendFloat64(b, m.Bounds.Center.Y)
	b = msgp.AppendFloat64(b, m.Bounds.Center.Z)
	b = msgp.AppendFloat64(b, m.Bounds.CenterBoundsRadius)
	b = msgp.AppendFloat64(b, m.Bounds.MaxObjectRadius)
	b = msgp.AppendString(b, "mesh")
	b = msgp.AppendString(b, m.Mesh)
	b = msgp.AppendString(b, "physics")
	b = msgp.AppendString(b, m.Physics)
	b = msgp.AppendString(b, "aggregate")
	b = msgp.AppendBool(b, m.Aggregate)
	return b, nil
}

func (m *LocSnapshot) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "object":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				copy(m.Object[:], raw)
			}
		case "seq":
			var n uint32
			n, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			for j := uint32(0); j < n && j < uint32(len(m.Seq)); j++ {
				m.Seq[j], b, err = msgp.ReadUint64Bytes(b)
				if err != nil {
					return b, err
				}
			}
		case "loc":
			_, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			var t0 int64
			t0, b, err = msgp.ReadInt64Bytes(b)
			m.Location.T0 = meta.Tick(t0)
			if err == nil {
				m.Location.P.X, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Location.P.Y, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Location.P.Z, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Location.V.X, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Location.V.Y, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Location.V.Z, b, err = msgp.ReadFloat64Bytes(b)
			}
		case "orient":
			_, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			var t0 int64
			t0, b, err = msgp.ReadInt64Bytes(b)
			m.Orient.T0 = meta.Tick(t0)
			if err == nil {
				m.Orient.Q.W, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Orient.Q.X, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Orient.Q.Y, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Orient.Q.Z, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Orient.W.X, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Orient.W.Y, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Orient.W.Z, b, err = msgp.ReadFloat64Bytes(b)
			}
		case "bounds":
			_, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			m.Bounds.Center.X, b, err = msgp.ReadFloat64Bytes(b)
			if err == nil {
				m.Bounds.Center.Y, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Bounds.Center.Z, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Bounds.CenterBoundsRadius, b, err = msgp.ReadFloat64Bytes(b)
			}
			if err == nil {
				m.Bounds.MaxObjectRadius, b, err = msgp.ReadFloat64Bytes(b)
			}
		case "mesh":
			m.Mesh, b, err = msgp.ReadStringBytes(b)
		case "physics":
			m.Physics, b, err = msgp.ReadStringBytes(b)
		case "aggregate":
			m.Aggregate, b, err = msgp.ReadBoolBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

//
// OSegMigrateAck
//

func (m *OSegMigrateAck) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "from")
	b = msgp.AppendUint32(b, uint32(m.From))
	b = msgp.AppendString(b, "to")
	b = msgp.AppendUint32(b, uint32(m.To))
	b = msgp.AppendString(b, "object")
	b = msgp.AppendBytes(b, m.Object[:])
	b = msgp.AppendString(b, "radius")
	b = msgp.AppendFloat64(b, m.Radius)
	return b, nil
}

func (m *OSegMigrateAck) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "from":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			m.From = cos.ServerID(v)
		case "to":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			m.To = cos.ServerID(v)
		case "object":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				copy(m.Object[:], raw)
			}
		case "radius":
			m.Radius, b, err = msgp.ReadFloat64Bytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

//
// OSegUpdate
//

func (m *OSegUpdate) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 3)
	b = msgp.AppendString(b, "object")
	b = msgp.AppendBytes(b, m.Object[:])
	b = msgp.AppendString(b, "newserver")
	b = msgp.AppendUint32(b, uint32(m.NewServer))
	b = msgp.AppendString(b, "radius")
	b = msgp.AppendFloat64(b, m.Radius)
	return b, nil
}

func (m *OSegUpdate) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < sz; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "object":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				copy(m.Object[:], raw)
			}
		case "newserver":
			var v uint32
			v, b, err = msgp.ReadUint32Bytes(b)
			m.NewServer = cos.ServerID(v)
		case "radius":
			m.Radius, b, err = msgp.ReadFloat64Bytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

var (
	_ msgp.Marshaler   = (*LocUpdate)(nil)
	_ msgp.Unmarshaler = (*LocUpdate)(nil)
	_ msgp.Marshaler   = (*LocSnapshot)(nil)
	_ msgp.Unmarshaler = (*LocSnapshot)(nil)
	_ msgp.Marshaler   = (*OSegMigrateAck)(nil)
	_ msgp.Unmarshaler = (*OSegMigrateAck)(nil)
	_ msgp.Marshaler   = (*OSegUpdate)(nil)
	_ msgp.Unmarshaler = (*OSegUpdate)(nil)
)
