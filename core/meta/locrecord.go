// Package meta: the per-object Loc record (spec.md §3 "Object presence
// state") and its monotonic per-field update rule.
package meta

import "github.com/sirikata/spaced/cmn/cos"

// Field identifies one of the five independently-sequenced Loc fields.
type Field int

const (
	FieldLocation Field = iota
	FieldOrientation
	FieldBounds
	FieldMesh
	FieldPhysics
	numFields
)

func (f Field) String() string {
	switch f {
	case FieldLocation:
		return "location"
	case FieldOrientation:
		return "orientation"
	case FieldBounds:
		return "bounds"
	case FieldMesh:
		return "mesh"
	case FieldPhysics:
		return "physics"
	default:
		return "unknown"
	}
}

// Update carries a sparse set of field changes for one object: only the
// fields present (IsSet) are applied, each gated by its own sequence
// number (spec.md §3 invariant: applying seq <= stored seq is a no-op).
type Update struct {
	OID      cos.OID
	Seq      [numFields]uint64
	Set      [numFields]bool
	Location TimedMotionVector
	Orient   TimedMotionQuaternion
	Bounds   BoundingDescription
	Mesh     string
	Physics  string
	// Aggregate marks a server-synthesized composite object (spec.md §4.4).
	Aggregate bool
}

func (u *Update) SetLocation(v TimedMotionVector, seq uint64) {
	u.Location, u.Seq[FieldLocation], u.Set[FieldLocation] = v, seq, true
}
func (u *Update) SetOrientation(q TimedMotionQuaternion, seq uint64) {
	u.Orient, u.Seq[FieldOrientation], u.Set[FieldOrientation] = q, seq, true
}
func (u *Update) SetBounds(b BoundingDescription, seq uint64) {
	u.Bounds, u.Seq[FieldBounds], u.Set[FieldBounds] = b, seq, true
}
func (u *Update) SetMesh(m string, seq uint64) {
	u.Mesh, u.Seq[FieldMesh], u.Set[FieldMesh] = m, seq, true
}
func (u *Update) SetPhysics(p string, seq uint64) {
	u.Physics, u.Seq[FieldPhysics], u.Set[FieldPhysics] = p, seq, true
}

// Record is the authoritative (or replica) presence state of one object.
type Record struct {
	OID       cos.OID
	Seq       [numFields]uint64
	Location  TimedMotionVector
	Orient    TimedMotionQuaternion
	Bounds    BoundingDescription
	Mesh      string
	Physics   string
	Aggregate bool
}

// NewRecord creates a fresh zero-sequenced record for oid.
func NewRecord(oid cos.OID) *Record { return &Record{OID: oid} }

// Apply applies u to r in place, field by field, honoring the monotonic
// sequence-number invariant. It returns the subset of fields that were
// actually advanced (for delta-only subscription dispatch, spec.md §4.3).
func (r *Record) Apply(u *Update) (advanced [numFields]bool) {
	for f := Field(0); f < numFields; f++ {
		if !u.Set[f] || u.Seq[f] <= r.Seq[f] {
			continue
		}
		switch f {
		case FieldLocation:
			r.Location = u.Location
		case FieldOrientation:
			r.Orient = u.Orient
		case FieldBounds:
			r.Bounds = u.Bounds
		case FieldMesh:
			r.Mesh = u.Mesh
		case FieldPhysics:
			r.Physics = u.Physics
		}
		r.Seq[f] = u.Seq[f]
		advanced[f] = true
	}
	return
}

// AnyAdvanced reports whether the advanced mask has any field set.
func AnyAdvanced(advanced [numFields]bool) bool {
	for _, b := range advanced {
		if b {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy (no shared mutable state: all fields
// are value types or immutable strings) suitable for handing to a
// migration snapshot or a subscriber queue entry.
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}

// NumFields exposes the field count for callers iterating Seq/Set arrays
// (e.g. the subscription dispatcher) without importing the unexported
// constant directly.
func NumFields() int { return int(numFields) }
