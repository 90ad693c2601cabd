package meta_test

import (
	"testing"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/core/meta"
)

func TestApplyMonotonicSeq(t *testing.T) {
	oid := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	r := meta.NewRecord(oid)

	var u1 meta.Update
	u1.OID = oid
	u1.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 1}}, 5)
	if adv := r.Apply(&u1); !adv[meta.FieldLocation] {
		t.Fatal("expected location field to advance")
	}
	if r.Location.P.X != 1 {
		t.Fatalf("location not applied: %+v", r.Location)
	}

	// stale update (seq <= stored) must be a no-op, per spec round-trip law
	var u2 meta.Update
	u2.OID = oid
	u2.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 99}}, 4)
	if adv := r.Apply(&u2); adv[meta.FieldLocation] {
		t.Fatal("stale update must not advance the field")
	}
	if r.Location.P.X != 1 {
		t.Fatalf("stale update mutated the record: %+v", r.Location)
	}

	// untouched fields remain untouched
	if r.Orient != (meta.TimedMotionQuaternion{}) {
		t.Fatal("orientation should not have been touched")
	}
}

func TestApplyOnlySetFieldsTouched(t *testing.T) {
	oid := cos.MustParseOID("0102030405060708090a0b0c0d0e0f10")
	r := meta.NewRecord(oid)

	var u meta.Update
	u.SetLocation(meta.TimedMotionVector{P: meta.Vec3{X: 1}}, 1)
	adv := r.Apply(&u)
	for f := meta.Field(0); f < meta.Field(meta.NumFields()); f++ {
		want := f == meta.FieldLocation
		if adv[f] != want {
			t.Fatalf("field %s: advanced=%v want=%v", f, adv[f], want)
		}
	}
}

func TestExtrapolateLinear(t *testing.T) {
	m := meta.TimedMotionVector{T0: 0, P: meta.Vec3{X: 0}, V: meta.Vec3{X: 2}}
	got := m.Extrapolate(1_000_000) // 1 second later, in microseconds
	if got.X != 2 {
		t.Fatalf("expected x=2 after 1s at v=2, got %v", got.X)
	}
}
