// Package meta holds the space-global kinematic data model shared by the
// location service and the proximity engine: timed motion vectors and
// quaternions, bounding descriptions, and the per-object Loc record they
// compose into (spec.md §3).
package meta

import "math"

// Vec3 is a minimal 3-vector. No third-party vector-math library appears
// anywhere in the retrieved corpus (aistore has no spatial-geometry need),
// so this -- and Quat below -- are a standard-library-only exception,
// documented in DESIGN.md.
type Vec3 struct{ X, Y, Z float64 }

func (a Vec3) Add(b Vec3) Vec3      { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3      { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Scale(s float64) Vec3 { return Vec3{a.X * s, a.Y * s, a.Z * s} }
func (a Vec3) Dot(b Vec3) float64   { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) LenSq() float64       { return a.Dot(a) }
func (a Vec3) Len() float64         { return math.Sqrt(a.LenSq()) }

// Quat is a unit quaternion (w, x, y, z) representing an orientation.
type Quat struct{ W, X, Y, Z float64 }

var IdentityQuat = Quat{W: 1}

func (q Quat) Norm() float64 { return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z) }

// Normalized returns q scaled to unit length; the identity quaternion is
// returned if q has (near) zero norm, which should never happen for a live
// angular-velocity integration but guards against float drift.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n < 1e-12 {
		return IdentityQuat
	}
	inv := 1 / n
	return Quat{q.W * inv, q.X * inv, q.Y * inv, q.Z * inv}
}

func (q Quat) Mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// expAngVel computes exp(omega * halfDt), the quaternion exponential of a
// pure-vector angular velocity scaled by half the elapsed time, used to
// integrate orientation forward (spec.md §3: "q . exp(omega*(t-t0)/2)").
func expAngVel(omega Vec3, halfDt float64) Quat {
	theta := omega.Len() * halfDt
	if theta < 1e-12 {
		return IdentityQuat
	}
	s := math.Sin(theta) / omega.Len()
	return Quat{W: math.Cos(theta), X: omega.X * s, Y: omega.Y * s, Z: omega.Z * s}
}

// Tick is the space-global timebase: monotonic microseconds.
type Tick int64

// TimedMotionVector describes linear motion: p(t) = P + (t-T0)*V.
type TimedMotionVector struct {
	T0 Tick
	P  Vec3
	V  Vec3
}

// Extrapolate returns the position at time t.
func (m TimedMotionVector) Extrapolate(t Tick) Vec3 {
	dt := float64(t-m.T0) / 1e6 // microseconds -> seconds
	return m.P.Add(m.V.Scale(dt))
}

// TimedMotionQuaternion describes rotational motion:
// q(t) = Q . exp(W*(t-T0)/2), renormalized on read.
type TimedMotionQuaternion struct {
	T0 Tick
	Q  Quat
	W  Vec3 // angular velocity, radians/sec
}

func (m TimedMotionQuaternion) Extrapolate(t Tick) Quat {
	dt := float64(t-m.T0) / 1e6
	return m.Q.Mul(expAngVel(m.W, dt/2)).Normalized()
}

// BoundingDescription is a center offset plus two radii: center-bounds
// radius (nonzero only for aggregates) and max-object radius (the
// individual object's own radius, or the largest member radius for an
// aggregate).
type BoundingDescription struct {
	Center            Vec3
	CenterBoundsRadius float64
	MaxObjectRadius    float64
}

// ApparentRadius is the effective radius used by the proximity engine's
// apparent-size computation: the sum of how far the bounding center can be
// offset from the true center plus the largest member's own radius.
func (b BoundingDescription) ApparentRadius() float64 {
	return b.CenterBoundsRadius + b.MaxObjectRadius
}
