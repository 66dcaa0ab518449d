// Package spatialmath implements the pose algebra used by the pose-graph
// optimizer: SE(3) poses stored as a position plus a unit quaternion, their
// 4-DoF (x, y, z, yaw) projections, and the manifolds the solver retracts on.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform in 3D space, position first.
type Pose struct {
	Pos r3.Vector
	Att quat.Number
}

// NewPose returns a pose at pos with attitude att.
func NewPose(pos r3.Vector, att quat.Number) Pose {
	return Pose{Pos: pos, Att: Normalize(att)}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{Att: quat.Number{Real: 1}}
}

// NewPoseFromYaw returns a pose at pos rotated by yaw radians about +z.
func NewPoseFromYaw(pos r3.Vector, yaw float64) Pose {
	return Pose{Pos: pos, Att: QuatFromYaw(yaw)}
}

// Compose returns p then q as a single transform.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		Pos: p.Pos.Add(Rotate(p.Att, q.Pos)),
		Att: Normalize(quat.Mul(p.Att, q.Att)),
	}
}

// Invert returns the inverse transform of p.
func (p Pose) Invert() Pose {
	inv := quat.Conj(p.Att)
	return Pose{
		Pos: Rotate(inv, p.Pos).Mul(-1),
		Att: inv,
	}
}

// Delta returns the relative pose from a to b, a⁻¹·b.
func Delta(a, b Pose) Pose {
	return a.Invert().Compose(b)
}

// Delta4D returns the 4-DoF relative pose from a to b: the position delta
// expressed in a's yaw-only frame and the wrapped yaw difference.
func Delta4D(a, b Pose) Pose {
	dyaw := WrapAngle(b.Yaw() - a.Yaw())
	dp := Rotate(quat.Conj(QuatFromYaw(a.Yaw())), b.Pos.Sub(a.Pos))
	return Pose{Pos: dp, Att: QuatFromYaw(dyaw)}
}

// Yaw returns the z-axis Euler angle of p's attitude.
func (p Pose) Yaw() float64 {
	return Yaw(p.Att)
}

// YawOnly returns p with roll and pitch stripped from its attitude.
func (p Pose) YawOnly() Pose {
	return Pose{Pos: p.Pos, Att: QuatFromYaw(p.Yaw())}
}

// Interpolate returns the pose a fraction t of the way from p to q,
// with the attitude slerped.
func (p Pose) Interpolate(q Pose, t float64) Pose {
	return Pose{
		Pos: p.Pos.Add(q.Pos.Sub(p.Pos).Mul(t)),
		Att: Slerp(p.Att, q.Att, t),
	}
}

// AlmostEqual reports whether two poses are within tol of each other in
// position and rotation angle.
func (p Pose) AlmostEqual(q Pose, tol float64) bool {
	if p.Pos.Sub(q.Pos).Norm() > tol {
		return false
	}
	return LogSO3(quat.Mul(quat.Conj(p.Att), q.Att)).Norm() <= tol
}

func (p Pose) String() string {
	return fmt.Sprintf("t (%.3f %.3f %.3f) q (%.3f %.3f %.3f %.3f) yaw %.1fdeg",
		p.Pos.X, p.Pos.Y, p.Pos.Z, p.Att.Real, p.Att.Imag, p.Att.Jmag, p.Att.Kmag, p.Yaw()*180/math.Pi)
}

// ToArray7 writes p into dst as [x y z qw qx qy qz].
func (p Pose) ToArray7(dst []float64) {
	dst[0], dst[1], dst[2] = p.Pos.X, p.Pos.Y, p.Pos.Z
	dst[3], dst[4], dst[5], dst[6] = p.Att.Real, p.Att.Imag, p.Att.Jmag, p.Att.Kmag
}

// FromArray7 reads a pose from [x y z qw qx qy qz].
func FromArray7(src []float64) Pose {
	return Pose{
		Pos: r3.Vector{X: src[0], Y: src[1], Z: src[2]},
		Att: Normalize(quat.Number{Real: src[3], Imag: src[4], Jmag: src[5], Kmag: src[6]}),
	}
}

// ToArray4 writes p into dst as [x y z yaw].
func (p Pose) ToArray4(dst []float64) {
	dst[0], dst[1], dst[2] = p.Pos.X, p.Pos.Y, p.Pos.Z
	dst[3] = p.Yaw()
}

// FromArray4 reads a 4-DoF pose from [x y z yaw]; the attitude is yaw only.
func FromArray4(src []float64) Pose {
	return NewPoseFromYaw(r3.Vector{X: src[0], Y: src[1], Z: src[2]}, src[3])
}
