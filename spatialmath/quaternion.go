package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// QuatFromYaw returns the quaternion for a rotation of yaw radians about +z.
func QuatFromYaw(yaw float64) quat.Number {
	return quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
}

// Yaw returns the z-axis Euler angle of q.
func Yaw(q quat.Number) float64 {
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// Rotate applies the rotation q to v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Normalize returns q scaled to unit norm. The zero quaternion normalizes
// to the identity rotation.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// ExpSO3 returns the quaternion for a rotation of w.Norm() radians about w.
func ExpSO3(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order expansion near identity.
		return Normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: w.X * s, Jmag: w.Y * s, Kmag: w.Z * s}
}

// LogSO3 returns the rotation vector of q.
func LogSO3(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := v.Norm()
	if sinHalf < 1e-12 {
		return v.Mul(2)
	}
	halfTheta := math.Atan2(sinHalf, q.Real)
	return v.Mul(2 * halfTheta / sinHalf)
}

// Slerp spherically interpolates from q0 to q1 by fraction t.
func Slerp(q0, q1 quat.Number, t float64) quat.Number {
	dq := quat.Mul(quat.Conj(q0), q1)
	return Normalize(quat.Mul(q0, ExpSO3(LogSO3(dq).Mul(t))))
}

// WrapAngle wraps theta into [-π, π); an input of π maps to -π.
func WrapAngle(theta float64) float64 {
	wrapped := math.Mod(theta+math.Pi, 2*math.Pi)
	if wrapped < 0 {
		wrapped += 2 * math.Pi
	}
	return wrapped - math.Pi
}
