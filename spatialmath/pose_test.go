package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestComposeInvert(t *testing.T) {
	a := NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, ExpSO3(r3.Vector{X: 0.2, Y: -0.1, Z: 0.7}))
	b := NewPose(r3.Vector{X: -4, Y: 0.5, Z: 2}, ExpSO3(r3.Vector{X: -0.3, Y: 0.4, Z: 0.1}))

	ab := a.Compose(b)
	test.That(t, Delta(a, ab).AlmostEqual(b, 1e-9), test.ShouldBeTrue)

	ident := a.Compose(a.Invert())
	test.That(t, ident.AlmostEqual(NewZeroPose(), 1e-9), test.ShouldBeTrue)
}

func TestDelta4DYawFrame(t *testing.T) {
	a := NewPoseFromYaw(r3.Vector{X: 1, Y: 1, Z: 0}, math.Pi/2)
	b := NewPoseFromYaw(r3.Vector{X: 1, Y: 2, Z: 0}, math.Pi/2)
	// b is one meter ahead of a along a's heading.
	d := Delta4D(a, b)
	test.That(t, d.Pos.X, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, d.Pos.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, d.Yaw(), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestDelta4DIgnoresRollPitch(t *testing.T) {
	tilt := ExpSO3(r3.Vector{X: 0.3, Y: -0.2})
	a := NewPose(r3.Vector{}, quat.Mul(QuatFromYaw(1.0), tilt))
	b := NewPose(r3.Vector{X: 1}, QuatFromYaw(1.2))
	d := Delta4D(a, b)
	test.That(t, d.Yaw(), test.ShouldAlmostEqual, WrapAngle(b.Yaw()-a.Yaw()), 1e-9)
	test.That(t, d.Att.Imag, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, d.Att.Jmag, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestWrapAngle(t *testing.T) {
	test.That(t, WrapAngle(0), test.ShouldAlmostEqual, 0)
	test.That(t, WrapAngle(3*math.Pi), test.ShouldAlmostEqual, -math.Pi)
	test.That(t, WrapAngle(math.Pi/2), test.ShouldAlmostEqual, math.Pi/2)
	// +179° plus +179° wraps to -2°.
	deg := math.Pi / 180
	test.That(t, WrapAngle(179*deg+179*deg), test.ShouldAlmostEqual, -2*deg, 1e-12)
}

func TestLogExpSO3(t *testing.T) {
	w := r3.Vector{X: 0.3, Y: -1.2, Z: 0.4}
	back := LogSO3(ExpSO3(w))
	test.That(t, back.X, test.ShouldAlmostEqual, w.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, w.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, w.Z, 1e-9)

	small := LogSO3(ExpSO3(r3.Vector{X: 1e-13}))
	test.That(t, small.Norm(), test.ShouldAlmostEqual, 1e-13, 1e-15)
}

func TestArrayRoundTrips(t *testing.T) {
	p := NewPose(r3.Vector{X: 0.5, Y: -2, Z: 7}, ExpSO3(r3.Vector{X: 0.1, Y: 0.2, Z: 0.3}))
	raw := make([]float64, 7)
	p.ToArray7(raw)
	test.That(t, FromArray7(raw).AlmostEqual(p, 1e-12), test.ShouldBeTrue)

	p4 := NewPoseFromYaw(r3.Vector{X: 1, Y: 2, Z: 3}, -2.5)
	raw4 := make([]float64, 4)
	p4.ToArray4(raw4)
	test.That(t, FromArray4(raw4).AlmostEqual(p4, 1e-12), test.ShouldBeTrue)
}

func TestSE3ManifoldPlusJacobian(t *testing.T) {
	m := SE3Manifold{}
	x := make([]float64, 7)
	NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, ExpSO3(r3.Vector{X: 0.4, Y: -0.2, Z: 0.9})).ToArray7(x)
	jac := m.PlusJacobian(x)

	// Compare each column against a finite difference of the retraction.
	const eps = 1e-7
	for j := 0; j < m.TangentSize(); j++ {
		xp := append([]float64{}, x...)
		delta := make([]float64, m.TangentSize())
		delta[j] = eps
		m.Plus(xp, delta)
		for i := 0; i < m.AmbientSize(); i++ {
			test.That(t, jac.At(i, j), test.ShouldAlmostEqual, (xp[i]-x[i])/eps, 1e-5)
		}
	}
}

func TestPosYawManifoldWraps(t *testing.T) {
	m := PosYawManifold{}
	x := []float64{0, 0, 0, 179 * math.Pi / 180}
	m.Plus(x, []float64{1, 0, 0, 2 * math.Pi / 180})
	test.That(t, x[0], test.ShouldAlmostEqual, 1)
	test.That(t, x[3], test.ShouldAlmostEqual, -179*math.Pi/180, 1e-12)
}

func TestInterpolate(t *testing.T) {
	a := NewZeroPose()
	b := NewPoseFromYaw(r3.Vector{X: 2}, math.Pi/2)
	mid := a.Interpolate(b, 0.5)
	test.That(t, mid.Pos.X, test.ShouldAlmostEqual, 1)
	test.That(t, mid.Yaw(), test.ShouldAlmostEqual, math.Pi/4, 1e-9)
}
