package factor

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestRelPoseFactorZeroAtMeasurement(t *testing.T) {
	ta := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 0.5}, spatialmath.ExpSO3(r3.Vector{X: 0.1, Z: 0.4}))
	meas := spatialmath.NewPose(r3.Vector{X: 3, Y: -1, Z: 0}, spatialmath.ExpSO3(r3.Vector{Y: 0.2}))
	tb := ta.Compose(meas)

	pa := make([]float64, PoseSize)
	pb := make([]float64, PoseSize)
	ta.ToArray7(pa)
	tb.ToArray7(pb)

	fac := NewRelPoseFactor(meas, identity(6))
	res := make([]float64, 6)
	test.That(t, fac.Evaluate([][]float64{pa, pb}, res, nil), test.ShouldBeTrue)
	for i := range res {
		test.That(t, res[i], test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestRelPoseFactorWeighted(t *testing.T) {
	meas := spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Att)
	sqrtInfo := identity(6)
	sqrtInfo.Set(0, 0, 10)

	ta := spatialmath.NewZeroPose()
	tb := spatialmath.NewPose(r3.Vector{X: 1.5}, spatialmath.NewZeroPose().Att)
	pa := make([]float64, PoseSize)
	pb := make([]float64, PoseSize)
	ta.ToArray7(pa)
	tb.ToArray7(pb)

	fac := NewRelPoseFactor(meas, sqrtInfo)
	res := make([]float64, 6)
	test.That(t, fac.Evaluate([][]float64{pa, pb}, res, nil), test.ShouldBeTrue)
	test.That(t, res[0], test.ShouldAlmostEqual, 5, 1e-9)
}

func TestRelPoseFactor4DAnalyticJacobians(t *testing.T) {
	meas := spatialmath.NewPoseFromYaw(r3.Vector{X: 1, Y: 0.3, Z: -0.2}, 0.7)
	sqrtInfo := identity(4)
	sqrtInfo.Set(3, 3, 2.5)
	fac := NewRelPoseFactor4D(meas, sqrtInfo)

	pa := []float64{0.4, -1, 0.2, 1.1}
	pb := []float64{1.9, 0.5, -0.3, -2.8}
	params := [][]float64{pa, pb}

	res := make([]float64, 4)
	analytic := []*mat.Dense{mat.NewDense(4, 4, nil), mat.NewDense(4, 4, nil)}
	test.That(t, fac.Evaluate(params, res, analytic), test.ShouldBeTrue)

	numeric := []*mat.Dense{mat.NewDense(4, 4, nil), mat.NewDense(4, 4, nil)}
	ok := numericJacobians(func(p [][]float64, r []float64) bool {
		return fac.Evaluate(p, r, nil)
	}, params, 4, numeric)
	test.That(t, ok, test.ShouldBeTrue)

	for b := 0; b < 2; b++ {
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				test.That(t, analytic[b].At(i, j), test.ShouldAlmostEqual, numeric[b].At(i, j), 1e-5)
			}
		}
	}
}

func TestRelPoseFactor4DYawWrap(t *testing.T) {
	deg := math.Pi / 180
	meas := spatialmath.NewPoseFromYaw(r3.Vector{}, 179*deg)
	fac := NewRelPoseFactor4D(meas, identity(4))

	pa := []float64{0, 0, 0, 179 * deg}
	// -2° is 179° + 179° wrapped; the geodesic residual must be ~0.
	pb := []float64{0, 0, 0, -2 * deg}
	res := make([]float64, 4)
	test.That(t, fac.Evaluate([][]float64{pa, pb}, res, nil), test.ShouldBeTrue)
	test.That(t, res[3], test.ShouldAlmostEqual, 0, 1e-9)
}

func TestHuberLoss(t *testing.T) {
	loss := HuberLoss{Delta: 1}
	rho, rho1, rho2 := loss.Evaluate(0.25)
	test.That(t, rho, test.ShouldAlmostEqual, 0.25)
	test.That(t, rho1, test.ShouldAlmostEqual, 1)
	test.That(t, rho2, test.ShouldAlmostEqual, 0)

	rho, rho1, _ = loss.Evaluate(4)
	test.That(t, rho, test.ShouldAlmostEqual, 3) // 2·1·2 − 1
	test.That(t, rho1, test.ShouldAlmostEqual, 0.5)

	// The corrector must shrink an outlier residual.
	res := []float64{2, 0, 0, 0}
	applyLoss(loss, res, nil)
	test.That(t, res[0], test.ShouldBeLessThan, 2)
}

func TestReprojectionFactorConsistentGeometry(t *testing.T) {
	// Landmark three meters ahead of camera a on the optical axis; camera b
	// one meter to the right looking the same way.
	tExt := spatialmath.NewZeroPose()
	ta := spatialmath.NewZeroPose()
	tb := spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Att)
	landmarkW := r3.Vector{X: 0, Y: 0, Z: 3}

	ptA := r3.Vector{X: 0, Y: 0, Z: 1}
	pInB := tb.Invert().Compose(spatialmath.NewPose(landmarkW, spatialmath.NewZeroPose().Att)).Pos
	ptB := r3.Vector{X: pInB.X / pInB.Z, Y: pInB.Y / pInB.Z, Z: 1}

	pa := make([]float64, PoseSize)
	pb := make([]float64, PoseSize)
	ext := make([]float64, ExtrinsicSize)
	ta.ToArray7(pa)
	tb.ToArray7(pb)
	tExt.ToArray7(ext)
	invDep := []float64{1.0 / 3.0}

	fac := NewReprojectionFactor(ptA, ptB, 460)
	res := make([]float64, 2)
	test.That(t, fac.Evaluate([][]float64{pa, pb, ext, invDep}, res, nil), test.ShouldBeTrue)
	test.That(t, res[0], test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, res[1], test.ShouldAlmostEqual, 0, 1e-6)

	// Negative inverse depth must be rejected.
	test.That(t, fac.Evaluate([][]float64{pa, pb, ext, []float64{-1}}, res, nil), test.ShouldBeFalse)
}
