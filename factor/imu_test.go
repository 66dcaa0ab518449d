package factor

import (
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// stubPreintegration penalizes the velocity delta between the two frames.
type stubPreintegration struct{}

func (stubPreintegration) Evaluate(poseA, sbA, poseB, sbB []float64, residuals []float64, jacobians []*mat.Dense) bool {
	for i := range residuals {
		residuals[i] = 0
	}
	for i := 0; i < 3; i++ {
		residuals[i] = sbB[i] - sbA[i]
	}
	if jacobians != nil {
		if jacobians[1] != nil {
			for i := 0; i < 3; i++ {
				jacobians[1].Set(i, i, -1)
			}
		}
		if jacobians[3] != nil {
			for i := 0; i < 3; i++ {
				jacobians[3].Set(i, i, 1)
			}
		}
	}
	return true
}

func TestIMUFactorDelegation(t *testing.T) {
	fac := NewIMUFactor(stubPreintegration{})
	test.That(t, fac.ResidualSize(), test.ShouldEqual, 15)
	test.That(t, fac.ParameterBlockSizes(), test.ShouldResemble,
		[]int{PoseSize, SpeedBiasSize, PoseSize, SpeedBiasSize})

	poseA := make([]float64, PoseSize)
	poseB := make([]float64, PoseSize)
	sbA := make([]float64, SpeedBiasSize)
	sbB := make([]float64, SpeedBiasSize)
	sbB[0] = 2.5

	res := make([]float64, 15)
	jacs := []*mat.Dense{nil, mat.NewDense(15, SpeedBiasSize, nil), nil, mat.NewDense(15, SpeedBiasSize, nil)}
	test.That(t, fac.Evaluate([][]float64{poseA, sbA, poseB, sbB}, res, jacs), test.ShouldBeTrue)
	test.That(t, res[0], test.ShouldAlmostEqual, 2.5)
	test.That(t, jacs[1].At(0, 0), test.ShouldAlmostEqual, -1)
	test.That(t, jacs[3].At(0, 0), test.ShouldAlmostEqual, 1)
}
