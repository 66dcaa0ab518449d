package factor

import (
	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// RelPoseFactor constrains the 6-DoF relative pose between two frames. The
// residual is the log-map of T_meas⁻¹·(T_wa⁻¹·T_wb), pre-multiplied by the
// square-root information.
type RelPoseFactor struct {
	meas     spatialmath.Pose
	measInv  spatialmath.Pose
	sqrtInfo *mat.Dense // 6×6
}

// NewRelPoseFactor returns a 6-DoF relative pose factor for the measurement
// meas with the given 6×6 square-root information.
func NewRelPoseFactor(meas spatialmath.Pose, sqrtInfo *mat.Dense) *RelPoseFactor {
	return &RelPoseFactor{meas: meas, measInv: meas.Invert(), sqrtInfo: sqrtInfo}
}

// ResidualSize returns 6.
func (f *RelPoseFactor) ResidualSize() int { return 6 }

// ParameterBlockSizes returns the two pose block sizes.
func (f *RelPoseFactor) ParameterBlockSizes() []int { return []int{PoseSize, PoseSize} }

func (f *RelPoseFactor) evalResidual(params [][]float64, residuals []float64) bool {
	ta := spatialmath.FromArray7(params[0])
	tb := spatialmath.FromArray7(params[1])
	terr := f.measInv.Compose(spatialmath.Delta(ta, tb))
	e := make([]float64, 6)
	e[0], e[1], e[2] = terr.Pos.X, terr.Pos.Y, terr.Pos.Z
	w := spatialmath.LogSO3(terr.Att)
	e[3], e[4], e[5] = w.X, w.Y, w.Z
	ev := mat.NewVecDense(6, e)
	out := mat.NewVecDense(6, residuals)
	out.MulVec(f.sqrtInfo, ev)
	return true
}

// Evaluate computes the weighted residual and, if requested, ambient-space
// Jacobians by central differences.
func (f *RelPoseFactor) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	if !f.evalResidual(params, residuals) {
		return false
	}
	if jacobians == nil {
		return true
	}
	return numericJacobians(f.evalResidual, params, 6, jacobians)
}
