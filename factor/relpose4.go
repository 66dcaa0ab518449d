package factor

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// RelPoseFactor4D constrains the 4-DoF relative pose between two frames:
// the position delta expressed in frame a's yaw frame and the wrapped yaw
// difference, pre-multiplied by a 4×4 square-root information.
type RelPoseFactor4D struct {
	dp       [3]float64
	dyaw     float64
	sqrtInfo *mat.Dense // 4×4
}

// NewRelPoseFactor4D returns a 4-DoF relative pose factor for the measured
// delta meas (position in a's yaw frame, attitude read as yaw only).
func NewRelPoseFactor4D(meas spatialmath.Pose, sqrtInfo *mat.Dense) *RelPoseFactor4D {
	return &RelPoseFactor4D{
		dp:       [3]float64{meas.Pos.X, meas.Pos.Y, meas.Pos.Z},
		dyaw:     meas.Yaw(),
		sqrtInfo: sqrtInfo,
	}
}

// ResidualSize returns 4.
func (f *RelPoseFactor4D) ResidualSize() int { return 4 }

// ParameterBlockSizes returns the two pose block sizes.
func (f *RelPoseFactor4D) ParameterBlockSizes() []int { return []int{Pose4Size, Pose4Size} }

// Evaluate computes the weighted residual and analytic ambient Jacobians.
func (f *RelPoseFactor4D) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	pa, pb := params[0], params[1]
	ca, sa := math.Cos(pa[3]), math.Sin(pa[3])
	dx, dy, dz := pb[0]-pa[0], pb[1]-pa[1], pb[2]-pa[2]

	e := []float64{
		ca*dx + sa*dy - f.dp[0],
		-sa*dx + ca*dy - f.dp[1],
		dz - f.dp[2],
		spatialmath.WrapAngle(pb[3] - pa[3] - f.dyaw),
	}
	out := mat.NewVecDense(4, residuals)
	out.MulVec(f.sqrtInfo, mat.NewVecDense(4, e))

	if jacobians == nil {
		return true
	}
	// de/dpa and de/dpb in the ambient (x y z yaw) coordinates.
	dea := mat.NewDense(4, 4, []float64{
		-ca, -sa, 0, -sa*dx + ca*dy,
		sa, -ca, 0, -ca*dx - sa*dy,
		0, 0, -1, 0,
		0, 0, 0, -1,
	})
	deb := mat.NewDense(4, 4, []float64{
		ca, sa, 0, 0,
		-sa, ca, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	if jacobians[0] != nil {
		jacobians[0].Mul(f.sqrtInfo, dea)
	}
	if jacobians[1] != nil {
		jacobians[1].Mul(f.sqrtInfo, deb)
	}
	return true
}
