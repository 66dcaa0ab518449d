package factor

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// ReprojectionFactor constrains an inverse-depth landmark observed in two
// frames through a shared camera extrinsic. Observations are on the
// normalized image plane. The residual is the 2D reprojection error in
// frame b, scaled by sqrtInfo.
type ReprojectionFactor struct {
	ptA, ptB r3.Vector // normalized-plane observations, z = 1
	sqrtInfo float64   // isotropic weight on the 2D residual
}

// NewReprojectionFactor returns a reprojection factor for a landmark first
// observed at ptA in frame a and re-observed at ptB in frame b.
func NewReprojectionFactor(ptA, ptB r3.Vector, sqrtInfo float64) *ReprojectionFactor {
	ptA.Z, ptB.Z = 1, 1
	return &ReprojectionFactor{ptA: ptA, ptB: ptB, sqrtInfo: sqrtInfo}
}

// ResidualSize returns 2.
func (f *ReprojectionFactor) ResidualSize() int { return 2 }

// ParameterBlockSizes returns (pose_a, pose_b, extrinsic, inverse depth).
func (f *ReprojectionFactor) ParameterBlockSizes() []int {
	return []int{PoseSize, PoseSize, ExtrinsicSize, InvDepthSize}
}

// reproject pushes the unit-plane point pt at inverse depth invDep from
// camera a through the world into camera b and returns the camera-b point.
func reproject(poseA, poseB, ext []float64, pt r3.Vector, invDep float64) r3.Vector {
	tA := spatialmath.FromArray7(poseA)
	tB := spatialmath.FromArray7(poseB)
	tExt := spatialmath.FromArray7(ext)

	pCamA := pt.Mul(1 / invDep)
	pWorld := tA.Compose(tExt).Compose(spatialmath.NewPose(pCamA, spatialmath.NewZeroPose().Att))
	return tB.Compose(tExt).Invert().Compose(pWorld).Pos
}

func (f *ReprojectionFactor) evalResidual(params [][]float64, residuals []float64) bool {
	invDep := params[3][0]
	if invDep <= 0 {
		return false
	}
	pCamB := reproject(params[0], params[1], params[2], f.ptA, invDep)
	if pCamB.Z <= 1e-6 {
		return false
	}
	residuals[0] = f.sqrtInfo * (pCamB.X/pCamB.Z - f.ptB.X)
	residuals[1] = f.sqrtInfo * (pCamB.Y/pCamB.Z - f.ptB.Y)
	return true
}

// Evaluate computes the weighted residual and, if requested, ambient-space
// Jacobians by central differences.
func (f *ReprojectionFactor) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	if !f.evalResidual(params, residuals) {
		return false
	}
	if jacobians == nil {
		return true
	}
	return numericJacobians(f.evalResidual, params, 2, jacobians)
}

// ReprojectionFactorTD is ReprojectionFactor with a scalar time-offset
// parameter: each observation is shifted by its feature velocity times the
// offset between the current and calibration time offsets.
type ReprojectionFactorTD struct {
	ptA, ptB   r3.Vector
	velA, velB r3.Vector // normalized-plane feature velocities
	tdMeas     float64   // time offset at observation time
	sqrtInfo   float64
}

// NewReprojectionFactorTD returns a time-offset-aware reprojection factor.
func NewReprojectionFactorTD(ptA, ptB, velA, velB r3.Vector, tdMeas, sqrtInfo float64) *ReprojectionFactorTD {
	ptA.Z, ptB.Z = 1, 1
	velA.Z, velB.Z = 0, 0
	return &ReprojectionFactorTD{ptA: ptA, ptB: ptB, velA: velA, velB: velB, tdMeas: tdMeas, sqrtInfo: sqrtInfo}
}

// ResidualSize returns 2.
func (f *ReprojectionFactorTD) ResidualSize() int { return 2 }

// ParameterBlockSizes returns (pose_a, pose_b, extrinsic, inverse depth, td).
func (f *ReprojectionFactorTD) ParameterBlockSizes() []int {
	return []int{PoseSize, PoseSize, ExtrinsicSize, InvDepthSize, TdSize}
}

func (f *ReprojectionFactorTD) evalResidual(params [][]float64, residuals []float64) bool {
	invDep := params[3][0]
	if invDep <= 0 {
		return false
	}
	td := params[4][0]
	ptA := f.ptA.Sub(f.velA.Mul(td - f.tdMeas))
	ptB := f.ptB.Sub(f.velB.Mul(td - f.tdMeas))
	ptA.Z, ptB.Z = 1, 1
	pCamB := reproject(params[0], params[1], params[2], ptA, invDep)
	if pCamB.Z <= 1e-6 {
		return false
	}
	residuals[0] = f.sqrtInfo * (pCamB.X/pCamB.Z - ptB.X)
	residuals[1] = f.sqrtInfo * (pCamB.Y/pCamB.Z - ptB.Y)
	return true
}

// Evaluate computes the weighted residual and, if requested, ambient-space
// Jacobians by central differences.
func (f *ReprojectionFactorTD) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	if !f.evalResidual(params, residuals) {
		return false
	}
	if jacobians == nil {
		return true
	}
	return numericJacobians(f.evalResidual, params, 2, jacobians)
}
