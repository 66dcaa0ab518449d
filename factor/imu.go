package factor

import "gonum.org/v1/gonum/mat"

// Preintegration is the opaque IMU pre-integration measurement supplied by
// the local estimator. Evaluate fills the 15-dimensional residual over
// (pose_a, speed-bias_a, pose_b, speed-bias_b) and, for non-nil entries,
// the corresponding ambient Jacobians.
type Preintegration interface {
	Evaluate(poseA, sbA, poseB, sbB []float64, residuals []float64, jacobians []*mat.Dense) bool
}

// IMUFactor adapts a pre-integrated IMU measurement to the factor interface.
type IMUFactor struct {
	pre Preintegration
}

// NewIMUFactor wraps the given pre-integration measurement.
func NewIMUFactor(pre Preintegration) *IMUFactor {
	return &IMUFactor{pre: pre}
}

// ResidualSize returns 15.
func (f *IMUFactor) ResidualSize() int { return 15 }

// ParameterBlockSizes returns the (pose, speed-bias, pose, speed-bias) sizes.
func (f *IMUFactor) ParameterBlockSizes() []int {
	return []int{PoseSize, SpeedBiasSize, PoseSize, SpeedBiasSize}
}

// Evaluate delegates to the wrapped pre-integration.
func (f *IMUFactor) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	return f.pre.Evaluate(params[0], params[1], params[2], params[3], residuals, jacobians)
}
