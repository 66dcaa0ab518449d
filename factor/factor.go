// Package factor implements the residual factors of the pose-graph optimizer
// and the sliding-window marginalizer: relative-pose constraints in 4 and 6
// DoF, pre-integrated IMU constraints, landmark reprojection constraints, and
// the Gaussian priors produced by marginalization. Factors evaluate residuals
// and ambient-space Jacobians; manifold projection is the solver's job.
package factor

import (
	"gonum.org/v1/gonum/mat"
)

// Ambient parameter block sizes.
const (
	PoseSize      = 7 // x y z qw qx qy qz
	Pose4Size     = 4 // x y z yaw
	SpeedBiasSize = 9 // v ba bg
	ExtrinsicSize = 7
	InvDepthSize  = 1
	TdSize        = 1
)

// Tangent-space sizes for the manifold blocks.
const (
	PoseTangentSize  = 6
	Pose4TangentSize = 4
)

// Factor evaluates one residual block. Implementations fill residuals
// (length ResidualSize) and, for every non-nil entry of jacobians, the
// (ResidualSize × block ambient size) Jacobian of the residual with respect
// to that parameter block. It reports false if evaluation failed.
type Factor interface {
	Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool
	ResidualSize() int
	ParameterBlockSizes() []int
}

// ParamKind is the semantic kind of a raw parameter block.
type ParamKind int

// The parameter kinds known to the optimizer.
const (
	ParamPose ParamKind = iota
	ParamSpeedBias
	ParamLandmark
	ParamExtrinsic
	ParamTimeOffset
)

// ParamKey identifies a parameter block by kind and owner id; it is the
// stable handle used in place of raw pointers.
type ParamKey struct {
	Kind ParamKind
	ID   int64
}

// ParamInfo describes one raw parameter block as seen by the marginalizer:
// the live storage, its sizes in ambient and tangent space, whether it is
// scheduled for removal, and the column index assigned after sorting.
type ParamInfo struct {
	Ptr         []float64
	Kind        ParamKind
	ID          int64
	Size        int
	TangentSize int
	Remove      bool
	Index       int
	// X0 is the linearization point recorded when the block entered a prior.
	X0 []float64
}

// Key returns the stable handle for this block.
func (p ParamInfo) Key() ParamKey {
	return ParamKey{Kind: p.Kind, ID: p.ID}
}

func tangentSizeFor(kind ParamKind, size int) int {
	if kind == ParamPose || kind == ParamExtrinsic {
		if size == PoseSize {
			return PoseTangentSize
		}
		return Pose4TangentSize
	}
	return size
}

func newParamInfo(kind ParamKind, id int64, ptr []float64) ParamInfo {
	return ParamInfo{
		Ptr:         ptr,
		Kind:        kind,
		ID:          id,
		Size:        len(ptr),
		TangentSize: tangentSizeFor(kind, len(ptr)),
	}
}

// StateView is the subset of the graph state the factors resolve their
// parameter blocks from. All returned slices are pointer stable for the
// lifetime of the owning state.
type StateView interface {
	PoseState(frameID int64) []float64
	SpeedBiasState(frameID int64) []float64
	ExtrinsicState(cameraID int64) []float64
	LandmarkState(landmarkID int64) []float64
	TdState(cameraID int64) []float64
	LandmarkBaseFrame(landmarkID int64) int64
}
