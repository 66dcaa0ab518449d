package factor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Kind discriminates the residual-info variants by their parameter tuple.
type Kind int

// The residual-info variants.
const (
	// KindRelPose depends on a frame pair.
	KindRelPose Kind = iota
	// KindIMU depends on a frame pair and its speed-bias pair.
	KindIMU
	// KindLandmark depends on a frame pair, an extrinsic, and a landmark.
	KindLandmark
	// KindLandmarkTD additionally depends on a time offset.
	KindLandmarkTD
	// KindPrior depends on the kept blocks recorded in a PriorFactor.
	KindPrior
	// KindConsensus depends on a single frame pose (distributed mode).
	KindConsensus
)

// ResidualInfo describes one residual block: the cost function, an optional
// robust loss, and the ids its parameter blocks are resolved from. After
// Evaluate it carries the residual vector and per-block ambient Jacobians.
type ResidualInfo struct {
	Kind Kind
	Fac  Factor
	Loss Loss

	FrameA, FrameB int64
	LandmarkID     int64
	CameraID       int64

	Residuals []float64
	Jacobians []*mat.Dense
}

// NewRelPoseResInfo returns a residual info for a relative-pose factor
// between two frames.
func NewRelPoseResInfo(fac Factor, loss Loss, frameA, frameB int64) *ResidualInfo {
	return &ResidualInfo{Kind: KindRelPose, Fac: fac, Loss: loss, FrameA: frameA, FrameB: frameB}
}

// NewIMUResInfo returns a residual info for a pre-integrated IMU factor
// between two frames.
func NewIMUResInfo(fac Factor, frameA, frameB int64) *ResidualInfo {
	return &ResidualInfo{Kind: KindIMU, Fac: fac, FrameA: frameA, FrameB: frameB}
}

// NewLandmarkResInfo returns a residual info for a reprojection factor.
func NewLandmarkResInfo(fac Factor, loss Loss, frameA, frameB, landmarkID, cameraID int64) *ResidualInfo {
	return &ResidualInfo{
		Kind: KindLandmark, Fac: fac, Loss: loss,
		FrameA: frameA, FrameB: frameB, LandmarkID: landmarkID, CameraID: cameraID,
	}
}

// NewLandmarkTDResInfo returns a residual info for a reprojection factor
// with a time-offset parameter.
func NewLandmarkTDResInfo(fac Factor, loss Loss, frameA, frameB, landmarkID, cameraID int64) *ResidualInfo {
	return &ResidualInfo{
		Kind: KindLandmarkTD, Fac: fac, Loss: loss,
		FrameA: frameA, FrameB: frameB, LandmarkID: landmarkID, CameraID: cameraID,
	}
}

// NewPriorResInfo returns a residual info for a marginalization prior.
func NewPriorResInfo(prior *PriorFactor) *ResidualInfo {
	return &ResidualInfo{Kind: KindPrior, Fac: prior}
}

// NewConsensusResInfo returns a residual info tying one frame pose to the
// distributed consensus variable.
func NewConsensusResInfo(fac Factor, frameA int64) *ResidualInfo {
	return &ResidualInfo{Kind: KindConsensus, Fac: fac, FrameA: frameA}
}

func mustBlock(ptr []float64, what string, id int64) []float64 {
	if ptr == nil {
		panic(fmt.Sprintf("residual references missing %s block %d", what, id))
	}
	return ptr
}

// ParamsList resolves the parameter blocks this residual depends on, in the
// order the factor expects them. A missing block is a structural fault.
func (info *ResidualInfo) ParamsList(st StateView) []ParamInfo {
	switch info.Kind {
	case KindRelPose:
		return []ParamInfo{
			newParamInfo(ParamPose, info.FrameA, mustBlock(st.PoseState(info.FrameA), "pose", info.FrameA)),
			newParamInfo(ParamPose, info.FrameB, mustBlock(st.PoseState(info.FrameB), "pose", info.FrameB)),
		}
	case KindIMU:
		return []ParamInfo{
			newParamInfo(ParamPose, info.FrameA, mustBlock(st.PoseState(info.FrameA), "pose", info.FrameA)),
			newParamInfo(ParamSpeedBias, info.FrameA, mustBlock(st.SpeedBiasState(info.FrameA), "speed-bias", info.FrameA)),
			newParamInfo(ParamPose, info.FrameB, mustBlock(st.PoseState(info.FrameB), "pose", info.FrameB)),
			newParamInfo(ParamSpeedBias, info.FrameB, mustBlock(st.SpeedBiasState(info.FrameB), "speed-bias", info.FrameB)),
		}
	case KindLandmark:
		return []ParamInfo{
			newParamInfo(ParamPose, info.FrameA, mustBlock(st.PoseState(info.FrameA), "pose", info.FrameA)),
			newParamInfo(ParamPose, info.FrameB, mustBlock(st.PoseState(info.FrameB), "pose", info.FrameB)),
			newParamInfo(ParamExtrinsic, info.CameraID, mustBlock(st.ExtrinsicState(info.CameraID), "extrinsic", info.CameraID)),
			newParamInfo(ParamLandmark, info.LandmarkID, mustBlock(st.LandmarkState(info.LandmarkID), "landmark", info.LandmarkID)),
		}
	case KindLandmarkTD:
		return []ParamInfo{
			newParamInfo(ParamPose, info.FrameA, mustBlock(st.PoseState(info.FrameA), "pose", info.FrameA)),
			newParamInfo(ParamPose, info.FrameB, mustBlock(st.PoseState(info.FrameB), "pose", info.FrameB)),
			newParamInfo(ParamExtrinsic, info.CameraID, mustBlock(st.ExtrinsicState(info.CameraID), "extrinsic", info.CameraID)),
			newParamInfo(ParamLandmark, info.LandmarkID, mustBlock(st.LandmarkState(info.LandmarkID), "landmark", info.LandmarkID)),
			newParamInfo(ParamTimeOffset, info.CameraID, mustBlock(st.TdState(info.CameraID), "time-offset", info.CameraID)),
		}
	case KindPrior:
		return info.Fac.(*PriorFactor).Params()
	case KindConsensus:
		return []ParamInfo{
			newParamInfo(ParamPose, info.FrameA, mustBlock(st.PoseState(info.FrameA), "pose", info.FrameA)),
		}
	default:
		panic(fmt.Sprintf("unknown residual kind %d", info.Kind))
	}
}

// Evaluate resolves the parameter blocks, evaluates the factor, and applies
// the robust loss. Residuals and Jacobians are left on the info record.
func (info *ResidualInfo) Evaluate(st StateView) bool {
	paramInfos := info.ParamsList(st)
	params := make([][]float64, len(paramInfos))
	for i, p := range paramInfos {
		params[i] = p.Ptr
	}
	resSize := info.Fac.ResidualSize()
	info.Residuals = make([]float64, resSize)
	info.Jacobians = make([]*mat.Dense, len(paramInfos))
	for i, p := range paramInfos {
		info.Jacobians[i] = mat.NewDense(resSize, p.Size, nil)
	}
	if !info.Fac.Evaluate(params, info.Residuals, info.Jacobians) {
		return false
	}
	applyLoss(info.Loss, info.Residuals, info.Jacobians)
	return true
}

// Relevant reports whether this residual touches any frame in removeSet.
func (info *ResidualInfo) Relevant(removeSet map[int64]bool) bool {
	switch info.Kind {
	case KindPrior:
		for _, p := range info.Fac.(*PriorFactor).Params() {
			if p.Kind == ParamPose && removeSet[p.ID] {
				return true
			}
		}
		return false
	case KindConsensus:
		return removeSet[info.FrameA]
	default:
		return removeSet[info.FrameA] || removeSet[info.FrameB]
	}
}
