package marginalize

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/solver"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/state"
	"github.com/meridianrobotics/swarmpgo/utils"
)

// anchorPrior returns a strong absolute prior holding the frame's pose block
// at its current value.
func anchorPrior(st *state.GraphState, frameID int64, weight float64) *factor.PriorFactor {
	block := st.PoseState(frameID)
	info := factor.ParamInfo{
		Ptr: block, Kind: factor.ParamPose, ID: frameID,
		Size: factor.PoseSize, TangentSize: factor.PoseTangentSize, Index: 0,
	}
	a := mat.NewSymDense(factor.PoseTangentSize, nil)
	for i := 0; i < factor.PoseTangentSize; i++ {
		a.SetSym(i, i, weight)
	}
	prior, err := factor.NewPriorFactor([]factor.ParamInfo{info}, a, make([]float64, factor.PoseTangentSize))
	if err != nil {
		panic(err)
	}
	return prior
}

func relFactor(dx float64) *factor.RelPoseFactor {
	return factor.NewRelPoseFactor(
		spatialmath.NewPose(r3.Vector{X: dx}, spatialmath.NewZeroPose().Att),
		utils.Identity(6),
	)
}

func solveChain(t *testing.T, st *state.GraphState, infos []*factor.ResidualInfo, frameIDs []int64) {
	t.Helper()
	adapter := solver.NewAdapter(st, logging.NewTestLogger(t), nil, solver.DefaultOptions())
	for _, info := range infos {
		adapter.AddResidual(info)
	}
	for _, id := range frameIDs {
		adapter.SetManifold(st.PoseState(id), spatialmath.SE3Manifold{})
	}
	adapter.Solve()
	st.SyncFromState()
}

// Optimizing, marginalizing the first frame, then re-optimizing with only
// the produced prior plus the untouched residuals must reproduce the batch
// estimate for the surviving variables.
func TestMarginalizationEquivalence(t *testing.T) {
	logger := logging.NewTestLogger(t)
	st := state.NewGraphState(6, false, logger)
	for id := int64(1); id <= 3; id++ {
		test.That(t, st.AddFrame(state.Frame{ID: id, DroneID: 0, Odom: spatialmath.NewZeroPose()}), test.ShouldBeNil)
	}

	anchor := anchorPrior(st, 1, 1e6)
	rel12 := factor.NewRelPoseResInfo(relFactor(1), nil, 1, 2)
	rel23 := factor.NewRelPoseResInfo(relFactor(1), nil, 2, 3)

	// Batch solve.
	solveChain(t, st, []*factor.ResidualInfo{factor.NewPriorResInfo(anchor), rel12, rel23}, []int64{1, 2, 3})
	batch2 := st.FrameByID(2).Odom
	batch3 := st.FrameByID(3).Odom
	test.That(t, batch3.Pos.X, test.ShouldAlmostEqual, 2, 1e-5)

	// Marginalize frame 1 at the batch solution.
	m := New(st, logger)
	m.AddPrior(anchor)
	m.AddRelPoseResidual(relFactor(1), nil, 1, 2)
	prior, err := m.Marginalize(map[int64]bool{1: true})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(prior.Params()), test.ShouldEqual, 1)
	test.That(t, prior.Params()[0].ID, test.ShouldEqual, 2)

	// Perturb the survivors and re-solve with the prior standing in for
	// everything that involved frame 1.
	st.SetFramePose(2, spatialmath.NewPose(r3.Vector{X: 1.7, Y: 0.4}, spatialmath.ExpSO3(r3.Vector{Z: 0.1})))
	st.SetFramePose(3, spatialmath.NewPose(r3.Vector{X: 2.6, Y: -0.3}, spatialmath.NewZeroPose().Att))
	rel23b := factor.NewRelPoseResInfo(relFactor(1), nil, 2, 3)
	solveChain(t, st, []*factor.ResidualInfo{factor.NewPriorResInfo(prior), rel23b}, []int64{2, 3})

	test.That(t, st.FrameByID(2).Odom.AlmostEqual(batch2, 1e-4), test.ShouldBeTrue)
	test.That(t, st.FrameByID(3).Odom.AlmostEqual(batch3, 1e-4), test.ShouldBeTrue)
}

// A landmark whose base frame is removed must land in the remove block, not
// survive into the prior.
func TestLandmarkBaseFrameRemoved(t *testing.T) {
	logger := logging.NewTestLogger(t)
	st := state.NewGraphState(6, false, logger)
	test.That(t, st.AddFrame(state.Frame{ID: 1, DroneID: 0, Odom: spatialmath.NewZeroPose()}), test.ShouldBeNil)
	test.That(t, st.AddFrame(state.Frame{
		ID: 2, DroneID: 0,
		Odom: spatialmath.NewPose(r3.Vector{X: 1}, spatialmath.NewZeroPose().Att),
	}), test.ShouldBeNil)
	st.AddCamera(0, spatialmath.NewZeroPose())
	test.That(t, st.AddLandmark(10, 1, []float64{1.0 / 3.0}), test.ShouldBeNil)

	landmarkW := r3.Vector{Z: 3}
	ptA := r3.Vector{Z: 1}
	pInB := st.FrameByID(2).Odom.Invert().Compose(spatialmath.NewPose(landmarkW, spatialmath.NewZeroPose().Att)).Pos
	ptB := r3.Vector{X: pInB.X / pInB.Z, Y: pInB.Y / pInB.Z, Z: 1}
	repro := factor.NewReprojectionFactor(ptA, ptB, 460)

	m := New(st, logger)
	m.AddPrior(anchorPrior(st, 1, 1e6))
	m.AddLandmarkResidual(repro, factor.HuberLoss{Delta: 1}, 1, 2, 10, 0, false)
	prior, err := m.Marginalize(map[int64]bool{1: true})
	test.That(t, err, test.ShouldBeNil)

	for _, p := range prior.Params() {
		test.That(t, p.Kind, test.ShouldNotEqual, factor.ParamLandmark)
		test.That(t, p.ID == 1 && p.Kind == factor.ParamPose, test.ShouldBeFalse)
	}
	// The kept set still contains frame 2's pose and the extrinsic.
	kinds := map[factor.ParamKind]bool{}
	for _, p := range prior.Params() {
		kinds[p.Kind] = true
	}
	test.That(t, kinds[factor.ParamPose], test.ShouldBeTrue)
	test.That(t, kinds[factor.ParamExtrinsic], test.ShouldBeTrue)
}

func TestMarginalizeRejectsEmpty(t *testing.T) {
	logger := logging.NewTestLogger(t)
	st := state.NewGraphState(6, false, logger)
	m := New(st, logger)
	_, err := m.Marginalize(map[int64]bool{})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = m.Marginalize(map[int64]bool{5: true})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIrrelevantResidualsDropped(t *testing.T) {
	logger := logging.NewTestLogger(t)
	st := state.NewGraphState(6, false, logger)
	for id := int64(1); id <= 3; id++ {
		test.That(t, st.AddFrame(state.Frame{ID: id, DroneID: 0, Odom: spatialmath.NewZeroPose()}), test.ShouldBeNil)
	}
	m := New(st, logger)
	m.AddPrior(anchorPrior(st, 1, 1e4))
	m.AddRelPoseResidual(relFactor(1), nil, 1, 2)
	m.AddRelPoseResidual(relFactor(1), nil, 2, 3)

	prior, err := m.Marginalize(map[int64]bool{1: true})
	test.That(t, err, test.ShouldBeNil)
	// Frame 3 appears in no retained residual, so the prior covers frame 2 only.
	test.That(t, len(prior.Params()), test.ShouldEqual, 1)
	test.That(t, prior.Params()[0].ID, test.ShouldEqual, 2)
}
