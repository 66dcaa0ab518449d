package pgo

import (
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	goutils "go.viam.com/utils"

	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/state"
	"github.com/meridianrobotics/swarmpgo/utils"
)

func distConfig(selfID int) Config {
	cfg := DefaultConfig()
	cfg.PoseDOF = 4
	cfg.Mode = ModeDistributedADMM
	cfg.SelfID = selfID
	cfg.MainID = 0
	cfg.ADMM.Rho = 1.0
	cfg.ADMM.MaxSteps = 4
	cfg.ADMM.StepTimeout = 150 * time.Millisecond
	return cfg
}

type twoAgentGraph struct {
	frames []state.Frame
	loops  []LoopEdge
}

// Two agents, two frames each, on a line; one inter-agent loop plus an
// intra-agent loop for the remote pair.
func makeTwoAgentGraph() twoAgentGraph {
	at := func(x float64) spatialmath.Pose {
		return spatialmath.NewPose(r3.Vector{X: x}, spatialmath.NewZeroPose().Att)
	}
	return twoAgentGraph{
		frames: []state.Frame{
			{ID: 1, DroneID: 0, ReferenceFrameID: 0, InitialEgoPose: at(0), Odom: at(0)},
			{ID: 2, DroneID: 0, ReferenceFrameID: 0, InitialEgoPose: at(1), Odom: at(1)},
			{ID: 11, DroneID: 1, ReferenceFrameID: 0, InitialEgoPose: at(0), Odom: at(2)},
			{ID: 12, DroneID: 1, ReferenceFrameID: 0, InitialEgoPose: at(1), Odom: at(3)},
		},
		loops: []LoopEdge{
			{KeyframeIDA: 2, KeyframeIDB: 11, AgentA: 0, AgentB: 1,
				RelativePose: at(1), SqrtInfo: utils.Identity(4)},
			{KeyframeIDA: 11, KeyframeIDB: 12, AgentA: 1, AgentB: 1,
				RelativePose: at(1), SqrtInfo: utils.Identity(4)},
		},
	}
}

func loadGraph(t *testing.T, e *Engine, g twoAgentGraph) {
	t.Helper()
	for _, f := range g.frames {
		test.That(t, e.AddFrame(f), test.ShouldBeNil)
	}
	for _, l := range g.loops {
		e.AddLoop(l, false)
	}
}

// Centralized and distributed solves of the same graph agree up to the
// shared gauge.
func TestDistributedMatchesCentralized(t *testing.T) {
	g := makeTwoAgentGraph()

	central, err := New(func() Config {
		cfg := DefaultConfig()
		cfg.PoseDOF = 4
		return cfg
	}(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	loadGraph(t, central, g)
	test.That(t, central.Solve(false), test.ShouldBeTrue)

	e0, err := New(distConfig(0), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	e1, err := New(distConfig(1), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	loadGraph(t, e0, g)
	loadGraph(t, e1, g)

	e0.SetBroadcastCallback(e1.InputDPGOData)
	e1.SetBroadcastCallback(e0.InputDPGOData)

	var wg sync.WaitGroup
	wg.Add(2)
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		test.That(t, e0.Solve(false), test.ShouldBeTrue)
	})
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		test.That(t, e1.Solve(false), test.ShouldBeTrue)
	})
	wg.Wait()

	for _, id := range []int64{1, 2, 11, 12} {
		want := central.State().FrameByID(id).Odom
		for _, e := range []*Engine{e0, e1} {
			got := e.State().FrameByID(id).Odom
			test.That(t, got.Pos.Sub(want.Pos).Norm(), test.ShouldBeLessThan, 1e-2)
			test.That(t, spatialmath.WrapAngle(got.Yaw()-want.Yaw()), test.ShouldAlmostEqual, 0, 1e-2)
		}
	}
}

func TestStaleDataDropped(t *testing.T) {
	e, err := New(distConfig(0), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	d := newDistributedSolver(e, e.config.ADMM)
	d.iteration = 5

	d.acceptPeerData(DPGOData{SenderID: 1, Iteration: 1})
	test.That(t, len(d.peerData), test.ShouldEqual, 0)

	d.acceptPeerData(DPGOData{SenderID: 1, Iteration: 5})
	test.That(t, len(d.peerData), test.ShouldEqual, 1)
}

func TestUnknownSharedVariableIgnored(t *testing.T) {
	e, err := New(distConfig(0), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	d := newDistributedSolver(e, e.config.ADMM)

	// A pose for a frame this agent does not track must not disturb the
	// solver state.
	d.acceptPeerData(DPGOData{
		SenderID:  1,
		Iteration: 0,
		Poses:     map[int64]spatialmath.Pose{999: spatialmath.NewZeroPose()},
	})
	test.That(t, len(d.peerData), test.ShouldEqual, 1)
	test.That(t, len(d.consensus), test.ShouldEqual, 0)
}

func TestInputDataSolverless(t *testing.T) {
	e, err := New(distConfig(0), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	// No solve has run yet; data must be safely discarded.
	e.InputDPGOData(DPGOData{SenderID: 1})
}
