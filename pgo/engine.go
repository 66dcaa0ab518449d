package pgo

import (
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/solver"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/state"
)

// Engine is the top-level pose-graph optimizer: it admits frames and loops,
// synthesizes ego-motion factors, rejects outliers, fixes the gauge, and
// drives the solver in centralized or distributed mode. All public mutations
// are serialized by one engine lock; the solver runs inside it.
type Engine struct {
	mu     sync.Mutex
	config Config
	logger logging.Logger
	clk    clock.Clock

	state     *state.GraphState
	loops     *LoopStore
	rejection *PCMRejection

	adapter *solver.Adapter
	// distMu guards the dist pointer: peers deliver data while a solve
	// holds the engine lock.
	distMu sync.Mutex
	dist   *distributedSolver

	usedFrames     map[int64]bool
	usedLoops      []LoopEdge
	usedLoopsCount int
	solveCount     int
	updated        bool

	broadcastCallback func(DPGOData)
	postsolveCallback func()
}

// New returns an engine with the given configuration.
func New(config Config, logger logging.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pgo config")
	}
	st := state.NewGraphState(config.PoseDOF, config.IsRealtime, logger)
	e := &Engine{
		config:     config,
		logger:     logger,
		clk:        clock.New(),
		state:      st,
		loops:      NewLoopStore(),
		usedFrames: map[int64]bool{},
	}
	if config.EnablePCM {
		e.rejection = NewPCMRejection(st, config.PCMThreshold, config.PoseDOF == 4, logger)
	}
	return e, nil
}

// SetClock replaces the engine clock (tests).
func (e *Engine) SetClock(clk clock.Clock) { e.clk = clk }

// SetBroadcastCallback installs the transport for outgoing exchange
// messages. The engine retains no reference to emitted data.
func (e *Engine) SetBroadcastCallback(fn func(DPGOData)) { e.broadcastCallback = fn }

// SetPostsolveCallback installs a callback invoked synchronously after each
// successful solve.
func (e *Engine) SetPostsolveCallback(fn func()) { e.postsolveCallback = fn }

// State exposes the graph state.
func (e *Engine) State() *state.GraphState { return e.state }

// AddFrame admits a frame; see state.GraphState.AddFrame for the realtime
// propagation rule.
func (e *Engine) AddFrame(f state.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.state.AddFrame(f); err != nil {
		return err
	}
	e.logger.Debugf("[pgo@%d] add frame %d ref %d drone %d ego %s pose %s",
		e.config.SelfID, f.ID, f.ReferenceFrameID, f.DroneID, f.InitialEgoPose, e.state.FrameByID(f.ID).Odom)
	e.updated = true
	return nil
}

// AddLoop admits a loop edge. Over-threshold loops are dropped. With
// addStateByLoop set, a missing endpoint frame is instantiated from the
// known one composed with the measurement (debug/bootstrap path).
func (e *Engine) AddLoop(loop LoopEdge, addStateByLoop bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if norm := loop.RelativePose.Pos.Norm(); norm > e.config.LoopDistanceThreshold {
		e.logger.Infof("[pgo@%d] loop distance %.1fm over threshold, ignoring", e.config.SelfID, norm)
		return
	}
	loop.ID = e.loops.Add(loop)
	if addStateByLoop {
		hasA, hasB := e.state.HasFrame(loop.KeyframeIDA), e.state.HasFrame(loop.KeyframeIDB)
		switch {
		case hasA && !hasB:
			known := e.state.FrameByID(loop.KeyframeIDA)
			pose := known.Odom.Compose(loop.RelativePose)
			e.addFrameLocked(state.Frame{
				ID:               loop.KeyframeIDB,
				DroneID:          loop.AgentB,
				ReferenceFrameID: known.ReferenceFrameID,
				InitialEgoPose:   pose,
				Odom:             pose,
			})
		case !hasA && hasB:
			known := e.state.FrameByID(loop.KeyframeIDB)
			pose := known.Odom.Compose(loop.RelativePose.Invert())
			e.addFrameLocked(state.Frame{
				ID:               loop.KeyframeIDA,
				DroneID:          loop.AgentA,
				ReferenceFrameID: known.ReferenceFrameID,
				InitialEgoPose:   pose,
				Odom:             pose,
			})
		}
	}
	e.updated = true
}

func (e *Engine) addFrameLocked(f state.Frame) {
	if err := e.state.AddFrame(f); err != nil {
		e.logger.Warnw("auto frame creation failed", "frame", f.ID, "error", err)
		return
	}
	e.logger.Debugf("[pgo@%d] add frame %d by loop, pose %s", e.config.SelfID, f.ID, f.Odom)
}

// InputDPGOData feeds a peer exchange message to the distributed solver.
// It does not take the engine lock, so peers can deliver while a solve is
// in flight.
func (e *Engine) InputDPGOData(data DPGOData) {
	if e.config.Mode != ModeDistributedADMM {
		return
	}
	e.distMu.Lock()
	dist := e.dist
	e.distMu.Unlock()
	if dist != nil {
		dist.inputData(data)
	}
}

// broadcastData emits an exchange message through the installed transport.
func (e *Engine) broadcastData(data DPGOData) {
	if e.broadcastCallback != nil {
		e.broadcastCallback(data)
	}
}

// Solve runs one optimization. Unless forced, it returns false when the
// local agent has fewer than MinSolveSize frames or when no frame or loop
// was added since the last solve.
func (e *Engine) Solve(force bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if (e.state.Size(e.config.SelfID) < e.config.MinSolveSize || !e.updated) && !force {
		return false
	}

	switch e.config.Mode {
	case ModeNonDistributed:
		e.adapter = solver.NewAdapter(e.state, e.logger, e.clk, e.config.Solver)
	case ModeDistributedADMM:
		e.distMu.Lock()
		if e.dist == nil {
			e.dist = newDistributedSolver(e, e.config.ADMM)
		} else {
			e.dist.resetResiduals()
		}
		e.distMu.Unlock()
		e.adapter = e.dist.adapter
	}

	e.usedLoops = nil
	e.usedLoopsCount = 0

	availableLoops := make([]LoopEdge, 0)
	for _, loop := range e.loops.All() {
		if e.state.HasFrame(loop.KeyframeIDA) && e.state.HasFrame(loop.KeyframeIDB) {
			availableLoops = append(availableLoops, loop)
		}
	}
	goodLoops := availableLoops
	if e.rejection != nil {
		goodLoops = e.rejection.OutlierRejection(availableLoops)
	}
	e.setupLoopFactors(goodLoops)
	if e.config.EnableEgoMotion {
		e.setupEgoMotionFactors()
	}

	if e.config.EnableRotationInit {
		rotInit := NewRotationInitializer(e.state, e.config.PoseDOF == 4, e.logger)
		rotInit.AddLoops(e.usedLoops)
		rotInit.SetFixedFrameID(e.state.HeadID(e.config.SelfID))
		if err := rotInit.Solve(); err != nil {
			e.logger.Warnw("rotation initialization skipped", "error", err)
		}
	}

	e.setStateProperties()
	if e.config.WriteG2O {
		if err := e.saveG2O(); err != nil {
			e.logger.Warnw("g2o write failed", "error", err)
		}
	}

	var report solver.Report
	if e.config.Mode == ModeDistributedADMM {
		report = e.dist.solve()
	} else {
		report = e.adapter.Solve()
	}
	e.state.SyncFromState()
	if e.postsolveCallback != nil {
		e.postsolveCallback()
	}
	e.logger.Infof("[pgo@%d] solve %d mode %d frames %d loops %d time %.1fms cost %.2e -> %.2e",
		e.config.SelfID, e.solveCount, e.config.Mode, len(e.usedFrames), e.usedLoopsCount,
		float64(report.TotalTime.Microseconds())/1000, report.InitialCost, report.FinalCost)
	e.solveCount++
	e.updated = false
	return true
}

// loopFactor builds the relative-pose residual for one edge in the
// configured DoF.
func (e *Engine) loopFactor(loop LoopEdge) *factor.ResidualInfo {
	if e.config.PoseDOF == 4 {
		meas := spatialmath.NewPoseFromYaw(loop.RelativePose.Pos, loop.RelativePose.Yaw())
		fac := factor.NewRelPoseFactor4D(meas, loop.SqrtInfo)
		return factor.NewRelPoseResInfo(fac, nil, loop.KeyframeIDA, loop.KeyframeIDB)
	}
	fac := factor.NewRelPoseFactor(loop.RelativePose, loop.SqrtInfo)
	return factor.NewRelPoseResInfo(fac, nil, loop.KeyframeIDA, loop.KeyframeIDB)
}

func (e *Engine) setupLoopFactors(goodLoops []LoopEdge) {
	for _, loop := range goodLoops {
		e.adapter.AddResidual(e.loopFactor(loop))
		e.usedFrames[loop.KeyframeIDA] = true
		e.usedFrames[loop.KeyframeIDB] = true
		e.usedLoopsCount++
		e.usedLoops = append(e.usedLoops, loop)
	}
}

// egoMotionSqrtInfo builds the square-root information of an ego-motion edge
// of the given path length: position covariance grows linearly with a quadratic
// yaw-leakage term, rotation covariance linearly.
func (e *Engine) egoMotionSqrtInfo(length float64) *mat.Dense {
	if length < e.config.MinCovLen {
		length = e.config.MinCovLen
	}
	posVar := e.config.PosCovariancePerMeter*length + 0.5*e.config.YawCovariancePerMeter*length*length
	rotVar := e.config.YawCovariancePerMeter * length

	n := 6
	if e.config.PoseDOF == 4 {
		n = 4
	}
	sqrtInfo := mat.NewDense(n, n, nil)
	for i := 0; i < 3; i++ {
		sqrtInfo.Set(i, i, math.Sqrt(1/posVar))
	}
	for i := 3; i < n; i++ {
		sqrtInfo.Set(i, i, math.Sqrt(1/rotVar))
	}
	return sqrtInfo
}

func (e *Engine) setupEgoMotionFactorsForDrone(droneID int) {
	frames := e.state.Frames(droneID)
	for i := 0; i+1 < len(frames); i++ {
		frameA, frameB := frames[i], frames[i+1]
		var rel spatialmath.Pose
		if e.config.PoseDOF == 4 {
			rel = spatialmath.Delta4D(frameA.InitialEgoPose, frameB.InitialEgoPose)
		} else {
			rel = spatialmath.Delta(frameA.InitialEgoPose, frameB.InitialEgoPose)
		}
		sqrtInfo := e.egoMotionSqrtInfo(rel.Pos.Norm())
		loop := LoopEdge{
			KeyframeIDA: frameA.ID, KeyframeIDB: frameB.ID,
			AgentA: droneID, AgentB: droneID,
			RelativePose: rel, SqrtInfo: sqrtInfo,
		}
		e.adapter.AddResidual(e.loopFactor(loop))
		e.usedFrames[frameA.ID] = true
		e.usedFrames[frameB.ID] = true
		e.usedLoops = append(e.usedLoops, loop)
	}
}

func (e *Engine) setupEgoMotionFactors() {
	if e.config.Mode == ModeNonDistributed {
		for _, droneID := range e.state.AvailableDrones() {
			e.setupEgoMotionFactorsForDrone(droneID)
		}
	} else {
		e.setupEgoMotionFactorsForDrone(e.config.SelfID)
	}
}

// setStateProperties installs manifolds on all participating pose blocks and
// fixes the gauge: the local head frame in centralized mode or on the main
// agent, otherwise the first local frame already expressed in the main
// agent's reference frame.
func (e *Engine) setStateProperties() {
	var manifold spatialmath.Manifold
	if e.config.PoseDOF == 4 {
		manifold = spatialmath.PosYawManifold{}
	} else {
		manifold = spatialmath.SE3Manifold{}
	}
	for frameID := range e.usedFrames {
		if block := e.state.PoseState(frameID); block != nil {
			e.adapter.SetManifold(block, manifold)
		}
	}

	if e.config.Mode == ModeNonDistributed || e.config.SelfID == e.config.MainID {
		if block := e.state.PoseState(e.state.HeadID(e.config.SelfID)); block != nil {
			e.adapter.SetConstant(block)
		}
		return
	}
	for _, frame := range e.state.Frames(e.config.SelfID) {
		if frame.ReferenceFrameID == e.config.MainID {
			e.adapter.SetConstant(e.state.PoseState(frame.ID))
			return
		}
	}
	e.logger.Warnf("[pgo@%d] no local frame anchored to main agent %d; gauge left free",
		e.config.SelfID, e.config.MainID)
}

// EvalLoop logs the residual of one loop at the current estimate.
func (e *Engine) EvalLoop(loop LoopEdge) {
	info := e.loopFactor(loop)
	if !info.Evaluate(e.state) {
		e.logger.Warnf("loop %d->%d failed to evaluate", loop.KeyframeIDA, loop.KeyframeIDB)
		return
	}
	kfA := e.state.FrameByID(loop.KeyframeIDA)
	kfB := e.state.FrameByID(loop.KeyframeIDB)
	e.logger.Infof("loop %d->%d measured %s estimated %s residual %v",
		loop.KeyframeIDA, loop.KeyframeIDB, loop.RelativePose,
		spatialmath.Delta(kfA.Odom, kfB.Odom), info.Residuals)
}

// OptimizedTrajectories returns, per agent, the time-ordered optimized
// poses of the frames used in solving. In 4-DoF mode roll and pitch are
// re-composed from the ego-motion attitude.
func (e *Engine) OptimizedTrajectories() map[int]*state.Trajectory {
	e.mu.Lock()
	defer e.mu.Unlock()
	trajs := map[int]*state.Trajectory{}
	for _, droneID := range e.state.AvailableDrones() {
		traj := state.NewTrajectory(droneID)
		for _, frame := range e.state.Frames(droneID) {
			if !e.usedFrames[frame.ID] {
				continue
			}
			pose := frame.Odom
			if e.config.PoseDOF == 4 {
				ego := frame.InitialEgoPose
				deltaAtt := quat.Mul(quat.Conj(spatialmath.QuatFromYaw(ego.Yaw())), ego.Att)
				pose.Att = spatialmath.Normalize(quat.Mul(pose.Att, deltaAtt))
			}
			traj.Push(frame.Stamp, pose, frame.ID)
		}
		trajs[droneID] = traj
	}
	return trajs
}

// AllLocalFrames returns the local agent's frames in insertion order.
func (e *Engine) AllLocalFrames() []*state.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Frames(e.config.SelfID)
}

// LoopCount returns the number of stored loops.
func (e *Engine) LoopCount() int { return e.loops.Len() }
