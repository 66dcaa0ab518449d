package pgo

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/solver"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// DPGOData is the exchange message of the distributed solver: one agent's
// current estimates of the shared variables, its dual values, and an
// iteration counter. Messages are emitted by value; the engine keeps no
// reference after broadcast.
type DPGOData struct {
	MsgID            uuid.UUID
	SenderID         int
	ReferenceFrameID int
	Iteration        int
	Stamp            time.Time
	Poses            map[int64]spatialmath.Pose
	Duals            map[int64][]float64
}

// consensusFactor ties one pose block to the consensus estimate z with dual
// y: the residual √ρ·(x ⊟ z) + y/√ρ realizes the augmented-Lagrangian term
// ρ/2·‖x ⊟ z‖² + yᵀ(x ⊟ z).
type consensusFactor struct {
	z      spatialmath.Pose
	y      []float64
	rho    float64
	is4DoF bool
}

func (f *consensusFactor) ResidualSize() int {
	if f.is4DoF {
		return 4
	}
	return 6
}

func (f *consensusFactor) ParameterBlockSizes() []int {
	if f.is4DoF {
		return []int{factor.Pose4Size}
	}
	return []int{factor.PoseSize}
}

func (f *consensusFactor) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	x := params[0]
	sqrtRho := math.Sqrt(f.rho)
	if f.is4DoF {
		dx := []float64{
			x[0] - f.z.Pos.X, x[1] - f.z.Pos.Y, x[2] - f.z.Pos.Z,
			spatialmath.WrapAngle(x[3] - f.z.Yaw()),
		}
		for i := 0; i < 4; i++ {
			residuals[i] = sqrtRho*dx[i] + f.y[i]/sqrtRho
		}
		if jacobians != nil && jacobians[0] != nil {
			jacobians[0].Zero()
			for i := 0; i < 4; i++ {
				jacobians[0].Set(i, i, sqrtRho)
			}
		}
		return true
	}

	cur := spatialmath.FromArray7(x)
	dp := cur.Pos.Sub(f.z.Pos)
	zInv := quat.Conj(f.z.Att)
	w := spatialmath.LogSO3(quat.Mul(zInv, cur.Att))
	dx := []float64{dp.X, dp.Y, dp.Z, w.X, w.Y, w.Z}
	for i := 0; i < 6; i++ {
		residuals[i] = sqrtRho*dx[i] + f.y[i]/sqrtRho
	}
	if jacobians != nil && jacobians[0] != nil {
		jac := jacobians[0]
		jac.Zero()
		for i := 0; i < 3; i++ {
			jac.Set(i, i, sqrtRho)
		}
		// d(log(z⁻¹⊗q))/dq ≈ 2·[vector rows of the left product matrix].
		left := quatLeftMatrix(zInv)
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				jac.Set(3+i, 3+j, sqrtRho*2*left[i+1][j])
			}
		}
	}
	return true
}

// quatLeftMatrix returns the 4×4 matrix of q⊗· in (w, x, y, z) order.
func quatLeftMatrix(q quat.Number) [4][4]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [4][4]float64{
		{w, -x, -y, -z},
		{x, w, -z, y},
		{y, z, w, -x},
		{z, -y, x, w},
	}
}

// distributedSolver drives the ADMM consensus iteration: local augmented
// solve, exchange of shared estimates, consensus and dual updates.
type distributedSolver struct {
	engine  *Engine
	adapter *solver.Adapter
	cfg     ADMMOptions

	iteration int
	consensus map[int64]spatialmath.Pose
	duals     map[int64][]float64
	peerData  map[int]DPGOData

	dataCh chan DPGOData
}

func newDistributedSolver(e *Engine, cfg ADMMOptions) *distributedSolver {
	return &distributedSolver{
		engine:    e,
		adapter:   solver.NewAdapter(e.state, e.logger, e.clk, e.config.Solver),
		cfg:       cfg,
		consensus: map[int64]spatialmath.Pose{},
		duals:     map[int64][]float64{},
		peerData:  map[int]DPGOData{},
		dataCh:    make(chan DPGOData, 128),
	}
}

func (d *distributedSolver) resetResiduals() {
	d.adapter.ResetResiduals()
}

// inputData enqueues a peer message without blocking; the queue sheds load
// when full.
func (d *distributedSolver) inputData(data DPGOData) {
	select {
	case d.dataCh <- data:
	default:
		d.engine.logger.Debugw("dpgo data queue full, dropping", "sender", data.SenderID)
	}
}

func (d *distributedSolver) tangentSize() int {
	if d.engine.config.PoseDOF == 4 {
		return 4
	}
	return 6
}

// sharedFrames returns the frames touched by inter-agent loops this solve.
func (d *distributedSolver) sharedFrames() []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, loop := range d.engine.usedLoops {
		if !loop.Interagent() {
			continue
		}
		for _, id := range []int64{loop.KeyframeIDA, loop.KeyframeIDB} {
			if !seen[id] && d.engine.state.HasFrame(id) {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// tangentDelta computes x ⊟ z for a frame pose.
func (d *distributedSolver) tangentDelta(x, z spatialmath.Pose) []float64 {
	dp := x.Pos.Sub(z.Pos)
	if d.engine.config.PoseDOF == 4 {
		return []float64{dp.X, dp.Y, dp.Z, spatialmath.WrapAngle(x.Yaw() - z.Yaw())}
	}
	w := spatialmath.LogSO3(quat.Mul(quat.Conj(z.Att), x.Att))
	return []float64{dp.X, dp.Y, dp.Z, w.X, w.Y, w.Z}
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// solve runs the consensus iteration to its tolerance or step budget and
// returns the report of the last local solve.
func (d *distributedSolver) solve() solver.Report {
	e := d.engine
	shared := d.sharedFrames()
	for _, id := range shared {
		if _, ok := d.consensus[id]; !ok {
			d.consensus[id] = e.state.FrameByID(id).Odom
			d.duals[id] = make([]float64, d.tangentSize())
		}
	}
	baseResiduals := append([]*factor.ResidualInfo{}, d.adapter.Residuals()...)

	var report solver.Report
	for step := 0; step < d.cfg.MaxSteps; step++ {
		// Local augmented-Lagrangian problem at the current z, y.
		d.adapter.ResetResiduals()
		for _, info := range baseResiduals {
			d.adapter.AddResidual(info)
		}
		for _, id := range shared {
			fac := &consensusFactor{
				z:      d.consensus[id],
				y:      append([]float64{}, d.duals[id]...),
				rho:    d.cfg.Rho,
				is4DoF: e.config.PoseDOF == 4,
			}
			d.adapter.AddResidual(factor.NewConsensusResInfo(fac, id))
		}
		report = d.adapter.Solve()
		e.state.SyncFromState()

		// Emit our shared estimates.
		data := DPGOData{
			MsgID:            uuid.New(),
			SenderID:         e.config.SelfID,
			ReferenceFrameID: e.config.MainID,
			Iteration:        d.iteration,
			Stamp:            e.clk.Now(),
			Poses:            map[int64]spatialmath.Pose{},
			Duals:            map[int64][]float64{},
		}
		for _, id := range shared {
			data.Poses[id] = e.state.FrameByID(id).Odom
			data.Duals[id] = append([]float64{}, d.duals[id]...)
		}
		e.broadcastData(data)

		d.collectPeerData()

		// Consensus update: average our estimate with the neighbors', then
		// dual ascent on the disagreement.
		maxPrimal, maxDual := 0.0, 0.0
		for _, id := range shared {
			x := e.state.FrameByID(id).Odom
			estimates := []spatialmath.Pose{x}
			for _, peer := range d.peerData {
				if pose, ok := peer.Poses[id]; ok {
					estimates = append(estimates, pose)
				}
			}
			zPrev := d.consensus[id]
			zNew := averagePoses(estimates)
			d.consensus[id] = zNew

			primal := d.tangentDelta(x, zNew)
			for i := range d.duals[id] {
				d.duals[id][i] += d.cfg.Rho * primal[i]
			}
			if n := norm(primal); n > maxPrimal {
				maxPrimal = n
			}
			if n := d.cfg.Rho * norm(d.tangentDelta(zNew, zPrev)); n > maxDual {
				maxDual = n
			}
		}
		d.iteration++
		if maxPrimal < d.cfg.PrimalTolerance && maxDual < d.cfg.DualTolerance {
			break
		}
	}
	return report
}

// collectPeerData waits up to the step timeout for the first peer message,
// then drains whatever else arrived. Stale iterations are dropped; poses
// for unknown frames are ignored at use sites.
func (d *distributedSolver) collectPeerData() {
	timeout := d.engine.clk.After(d.cfg.StepTimeout)
	gotAny := false
	for {
		if gotAny {
			select {
			case data := <-d.dataCh:
				d.acceptPeerData(data)
			default:
				return
			}
			continue
		}
		select {
		case data := <-d.dataCh:
			d.acceptPeerData(data)
			gotAny = true
		case <-timeout:
			return
		}
	}
}

func (d *distributedSolver) acceptPeerData(data DPGOData) {
	if data.Iteration+1 < d.iteration {
		d.engine.logger.Debugw("dropping stale dpgo data",
			"sender", data.SenderID, "iteration", data.Iteration, "local", d.iteration)
		return
	}
	for id := range data.Poses {
		if !d.engine.state.HasFrame(id) {
			d.engine.logger.Debugw("peer estimate for unknown frame ignored", "frame", id)
		}
	}
	d.peerData[data.SenderID] = data
}

// averagePoses returns the mean of the given poses: positions linearly,
// attitudes by normalized quaternion averaging with sign alignment to the
// first pose.
func averagePoses(poses []spatialmath.Pose) spatialmath.Pose {
	if len(poses) == 1 {
		return poses[0]
	}
	var px, py, pz float64
	ref := poses[0].Att
	var qw, qx, qy, qz float64
	for _, p := range poses {
		px += p.Pos.X
		py += p.Pos.Y
		pz += p.Pos.Z
		q := p.Att
		if q.Real*ref.Real+q.Imag*ref.Imag+q.Jmag*ref.Jmag+q.Kmag*ref.Kmag < 0 {
			q = quat.Scale(-1, q)
		}
		qw += q.Real
		qx += q.Imag
		qy += q.Jmag
		qz += q.Kmag
	}
	n := float64(len(poses))
	return spatialmath.NewPose(
		r3.Vector{X: px / n, Y: py / n, Z: pz / n},
		spatialmath.Normalize(quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz}),
	)
}
