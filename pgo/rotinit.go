package pgo

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/state"
)

// RotationInitializer seeds the nonlinear solve with a chordal rotation
// estimate over the loop graph: the rotation constraints are relaxed to a
// linear least-squares problem, solved with a fixed anchor, and the result
// is written back into the graph state. Without it a bad rotation guess can
// strand the local solver in a spurious basin.
type RotationInitializer struct {
	state        *state.GraphState
	logger       logging.Logger
	loops        []LoopEdge
	fixedFrameID int64
	is4DoF       bool
}

// NewRotationInitializer returns an initializer over the given state.
func NewRotationInitializer(st *state.GraphState, is4DoF bool, logger logging.Logger) *RotationInitializer {
	return &RotationInitializer{state: st, is4DoF: is4DoF, logger: logger, fixedFrameID: -1}
}

// AddLoops registers the loop subgraph to initialize over.
func (ri *RotationInitializer) AddLoops(loops []LoopEdge) {
	ri.loops = append(ri.loops, loops...)
}

// SetFixedFrameID names the anchor frame whose rotation is held.
func (ri *RotationInitializer) SetFixedFrameID(frameID int64) {
	ri.fixedFrameID = frameID
}

// Solve runs the relaxation and writes the initializations back.
func (ri *RotationInitializer) Solve() error {
	if len(ri.loops) == 0 {
		return errors.New("rotation initialization needs at least one loop")
	}
	if ri.fixedFrameID < 0 || !ri.state.HasFrame(ri.fixedFrameID) {
		return errors.Errorf("rotation initialization anchor frame %d unknown", ri.fixedFrameID)
	}
	if ri.is4DoF {
		return ri.solveYaw()
	}
	return ri.solveChordal()
}

// frameIndex assigns a dense index to every non-anchor frame in the loops.
func (ri *RotationInitializer) frameIndex() map[int64]int {
	index := map[int64]int{}
	for _, loop := range ri.loops {
		for _, id := range []int64{loop.KeyframeIDA, loop.KeyframeIDB} {
			if id == ri.fixedFrameID {
				continue
			}
			if _, ok := index[id]; !ok {
				index[id] = len(index)
			}
		}
	}
	return index
}

// solveYaw initializes yaw only: every frame's heading is a unit complex
// number (c, s), each loop contributes the linear constraint
// v_b = R(Δyaw)·v_a, and the anchor pins its current heading.
func (ri *RotationInitializer) solveYaw() error {
	index := ri.frameIndex()
	if len(index) == 0 {
		return nil
	}
	cols := 2 * len(index)
	rows := 2 * len(ri.loops)

	anchorYaw := ri.state.FrameByID(ri.fixedFrameID).Odom.Yaw()
	ca, sa := math.Cos(anchorYaw), math.Sin(anchorYaw)

	a := mat.NewDense(rows, cols, nil)
	rhs := mat.NewVecDense(rows, nil)
	for i, loop := range ri.loops {
		dyaw := loop.RelativePose.Yaw()
		c, s := math.Cos(dyaw), math.Sin(dyaw)
		r0 := 2 * i
		// R(Δyaw)·v_a − v_b = 0, one 2×2 block per endpoint.
		setBlock := func(frameID int64, m00, m01, m10, m11 float64) {
			if frameID == ri.fixedFrameID {
				rhs.SetVec(r0, rhs.AtVec(r0)-(m00*ca+m01*sa))
				rhs.SetVec(r0+1, rhs.AtVec(r0+1)-(m10*ca+m11*sa))
				return
			}
			j := 2 * index[frameID]
			a.Set(r0, j, a.At(r0, j)+m00)
			a.Set(r0, j+1, a.At(r0, j+1)+m01)
			a.Set(r0+1, j, a.At(r0+1, j)+m10)
			a.Set(r0+1, j+1, a.At(r0+1, j+1)+m11)
		}
		setBlock(loop.KeyframeIDA, c, -s, s, c)
		setBlock(loop.KeyframeIDB, -1, 0, 0, -1)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, rhs); err != nil {
		return errors.Wrap(err, "yaw initialization least squares failed")
	}
	for id, j := range index {
		c, s := sol.AtVec(2*j), sol.AtVec(2*j+1)
		if c == 0 && s == 0 {
			continue
		}
		frame := ri.state.FrameByID(id)
		ri.state.SetFramePose(id, spatialmath.NewPoseFromYaw(frame.Odom.Pos, math.Atan2(s, c)))
	}
	return nil
}

// solveChordal initializes full rotations: each frame's rotation matrix is
// nine unknowns, each loop contributes row_b = R_abᵀ·row_a per matrix row,
// and the solved matrices are projected back onto SO(3).
func (ri *RotationInitializer) solveChordal() error {
	index := ri.frameIndex()
	if len(index) == 0 {
		return nil
	}
	anchorRot := rotationMatrix(ri.state.FrameByID(ri.fixedFrameID).Odom.Att)

	// The three matrix rows decouple into independent systems with the
	// same structure.
	solutions := make([]*mat.VecDense, 3)
	for row := 0; row < 3; row++ {
		cols := 3 * len(index)
		rows := 3 * len(ri.loops)
		a := mat.NewDense(rows, cols, nil)
		rhs := mat.NewVecDense(rows, nil)
		for i, loop := range ri.loops {
			rab := rotationMatrix(loop.RelativePose.Att)
			r0 := 3 * i
			// R_abᵀ·row_aᵀ − row_bᵀ = 0.
			if loop.KeyframeIDA == ri.fixedFrameID {
				for k := 0; k < 3; k++ {
					v := 0.0
					for l := 0; l < 3; l++ {
						v += rab.At(l, k) * anchorRot.At(row, l)
					}
					rhs.SetVec(r0+k, rhs.AtVec(r0+k)-v)
				}
			} else {
				j := 3 * index[loop.KeyframeIDA]
				for k := 0; k < 3; k++ {
					for l := 0; l < 3; l++ {
						a.Set(r0+k, j+l, a.At(r0+k, j+l)+rab.At(l, k))
					}
				}
			}
			if loop.KeyframeIDB == ri.fixedFrameID {
				for k := 0; k < 3; k++ {
					rhs.SetVec(r0+k, rhs.AtVec(r0+k)+anchorRot.At(row, k))
				}
			} else {
				j := 3 * index[loop.KeyframeIDB]
				for k := 0; k < 3; k++ {
					a.Set(r0+k, j+k, a.At(r0+k, j+k)-1)
				}
			}
		}
		var sol mat.VecDense
		if err := sol.SolveVec(a, rhs); err != nil {
			return errors.Wrapf(err, "chordal initialization least squares failed (row %d)", row)
		}
		solutions[row] = &sol
	}

	for id, j := range index {
		r := mat.NewDense(3, 3, nil)
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				r.Set(row, col, solutions[row].AtVec(3*j+col))
			}
		}
		att, ok := projectSO3(r)
		if !ok {
			ri.logger.Warnf("chordal projection failed for frame %d, keeping current rotation", id)
			continue
		}
		frame := ri.state.FrameByID(id)
		ri.state.SetFramePose(id, spatialmath.NewPose(frame.Odom.Pos, att))
	}
	return nil
}

// rotationMatrix returns the 3×3 rotation matrix of q.
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// projectSO3 projects an approximate rotation matrix onto SO(3) by SVD and
// returns it as a quaternion.
func projectSO3(m *mat.Dense) (quat.Number, bool) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return quat.Number{Real: 1}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the smallest singular direction to stay in SO(3).
		d := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
		var tmp mat.Dense
		tmp.Mul(&u, d)
		r.Mul(&tmp, v.T())
	}
	return quatFromMatrix(&r), true
}

// quatFromMatrix converts a rotation matrix to a quaternion.
func quatFromMatrix(r *mat.Dense) quat.Number {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (r.At(2, 1) - r.At(1, 2)) / s,
			Jmag: (r.At(0, 2) - r.At(2, 0)) / s,
			Kmag: (r.At(1, 0) - r.At(0, 1)) / s,
		}
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := math.Sqrt(1+r.At(0, 0)-r.At(1, 1)-r.At(2, 2)) * 2
		q = quat.Number{
			Real: (r.At(2, 1) - r.At(1, 2)) / s,
			Imag: s / 4,
			Jmag: (r.At(0, 1) + r.At(1, 0)) / s,
			Kmag: (r.At(0, 2) + r.At(2, 0)) / s,
		}
	case r.At(1, 1) > r.At(2, 2):
		s := math.Sqrt(1+r.At(1, 1)-r.At(0, 0)-r.At(2, 2)) * 2
		q = quat.Number{
			Real: (r.At(0, 2) - r.At(2, 0)) / s,
			Imag: (r.At(0, 1) + r.At(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (r.At(1, 2) + r.At(2, 1)) / s,
		}
	default:
		s := math.Sqrt(1+r.At(2, 2)-r.At(0, 0)-r.At(1, 1)) * 2
		q = quat.Number{
			Real: (r.At(1, 0) - r.At(0, 1)) / s,
			Imag: (r.At(0, 2) + r.At(2, 0)) / s,
			Jmag: (r.At(1, 2) + r.At(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	return spatialmath.Normalize(q)
}
