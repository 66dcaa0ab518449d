// Package marginalize removes old frames from a sliding-window estimator
// while preserving their information as a Gaussian prior on the remaining
// variables: retained residuals are linearized, the to-be-removed block is
// eliminated by Schur complement, and the result is emitted as a
// factor.PriorFactor.
package marginalize

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
	"github.com/meridianrobotics/swarmpgo/utils"
)

// Marginalizer accumulates the residuals of the current window and builds
// the prior for a set of removed frames.
type Marginalizer struct {
	state  factor.StateView
	logger logging.Logger

	residuals []*factor.ResidualInfo
	remove    map[int64]bool

	params     map[factor.ParamKey]*factor.ParamInfo
	paramsList []*factor.ParamInfo
}

// New returns a marginalizer over the given state.
func New(state factor.StateView, logger logging.Logger) *Marginalizer {
	return &Marginalizer{state: state, logger: logger}
}

// AddResidual registers a residual of the current window.
func (m *Marginalizer) AddResidual(info *factor.ResidualInfo) {
	m.residuals = append(m.residuals, info)
}

// AddLandmarkResidual registers a reprojection residual, with or without a
// time-offset parameter.
func (m *Marginalizer) AddLandmarkResidual(
	fac factor.Factor, loss factor.Loss,
	frameA, frameB, landmarkID, cameraID int64, hasTd bool,
) {
	if hasTd {
		m.AddResidual(factor.NewLandmarkTDResInfo(fac, loss, frameA, frameB, landmarkID, cameraID))
	} else {
		m.AddResidual(factor.NewLandmarkResInfo(fac, loss, frameA, frameB, landmarkID, cameraID))
	}
}

// AddImuResidual registers a pre-integrated IMU residual.
func (m *Marginalizer) AddImuResidual(fac factor.Factor, frameA, frameB int64) {
	m.AddResidual(factor.NewIMUResInfo(fac, frameA, frameB))
}

// AddRelPoseResidual registers a relative-pose residual.
func (m *Marginalizer) AddRelPoseResidual(fac factor.Factor, loss factor.Loss, frameA, frameB int64) {
	m.AddResidual(factor.NewRelPoseResInfo(fac, loss, frameA, frameB))
}

// AddPrior registers the prior carried over from the previous
// marginalization.
func (m *Marginalizer) AddPrior(prior *factor.PriorFactor) {
	m.AddResidual(factor.NewPriorResInfo(prior))
}

// filterResiduals drops residuals that touch no removed frame and marks the
// parameters of the retained ones for removal: poses and speed-biases of
// removed frames, and landmarks whose base frame is removed. It returns the
// stacked residual size of the retained set.
func (m *Marginalizer) filterResiduals() int {
	effResidualSize := 0
	retained := m.residuals[:0]
	for _, info := range m.residuals {
		if !info.Relevant(m.remove) {
			continue
		}
		retained = append(retained, info)
		effResidualSize += info.Fac.ResidualSize()
		for _, param := range info.ParamsList(m.state) {
			isRemove := false
			switch param.Kind {
			case factor.ParamPose, factor.ParamSpeedBias:
				isRemove = m.remove[param.ID]
			case factor.ParamLandmark:
				isRemove = m.remove[m.state.LandmarkBaseFrame(param.ID)]
			}
			param.Remove = isRemove
			p := param
			m.params[param.Key()] = &p
		}
	}
	m.residuals = retained
	return effResidualSize
}

// sortParams orders parameters keep-block first and assigns cumulative
// tangent-space indices. It returns the total and removed tangent sizes.
func (m *Marginalizer) sortParams() (int, int) {
	m.paramsList = m.paramsList[:0]
	for _, p := range m.params {
		m.paramsList = append(m.paramsList, p)
	}
	sort.Slice(m.paramsList, func(i, j int) bool {
		a, b := m.paramsList[i], m.paramsList[j]
		if a.Remove != b.Remove {
			return !a.Remove
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})

	culParamSize, removeSize := 0, 0
	for _, p := range m.paramsList {
		p.Index = culParamSize
		culParamSize += p.TangentSize
		if p.Remove {
			removeSize += p.TangentSize
		}
	}
	return culParamSize, removeSize
}

// tangentJacobian projects an ambient-space block Jacobian onto the block's
// tangent space.
func tangentJacobian(ambient *mat.Dense, p *factor.ParamInfo) *mat.Dense {
	if p.Size == p.TangentSize {
		return ambient
	}
	if p.Size == factor.PoseSize && p.TangentSize == factor.PoseTangentSize {
		var out mat.Dense
		out.Mul(ambient, spatialmath.SE3Manifold{}.PlusJacobian(p.Ptr))
		return &out
	}
	panic(fmt.Sprintf("no tangent projection for param kind %d size %d/%d", p.Kind, p.Size, p.TangentSize))
}

// evaluate linearizes every retained residual, placing residual vectors at
// their row offsets and tangent-space block Jacobians at their sorted column
// indices. Indices out of bounds are a structural fault.
func (m *Marginalizer) evaluate(jac *mat.Dense, effResidualSize, effParamSize int) []float64 {
	residualVec := make([]float64, effResidualSize)
	culResSize := 0
	for _, info := range m.residuals {
		if !info.Evaluate(m.state) {
			panic(fmt.Sprintf("residual (kind %d, frames %d-%d) failed to evaluate during marginalization",
				info.Kind, info.FrameA, info.FrameB))
		}
		residualSize := info.Fac.ResidualSize()
		copy(residualVec[culResSize:culResSize+residualSize], info.Residuals)
		for blk, param := range info.ParamsList(m.state) {
			rec := m.params[param.Key()]
			jBlk := tangentJacobian(info.Jacobians[blk], rec)
			i0, j0 := culResSize, rec.Index
			for i := 0; i < residualSize; i++ {
				for j := 0; j < rec.TangentSize; j++ {
					if i0+i >= effResidualSize || j0+j >= effParamSize {
						panic(fmt.Sprintf("jacobian index (%d, %d) out of bounds (%d, %d)",
							i0+i, j0+j, effResidualSize, effParamSize))
					}
					jac.Set(i0+i, j0+j, jac.At(i0+i, j0+j)+jBlk.At(i, j))
				}
			}
		}
		culResSize += residualSize
	}
	return residualVec
}

// Marginalize eliminates the given frames and returns the prior on the
// remaining connected parameters.
func (m *Marginalizer) Marginalize(removeFrameIDs map[int64]bool) (*factor.PriorFactor, error) {
	if len(removeFrameIDs) == 0 {
		return nil, errors.New("no frames to marginalize")
	}
	m.remove = removeFrameIDs
	m.params = map[factor.ParamKey]*factor.ParamInfo{}
	m.paramsList = nil

	effResidualSize := m.filterResiduals()
	if effResidualSize == 0 {
		return nil, errors.New("no residuals touch the removed frames")
	}
	effParamSize, removeSize := m.sortParams()
	keepSize := effParamSize - removeSize
	if removeSize == 0 {
		return nil, errors.New("removed frames own no parameters")
	}
	if keepSize == 0 {
		return nil, errors.New("no parameters remain after marginalization")
	}
	m.logger.Debugf("marginalizing %d frames: eff param size %d, remove size %d, residual size %d",
		len(removeFrameIDs), effParamSize, removeSize, effResidualSize)

	jac := mat.NewDense(effResidualSize, effParamSize, nil)
	residualVec := m.evaluate(jac, effResidualSize, effParamSize)

	var h mat.SymDense
	h.SymOuterK(1, jac.T())
	g := mat.NewVecDense(effParamSize, nil)
	g.MulVec(jac.T(), mat.NewVecDense(effResidualSize, residualVec))

	h11 := h.SliceSym(0, keepSize).(*mat.SymDense)
	h22 := h.SliceSym(keepSize, effParamSize).(*mat.SymDense)
	h12 := mat.NewDense(keepSize, removeSize, nil)
	for i := 0; i < keepSize; i++ {
		for j := 0; j < removeSize; j++ {
			h12.Set(i, j, h.At(i, keepSize+j))
		}
	}
	// H22 can be singular when a removed block is unconstrained in some
	// direction; the pseudo-inverse eliminates only the observed subspace.
	h22Inv := utils.PseudoInverse(h22)

	var h12H22Inv mat.Dense
	h12H22Inv.Mul(h12, h22Inv)

	a := mat.NewSymDense(keepSize, nil)
	var schur mat.Dense
	schur.Mul(&h12H22Inv, h12.T())
	for i := 0; i < keepSize; i++ {
		for j := i; j < keepSize; j++ {
			a.SetSym(i, j, h11.At(i, j)-0.5*(schur.At(i, j)+schur.At(j, i)))
		}
	}

	b := make([]float64, keepSize)
	gRemove := make([]float64, removeSize)
	for i := range gRemove {
		gRemove[i] = g.AtVec(keepSize + i)
	}
	corr := mat.NewVecDense(keepSize, nil)
	corr.MulVec(&h12H22Inv, mat.NewVecDense(removeSize, gRemove))
	for i := range b {
		b[i] = g.AtVec(i) - corr.AtVec(i)
	}

	keepParams := make([]factor.ParamInfo, 0, len(m.paramsList))
	for _, p := range m.paramsList {
		if p.Remove {
			break
		}
		keepParams = append(keepParams, *p)
	}
	return factor.NewPriorFactor(keepParams, a, b)
}
