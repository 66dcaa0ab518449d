package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// blockRec is one unique parameter block of an assembled problem.
type blockRec struct {
	ptr         []float64
	manifold    spatialmath.Manifold
	constant    bool
	tangentSize int
	// index is the block's offset in the stacked tangent vector, -1 when
	// the block is held constant.
	index int
}

// Problem is the assembled structure of one solve: unique parameter blocks
// with tangent indices and the residuals over them.
type Problem struct {
	blocks      []*blockRec
	byPtr       map[*float64]*blockRec
	residuals   []*factor.ResidualInfo
	paramLists  [][]factor.ParamInfo
	tangentSize int
	residualDim int
}

// HasBlock reports whether the block participates in any residual.
func (p *Problem) HasBlock(block []float64) bool {
	_, ok := p.byPtr[&block[0]]
	return ok
}

// TangentSize returns the total free tangent dimension.
func (p *Problem) TangentSize() int { return p.tangentSize }

func buildProblem(
	st factor.StateView,
	residuals []*factor.ResidualInfo,
	manifolds map[*float64]spatialmath.Manifold,
	constants map[*float64]bool,
) *Problem {
	p := &Problem{byPtr: map[*float64]*blockRec{}, residuals: residuals}
	for _, info := range residuals {
		params := info.ParamsList(st)
		p.paramLists = append(p.paramLists, params)
		p.residualDim += info.Fac.ResidualSize()
		for _, param := range params {
			key := &param.Ptr[0]
			if _, ok := p.byPtr[key]; ok {
				continue
			}
			rec := &blockRec{
				ptr:      param.Ptr,
				manifold: manifolds[key],
				constant: constants[key],
				index:    -1,
			}
			if rec.manifold != nil {
				rec.tangentSize = rec.manifold.TangentSize()
			} else {
				// Without a manifold the block updates additively in the
				// full ambient space.
				rec.tangentSize = param.Size
			}
			p.blocks = append(p.blocks, rec)
			p.byPtr[key] = rec
		}
	}
	for _, rec := range p.blocks {
		if rec.constant {
			continue
		}
		rec.index = p.tangentSize
		p.tangentSize += rec.tangentSize
	}
	return p
}

// evaluate computes the stacked residual vector and tangent-space Jacobian
// at the current parameter values. It reports false if any factor failed.
func (p *Problem) evaluate(st factor.StateView, jac *mat.Dense, res []float64) bool {
	row := 0
	for i, info := range p.residuals {
		if !info.Evaluate(st) {
			return false
		}
		size := info.Fac.ResidualSize()
		copy(res[row:row+size], info.Residuals)
		if jac != nil {
			for b, param := range p.paramLists[i] {
				rec := p.byPtr[&param.Ptr[0]]
				if rec.index < 0 {
					continue
				}
				ambient := info.Jacobians[b]
				var tangent mat.Dense
				if rec.manifold != nil {
					tangent.Mul(ambient, rec.manifold.PlusJacobian(rec.ptr))
				} else {
					tangent.CloneFrom(ambient)
				}
				for r := 0; r < size; r++ {
					for c := 0; c < rec.tangentSize; c++ {
						jac.Set(row+r, rec.index+c, jac.At(row+r, rec.index+c)+tangent.At(r, c))
					}
				}
			}
		}
		row += size
	}
	return true
}

func (p *Problem) saveBlocks() [][]float64 {
	saved := make([][]float64, len(p.blocks))
	for i, rec := range p.blocks {
		saved[i] = append([]float64{}, rec.ptr...)
	}
	return saved
}

func (p *Problem) restoreBlocks(saved [][]float64) {
	for i, rec := range p.blocks {
		copy(rec.ptr, saved[i])
	}
}

// applyStep retracts each free block by its segment of delta.
func (p *Problem) applyStep(delta []float64) {
	for _, rec := range p.blocks {
		if rec.index < 0 {
			continue
		}
		seg := delta[rec.index : rec.index+rec.tangentSize]
		if rec.manifold != nil {
			rec.manifold.Plus(rec.ptr, seg)
		} else {
			for i := range seg {
				rec.ptr[i] += seg[i]
			}
		}
	}
}

func cost(res []float64) float64 {
	c := 0.0
	for _, r := range res {
		c += r * r
	}
	return 0.5 * c
}

// solveLM runs dense Levenberg-Marquardt over the assembled problem.
func solveLM(st factor.StateView, p *Problem, opts Options, logger logging.Logger) Report {
	report := Report{}
	if p.tangentSize == 0 || p.residualDim == 0 {
		report.Converged = true
		return report
	}
	jac := mat.NewDense(p.residualDim, p.tangentSize, nil)
	res := make([]float64, p.residualDim)
	if !p.evaluate(st, jac, res) {
		logger.Error("residual evaluation failed at the initial estimate")
		return report
	}
	curCost := cost(res)
	report.InitialCost = curCost
	report.FinalCost = curCost

	lambda := opts.InitialLambda
	n := p.tangentSize
	for iter := 0; iter < opts.MaxIterations; iter++ {
		report.Iterations = iter + 1

		var h mat.SymDense
		h.SymOuterK(1, jac.T())
		g := make([]float64, n)
		gv := mat.NewVecDense(n, g)
		gv.MulVec(jac.T(), mat.NewVecDense(p.residualDim, res))

		// Damp with λ·diag(H), floored so flat directions stay invertible.
		damped := mat.NewSymDense(n, nil)
		damped.CopySym(&h)
		for i := 0; i < n; i++ {
			d := h.At(i, i)
			damped.SetSym(i, i, d+lambda*math.Max(d, 1e-8))
		}

		var chol mat.Cholesky
		if !chol.Factorize(damped) {
			lambda *= 10
			if lambda > 1e12 {
				break
			}
			continue
		}
		delta := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(delta, gv); err != nil {
			lambda *= 10
			if lambda > 1e12 {
				break
			}
			continue
		}
		step := make([]float64, n)
		for i := range step {
			step[i] = -delta.AtVec(i)
		}

		saved := p.saveBlocks()
		p.applyStep(step)

		trialJac := mat.NewDense(p.residualDim, p.tangentSize, nil)
		trialRes := make([]float64, p.residualDim)
		if !p.evaluate(st, trialJac, trialRes) {
			p.restoreBlocks(saved)
			lambda *= 10
			continue
		}
		trialCost := cost(trialRes)
		if trialCost < curCost {
			decrease := curCost - trialCost
			jac, res = trialJac, trialRes
			curCost = trialCost
			lambda = math.Max(lambda/3, 1e-12)
			if decrease <= opts.FunctionTolerance*math.Max(curCost, 1) {
				report.Converged = true
				break
			}
		} else {
			p.restoreBlocks(saved)
			lambda *= 4
			if lambda > 1e12 {
				break
			}
		}
	}
	report.FinalCost = curCost
	if !report.Converged && report.Iterations == opts.MaxIterations {
		logger.Debugf("solver hit iteration budget %d, final cost %.3e", opts.MaxIterations, curCost)
	}
	return report
}
