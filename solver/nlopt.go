//go:build !windows && !no_cgo

package solver

import (
	"github.com/go-nlopt/nlopt"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
)

// solveNlopt minimizes the summed squared residual with an nlopt gradient
// solver. The problem is parameterized by the stacked tangent increment δ
// around the entry estimate, so manifold blocks stay on-manifold: every
// objective evaluation retracts a fresh copy of the entry state by δ.
func solveNlopt(st factor.StateView, p *Problem, opts Options, logger logging.Logger) Report {
	report := Report{}
	if p.tangentSize == 0 || p.residualDim == 0 {
		report.Converged = true
		return report
	}
	base := p.saveBlocks()

	jac := mat.NewDense(p.residualDim, p.tangentSize, nil)
	res := make([]float64, p.residualDim)

	evalAt := func(delta []float64, withJac bool) bool {
		p.restoreBlocks(base)
		p.applyStep(delta)
		if withJac {
			jac.Zero()
			return p.evaluate(st, jac, res)
		}
		return p.evaluate(st, nil, res)
	}

	if !evalAt(make([]float64, p.tangentSize), false) {
		logger.Error("residual evaluation failed at the initial estimate")
		p.restoreBlocks(base)
		return report
	}
	report.InitialCost = cost(res)
	report.FinalCost = report.InitialCost

	opt, err := nlopt.NewNLopt(nlopt.LD_LBFGS, uint(p.tangentSize))
	if err != nil {
		logger.Errorw("nlopt solver construction failed, falling back to LM", "error", err)
		p.restoreBlocks(base)
		return solveLM(st, p, opts, logger)
	}
	defer opt.Destroy()

	evals := 0
	objective := func(x, gradient []float64) float64 {
		evals++
		if !evalAt(x, len(gradient) > 0) {
			// Out-of-domain trial point; steer the line search back.
			for i := range gradient {
				gradient[i] = 0
			}
			return report.InitialCost * 1e6
		}
		if len(gradient) > 0 {
			// ∇(½‖r‖²) = Jᵀ r
			gv := mat.NewVecDense(p.tangentSize, gradient)
			gv.MulVec(jac.T(), mat.NewVecDense(p.residualDim, res))
		}
		return cost(res)
	}
	err = multierr.Combine(
		opt.SetMinObjective(objective),
		opt.SetMaxEval(opts.MaxIterations*20),
		opt.SetFtolRel(opts.FunctionTolerance),
		opt.SetFtolAbs(opts.FunctionTolerance),
	)
	if err != nil {
		logger.Errorw("nlopt setup failed, falling back to LM", "error", err)
		p.restoreBlocks(base)
		return solveLM(st, p, opts, logger)
	}

	solution, finalCost, err := opt.Optimize(make([]float64, p.tangentSize))
	if err != nil {
		logger.Debugw("nlopt did not converge", "error", err)
	} else {
		report.Converged = true
	}
	p.restoreBlocks(base)
	p.applyStep(solution)
	report.FinalCost = finalCost
	report.Iterations = evals
	return report
}
