// Package solver wraps the nonlinear-least-squares machinery behind the
// narrow adapter the pose-graph engine talks to: residuals are registered as
// factor.ResidualInfo records, parameter blocks live on named manifolds, and
// Solve reports timing and costs. The default engine is a dense
// Levenberg-Marquardt on gonum; an nlopt gradient backend is available on
// cgo builds.
package solver

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

// Backend selects the optimization engine behind the adapter.
type Backend int

// The available backends.
const (
	// BackendLM is the built-in dense Levenberg-Marquardt engine.
	BackendLM Backend = iota
	// BackendNlopt drives an nlopt gradient solver; it falls back to
	// BackendLM on builds without cgo.
	BackendNlopt
)

// Options configure a solve.
type Options struct {
	MaxIterations     int
	FunctionTolerance float64
	InitialLambda     float64
	Backend           Backend
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     50,
		FunctionTolerance: 1e-9,
		InitialLambda:     1e-4,
		Backend:           BackendLM,
	}
}

// Report summarizes a solve.
type Report struct {
	InitialCost float64
	FinalCost   float64
	TotalTime   time.Duration
	Iterations  int
	Converged   bool
}

// Adapter owns the residuals and block properties for one problem and runs
// the engine over them. Residual records stay alive until ResetResiduals.
type Adapter struct {
	state  factor.StateView
	logger logging.Logger
	clk    clock.Clock
	opts   Options

	residuals []*factor.ResidualInfo
	manifolds map[*float64]spatialmath.Manifold
	constants map[*float64]bool
}

// NewAdapter returns an adapter over the given state view.
func NewAdapter(state factor.StateView, logger logging.Logger, clk clock.Clock, opts Options) *Adapter {
	if opts.MaxIterations <= 0 {
		opts = DefaultOptions()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Adapter{
		state:     state,
		logger:    logger,
		clk:       clk,
		opts:      opts,
		manifolds: map[*float64]spatialmath.Manifold{},
		constants: map[*float64]bool{},
	}
}

// AddResidual registers a residual block.
func (a *Adapter) AddResidual(info *factor.ResidualInfo) {
	a.residuals = append(a.residuals, info)
}

// ResetResiduals drops all registered residuals; block properties are kept.
// The adapter owns the records, so they must not be reused after this.
func (a *Adapter) ResetResiduals() {
	a.residuals = nil
}

// Residuals returns the registered residual records.
func (a *Adapter) Residuals() []*factor.ResidualInfo {
	return a.residuals
}

// SetManifold puts a parameter block on a manifold for subsequent solves.
func (a *Adapter) SetManifold(block []float64, m spatialmath.Manifold) {
	a.manifolds[&block[0]] = m
}

// SetConstant holds a parameter block fixed (gauge fixing).
func (a *Adapter) SetConstant(block []float64) {
	a.constants[&block[0]] = true
}

// Problem assembles the current problem structure: the unique parameter
// blocks touched by the registered residuals, with tangent indices assigned
// to the free blocks.
func (a *Adapter) Problem() *Problem {
	return buildProblem(a.state, a.residuals, a.manifolds, a.constants)
}

// Solve runs the configured backend to its iteration or tolerance budget and
// reports initial/final cost, iterations and wall time. Non-convergence is
// reported, not an error; the last iterate is left in the state.
func (a *Adapter) Solve() Report {
	start := a.clk.Now()
	prob := a.Problem()
	var report Report
	switch a.opts.Backend {
	case BackendNlopt:
		report = solveNlopt(a.state, prob, a.opts, a.logger)
	default:
		report = solveLM(a.state, prob, a.opts, a.logger)
	}
	report.TotalTime = a.clk.Since(start)
	return report
}
