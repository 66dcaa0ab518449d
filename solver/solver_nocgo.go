//go:build windows || no_cgo

package solver

import (
	"github.com/meridianrobotics/swarmpgo/factor"
	"github.com/meridianrobotics/swarmpgo/logging"
)

// solveNlopt is unavailable without cgo; the LM engine serves instead.
func solveNlopt(st factor.StateView, p *Problem, opts Options, logger logging.Logger) Report {
	logger.Warn("nlopt backend requires cgo; using the built-in LM engine")
	return solveLM(st, p, opts, logger)
}
