// Package pgo implements distributed pose-graph optimization for multi-robot
// SLAM: frames and loop closures are accumulated into a graph state, outliers
// are rejected by pairwise consistency, rotations are initialized in closed
// form, and the graph is solved either centrally or by ADMM consensus across
// agents exchanging partial estimates.
package pgo

import (
	"time"

	"github.com/pkg/errors"

	"github.com/meridianrobotics/swarmpgo/solver"
)

// Mode selects how the graph is solved.
type Mode int

// The solve modes.
const (
	// ModeNonDistributed solves the whole graph locally.
	ModeNonDistributed Mode = iota
	// ModeDistributedADMM solves by consensus with peer agents.
	ModeDistributedADMM
)

// ADMMOptions tune the distributed consensus iteration.
type ADMMOptions struct {
	Rho             float64
	MaxSteps        int
	PrimalTolerance float64
	DualTolerance   float64
	// StepTimeout bounds how long one iteration waits for peer data.
	StepTimeout time.Duration
}

// Config is the engine configuration.
type Config struct {
	SelfID int
	MainID int

	IsRealtime bool
	Mode       Mode
	// PoseDOF is 4 (x, y, z, yaw) or 6 (full SE(3)).
	PoseDOF int

	MinSolveSize          int
	LoopDistanceThreshold float64

	EnablePCM    bool
	PCMThreshold float64

	EnableEgoMotion       bool
	EnableRotationInit    bool
	MinCovLen             float64
	PosCovariancePerMeter float64
	YawCovariancePerMeter float64

	Solver solver.Options
	ADMM   ADMMOptions

	WriteG2O      bool
	G2OOutputPath string
	G2OUseRawData bool
}

// DefaultConfig returns a working single-agent configuration.
func DefaultConfig() Config {
	return Config{
		SelfID:                0,
		MainID:                0,
		Mode:                  ModeNonDistributed,
		PoseDOF:               4,
		MinSolveSize:          2,
		LoopDistanceThreshold: 1000,
		PCMThreshold:          2.8,
		EnableEgoMotion:       true,
		MinCovLen:             0.1,
		PosCovariancePerMeter: 0.01,
		YawCovariancePerMeter: 0.003,
		Solver:                solver.DefaultOptions(),
		ADMM: ADMMOptions{
			Rho:             0.1,
			MaxSteps:        10,
			PrimalTolerance: 1e-4,
			DualTolerance:   1e-4,
			StepTimeout:     100 * time.Millisecond,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PoseDOF != 4 && c.PoseDOF != 6 {
		return errors.Errorf("pose DoF must be 4 or 6, got %d", c.PoseDOF)
	}
	if c.LoopDistanceThreshold <= 0 {
		return errors.New("loop distance threshold must be positive")
	}
	if c.Mode == ModeDistributedADMM && c.ADMM.Rho <= 0 {
		return errors.New("ADMM rho must be positive")
	}
	if c.MinCovLen <= 0 {
		return errors.New("min covariance length must be positive")
	}
	return nil
}
