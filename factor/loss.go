package factor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Loss is a robust loss ρ applied to the squared norm of a residual block.
// Evaluate returns ρ(s), ρ'(s), ρ''(s).
type Loss interface {
	Evaluate(s float64) (rho, rho1, rho2 float64)
}

// HuberLoss is quadratic inside delta and linear outside.
type HuberLoss struct {
	Delta float64
}

// Evaluate returns ρ(s) and its first two derivatives.
func (l HuberLoss) Evaluate(s float64) (float64, float64, float64) {
	b := l.Delta * l.Delta
	if s <= b {
		return s, 1, 0
	}
	r := math.Sqrt(s)
	return 2*l.Delta*r - b, l.Delta / r, -l.Delta / (2 * s * r)
}

// applyLoss rescales residuals and Jacobians in place so that the
// Gauss-Newton gradient of the corrected residual matches the gradient of
// the robustified cost. This is the standard corrector recipe for
// Gauss-Newton with a robust loss.
func applyLoss(loss Loss, residuals []float64, jacobians []*mat.Dense) {
	if loss == nil {
		return
	}
	sqNorm := 0.0
	for _, r := range residuals {
		sqNorm += r * r
	}
	_, rho1, rho2 := loss.Evaluate(sqNorm)
	sqrtRho1 := math.Sqrt(rho1)

	var residualScaling, alphaSqNorm float64
	if sqNorm == 0 || rho2 <= 0 {
		residualScaling = sqrtRho1
		alphaSqNorm = 0
	} else {
		d := 1 + 2*sqNorm*rho2/rho1
		alpha := 1 - math.Sqrt(d)
		residualScaling = sqrtRho1 / (1 - alpha)
		alphaSqNorm = alpha / sqNorm
	}

	for _, jac := range jacobians {
		if jac == nil {
			continue
		}
		rows, cols := jac.Dims()
		// J ← √ρ' (J − α/‖r‖² r rᵀ J)
		for c := 0; c < cols; c++ {
			rtJ := 0.0
			for r := 0; r < rows; r++ {
				rtJ += residuals[r] * jac.At(r, c)
			}
			for r := 0; r < rows; r++ {
				jac.Set(r, c, sqrtRho1*(jac.At(r, c)-alphaSqNorm*residuals[r]*rtJ))
			}
		}
	}
	for i := range residuals {
		residuals[i] *= residualScaling
	}
}
