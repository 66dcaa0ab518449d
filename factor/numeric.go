package factor

import "gonum.org/v1/gonum/mat"

const numericStep = 1e-7

// residualFunc evaluates residuals at the given parameter values.
type residualFunc func(params [][]float64, residuals []float64) bool

// numericJacobians fills the requested ambient-space Jacobians by central
// differences on each parameter component. Quaternion components are
// perturbed directly; the O(ε) normalization error is far below solver
// tolerance.
func numericJacobians(eval residualFunc, params [][]float64, resSize int, jacobians []*mat.Dense) bool {
	plus := make([]float64, resSize)
	minus := make([]float64, resSize)
	for b, jac := range jacobians {
		if jac == nil {
			continue
		}
		block := params[b]
		saved := make([]float64, len(block))
		copy(saved, block)
		for c := range block {
			block[c] = saved[c] + numericStep
			if !eval(params, plus) {
				copy(block, saved)
				return false
			}
			block[c] = saved[c] - numericStep
			if !eval(params, minus) {
				copy(block, saved)
				return false
			}
			block[c] = saved[c]
			for r := 0; r < resSize; r++ {
				jac.Set(r, c, (plus[r]-minus[r])/(2*numericStep))
			}
		}
	}
	return true
}
