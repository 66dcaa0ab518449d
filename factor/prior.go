package factor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/meridianrobotics/swarmpgo/spatialmath"
)

const priorEigenFloor = 1e-8

// PriorFactor is the Gaussian prior produced by marginalization. It holds a
// linearization point x₀ for every kept parameter block, a square-root
// information L with LᵀL = A, and the linear term b. The residual at the
// current estimate is L·Δx + L⁻ᵀb, where Δx is the composite tangent-space
// deviation from x₀.
type PriorFactor struct {
	params     []ParamInfo
	sqrtInfo   *mat.Dense // n×n
	rhs        []float64  // L⁻ᵀ b
	keepSize   int
	blockSizes []int
}

// NewPriorFactor builds a prior from the kept parameter descriptors, the
// marginal information matrix A and linear term b. Each descriptor's Index
// must be its tangent offset within the keep block and its X0 its
// linearization point. A is decomposed by symmetric eigendecomposition;
// non-positive directions below the floor are dropped, which makes rank
// deficient priors (a gauge left in A) well-defined.
func NewPriorFactor(keepParams []ParamInfo, a *mat.SymDense, b []float64) (*PriorFactor, error) {
	n := a.SymmetricDim()
	if len(b) != n {
		return nil, errors.Errorf("prior linear term has size %d, want %d", len(b), n)
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, errors.New("prior information matrix eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxEig := 0.0
	for _, v := range vals {
		if v > maxEig {
			maxEig = v
		}
	}
	floor := priorEigenFloor * math.Max(maxEig, 1)

	// L = diag(√λ)·Vᵀ restricted to λ above the floor; L⁻ᵀb uses 1/√λ there.
	sqrtInfo := mat.NewDense(n, n, nil)
	rhs := make([]float64, n)
	for i := 0; i < n; i++ {
		if vals[i] <= floor {
			continue
		}
		s := math.Sqrt(vals[i])
		vtb := 0.0
		for j := 0; j < n; j++ {
			sqrtInfo.Set(i, j, s*vecs.At(j, i))
			vtb += vecs.At(j, i) * b[j]
		}
		rhs[i] = vtb / s
	}

	params := make([]ParamInfo, len(keepParams))
	blockSizes := make([]int, len(keepParams))
	for i, p := range keepParams {
		cp := p
		cp.X0 = make([]float64, len(p.Ptr))
		copy(cp.X0, p.Ptr)
		params[i] = cp
		blockSizes[i] = p.Size
	}
	return &PriorFactor{
		params:     params,
		sqrtInfo:   sqrtInfo,
		rhs:        rhs,
		keepSize:   n,
		blockSizes: blockSizes,
	}, nil
}

// Params returns the kept parameter descriptors (with linearization points).
func (f *PriorFactor) Params() []ParamInfo { return f.params }

// ResidualSize returns the keep-block tangent size.
func (f *PriorFactor) ResidualSize() int { return f.keepSize }

// ParameterBlockSizes returns the ambient sizes of the kept blocks.
func (f *PriorFactor) ParameterBlockSizes() []int { return f.blockSizes }

// tangentDelta writes the tangent-space deviation of block value x from the
// linearization point x0 for a block of the given kind.
func tangentDelta(kind ParamKind, x, x0, dst []float64) {
	switch {
	case (kind == ParamPose || kind == ParamExtrinsic) && len(x) == PoseSize:
		dst[0], dst[1], dst[2] = x[0]-x0[0], x[1]-x0[1], x[2]-x0[2]
		q0 := quat.Number{Real: x0[3], Imag: x0[4], Jmag: x0[5], Kmag: x0[6]}
		q := quat.Number{Real: x[3], Imag: x[4], Jmag: x[5], Kmag: x[6]}
		w := spatialmath.LogSO3(quat.Mul(quat.Conj(q0), q))
		dst[3], dst[4], dst[5] = w.X, w.Y, w.Z
	case kind == ParamPose && len(x) == Pose4Size:
		dst[0], dst[1], dst[2] = x[0]-x0[0], x[1]-x0[1], x[2]-x0[2]
		dst[3] = spatialmath.WrapAngle(x[3] - x0[3])
	default:
		for i := range x {
			dst[i] = x[i] - x0[i]
		}
	}
}

func (f *PriorFactor) evalResidual(params [][]float64, residuals []float64) bool {
	dx := make([]float64, f.keepSize)
	for i, p := range f.params {
		tangentDelta(p.Kind, params[i], p.X0, dx[p.Index:p.Index+p.TangentSize])
	}
	out := mat.NewVecDense(f.keepSize, residuals)
	out.MulVec(f.sqrtInfo, mat.NewVecDense(f.keepSize, dx))
	for i := range residuals {
		residuals[i] += f.rhs[i]
	}
	return true
}

// Evaluate computes the prior residual and, if requested, ambient-space
// Jacobians by central differences.
func (f *PriorFactor) Evaluate(params [][]float64, residuals []float64, jacobians []*mat.Dense) bool {
	if !f.evalResidual(params, residuals) {
		return false
	}
	if jacobians == nil {
		return true
	}
	return numericJacobians(f.evalResidual, params, f.keepSize, jacobians)
}
