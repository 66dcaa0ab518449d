package spatialmath

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Manifold describes the retraction x ⊞ δ the solver uses to update a raw
// parameter block, together with the sizes of its ambient and tangent spaces.
// Residual Jacobians are written in the ambient space; PlusJacobian is the
// (ambient × tangent) map the solver chains with them to work in the tangent
// space.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus applies the retraction x ⊞ delta in place. len(x) must be
	// AmbientSize and len(delta) must be TangentSize.
	Plus(x, delta []float64)
	// PlusJacobian returns ∂(x ⊞ δ)/∂δ evaluated at δ = 0.
	PlusJacobian(x []float64) *mat.Dense
}

// SE3Manifold parameterizes a 6-DoF pose block [x y z qw qx qy qz]:
// translation is additive and the quaternion is right-multiplied by
// exp([δθ]×). Tangent ordering is [δp; δθ].
type SE3Manifold struct{}

// AmbientSize returns 7.
func (SE3Manifold) AmbientSize() int { return 7 }

// TangentSize returns 6.
func (SE3Manifold) TangentSize() int { return 6 }

// Plus applies [δp; δθ] to the block in place.
func (SE3Manifold) Plus(x, delta []float64) {
	x[0] += delta[0]
	x[1] += delta[1]
	x[2] += delta[2]
	q := quat.Number{Real: x[3], Imag: x[4], Jmag: x[5], Kmag: x[6]}
	dq := ExpSO3(r3VecFrom(delta[3:6]))
	q = Normalize(quat.Mul(q, dq))
	x[3], x[4], x[5], x[6] = q.Real, q.Imag, q.Jmag, q.Kmag
}

// PlusJacobian returns the 7×6 derivative of the retraction at δ = 0. The
// quaternion part is ∂(q ⊗ [1, δθ/2])/∂δθ = ½ q ⊗ eᵢ.
func (SE3Manifold) PlusJacobian(x []float64) *mat.Dense {
	jac := mat.NewDense(7, 6, nil)
	jac.Set(0, 0, 1)
	jac.Set(1, 1, 1)
	jac.Set(2, 2, 1)
	q := quat.Number{Real: x[3], Imag: x[4], Jmag: x[5], Kmag: x[6]}
	basis := []quat.Number{{Imag: 1}, {Jmag: 1}, {Kmag: 1}}
	for j, e := range basis {
		col := quat.Scale(0.5, quat.Mul(q, e))
		jac.Set(3, 3+j, col.Real)
		jac.Set(4, 3+j, col.Imag)
		jac.Set(5, 3+j, col.Jmag)
		jac.Set(6, 3+j, col.Kmag)
	}
	return jac
}

// PosYawManifold parameterizes a 4-DoF pose block [x y z yaw]: everything is
// additive with yaw wrapped back into [-π, π).
type PosYawManifold struct{}

// AmbientSize returns 4.
func (PosYawManifold) AmbientSize() int { return 4 }

// TangentSize returns 4.
func (PosYawManifold) TangentSize() int { return 4 }

// Plus adds delta to the block in place, wrapping yaw.
func (PosYawManifold) Plus(x, delta []float64) {
	x[0] += delta[0]
	x[1] += delta[1]
	x[2] += delta[2]
	x[3] = WrapAngle(x[3] + delta[3])
}

// PlusJacobian returns the 4×4 identity.
func (PosYawManifold) PlusJacobian(x []float64) *mat.Dense {
	jac := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		jac.Set(i, i, 1)
	}
	return jac
}
