package gbl

import "gonum.org/v1/gonum/mat"

// SimpleJacobian returns the point-to-point Jacobian of the curvilinear
// parameters (q/p, λ, φ, xT, yT) for a step ds in a homogeneous field,
// quadratic in ds. bfac is the field factor (B·c), cosLambda the cosine of
// the dip angle.
func SimpleJacobian(ds, cosLambda, bfac float64) *mat.Dense {
	jac := mat.NewDense(5, 5, nil)
	for i := 0; i < 5; i++ {
		jac.Set(i, i, 1)
	}
	jac.Set(2, 0, -bfac*ds)
	jac.Set(3, 0, -0.5*bfac*ds*ds*cosLambda)
	jac.Set(3, 2, ds*cosLambda)
	jac.Set(4, 1, ds)
	return jac
}
