package alignment

import "gonum.org/v1/gonum/mat"

// FrameTransformDerivative returns the 6x6 matrix C relating the rigid-body
// parameters (tu, tv, tw, ru, rv, rw) of an object frame to those of a
// composite frame. Rotations map local to global coordinates, positions are
// the global frame origins. A derivative row with respect to the object
// parameters becomes one with respect to the composite parameters by
// right multiplication: d/d(composite) = d/d(object) · C.
//
//	C = | A   -A·[s]x |
//	    | 0    A      |
//
// with A = objRotᵀ·composeRot and s the displacement of the object origin
// from the composite origin in composite coordinates.
func FrameTransformDerivative(objRot, composeRot mat.Matrix, objPos, composePos mat.Vector) *mat.Dense {
	checkFrame(objRot, objPos)
	checkFrame(composeRot, composePos)

	var a mat.Dense
	a.Mul(objRot.T(), composeRot)

	d := mat.NewVecDense(3, nil)
	d.SubVec(objPos, composePos)
	var s mat.VecDense
	s.MulVec(composeRot.T(), d)

	var rot mat.Dense
	rot.Mul(&a, skew(s.AtVec(0), s.AtVec(1), s.AtVec(2)))
	rot.Scale(-1, &rot)

	c := mat.NewDense(NumDOF, NumDOF, nil)
	c.Slice(0, 3, 0, 3).(*mat.Dense).Copy(&a)
	c.Slice(0, 3, 3, 6).(*mat.Dense).Copy(&rot)
	c.Slice(3, 6, 3, 6).(*mat.Dense).Copy(&a)
	return c
}

// skew returns [v]x, the matrix with [v]x·w = v × w.
func skew(x, y, z float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -z, y,
		z, 0, -x,
		-y, x, 0,
	})
}

func checkFrame(rot mat.Matrix, pos mat.Vector) {
	if r, c := rot.Dims(); r != 3 || c != 3 {
		panic(mat.ErrShape)
	}
	if pos.Len() != 3 {
		panic(mat.ErrShape)
	}
}
