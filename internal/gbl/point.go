package gbl

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Precision is either a diagonal precision vector or a full symmetric
// precision matrix. Full matrices are diagonalized when added to a point.
type Precision struct {
	diag []float64
	full mat.Symmetric
}

// Diagonal returns a precision given by its diagonal.
func Diagonal(p ...float64) Precision {
	return Precision{diag: append([]float64(nil), p...)}
}

// Full returns a precision given by a full symmetric matrix.
func Full(p mat.Symmetric) Precision {
	return Precision{full: p}
}

func (p Precision) dim() int {
	if p.full != nil {
		return p.full.SymmetricDim()
	}
	return len(p.diag)
}

// eigen returns the eigen-precisions and the transformation Vᵀ to the
// eigenbasis. The transformation is nil for diagonal input.
func (p Precision) eigen() ([]float64, *mat.Dense, error) {
	if p.full == nil {
		return append([]float64(nil), p.diag...), nil, nil
	}
	var es mat.EigenSym
	if ok := es.Factorize(p.full, true); !ok {
		return nil, nil, fmt.Errorf("precision eigen-decomposition failed: %w", ErrSingularMatrix)
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	t := mat.DenseCopyOf(vecs.T())
	return es.Values(nil), t, nil
}

// Point is a point on the trajectory at a given arc length. It carries the
// propagation Jacobian from the previous point and optionally a
// measurement, a thin scatterer and local/global derivatives.
type Point struct {
	label  int
	offset int

	p2pJacobian  *mat.Dense
	prevJacobian *mat.Dense // to previous offset, rows 3-4 only
	nextJacobian *mat.Dense // to next offset

	measDim            int
	measProjection     *mat.Dense // 5x5, active block at [5-measDim:, 5-measDim:]
	measResiduals      [5]float64
	measPrecision      [5]float64
	measTransformation *mat.Dense // measDim x measDim, nil if diagonal

	scatEnabled        bool
	scatResiduals      [2]float64
	scatPrecision      [2]float64
	scatTransformation *mat.Dense // 2x2, nil if diagonal

	localDerivatives  *mat.Dense // measDim x nLocal
	globalLabels      []int
	globalDerivatives *mat.Dense // measDim x nGlobal
}

// NewPoint creates a point from the 5x5 Jacobian propagating the local
// track parameters from the previous point. It panics if jacobian is not
// 5x5.
func NewPoint(jacobian mat.Matrix) *Point {
	r, c := jacobian.Dims()
	if r != 5 || c != 5 {
		panic(fmt.Sprintf("gbl: point jacobian must be 5x5, got %dx%d", r, c))
	}
	return &Point{p2pJacobian: mat.DenseCopyOf(jacobian)}
}

// AddMeasurement adds a measurement of dimension 1 to 5 on the last
// measDim local parameters. projection maps the local system to the
// measurement system. Eigen-precisions below minPrecision are set to zero
// and their rows are not used in the fit.
func (p *Point) AddMeasurement(projection mat.Matrix, residuals []float64, precision Precision, minPrecision float64) error {
	n := len(residuals)
	if n < 1 || n > 5 {
		return fmt.Errorf("measurement dimension %d: %w", n, ErrDimension)
	}
	if r, c := projection.Dims(); r != n || c != n {
		return fmt.Errorf("projection %dx%d for measurement dimension %d: %w", r, c, n, ErrDimension)
	}
	if precision.dim() != n {
		return fmt.Errorf("precision dimension %d for measurement dimension %d: %w", precision.dim(), n, ErrDimension)
	}
	values, t, err := precision.eigen()
	if err != nil {
		return err
	}

	res := mat.NewVecDense(n, append([]float64(nil), residuals...))
	proj := mat.DenseCopyOf(projection)
	if t != nil {
		// rotate into the eigenbasis of the precision
		res.MulVec(t, mat.NewVecDense(n, append([]float64(nil), residuals...)))
		proj.Mul(t, projection)
	}

	iOff := 5 - n
	p.measDim = n
	p.measProjection = mat.NewDense(5, 5, nil)
	p.measProjection.Slice(iOff, 5, iOff, 5).(*mat.Dense).Copy(proj)
	p.measResiduals = [5]float64{}
	p.measPrecision = [5]float64{}
	for i := 0; i < n; i++ {
		p.measResiduals[iOff+i] = res.AtVec(i)
		if values[i] >= minPrecision {
			p.measPrecision[iOff+i] = values[i]
		}
	}
	p.measTransformation = t
	return nil
}

// AddScatterer adds a thin scatterer with the expected kink residuals
// (usually zero) and their precision, both in the 2-D slope system.
func (p *Point) AddScatterer(residuals []float64, precision Precision) error {
	if len(residuals) != 2 || precision.dim() != 2 {
		return fmt.Errorf("scatterer must be 2-D: %w", ErrDimension)
	}
	values, t, err := precision.eigen()
	if err != nil {
		return err
	}
	res := []float64{residuals[0], residuals[1]}
	if t != nil {
		res[0] = t.At(0, 0)*residuals[0] + t.At(0, 1)*residuals[1]
		res[1] = t.At(1, 0)*residuals[0] + t.At(1, 1)*residuals[1]
	}
	p.scatEnabled = true
	p.scatResiduals = [2]float64{res[0], res[1]}
	p.scatPrecision = [2]float64{values[0], values[1]}
	p.scatTransformation = t
	return nil
}

// AddLocals attaches derivatives of the measurement with respect to
// additional local (per-track) parameters, measDim rows.
func (p *Point) AddLocals(derivatives mat.Matrix) error {
	d, err := p.toMeasurementFrame(derivatives)
	if err != nil {
		return err
	}
	p.localDerivatives = d
	return nil
}

// AddGlobals attaches derivatives of the measurement with respect to
// global (alignment) parameters identified by labels, measDim rows.
func (p *Point) AddGlobals(labels []int, derivatives mat.Matrix) error {
	if _, c := derivatives.Dims(); c != len(labels) {
		return fmt.Errorf("%d global labels for %d derivative columns: %w", len(labels), c, ErrDimension)
	}
	d, err := p.toMeasurementFrame(derivatives)
	if err != nil {
		return err
	}
	p.globalLabels = append([]int(nil), labels...)
	p.globalDerivatives = d
	return nil
}

func (p *Point) toMeasurementFrame(derivatives mat.Matrix) (*mat.Dense, error) {
	if p.measDim == 0 {
		return nil, ErrMeasurementRequired
	}
	if r, _ := derivatives.Dims(); r != p.measDim {
		return nil, fmt.Errorf("%d derivative rows for measurement dimension %d: %w", r, p.measDim, ErrDimension)
	}
	if p.measTransformation == nil {
		return mat.DenseCopyOf(derivatives), nil
	}
	var d mat.Dense
	d.Mul(p.measTransformation, derivatives)
	return &d, nil
}

// Label returns the label assigned by the owning trajectory (1-based).
func (p *Point) Label() int { return p.label }

// Offset returns the offset index, negative for interpolated points.
func (p *Point) Offset() int { return p.offset }

func (p *Point) HasMeasurement() bool { return p.measDim > 0 }
func (p *Point) MeasDim() int         { return p.measDim }
func (p *Point) HasScatterer() bool   { return p.scatEnabled }

// NumLocals returns the number of local derivative columns.
func (p *Point) NumLocals() int {
	if p.localDerivatives == nil {
		return 0
	}
	_, c := p.localDerivatives.Dims()
	return c
}

// GlobalLabels returns a copy of the global labels.
func (p *Point) GlobalLabels() []int {
	return append([]int(nil), p.globalLabels...)
}

// GlobalDerivatives returns a copy of the global derivatives in the
// (diagonalized) measurement frame, or nil.
func (p *Point) GlobalDerivatives() *mat.Dense {
	if p.globalDerivatives == nil {
		return nil
	}
	return mat.DenseCopyOf(p.globalDerivatives)
}

// Jacobian returns a copy of the point-to-point Jacobian.
func (p *Point) Jacobian() *mat.Dense {
	return mat.DenseCopyOf(p.p2pJacobian)
}

// addPrevJacobian stores the last two rows of the inverse of jac, the
// Jacobian from the previous offset to this point. With
//
//	jac = [A B]
//	      [C D]
//
// the rows are ((D - C A⁻¹ B)⁻¹)(-C A⁻¹, 1).
func (p *Point) addPrevJacobian(jac *mat.Dense) error {
	a := jac.Slice(0, 3, 0, 3)
	b := jac.Slice(0, 3, 3, 5)
	c := jac.Slice(3, 5, 0, 3)
	d := jac.Slice(3, 5, 3, 5)

	aInv, err := invert(a)
	if err != nil {
		return fmt.Errorf("point %d: %w", p.label, ErrSingularJacobian)
	}
	var ca mat.Dense
	ca.Mul(c, aInv)
	var cab, dcab mat.Dense
	cab.Mul(&ca, b)
	dcab.Sub(d, &cab)
	dcabInv, err := invert2(&dcab)
	if err != nil {
		return fmt.Errorf("point %d: %w", p.label, err)
	}
	var lower mat.Dense
	lower.Mul(dcabInv, &ca)
	lower.Scale(-1, &lower)

	prev := mat.NewDense(5, 5, nil)
	prev.Slice(3, 5, 3, 5).(*mat.Dense).Copy(dcabInv)
	prev.Slice(3, 5, 0, 3).(*mat.Dense).Copy(&lower)
	p.prevJacobian = prev
	return nil
}

func (p *Point) addNextJacobian(jac *mat.Dense) {
	p.nextJacobian = mat.DenseCopyOf(jac)
}

// derivatives returns W, W·J and W·d towards the previous (direction < 1)
// or next offset, where the offset there depends on this point as
// u = J·u₀ + S·u₀' + d·q and W = ±S⁻¹.
func (p *Point) derivatives(direction int) (w, wj *mat.Dense, wd []float64, err error) {
	var jm, sm mat.Matrix
	var dv [2]float64
	if direction < 1 {
		if p.prevJacobian == nil {
			return nil, nil, nil, fmt.Errorf("point %d has no backward jacobian: %w", p.label, ErrSingularJacobian)
		}
		jm = p.prevJacobian.Slice(3, 5, 3, 5)
		var neg mat.Dense
		neg.Scale(-1, p.prevJacobian.Slice(3, 5, 1, 3))
		sm = &neg
		dv = [2]float64{p.prevJacobian.At(3, 0), p.prevJacobian.At(4, 0)}
	} else {
		if p.nextJacobian == nil {
			return nil, nil, nil, fmt.Errorf("point %d has no forward jacobian: %w", p.label, ErrSingularJacobian)
		}
		jm = p.nextJacobian.Slice(3, 5, 3, 5)
		sm = p.nextJacobian.Slice(3, 5, 1, 3)
		dv = [2]float64{p.nextJacobian.At(3, 0), p.nextJacobian.At(4, 0)}
	}
	w, err = invert2(sm)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("point %d: %w", p.label, err)
	}
	wj = mat.NewDense(2, 2, nil)
	wj.Mul(w, jm)
	wd = []float64{
		w.At(0, 0)*dv[0] + w.At(0, 1)*dv[1],
		w.At(1, 0)*dv[0] + w.At(1, 1)*dv[1],
	}
	return w, wj, wd, nil
}

// invert2 inverts a 2x2 matrix.
func invert2(m mat.Matrix) (*mat.Dense, error) {
	a, b := m.At(0, 0), m.At(0, 1)
	c, d := m.At(1, 0), m.At(1, 1)
	det := a*d - b*c
	if det == 0 {
		return nil, ErrSingularJacobian
	}
	return mat.NewDense(2, 2, []float64{d / det, -b / det, -c / det, a / det}), nil
}

func (p *Point) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "point %3d offset %3d", p.label, p.offset)
	if p.measDim > 0 {
		fmt.Fprintf(&b, " meas(%d) res %v prec %v", p.measDim,
			fmtFloats(p.measResiduals[5-p.measDim:]), fmtFloats(p.measPrecision[5-p.measDim:]))
	}
	if p.scatEnabled {
		fmt.Fprintf(&b, " scat prec %v", fmtFloats(p.scatPrecision[:]))
	}
	if n := p.NumLocals(); n > 0 {
		fmt.Fprintf(&b, " locals %d", n)
	}
	if len(p.globalLabels) > 0 {
		fmt.Fprintf(&b, " globals %v", p.globalLabels)
	}
	return b.String()
}

func fmtFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.4g", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
