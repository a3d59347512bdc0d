package gbl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/testutil"
)

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestNewPoint_PanicsOnShape(t *testing.T) {
	assert.Panics(t, func() { NewPoint(mat.NewDense(4, 5, nil)) })
	assert.NotPanics(t, func() { NewPoint(identity(5)) })
}

func TestPoint_AddMeasurementDiagonal(t *testing.T) {
	p := NewPoint(identity(5))
	err := p.AddMeasurement(identity(2), []float64{0.1, -0.2}, Diagonal(1e-3, 25), 1)
	require.NoError(t, err)

	assert.True(t, p.HasMeasurement())
	assert.Equal(t, 2, p.MeasDim())
	assert.Equal(t, [5]float64{0, 0, 0, 0.1, -0.2}, p.measResiduals)
	// below minPrecision
	assert.Equal(t, [5]float64{0, 0, 0, 0, 25}, p.measPrecision)
	assert.Nil(t, p.measTransformation)
	assert.Equal(t, 1.0, p.measProjection.At(3, 3))
	assert.Equal(t, 0.0, p.measProjection.At(2, 2))
}

func TestPoint_AddMeasurementFull(t *testing.T) {
	p := NewPoint(identity(5))
	prec := mat.NewSymDense(2, []float64{2, 1, 1, 2})
	res := []float64{0.3, 0.4}
	require.NoError(t, p.AddMeasurement(identity(2), res, Full(prec), 0))

	require.NotNil(t, p.measTransformation)
	assert.InDelta(t, 1.0, p.measPrecision[3], 1e-12)
	assert.InDelta(t, 3.0, p.measPrecision[4], 1e-12)

	// rotation preserves the norm and the chi2 form
	r0, r1 := p.measResiduals[3], p.measResiduals[4]
	assert.InDelta(t, 0.5, math.Hypot(r0, r1), 1e-12)
	wantChi2 := 2*0.3*0.3 + 2*0.3*0.4 + 2*0.4*0.4
	assert.InDelta(t, wantChi2, r0*r0*1+r1*r1*3, 1e-12)

	// projection is rotated with the residuals
	proj := p.measProjection.Slice(3, 5, 3, 5)
	testutil.AssertMatrixNear(t, proj, p.measTransformation, 1e-12)
}

func TestPoint_AddMeasurementErrors(t *testing.T) {
	tests := []struct {
		name string
		proj mat.Matrix
		res  []float64
		prec Precision
	}{
		{"empty", identity(1), nil, Diagonal()},
		{"too large", identity(6), make([]float64, 6), Diagonal(1, 1, 1, 1, 1, 1)},
		{"projection shape", identity(3), []float64{1, 2}, Diagonal(1, 1)},
		{"precision shape", identity(2), []float64{1, 2}, Diagonal(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPoint(identity(5))
			err := p.AddMeasurement(tt.proj, tt.res, tt.prec, 0)
			assert.ErrorIs(t, err, ErrDimension)
			assert.False(t, p.HasMeasurement())
		})
	}
}

func TestPoint_AddScatterer(t *testing.T) {
	p := NewPoint(identity(5))
	require.NoError(t, p.AddScatterer([]float64{0, 0}, Diagonal(4, 9)))
	assert.True(t, p.HasScatterer())
	assert.Equal(t, [2]float64{4, 9}, p.scatPrecision)

	q := NewPoint(identity(5))
	require.NoError(t, q.AddScatterer([]float64{1, 0}, Full(mat.NewSymDense(2, []float64{5, 0, 0, 2}))))
	// eigenvalues ascending
	assert.InDelta(t, 2.0, q.scatPrecision[0], 1e-12)
	assert.InDelta(t, 5.0, q.scatPrecision[1], 1e-12)
	assert.InDelta(t, 1.0, math.Abs(q.scatResiduals[1]), 1e-12)

	assert.ErrorIs(t, p.AddScatterer([]float64{0}, Diagonal(1)), ErrDimension)
}

func TestPoint_LocalsAndGlobals(t *testing.T) {
	p := NewPoint(identity(5))
	assert.ErrorIs(t, p.AddLocals(mat.NewDense(1, 2, nil)), ErrMeasurementRequired)
	assert.ErrorIs(t, p.AddGlobals([]int{11101}, mat.NewDense(1, 1, nil)), ErrMeasurementRequired)

	require.NoError(t, p.AddMeasurement(identity(2), []float64{0, 0}, Diagonal(1, 1), 0))
	require.NoError(t, p.AddLocals(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})))
	assert.Equal(t, 3, p.NumLocals())

	assert.ErrorIs(t, p.AddGlobals([]int{1, 2}, mat.NewDense(2, 1, nil)), ErrDimension)
	assert.ErrorIs(t, p.AddLocals(mat.NewDense(3, 1, nil)), ErrDimension)

	ders := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	require.NoError(t, p.AddGlobals([]int{11101, 11102}, ders))
	assert.Equal(t, []int{11101, 11102}, p.GlobalLabels())
	testutil.AssertMatrixNear(t, p.GlobalDerivatives(), ders, 0)
}

func TestPoint_GlobalsRotatedByMeasurementBasis(t *testing.T) {
	p := NewPoint(identity(5))
	prec := mat.NewSymDense(2, []float64{2, 1, 1, 2})
	require.NoError(t, p.AddMeasurement(identity(2), []float64{0, 0}, Full(prec), 0))
	ders := mat.NewDense(2, 1, []float64{1, 0})
	require.NoError(t, p.AddGlobals([]int{7}, ders))

	var want mat.Dense
	want.Mul(p.measTransformation, ders)
	testutil.AssertMatrixNear(t, p.GlobalDerivatives(), &want, 1e-15)
}

func TestPoint_AddPrevJacobian(t *testing.T) {
	jac := SimpleJacobian(10, 0.9, 0.01)
	p := NewPoint(jac)
	require.NoError(t, p.addPrevJacobian(jac))

	var inv mat.Dense
	require.NoError(t, inv.Inverse(jac))
	testutil.AssertMatrixNear(t, p.prevJacobian.Slice(3, 5, 0, 5), inv.Slice(3, 5, 0, 5), 1e-12)
}

func TestPoint_DerivativesSingular(t *testing.T) {
	// zero step: the offset does not depend on the slope
	jac := SimpleJacobian(0, 1, 0.01)
	p := NewPoint(jac)
	require.NoError(t, p.addPrevJacobian(jac))
	_, _, _, err := p.derivatives(0)
	assert.ErrorIs(t, err, ErrSingularJacobian)

	_, _, _, err = NewPoint(jac).derivatives(1)
	assert.ErrorIs(t, err, ErrSingularJacobian)
}

func TestPoint_String(t *testing.T) {
	p := NewPoint(identity(5))
	require.NoError(t, p.AddMeasurement(identity(1), []float64{0.5}, Diagonal(4), 0))
	require.NoError(t, p.AddScatterer([]float64{0, 0}, Diagonal(1, 1)))
	s := p.String()
	assert.Contains(t, s, "meas(1)")
	assert.Contains(t, s, "scat")
}
