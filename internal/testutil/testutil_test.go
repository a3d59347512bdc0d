package testutil

import (
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAssertMatrixNear(t *testing.T) {
	t.Parallel()

	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{1, 2, 3, 4 + 1e-12})
	fakeT := &testing.T{}
	AssertMatrixNear(fakeT, a, b, 1e-9)
	if fakeT.Failed() {
		t.Error("expected matrices within tolerance to pass")
	}
}

func TestAssertVecNear(t *testing.T) {
	t.Parallel()

	fakeT := &testing.T{}
	AssertVecNear(fakeT, []float64{0.1, 0.2}, []float64{0.1, 0.2 + 1e-15}, 1e-12)
	if fakeT.Failed() {
		t.Error("expected vectors within tolerance to pass")
	}
}

func TestTempDBPath(t *testing.T) {
	t.Parallel()

	p := TempDBPath(t)
	if filepath.Base(p) != "fits.db" {
		t.Errorf("base = %s, want fits.db", filepath.Base(p))
	}
	if !filepath.IsAbs(p) {
		t.Errorf("path %s is not absolute", p)
	}
}
