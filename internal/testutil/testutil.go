// Package testutil provides tolerance assertions for gonum matrices and
// scratch paths shared by the fitter tests.
package testutil

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// AssertMatrixNear checks that got and want have the same shape and that
// every element differs by at most tol.
func AssertMatrixNear(t *testing.T, got, want mat.Matrix, tol float64) {
	t.Helper()
	gr, gc := got.Dims()
	wr, wc := want.Dims()
	if gr != wr || gc != wc {
		t.Fatalf("matrix shape = %dx%d, want %dx%d", gr, gc, wr, wc)
	}
	for i := 0; i < gr; i++ {
		for j := 0; j < gc; j++ {
			if d := math.Abs(got.At(i, j) - want.At(i, j)); !(d <= tol) {
				t.Errorf("element (%d,%d) = %.10g, want %.10g (tol %g)", i, j, got.At(i, j), want.At(i, j), tol)
			}
		}
	}
}

// AssertVecNear checks two slices element-wise within tol.
func AssertVecNear(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if d := math.Abs(got[i] - want[i]); !(d <= tol) {
			t.Errorf("element %d = %.10g, want %.10g (tol %g)", i, got[i], want[i], tol)
		}
	}
}

// TempDBPath returns a path for a SQLite database inside the test's
// temporary directory.
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "fits.db")
}
