package refit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/testutil"
)

func TestCurvilinearUV(t *testing.T) {
	for _, dir := range [][2]float64{{0, 0}, {0.3, -0.2}, {-1.1, 2.5}} {
		h := HitRecord{Lambda: dir[0], Phi: dir[1]}
		d := h.Direction()
		uv := CurvilinearUV(dir[0], dir[1])

		var gram mat.Dense
		gram.Mul(uv, uv.T())
		testutil.AssertMatrixNear(t, &gram, mat.NewDense(2, 2, []float64{1, 0, 0, 1}), 1e-14)
		for r := 0; r < 2; r++ {
			row := [3]float64{uv.At(r, 0), uv.At(r, 1), uv.At(r, 2)}
			assert.InDelta(t, 0, dot(row, d), 1e-14)
		}
		// U lies in the xy plane
		assert.Equal(t, 0.0, uv.At(0, 2))
	}
}

func TestProjection(t *testing.T) {
	// plane perpendicular to x, track along x: identity up to the frame
	proj, err := Projection([3]float64{0, 1, 0}, [3]float64{0, 0, 1}, 0, 0)
	require.NoError(t, err)
	testutil.AssertMatrixNear(t, proj, mat.NewDense(2, 2, []float64{1, 0, 0, 1}), 1e-15)

	// stereo sensor
	a := 0.1
	proj, err = Projection([3]float64{0, math.Cos(a), math.Sin(a)}, [3]float64{0, -math.Sin(a), math.Cos(a)}, 0, 0)
	require.NoError(t, err)
	testutil.AssertMatrixNear(t, proj, mat.NewDense(2, 2, []float64{
		math.Cos(a), math.Sin(a),
		-math.Sin(a), math.Cos(a),
	}), 1e-15)

	// a displacement along the curvilinear frame ends up on the plane
	lambda, phi := 0.2, -0.1
	u, v := [3]float64{0, 1, 0}, [3]float64{0, 0, 1}
	proj, err = Projection(u, v, lambda, phi)
	require.NoError(t, err)
	uv := CurvilinearUV(lambda, phi)
	var back mat.Dense
	back.Mul(uv, mat.NewDense(3, 2, []float64{u[0], v[0], u[1], v[1], u[2], v[2]}))
	var id mat.Dense
	id.Mul(proj, &back)
	testutil.AssertMatrixNear(t, &id, mat.NewDense(2, 2, []float64{1, 0, 0, 1}), 1e-12)
}

func TestProjection_Parallel(t *testing.T) {
	// plane contains the track direction
	_, err := Projection([3]float64{1, 0, 0}, [3]float64{0, 0, 1}, 0, 0)
	assert.ErrorIs(t, err, ErrParallelSensor)
}
