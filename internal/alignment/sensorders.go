package alignment

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrParallelTrack is returned when the track direction lies in the sensor
// plane.
var ErrParallelTrack = errors.New("alignment: track parallel to sensor plane")

// SensorDerivatives returns the 3x6 derivatives of the residual in the
// sensor frame (u, v, w) with respect to the sensor's rigid-body parameters.
// pred is the predicted hit in the sensor frame, dir the track direction and
// normal the sensor normal, both in the same frame. The residual moves along
// the track when the plane moves:
//
//	dr/dg = (I - t·nᵀ/(t·n)) · dm/dg
func SensorDerivatives(pred, dir, normal [3]float64) (*mat.Dense, error) {
	tn := dir[0]*normal[0] + dir[1]*normal[1] + dir[2]*normal[2]
	if math.Abs(tn) < 1e-12 {
		return nil, ErrParallelTrack
	}
	drdm := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := -dir[i] * normal[j] / tn
			if i == j {
				v++
			}
			drdm.Set(i, j, v)
		}
	}

	u, v, w := pred[0], pred[1], pred[2]
	dmdg := mat.NewDense(3, NumDOF, []float64{
		1, 0, 0, 0, -w, v,
		0, 1, 0, w, 0, -u,
		0, 0, 1, -v, u, 0,
	})

	var drdg mat.Dense
	drdg.Mul(drdm, dmdg)
	return &drdg, nil
}
