package refit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// BeamspotID is the lowest id of pseudo hits that are never fitted.
const BeamspotID = 100

// HitRecord is one strip cluster (or scattering plane) along a track, in
// path-length order.
type HitRecord struct {
	ID     int    // layer / millepede id
	Sensor string // alignment tree node; empty for no alignment derivatives

	Meas    float64 // measured u coordinate in the sensor frame
	MeasErr float64

	// Sensor frame unit vectors in global coordinates.
	U, V, W [3]float64

	// Track direction at the hit.
	Lambda, Phi float64
	Path3D      float64
	// TrackPos is the seed prediction in the sensor frame.
	TrackPos [3]float64

	ScatterAngle float64
	// ScatterOnly marks material without a measurement.
	ScatterOnly bool
}

// Direction returns the unit track direction in global coordinates.
func (h *HitRecord) Direction() [3]float64 {
	cl, sl := math.Cos(h.Lambda), math.Sin(h.Lambda)
	cp, sp := math.Cos(h.Phi), math.Sin(h.Phi)
	return [3]float64{cp * cl, sp * cl, sl}
}

// CurvilinearUV returns the rows U = Z×T/|Z×T| and V = T×U of the
// curvilinear frame for direction (lambda, phi).
func CurvilinearUV(lambda, phi float64) *mat.Dense {
	cl, sl := math.Cos(lambda), math.Sin(lambda)
	cp, sp := math.Cos(phi), math.Sin(phi)
	return mat.NewDense(2, 3, []float64{
		-sp, cp, 0,
		-sl * cp, -sl * sp, cl,
	})
}

// Projection returns dm/duv, the 2x2 projection from curvilinear (U, V)
// offsets to the (u, v) measurement directions of a sensor.
func Projection(u, v [3]float64, lambda, phi float64) (*mat.Dense, error) {
	mDirT := mat.NewDense(3, 2, []float64{
		u[0], v[0],
		u[1], v[1],
		u[2], v[2],
	})
	var m2l mat.Dense
	m2l.Mul(CurvilinearUV(lambda, phi), mDirT)
	var l2m mat.Dense
	if err := l2m.Inverse(&m2l); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, fmt.Errorf("%w: %v", ErrParallelSensor, err)
		}
	}
	return &l2m, nil
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
