// Package refit turns per-track hit records into GBL trajectories, fits
// them and exports the alignment derivatives.
package refit

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/alignment"
	"github.com/banshee-data/brokenlines/internal/config"
	"github.com/banshee-data/brokenlines/internal/gbl"
	"github.com/banshee-data/brokenlines/internal/mille"
	"github.com/banshee-data/brokenlines/internal/monitoring"
)

var (
	ErrNoHits         = errors.New("refit: no hits to fit")
	ErrChi2Cut        = errors.New("refit: track fails chi2/ndf cut")
	ErrParallelSensor = errors.New("refit: sensor plane parallel to track")
	ErrBadHit         = errors.New("refit: invalid hit record")
)

// Options configures a Fitter.
type Options struct {
	// BFac is the field factor B·c; its sign is ignored.
	BFac          float64
	MinPrecision  float64
	Downweighting string
	// MaxChi2Ndf rejects tracks above the cut; 0 disables it.
	MaxChi2Ndf float64
	Unbiased   bool
}

// OptionsFromConfig reads the fit options from a tuning config.
func OptionsFromConfig(cfg *config.TuningConfig) Options {
	return Options{
		BFac:          cfg.GetBFieldTesla() * cfg.GetFieldConversion(),
		MinPrecision:  cfg.GetMinPrecision(),
		Downweighting: cfg.GetDownweighting(),
		MaxChi2Ndf:    cfg.GetMaxChi2Ndf(),
		Unbiased:      cfg.GetWriteUnbiased(),
	}
}

// HitResidual is the fitted residual of one measured hit.
type HitResidual struct {
	Label  int // trajectory point label
	ID     int
	Sensor string
	gbl.Residual
	// Unbiased is set when Options.Unbiased is on and the re-solve succeeded.
	Unbiased *gbl.Residual
}

// FitResult is the outcome of one track refit.
type FitResult struct {
	Chi2       float64
	Ndf        int
	LostWeight float64
	// Corrections and Covariance of the five track parameters at the
	// reference point in front of the first hit.
	Corrections *mat.VecDense
	Covariance  *mat.SymDense
	Residuals   []HitResidual
	Trajectory  *gbl.Trajectory
}

// Chi2Ndf returns chi2/ndf, or 0 when ndf is not positive.
func (r *FitResult) Chi2Ndf() float64 {
	if r.Ndf <= 0 {
		return 0
	}
	return r.Chi2 / float64(r.Ndf)
}

// Stats counts fit outcomes.
type Stats struct {
	Fitted   int
	Invalid  int
	Failed   int
	Rejected int
}

// Fitter refits tracks against a fixed alignment tree. It is safe for
// concurrent use.
type Fitter struct {
	tree  *alignment.Tree
	opts  Options
	mille *mille.Writer

	mu    sync.Mutex
	stats Stats

	// guards a whole record on the shared writer
	outMu sync.Mutex
}

// NewFitter returns a fitter. tree and w may be nil: without a tree no
// global derivatives are attached, without a writer nothing is exported.
func NewFitter(tree *alignment.Tree, opts Options, w *mille.Writer) *Fitter {
	return &Fitter{tree: tree, opts: opts, mille: w}
}

// Stats returns a snapshot of the outcome counters.
func (f *Fitter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Fitter) count(c *int) {
	f.mu.Lock()
	*c++
	f.mu.Unlock()
}

// Fit refits one track. A trajectory that cannot be constructed or solved
// returns an error and is counted; the caller moves on to the next track.
// A track failing the chi2/ndf cut returns its result together with
// ErrChi2Cut and is not exported.
func (f *Fitter) Fit(hits []HitRecord) (*FitResult, error) {
	points, used, err := f.buildPoints(hits)
	if err != nil {
		return nil, err
	}

	traj := gbl.NewTrajectory(points)
	if !traj.IsValid() {
		f.count(&f.stats.Invalid)
		monitoring.Logf("refit: skipping invalid trajectory: %v", traj.Err())
		return nil, fmt.Errorf("%w: %w", gbl.ErrInvalidTrajectory, traj.Err())
	}

	chi2, ndf, lost, err := traj.Fit(f.opts.Downweighting)
	if err != nil {
		f.count(&f.stats.Failed)
		monitoring.Logf("refit: fit failed: %v", err)
		return nil, fmt.Errorf("refit: %w", err)
	}
	monitoring.Debugf("refit: chi2 %.4g ndf %d lost %.4g", chi2, ndf, lost)

	corr, cov, err := traj.Results(1)
	if err != nil {
		f.count(&f.stats.Failed)
		return nil, fmt.Errorf("refit: results: %w", err)
	}
	res := &FitResult{
		Chi2:        chi2,
		Ndf:         ndf,
		LostWeight:  lost,
		Corrections: corr,
		Covariance:  cov,
		Trajectory:  traj,
	}
	if err := f.collectResiduals(res, hits, used); err != nil {
		f.count(&f.stats.Failed)
		return nil, err
	}

	if f.opts.MaxChi2Ndf > 0 && res.Chi2Ndf() > f.opts.MaxChi2Ndf {
		f.count(&f.stats.Rejected)
		monitoring.Debugf("refit: rejecting track with chi2/ndf %.3g", res.Chi2Ndf())
		return res, ErrChi2Cut
	}

	if f.mille != nil {
		f.outMu.Lock()
		err := traj.MilleOut(f.mille)
		f.outMu.Unlock()
		if err != nil {
			f.count(&f.stats.Failed)
			return nil, fmt.Errorf("refit: mille: %w", err)
		}
	}
	f.count(&f.stats.Fitted)
	return res, nil
}

// buildPoints returns the trajectory points, a reference point at zero path
// length followed by one point per fitted hit, and for every point after
// the first the index of its hit.
func (f *Fitter) buildPoints(hits []HitRecord) ([]*gbl.Point, []int, error) {
	points := []*gbl.Point{gbl.NewPoint(gbl.SimpleJacobian(0, 1, 0))}
	var used []int
	var s float64
	for i := range hits {
		h := &hits[i]
		if h.ID >= BeamspotID {
			continue
		}
		cosLambda := math.Cos(h.Lambda)
		p := gbl.NewPoint(gbl.SimpleJacobian(h.Path3D-s, cosLambda, math.Abs(f.opts.BFac)))

		if !h.ScatterOnly {
			if h.MeasErr <= 0 {
				return nil, nil, fmt.Errorf("%w: hit %d has measurement error %g", ErrBadHit, h.ID, h.MeasErr)
			}
			proj, err := Projection(h.U, h.V, h.Lambda, h.Phi)
			if err != nil {
				return nil, nil, fmt.Errorf("hit %d: %w", h.ID, err)
			}
			// only u is measured
			res := []float64{h.Meas - h.TrackPos[0], 0}
			prec := gbl.Diagonal(1/(h.MeasErr*h.MeasErr), 0)
			if err := p.AddMeasurement(proj, res, prec, f.opts.MinPrecision); err != nil {
				return nil, nil, fmt.Errorf("hit %d: %w", h.ID, err)
			}
			if f.tree != nil && h.Sensor != "" {
				if err := f.addGlobals(p, h); err != nil {
					return nil, nil, err
				}
			}
		}
		if h.ScatterAngle > 0 {
			theta2 := h.ScatterAngle * h.ScatterAngle
			prec := gbl.Diagonal(1/theta2, cosLambda*cosLambda/theta2)
			if err := p.AddScatterer([]float64{0, 0}, prec); err != nil {
				return nil, nil, fmt.Errorf("hit %d: %w", h.ID, err)
			}
		}
		points = append(points, p)
		used = append(used, i)
		s = h.Path3D
	}
	if len(used) == 0 {
		return nil, nil, ErrNoHits
	}
	return points, used, nil
}

// addGlobals attaches the rigid-body derivatives of the hit's sensor and
// all its ancestors to the u row of the measurement.
func (f *Fitter) addGlobals(p *gbl.Point, h *HitRecord) error {
	node, err := f.tree.Sensor(h.Sensor)
	if err != nil {
		return fmt.Errorf("hit %d: %w", h.ID, err)
	}
	t := h.Direction()
	tMeas := [3]float64{dot(t, h.U), dot(t, h.V), dot(t, h.W)}
	normal := [3]float64{dot(h.W, h.U), dot(h.W, h.V), dot(h.W, h.W)}
	drdg, err := alignment.SensorDerivatives(h.TrackPos, tMeas, normal)
	if err != nil {
		return fmt.Errorf("hit %d: %w", h.ID, err)
	}
	labels := node.Labels()
	gl, ders, err := f.tree.PropagateDerivatives(h.Sensor, labels[:], drdg.Slice(0, 1, 0, alignment.NumDOF))
	if err != nil {
		return fmt.Errorf("hit %d: %w", h.ID, err)
	}
	full := mat.NewDense(2, len(gl), nil)
	full.SetRow(0, ders.RawRowView(0))
	return p.AddGlobals(gl, full)
}

func (f *Fitter) collectResiduals(res *FitResult, hits []HitRecord, used []int) error {
	for k, hi := range used {
		h := &hits[hi]
		if h.ScatterOnly {
			continue
		}
		label := k + 2
		meas, err := res.Trajectory.MeasResults(label)
		if err != nil {
			return fmt.Errorf("refit: residuals of hit %d: %w", h.ID, err)
		}
		if len(meas) == 0 {
			continue
		}
		hr := HitResidual{Label: label, ID: h.ID, Sensor: h.Sensor, Residual: meas[0]}
		if f.opts.Unbiased {
			ub, err := res.Trajectory.UnbiasedMeasResults(label)
			if err != nil {
				monitoring.Debugf("refit: no unbiased residual for hit %d: %v", h.ID, err)
			} else if len(ub) > 0 {
				hr.Unbiased = &ub[0]
			}
		}
		res.Residuals = append(res.Residuals, hr)
	}
	return nil
}
