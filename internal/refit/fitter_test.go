package refit_test

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/brokenlines/internal/alignment"
	"github.com/banshee-data/brokenlines/internal/config"
	"github.com/banshee-data/brokenlines/internal/gbl"
	"github.com/banshee-data/brokenlines/internal/mille"
	"github.com/banshee-data/brokenlines/internal/refit"
	"github.com/banshee-data/brokenlines/internal/simulate"
)

type toy struct {
	tel  *simulate.Telescope
	tree *alignment.Tree
	opts refit.Options
}

func newToy(t *testing.T) toy {
	t.Helper()
	cfg := config.DefaultTuningConfig()
	tel := simulate.NewTelescope(cfg)
	tree, err := tel.Layout().Build()
	require.NoError(t, err)
	return toy{tel: tel, tree: tree, opts: refit.OptionsFromConfig(cfg)}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := refit.OptionsFromConfig(config.DefaultTuningConfig())
	assert.InDelta(t, -0.5*2.99792458e-4, opts.BFac, 1e-18)
	assert.Equal(t, "", opts.Downweighting)
	assert.False(t, opts.Unbiased)
}

func TestFit_Errors(t *testing.T) {
	tc := newToy(t)
	_, good := tc.tel.NewGenerator(1, false).Track()

	tests := []struct {
		name   string
		mutate func([]refit.HitRecord) []refit.HitRecord
		want   error
	}{
		{"no hits", func([]refit.HitRecord) []refit.HitRecord { return nil }, refit.ErrNoHits},
		{"only beamspot", func([]refit.HitRecord) []refit.HitRecord {
			return []refit.HitRecord{{ID: refit.BeamspotID, Meas: 1, MeasErr: 1}}
		}, refit.ErrNoHits},
		{"zero error", func(h []refit.HitRecord) []refit.HitRecord { h[0].MeasErr = 0; return h }, refit.ErrBadHit},
		{"unknown sensor", func(h []refit.HitRecord) []refit.HitRecord { h[0].Sensor = "L99t"; return h }, alignment.ErrUnknownSensor},
		{"parallel sensor", func(h []refit.HitRecord) []refit.HitRecord {
			h[0].U = [3]float64{1, 0, 0}
			h[0].Lambda, h[0].Phi = 0, 0
			return h
		}, refit.ErrParallelSensor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := append([]refit.HitRecord(nil), good...)
			f := refit.NewFitter(tc.tree, tc.opts, nil)
			_, err := f.Fit(tt.mutate(hits))
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, refit.Stats{}, f.Stats())
		})
	}
}

func TestFit_InvalidTrajectory(t *testing.T) {
	tc := newToy(t)
	_, hits := tc.tel.NewGenerator(1, false).Track()
	// two points at the same arc length
	hits[2].Path3D = hits[1].Path3D

	f := refit.NewFitter(nil, tc.opts, nil)
	_, err := f.Fit(hits)
	assert.ErrorIs(t, err, gbl.ErrInvalidTrajectory)
	assert.Equal(t, 1, f.Stats().Invalid)
}

func TestFit_SkipsBeamspot(t *testing.T) {
	tc := newToy(t)
	_, hits := tc.tel.NewGenerator(4, true).Track()

	f := refit.NewFitter(nil, tc.opts, nil)
	want, err := f.Fit(hits)
	require.NoError(t, err)

	beam := refit.HitRecord{ID: refit.BeamspotID + 1, Meas: 5, MeasErr: 0.01, Path3D: 1}
	got, err := f.Fit(append([]refit.HitRecord{beam}, hits...))
	require.NoError(t, err)
	assert.Equal(t, len(hits)+1, got.Trajectory.NumPoints())
	assert.InDelta(t, want.Chi2, got.Chi2, 1e-9)
	assert.Equal(t, want.Ndf, got.Ndf)
}

func TestFit_Residuals(t *testing.T) {
	tc := newToy(t)
	tc.opts.Unbiased = true
	_, hits := tc.tel.NewGenerator(8, true).Track()

	res, err := refit.NewFitter(tc.tree, tc.opts, nil).Fit(hits)
	require.NoError(t, err)
	require.Len(t, res.Residuals, tc.tel.Layers)

	var chi2 float64
	for i, r := range res.Residuals {
		assert.Equal(t, i+1, r.ID)
		assert.Equal(t, simulate.SensorName(i), r.Sensor)
		assert.InDelta(t, tc.tel.Resolution, r.MeasError, 1e-15)
		assert.Less(t, r.ResError, r.MeasError)
		require.NotNil(t, r.Unbiased, "hit %d", r.ID)
		assert.Greater(t, r.Unbiased.ResError, r.MeasError)
		// the biased residual shrinks by the hit's own weight
		assert.LessOrEqual(t, math.Abs(r.Value), math.Abs(r.Unbiased.Value)+1e-12)
		chi2 += (r.Value / r.MeasError) * (r.Value / r.MeasError)
	}
	// measurements alone never exceed the total
	assert.LessOrEqual(t, chi2, res.Chi2+1e-9)
}

func TestFit_Chi2Cut(t *testing.T) {
	tc := newToy(t)
	tc.opts.MaxChi2Ndf = 1e-6
	_, hits := tc.tel.NewGenerator(9, true).Track()

	var buf bytes.Buffer
	w := mille.NewWriter(&buf)
	f := refit.NewFitter(tc.tree, tc.opts, w)
	res, err := f.Fit(hits)
	assert.ErrorIs(t, err, refit.ErrChi2Cut)
	require.NotNil(t, res)
	assert.Greater(t, res.Chi2Ndf(), tc.opts.MaxChi2Ndf)
	assert.Equal(t, 0, w.Records())
	assert.Equal(t, refit.Stats{Rejected: 1}, f.Stats())
}

func TestFit_Concurrent(t *testing.T) {
	tc := newToy(t)
	var buf bytes.Buffer
	w := mille.NewWriter(&buf)
	f := refit.NewFitter(tc.tree, tc.opts, w)

	const workers, perWorker = 4, 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		gen := tc.tel.NewGenerator(uint64(100+i), true)
		var tracks [][]refit.HitRecord
		for j := 0; j < perWorker; j++ {
			_, hits := gen.Track()
			tracks = append(tracks, hits)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, hits := range tracks {
				_, err := f.Fit(hits)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, f.Stats().Fitted)
	records, err := mille.ReadAll(&buf)
	require.NoError(t, err)
	assert.Len(t, records, workers*perWorker)
}

func TestFitResult_Chi2Ndf(t *testing.T) {
	assert.Equal(t, 0.0, (&refit.FitResult{Chi2: 3}).Chi2Ndf())
	assert.Equal(t, 1.5, (&refit.FitResult{Chi2: 3, Ndf: 2}).Chi2Ndf())
}
