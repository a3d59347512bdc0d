// Package simulate generates toy tracks through a planar telescope for
// exercising the refit and the alignment export.
package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/brokenlines/internal/alignment"
	"github.com/banshee-data/brokenlines/internal/config"
	"github.com/banshee-data/brokenlines/internal/gbl"
	"github.com/banshee-data/brokenlines/internal/refit"
)

// Telescope is a set of equally spaced planes perpendicular to the global
// x axis, alternating axial and stereo, all in the top half.
type Telescope struct {
	Layers       int
	Spacing      float64 // mm
	Resolution   float64 // mm
	ScatterAngle float64 // rad
	StereoAngle  float64 // rad
	BFac         float64
	QOverP       float64 // nominal charge over momentum, 1/GeV
	// Interposed puts thin scatterers half way between layers instead of
	// on the sensors.
	Interposed bool
	// Misalign shifts sensors along their u axis (mm), keyed by name.
	Misalign map[string]float64
}

// NewTelescope returns the toy telescope described by cfg.
func NewTelescope(cfg *config.TuningConfig) *Telescope {
	return &Telescope{
		Layers:       cfg.GetNumLayers(),
		Spacing:      cfg.GetLayerSpacingMM(),
		Resolution:   cfg.GetResolutionMM(),
		ScatterAngle: cfg.GetScatterAngleRad(),
		StereoAngle:  0.1,
		BFac:         cfg.GetBFieldTesla() * cfg.GetFieldConversion(),
		QOverP:       1 / cfg.GetMomentumGeV(),
		Interposed:   true,
	}
}

// SensorName returns the name of layer k (0-based).
func SensorName(k int) string { return fmt.Sprintf("L%02dt", k+1) }

// ModuleName returns the name of the module holding layers 2m and 2m+1.
func ModuleName(m int) string { return fmt.Sprintf("M%dt", m+1) }

// RootName is the structure holding all modules.
const RootName = "top"

const (
	moduleBaseID = 60
	rootID       = 90
)

func (tel *Telescope) frame(k int) (u, v, w [3]float64) {
	a := 0.0
	if k%2 == 1 {
		a = tel.StereoAngle
	}
	u = [3]float64{0, math.Cos(a), math.Sin(a)}
	v = [3]float64{0, -math.Sin(a), math.Cos(a)}
	w = [3]float64{1, 0, 0}
	return u, v, w
}

func (tel *Telescope) origin(k int) [3]float64 {
	return [3]float64{float64(k+1) * tel.Spacing, 0, 0}
}

// Layout returns the alignment hierarchy: the sensors, one module per pair
// of layers and a root structure over all modules.
func (tel *Telescope) Layout() *alignment.Layout {
	var l alignment.Layout
	for k := 0; k < tel.Layers; k++ {
		u, v, w := tel.frame(k)
		l.Sensors = append(l.Sensors, alignment.SensorSpec{
			Name:     SensorName(k),
			ID:       k + 1,
			Half:     alignment.Top.String(),
			Position: tel.origin(k),
			// local-to-global: columns are u, v, w
			Rotation: [3][3]float64{
				{u[0], v[0], w[0]},
				{u[1], v[1], w[1]},
				{u[2], v[2], w[2]},
			},
		})
	}
	var modules []string
	for m := 0; 2*m < tel.Layers; m++ {
		children := []string{SensorName(2 * m)}
		if 2*m+1 < tel.Layers {
			children = append(children, SensorName(2*m+1))
		}
		l.Structures = append(l.Structures, alignment.StructureSpec{
			Name:     ModuleName(m),
			ID:       moduleBaseID + m + 1,
			Children: children,
		})
		modules = append(modules, ModuleName(m))
	}
	l.Structures = append(l.Structures, alignment.StructureSpec{
		Name:     RootName,
		ID:       rootID,
		Children: modules,
	})
	return &l
}

// Validate checks that the telescope fits the label scheme.
func (tel *Telescope) Validate() error {
	if tel.Layers < 3 || tel.Layers > 2*(rootID-moduleBaseID-1) {
		return fmt.Errorf("simulate: %d layers outside [3,%d]", tel.Layers, 2*(rootID-moduleBaseID-1))
	}
	if tel.Spacing <= 0 || tel.Resolution <= 0 {
		return fmt.Errorf("simulate: spacing and resolution must be positive")
	}
	return nil
}

// Truth is the generated track: the direction of the reference line and
// the corrections (q/p, λ, φ, xT, yT) at its origin.
type Truth struct {
	Lambda, Phi float64
	Params      [5]float64
}

// Generator draws tracks from a telescope with a seeded source.
type Generator struct {
	tel   *Telescope
	noise bool

	meas   distuv.Normal
	unit   distuv.Normal
	angle  distuv.Normal
	offset distuv.Normal
}

// NewGenerator returns a generator. With noise off the hits lie exactly on
// the true track and no scattering is applied.
func (tel *Telescope) NewGenerator(seed uint64, noise bool) *Generator {
	src := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Generator{
		tel:    tel,
		noise:  noise,
		meas:   distuv.Normal{Mu: 0, Sigma: tel.Resolution, Src: src},
		unit:   distuv.Normal{Mu: 0, Sigma: 1, Src: src},
		angle:  distuv.Normal{Mu: 0, Sigma: 0.02, Src: src},
		offset: distuv.Normal{Mu: 0, Sigma: 0.1, Src: src},
	}
}

// Track generates one track. The reference line starts at the origin; the
// true track deviates from it by the drawn corrections, propagated with the
// same linear model the fit uses, plus scattering kinks.
func (g *Generator) Track() (Truth, []refit.HitRecord) {
	tel := g.tel
	truth := Truth{Lambda: g.angle.Rand(), Phi: g.angle.Rand()}
	truth.Params = [5]float64{
		0.01 * tel.QOverP * g.unit.Rand(),
		1e-3 * g.unit.Rand(),
		1e-3 * g.unit.Rand(),
		g.offset.Rand(),
		g.offset.Rand(),
	}
	cosLambda := math.Cos(truth.Lambda)
	dir := [3]float64{
		math.Cos(truth.Phi) * cosLambda,
		math.Sin(truth.Phi) * cosLambda,
		math.Sin(truth.Lambda),
	}

	params := truth.Params
	state := mat.NewVecDense(5, params[:])
	var s float64
	step := func(to float64) {
		var next mat.VecDense
		next.MulVec(gbl.SimpleJacobian(to-s, cosLambda, math.Abs(tel.BFac)), state)
		state = &next
		s = to
	}
	kink := func() {
		if !g.noise || tel.ScatterAngle == 0 {
			return
		}
		state.SetVec(1, state.AtVec(1)+tel.ScatterAngle*g.unit.Rand())
		state.SetVec(2, state.AtVec(2)+tel.ScatterAngle/cosLambda*g.unit.Rand())
	}

	var hits []refit.HitRecord
	pathTo := func(x float64) float64 { return x / dir[0] }
	for k := 0; k < tel.Layers; k++ {
		if tel.Interposed && k > 0 {
			mid := pathTo(tel.origin(k)[0] - tel.Spacing/2)
			step(mid)
			hits = append(hits, refit.HitRecord{
				ID:           0,
				Lambda:       truth.Lambda,
				Phi:          truth.Phi,
				Path3D:       mid,
				ScatterAngle: tel.ScatterAngle,
				ScatterOnly:  true,
			})
			kink()
		}

		o := tel.origin(k)
		path := pathTo(o[0])
		step(path)
		u, v, w := tel.frame(k)
		name := SensorName(k)

		// seed prediction: the reference line at the plane
		ref := [3]float64{dir[0] * path, dir[1] * path, dir[2] * path}
		d := [3]float64{ref[0] - o[0], ref[1] - o[1], ref[2] - o[2]}
		pos := [3]float64{dot(d, u), dot(d, v), dot(d, w)}

		proj, err := refit.Projection(u, v, truth.Lambda, truth.Phi)
		if err != nil {
			// planes are perpendicular to x and tracks are near x
			panic(err)
		}
		meas := pos[0] + proj.At(0, 0)*state.AtVec(3) + proj.At(0, 1)*state.AtVec(4)
		meas -= tel.Misalign[name]
		if g.noise {
			meas += g.meas.Rand()
		}

		hit := refit.HitRecord{
			ID:       k + 1,
			Sensor:   name,
			Meas:     meas,
			MeasErr:  tel.Resolution,
			U:        u,
			V:        v,
			W:        w,
			Lambda:   truth.Lambda,
			Phi:      truth.Phi,
			Path3D:   path,
			TrackPos: pos,
		}
		if !tel.Interposed {
			hit.ScatterAngle = tel.ScatterAngle
		}
		hits = append(hits, hit)
		if !tel.Interposed {
			kink()
		}
	}
	return truth, hits
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
