// Package monitor renders fit diagnostics: PNG histograms with gonum/plot
// and an HTML run report with go-echarts.
package monitor

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/brokenlines/internal/refit"
)

// pullRange clips normalized residuals for the histograms.
const pullRange = 6.0

// ResidualPlotter accumulates normalized residuals per sensor and chi2/ndf
// per track for plotting after a run.
type ResidualPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	bins      int

	// pulls holds residual / residual error keyed by sensor name.
	pulls   map[string][]float64
	chi2Ndf []float64
}

// NewResidualPlotter creates a plotter with the given number of histogram
// bins.
func NewResidualPlotter(bins int) *ResidualPlotter {
	if bins <= 0 {
		bins = 40
	}
	return &ResidualPlotter{
		bins:  bins,
		pulls: make(map[string][]float64),
	}
}

// Start initializes the plotter for a new run.
func (rp *ResidualPlotter) Start(outputDir string) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	rp.outputDir = outputDir
	rp.enabled = true
	rp.pulls = make(map[string][]float64)
	rp.chi2Ndf = nil
	return nil
}

// Stop disables sampling. Call GeneratePlots() to produce output files.
func (rp *ResidualPlotter) Stop() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.enabled = false
}

// IsEnabled returns true if the plotter is currently recording.
func (rp *ResidualPlotter) IsEnabled() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.enabled
}

// Record adds the residuals and chi2/ndf of one fitted track.
func (rp *ResidualPlotter) Record(res *refit.FitResult) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if !rp.enabled || res == nil {
		return
	}
	if res.Ndf > 0 {
		rp.chi2Ndf = append(rp.chi2Ndf, res.Chi2Ndf())
	}
	for _, r := range res.Residuals {
		if r.ResError <= 0 {
			continue
		}
		name := r.Sensor
		if name == "" {
			name = fmt.Sprintf("id%d", r.ID)
		}
		rp.pulls[name] = append(rp.pulls[name], r.Value/r.ResError)
	}
}

// SampleCount returns the number of residuals collected.
func (rp *ResidualPlotter) SampleCount() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	n := 0
	for _, p := range rp.pulls {
		n += len(p)
	}
	return n
}

// Chi2Ndf returns a copy of the recorded chi2/ndf values.
func (rp *ResidualPlotter) Chi2Ndf() []float64 {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return append([]float64(nil), rp.chi2Ndf...)
}

// GeneratePlots writes one pull histogram per sensor, an overview of the
// pull mean and width per sensor and a chi2/ndf histogram. Returns the
// number of files written.
func (rp *ResidualPlotter) GeneratePlots() (int, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(rp.pulls) == 0 && len(rp.chi2Ndf) == 0 {
		return 0, nil
	}

	sensors := make([]string, 0, len(rp.pulls))
	for s := range rp.pulls {
		sensors = append(sensors, s)
	}
	sort.Strings(sensors)
	colors := generateColors(len(sensors))

	count := 0
	for i, s := range sensors {
		file := filepath.Join(rp.outputDir, fmt.Sprintf("pull_%s.png", sanitizeName(s)))
		if err := rp.histogram(file, fmt.Sprintf("%s - normalized residual", s), "residual / error", clip(rp.pulls[s]), colors[i]); err != nil {
			return count, fmt.Errorf("sensor %s: %w", s, err)
		}
		count++
	}

	if len(sensors) > 0 {
		if err := rp.overview(filepath.Join(rp.outputDir, "pull_overview.png"), sensors); err != nil {
			return count, err
		}
		count++
	}

	if len(rp.chi2Ndf) > 0 {
		file := filepath.Join(rp.outputDir, "chi2ndf.png")
		if err := rp.histogram(file, "Track chi2/ndf", "chi2/ndf", rp.chi2Ndf, color.RGBA{R: 31, G: 119, B: 180, A: 255}); err != nil {
			return count, fmt.Errorf("chi2/ndf: %w", err)
		}
		count++
	}
	return count, nil
}

func (rp *ResidualPlotter) histogram(file, title, xLabel string, values []float64, c color.Color) error {
	if len(values) == 0 {
		return nil
	}
	mean, std := stat.MeanStdDev(values, nil)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (n=%d, mean=%.3g, sd=%.3g)", title, len(values), mean, std)
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Entries"

	h, err := plotter.NewHist(plotter.Values(values), rp.bins)
	if err != nil {
		return err
	}
	h.FillColor = c
	p.Add(h)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(file), err)
	}
	return nil
}

// overview plots mean ± sd of the pulls against the sensor index.
func (rp *ResidualPlotter) overview(file string, sensors []string) error {
	p := plot.New()
	p.Title.Text = "Normalized residuals per sensor"
	p.X.Label.Text = "Sensor"
	p.Y.Label.Text = "residual / error"

	means := make(plotter.XYs, len(sensors))
	widths := make(plotter.XYs, len(sensors))
	for i, s := range sensors {
		m, sd := stat.MeanStdDev(rp.pulls[s], nil)
		if math.IsNaN(sd) {
			sd = 0
		}
		means[i] = plotter.XY{X: float64(i), Y: m}
		widths[i] = plotter.XY{X: float64(i), Y: sd}
	}

	meanLine, err := plotter.NewLine(means)
	if err != nil {
		return err
	}
	meanLine.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	meanLine.Width = vg.Points(1)
	widthLine, err := plotter.NewLine(widths)
	if err != nil {
		return err
	}
	widthLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	widthLine.Width = vg.Points(1)
	p.Add(meanLine, widthLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Add("sd", widthLine)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.NominalX(sensors...)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("save overview: %w", err)
	}
	return nil
}

func clip(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Max(-pullRange, math.Min(pullRange, v))
	}
	return out
}

// generateColors creates a palette of distinct colors, one per sensor.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

// MakePlotOutputDir returns a timestamped directory below baseDir for the
// plots of one run: <baseDir>/<label>/<timestamp>.
func MakePlotOutputDir(baseDir, label string) string {
	ts := time.Now().Format("20060102_150405")
	if label == "" {
		label = "run"
	}
	return filepath.Join(baseDir, sanitizeName(label), ts)
}

// sanitizeName maps a sensor name or run label to a file name component.
// Anything outside [A-Za-z0-9._-] becomes an underscore, runs of
// underscores collapse, and the result is capped at 64 bytes.
func sanitizeName(s string) string {
	const maxLen = 64
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		keep := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '-'
		if keep {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
