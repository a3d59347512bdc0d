package monitor

import (
	"image/color"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/brokenlines/internal/gbl"
	"github.com/banshee-data/brokenlines/internal/refit"
)

func toyResult(rng *rand.Rand, sensors ...string) *refit.FitResult {
	res := &refit.FitResult{Chi2: 5 * (0.5 + rng.Float64()), Ndf: 5}
	for i, s := range sensors {
		res.Residuals = append(res.Residuals, refit.HitResidual{
			ID:       i + 1,
			Sensor:   s,
			Residual: gbl.Residual{Value: 0.004 * rng.NormFloat64(), MeasError: 0.006, ResError: 0.004, DownWeight: 1},
		})
	}
	return res
}

func TestResidualPlotter_StartStop(t *testing.T) {
	rp := NewResidualPlotter(0)
	if rp.bins != 40 {
		t.Errorf("expected default 40 bins, got %d", rp.bins)
	}
	if rp.IsEnabled() {
		t.Error("expected plotter to be disabled initially")
	}

	rng := rand.New(rand.NewPCG(1, 2))
	rp.Record(toyResult(rng, "L01t"))
	if rp.SampleCount() != 0 {
		t.Error("disabled plotter recorded samples")
	}

	outputDir := filepath.Join(t.TempDir(), "plots")
	if err := rp.Start(outputDir); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !rp.IsEnabled() {
		t.Error("expected plotter to be enabled after Start")
	}
	if _, err := os.Stat(outputDir); err != nil {
		t.Errorf("output dir not created: %v", err)
	}

	rp.Stop()
	if rp.IsEnabled() {
		t.Error("expected plotter to be disabled after Stop")
	}
}

func TestResidualPlotter_Record(t *testing.T) {
	rp := NewResidualPlotter(20)
	if err := rp.Start(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	res := &refit.FitResult{Chi2: 6, Ndf: 3, Residuals: []refit.HitResidual{
		{ID: 1, Sensor: "L01t", Residual: gbl.Residual{Value: 0.002, ResError: 0.004}},
		{ID: 7, Residual: gbl.Residual{Value: 0.001, ResError: 0.002}},
		// no error: skipped
		{ID: 2, Sensor: "L02t", Residual: gbl.Residual{Value: 0.002}},
	}}
	rp.Record(res)
	rp.Record(nil)
	rp.Record(&refit.FitResult{Chi2: 1})

	if got := rp.SampleCount(); got != 2 {
		t.Errorf("expected 2 samples, got %d", got)
	}
	if got := rp.pulls["L01t"]; len(got) != 1 || got[0] != 0.5 {
		t.Errorf("unexpected pulls for L01t: %v", got)
	}
	if got := rp.pulls["id7"]; len(got) != 1 || got[0] != 0.5 {
		t.Errorf("unexpected pulls for hit without sensor: %v", got)
	}
	if got := rp.Chi2Ndf(); len(got) != 1 || got[0] != 2 {
		t.Errorf("unexpected chi2/ndf: %v", got)
	}
}

func TestResidualPlotter_GeneratePlots(t *testing.T) {
	rp := NewResidualPlotter(25)
	if _, err := rp.GeneratePlots(); err == nil {
		t.Error("expected error without output directory")
	}

	outputDir := t.TempDir()
	if err := rp.Start(outputDir); err != nil {
		t.Fatal(err)
	}
	if n, err := rp.GeneratePlots(); err != nil || n != 0 {
		t.Errorf("empty plotter: n=%d err=%v", n, err)
	}

	rng := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 200; i++ {
		rp.Record(toyResult(rng, "L01t", "L02t", "L03t"))
	}
	rp.Stop()

	n, err := rp.GeneratePlots()
	if err != nil {
		t.Fatalf("GeneratePlots failed: %v", err)
	}
	// three sensors, overview, chi2/ndf
	if n != 5 {
		t.Errorf("expected 5 plots, got %d", n)
	}
	for _, name := range []string{"pull_L01t.png", "pull_L02t.png", "pull_L03t.png", "pull_overview.png", "chi2ndf.png"} {
		info, err := os.Stat(filepath.Join(outputDir, name))
		if err != nil {
			t.Errorf("missing %s: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}
}

func TestClip(t *testing.T) {
	got := clip([]float64{-10, -1, 0, 2.5, 7})
	want := []float64{-pullRange, -1, 0, 2.5, pullRange}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("clip[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGenerateColors(t *testing.T) {
	if generateColors(0) != nil {
		t.Error("expected nil palette for n=0")
	}
	colors := generateColors(4)
	if len(colors) != 4 {
		t.Fatalf("expected 4 colors, got %d", len(colors))
	}
	seen := map[color.RGBA]bool{}
	for _, c := range colors {
		seen[c.(color.RGBA)] = true
	}
	if len(seen) != 4 {
		t.Errorf("colors not distinct: %v", colors)
	}
}

func TestHSLToRGB(t *testing.T) {
	tests := []struct {
		h, s, l float64
		r, g, b uint8
	}{
		{0, 0, 0.5, 127, 127, 127},
		{0, 1, 0.5, 255, 0, 0},
		{1.0 / 3.0, 1, 0.5, 0, 255, 0},
		{2.0 / 3.0, 1, 0.5, 0, 0, 255},
	}
	for _, tt := range tests {
		r, g, b := hslToRGB(tt.h, tt.s, tt.l)
		if r != tt.r || g != tt.g || b != tt.b {
			t.Errorf("hslToRGB(%v,%v,%v) = (%d,%d,%d), want (%d,%d,%d)", tt.h, tt.s, tt.l, r, g, b, tt.r, tt.g, tt.b)
		}
	}
}

func TestMakePlotOutputDir(t *testing.T) {
	dir := MakePlotOutputDir("plots", "toy")
	if !strings.HasPrefix(dir, filepath.Join("plots", "toy")+string(filepath.Separator)) {
		t.Errorf("unexpected dir %s", dir)
	}
	if !strings.Contains(MakePlotOutputDir("plots", ""), filepath.Join("plots", "run")) {
		t.Error("empty label should fall back to 'run'")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"L01t", "L01t"},
		{"top/module 1", "top_module_1"},
		{"../../etc", "etc"},
		{"a__b", "a_b"},
		{"", "unknown"},
		{"///", "unknown"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := sanitizeName(strings.Repeat("x", 100)); len(got) != 64 {
		t.Errorf("expected 64 bytes, got %d", len(got))
	}
}
