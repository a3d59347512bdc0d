package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the refit and toy-telescope parameters. Every field is
// optional; the Get* methods supply the documented default when a field is
// missing.
type TuningConfig struct {
	// Fit params
	MinPrecision   *float64 `json:"min_precision,omitempty"`
	Downweighting  *string  `json:"downweighting,omitempty"` // characters from "TtHhCc"
	MaxChi2Ndf     *float64 `json:"max_chi2_ndf,omitempty"`  // 0 disables the cut
	WriteUnbiased  *bool    `json:"write_unbiased,omitempty"`
	BFieldTesla    *float64 `json:"bfield_tesla,omitempty"`
	FieldConvConst *float64 `json:"field_conversion,omitempty"`

	// Constraint params
	ConstraintThreshold *float64 `json:"constraint_threshold,omitempty"`
	ConstraintPrecision *int     `json:"constraint_precision,omitempty"`

	// Toy telescope params
	NumTracks       *int     `json:"num_tracks,omitempty"`
	Seed            *uint64  `json:"seed,omitempty"`
	NumLayers       *int     `json:"num_layers,omitempty"`
	LayerSpacingMM  *float64 `json:"layer_spacing_mm,omitempty"`
	ResolutionMM    *float64 `json:"resolution_mm,omitempty"`
	ScatterAngleRad *float64 `json:"scatter_angle_rad,omitempty"`
	MomentumGeV     *float64 `json:"momentum_gev,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field set to its default.
func DefaultTuningConfig() *TuningConfig {
	var c TuningConfig
	return &TuningConfig{
		MinPrecision:        ptrFloat64(c.GetMinPrecision()),
		Downweighting:       ptrString(c.GetDownweighting()),
		MaxChi2Ndf:          ptrFloat64(c.GetMaxChi2Ndf()),
		WriteUnbiased:       ptrBool(c.GetWriteUnbiased()),
		BFieldTesla:         ptrFloat64(c.GetBFieldTesla()),
		FieldConvConst:      ptrFloat64(c.GetFieldConversion()),
		ConstraintThreshold: ptrFloat64(c.GetConstraintThreshold()),
		ConstraintPrecision: ptrInt(c.GetConstraintPrecision()),
		NumTracks:           ptrInt(c.GetNumTracks()),
		Seed:                ptrUint64(c.GetSeed()),
		NumLayers:           ptrInt(c.GetNumLayers()),
		LayerSpacingMM:      ptrFloat64(c.GetLayerSpacingMM()),
		ResolutionMM:        ptrFloat64(c.GetResolutionMM()),
		ScatterAngleRad:     ptrFloat64(c.GetScatterAngleRad()),
		MomentumGeV:         ptrFloat64(c.GetMomentumGeV()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,       // from cmd/
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.MinPrecision != nil && *c.MinPrecision < 0 {
		return fmt.Errorf("min_precision must be non-negative, got %g", *c.MinPrecision)
	}

	if c.Downweighting != nil {
		for _, r := range *c.Downweighting {
			if !strings.ContainsRune("TtHhCc", r) {
				return fmt.Errorf("downweighting: unknown estimator %q in %q", r, *c.Downweighting)
			}
		}
	}

	if c.MaxChi2Ndf != nil && *c.MaxChi2Ndf < 0 {
		return fmt.Errorf("max_chi2_ndf must be non-negative, got %g", *c.MaxChi2Ndf)
	}

	if c.ConstraintThreshold != nil && *c.ConstraintThreshold < 0 {
		return fmt.Errorf("constraint_threshold must be non-negative, got %g", *c.ConstraintThreshold)
	}
	if c.ConstraintPrecision != nil && *c.ConstraintPrecision > 15 {
		return fmt.Errorf("constraint_precision must be at most 15, got %d", *c.ConstraintPrecision)
	}

	if c.NumTracks != nil && *c.NumTracks < 0 {
		return fmt.Errorf("num_tracks must be non-negative, got %d", *c.NumTracks)
	}
	if c.NumLayers != nil && *c.NumLayers < 3 {
		return fmt.Errorf("num_layers must be at least 3, got %d", *c.NumLayers)
	}
	for name, v := range map[string]*float64{
		"layer_spacing_mm": c.LayerSpacingMM,
		"resolution_mm":    c.ResolutionMM,
		"momentum_gev":     c.MomentumGeV,
		"field_conversion": c.FieldConvConst,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %g", name, *v)
		}
	}
	if c.ScatterAngleRad != nil && *c.ScatterAngleRad < 0 {
		return fmt.Errorf("scatter_angle_rad must be non-negative, got %g", *c.ScatterAngleRad)
	}

	return nil
}

// GetMinPrecision returns the min_precision value or the default.
func (c *TuningConfig) GetMinPrecision() float64 {
	if c.MinPrecision == nil {
		return 0
	}
	return *c.MinPrecision
}

// GetDownweighting returns the down-weighting option string or the default
// (no down-weighting).
func (c *TuningConfig) GetDownweighting() string {
	if c.Downweighting == nil {
		return ""
	}
	return *c.Downweighting
}

// GetMaxChi2Ndf returns the max_chi2_ndf cut; 0 means no cut.
func (c *TuningConfig) GetMaxChi2Ndf() float64 {
	if c.MaxChi2Ndf == nil {
		return 0
	}
	return *c.MaxChi2Ndf
}

func (c *TuningConfig) GetWriteUnbiased() bool {
	if c.WriteUnbiased == nil {
		return false
	}
	return *c.WriteUnbiased
}

// GetBFieldTesla returns the solenoid field in tesla.
func (c *TuningConfig) GetBFieldTesla() float64 {
	if c.BFieldTesla == nil {
		return -0.5
	}
	return *c.BFieldTesla
}

// GetFieldConversion returns the constant turning B·q/p into a curvature
// per millimetre.
func (c *TuningConfig) GetFieldConversion() float64 {
	if c.FieldConvConst == nil {
		return 2.99792458e-4
	}
	return *c.FieldConvConst
}

// GetConstraintThreshold returns the constraint_threshold value or the default.
func (c *TuningConfig) GetConstraintThreshold() float64 {
	if c.ConstraintThreshold == nil {
		return 1e-6
	}
	return *c.ConstraintThreshold
}

// GetConstraintPrecision returns the number of decimals kept in constraint
// coefficients; negative keeps full precision.
func (c *TuningConfig) GetConstraintPrecision() int {
	if c.ConstraintPrecision == nil {
		return 4
	}
	return *c.ConstraintPrecision
}

func (c *TuningConfig) GetNumTracks() int {
	if c.NumTracks == nil {
		return 1000
	}
	return *c.NumTracks
}

func (c *TuningConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

func (c *TuningConfig) GetNumLayers() int {
	if c.NumLayers == nil {
		return 10
	}
	return *c.NumLayers
}

func (c *TuningConfig) GetLayerSpacingMM() float64 {
	if c.LayerSpacingMM == nil {
		return 100
	}
	return *c.LayerSpacingMM
}

func (c *TuningConfig) GetResolutionMM() float64 {
	if c.ResolutionMM == nil {
		return 0.006
	}
	return *c.ResolutionMM
}

func (c *TuningConfig) GetScatterAngleRad() float64 {
	if c.ScatterAngleRad == nil {
		return 0.002
	}
	return *c.ScatterAngleRad
}

func (c *TuningConfig) GetMomentumGeV() float64 {
	if c.MomentumGeV == nil {
		return 2.3
	}
	return *c.MomentumGeV
}
