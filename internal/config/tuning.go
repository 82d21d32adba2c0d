package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// All fields are optional pointers so a partial JSON file only overrides
// what it names; the Get* methods supply defaults for the rest.
type TuningConfig struct {
	// Frame builder params
	FrameInterval     *string  `json:"frame_interval,omitempty"` // duration string like "40ms"
	SpeedCapKPH       *float64 `json:"speed_cap_kph,omitempty"`
	SmoothingWindow   *int     `json:"smoothing_window,omitempty"`
	CoverageThreshold *float64 `json:"position_coverage_threshold,omitempty"`

	// Position engine params
	HysteresisNormal  *float64 `json:"hysteresis_normal_seconds,omitempty"`
	HysteresisCaution *float64 `json:"hysteresis_caution_seconds,omitempty"`

	// Dispatcher params
	TickRate       *float64 `json:"tick_rate,omitempty"`
	ControlTimeout *string  `json:"control_timeout,omitempty"` // duration string like "10ms"
	LoadTimeout    *string  `json:"load_timeout,omitempty"`    // duration string like "300s"
	StatusInterval *string  `json:"status_interval,omitempty"` // duration string like "2s"

	// Cache params
	CacheDir *string `json:"cache_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
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
	if c.CoverageThreshold != nil {
		if *c.CoverageThreshold < 0 || *c.CoverageThreshold > 1 {
			return fmt.Errorf("position_coverage_threshold must be between 0 and 1, got %f", *c.CoverageThreshold)
		}
	}
	if c.SpeedCapKPH != nil && *c.SpeedCapKPH <= 0 {
		return fmt.Errorf("speed_cap_kph must be positive, got %f", *c.SpeedCapKPH)
	}
	if c.SmoothingWindow != nil && *c.SmoothingWindow < 1 {
		return fmt.Errorf("smoothing_window must be at least 1, got %d", *c.SmoothingWindow)
	}
	if c.HysteresisNormal != nil && *c.HysteresisNormal < 0 {
		return fmt.Errorf("hysteresis_normal_seconds must be non-negative, got %f", *c.HysteresisNormal)
	}
	if c.HysteresisCaution != nil && *c.HysteresisCaution < 0 {
		return fmt.Errorf("hysteresis_caution_seconds must be non-negative, got %f", *c.HysteresisCaution)
	}
	if c.TickRate != nil && *c.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be positive, got %f", *c.TickRate)
	}

	for name, v := range map[string]*string{
		"frame_interval":  c.FrameInterval,
		"control_timeout": c.ControlTimeout,
		"load_timeout":    c.LoadTimeout,
		"status_interval": c.StatusInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetFrameInterval returns the frame grid spacing.
func (c *TuningConfig) GetFrameInterval() time.Duration {
	return c.duration(c.FrameInterval, 40*time.Millisecond)
}

// GetSpeedCapKPH returns the speed sanity cap in km/h.
func (c *TuningConfig) GetSpeedCapKPH() float64 {
	if c.SpeedCapKPH == nil {
		return 400
	}
	return *c.SpeedCapKPH
}

// GetSmoothingWindow returns the interval smoothing window in samples.
func (c *TuningConfig) GetSmoothingWindow() int {
	if c.SmoothingWindow == nil {
		return 5
	}
	return *c.SmoothingWindow
}

// GetCoverageThreshold returns the minimum stream-timing position coverage
// below which the position engine falls back to progress-only ordering.
func (c *TuningConfig) GetCoverageThreshold() float64 {
	if c.CoverageThreshold == nil {
		return 0.8
	}
	return *c.CoverageThreshold
}

// GetHysteresisNormal returns the green-flag position hysteresis in seconds.
func (c *TuningConfig) GetHysteresisNormal() float64 {
	if c.HysteresisNormal == nil {
		return 1.0
	}
	return *c.HysteresisNormal
}

// GetHysteresisCaution returns the caution-period position hysteresis in seconds.
func (c *TuningConfig) GetHysteresisCaution() float64 {
	if c.HysteresisCaution == nil {
		return 0.3
	}
	return *c.HysteresisCaution
}

// GetTickRate returns the dispatcher tick rate in Hz.
func (c *TuningConfig) GetTickRate() float64 {
	if c.TickRate == nil {
		return 60
	}
	return *c.TickRate
}

// GetControlTimeout returns the per-tick control read bound.
func (c *TuningConfig) GetControlTimeout() time.Duration {
	return c.duration(c.ControlTimeout, 10*time.Millisecond)
}

// GetLoadTimeout returns how long a client waits for a session load.
func (c *TuningConfig) GetLoadTimeout() time.Duration {
	return c.duration(c.LoadTimeout, 300*time.Second)
}

// GetStatusInterval returns the loading_progress send cadence.
func (c *TuningConfig) GetStatusInterval() time.Duration {
	return c.duration(c.StatusInterval, 2*time.Second)
}

// GetCacheDir returns the disk cache directory, empty for memory-only.
func (c *TuningConfig) GetCacheDir() string {
	if c.CacheDir == nil {
		return "session_cache"
	}
	return *c.CacheDir
}
