package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "frame_interval": "20ms",
  "speed_cap_kph": 380,
  "smoothing_window": 7,
  "position_coverage_threshold": 0.9,
  "hysteresis_normal_seconds": 1.5,
  "hysteresis_caution_seconds": 0.2,
  "tick_rate": 30,
  "load_timeout": "120s",
  "cache_dir": "/tmp/replay_cache"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetFrameInterval() != 20*time.Millisecond {
		t.Errorf("GetFrameInterval() = %v, want 20ms", cfg.GetFrameInterval())
	}
	if cfg.GetSpeedCapKPH() != 380 {
		t.Errorf("GetSpeedCapKPH() = %f, want 380", cfg.GetSpeedCapKPH())
	}
	if cfg.GetSmoothingWindow() != 7 {
		t.Errorf("GetSmoothingWindow() = %d, want 7", cfg.GetSmoothingWindow())
	}
	if cfg.GetCoverageThreshold() != 0.9 {
		t.Errorf("GetCoverageThreshold() = %f, want 0.9", cfg.GetCoverageThreshold())
	}
	if cfg.GetHysteresisNormal() != 1.5 {
		t.Errorf("GetHysteresisNormal() = %f, want 1.5", cfg.GetHysteresisNormal())
	}
	if cfg.GetHysteresisCaution() != 0.2 {
		t.Errorf("GetHysteresisCaution() = %f, want 0.2", cfg.GetHysteresisCaution())
	}
	if cfg.GetTickRate() != 30 {
		t.Errorf("GetTickRate() = %f, want 30", cfg.GetTickRate())
	}
	if cfg.GetLoadTimeout() != 120*time.Second {
		t.Errorf("GetLoadTimeout() = %v, want 120s", cfg.GetLoadTimeout())
	}
	if cfg.GetCacheDir() != "/tmp/replay_cache" {
		t.Errorf("GetCacheDir() = %q, want /tmp/replay_cache", cfg.GetCacheDir())
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "tick_rate": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			cfg:     &TuningConfig{},
			wantErr: false,
		},
		{
			name: "coverage threshold too low",
			cfg: &TuningConfig{
				CoverageThreshold: ptrFloat64(-0.1),
			},
			wantErr: true,
		},
		{
			name: "coverage threshold too high",
			cfg: &TuningConfig{
				CoverageThreshold: ptrFloat64(1.5),
			},
			wantErr: true,
		},
		{
			name: "negative speed cap",
			cfg: &TuningConfig{
				SpeedCapKPH: ptrFloat64(-1),
			},
			wantErr: true,
		},
		{
			name: "zero smoothing window",
			cfg: &TuningConfig{
				SmoothingWindow: ptrInt(0),
			},
			wantErr: true,
		},
		{
			name: "negative hysteresis",
			cfg: &TuningConfig{
				HysteresisNormal: ptrFloat64(-0.5),
			},
			wantErr: true,
		},
		{
			name: "zero tick rate",
			cfg: &TuningConfig{
				TickRate: ptrFloat64(0),
			},
			wantErr: true,
		},
		{
			name: "invalid frame interval",
			cfg: &TuningConfig{
				FrameInterval: ptrString("invalid"),
			},
			wantErr: true,
		},
		{
			name: "invalid load timeout",
			cfg: &TuningConfig{
				LoadTimeout: ptrString("five minutes"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadTuningConfigPartial(t *testing.T) {
	// Partial config: only override the tick rate; everything else should
	// keep defaults.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")

	partialJSON := `{
  "tick_rate": 120
}`
	if err := os.WriteFile(configPath, []byte(partialJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load partial config: %v", err)
	}

	if cfg.GetTickRate() != 120 {
		t.Errorf("Expected overridden TickRate 120, got %f", cfg.GetTickRate())
	}
	if cfg.GetFrameInterval() != 40*time.Millisecond {
		t.Errorf("Expected default FrameInterval 40ms, got %v", cfg.GetFrameInterval())
	}
	if cfg.GetCoverageThreshold() != 0.8 {
		t.Errorf("Expected default CoverageThreshold 0.8, got %f", cfg.GetCoverageThreshold())
	}
	if cfg.GetHysteresisNormal() != 1.0 {
		t.Errorf("Expected default HysteresisNormal 1.0, got %f", cfg.GetHysteresisNormal())
	}
	if cfg.GetStatusInterval() != 2*time.Second {
		t.Errorf("Expected default StatusInterval 2s, got %v", cfg.GetStatusInterval())
	}
}

func TestLoadTuningConfigRejectsNonJSON(t *testing.T) {
	_, err := LoadTuningConfig("/some/path/config.yaml")
	if err == nil {
		t.Error("Expected error for non-.json extension, got nil")
	}
}

func TestLoadTuningConfigRejectsLargeFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "large.json")

	largeData := make([]byte, 2*1024*1024) // 2MB
	if err := os.WriteFile(configPath, largeData, 0644); err != nil {
		t.Fatalf("Failed to write large file: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error for file size > 1MB, got nil")
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadTuningConfig("../../config/tuning.defaults.json")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if cfg.GetCoverageThreshold() != 0.8 {
		t.Errorf("Expected 0.8, got %f", cfg.GetCoverageThreshold())
	}
	if cfg.GetTickRate() != 60 {
		t.Errorf("Expected 60, got %f", cfg.GetTickRate())
	}
}

func TestGetterDefaults(t *testing.T) {
	cfg := &TuningConfig{}

	if cfg.GetFrameInterval() != 40*time.Millisecond {
		t.Errorf("GetFrameInterval() = %v, want 40ms", cfg.GetFrameInterval())
	}
	if cfg.GetSpeedCapKPH() != 400 {
		t.Errorf("GetSpeedCapKPH() = %f, want 400", cfg.GetSpeedCapKPH())
	}
	if cfg.GetSmoothingWindow() != 5 {
		t.Errorf("GetSmoothingWindow() = %d, want 5", cfg.GetSmoothingWindow())
	}
	if cfg.GetCoverageThreshold() != 0.8 {
		t.Errorf("GetCoverageThreshold() = %f, want 0.8", cfg.GetCoverageThreshold())
	}
	if cfg.GetHysteresisNormal() != 1.0 {
		t.Errorf("GetHysteresisNormal() = %f, want 1.0", cfg.GetHysteresisNormal())
	}
	if cfg.GetHysteresisCaution() != 0.3 {
		t.Errorf("GetHysteresisCaution() = %f, want 0.3", cfg.GetHysteresisCaution())
	}
	if cfg.GetTickRate() != 60 {
		t.Errorf("GetTickRate() = %f, want 60", cfg.GetTickRate())
	}
	if cfg.GetControlTimeout() != 10*time.Millisecond {
		t.Errorf("GetControlTimeout() = %v, want 10ms", cfg.GetControlTimeout())
	}
	if cfg.GetLoadTimeout() != 300*time.Second {
		t.Errorf("GetLoadTimeout() = %v, want 300s", cfg.GetLoadTimeout())
	}
	if cfg.GetCacheDir() != "session_cache" {
		t.Errorf("GetCacheDir() = %q, want session_cache", cfg.GetCacheDir())
	}
}
