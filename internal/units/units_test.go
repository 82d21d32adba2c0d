package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"kph", "kph", true},
		{"mph", "mph", true},
		{"mps", "mps", true},
		{"kmh", "kmh", false},
		{"empty", "", false},
		{"uppercase", "KPH", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := IsValid(tt.unit); res != tt.expected {
				t.Errorf("IsValid(%q) = %v, want %v", tt.unit, res, tt.expected)
			}
		})
	}
}

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedKPH float64
		target   string
		expected float64
	}{
		{"kph passthrough", 300, KPH, 300},
		{"to mph", 100, MPH, 62.1371192},
		{"to mps", 360, MPS, 100},
		{"zero", 0, MPH, 0},
		{"unknown unit passthrough", 250, "furlongs", 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertSpeed(tt.speedKPH, tt.target)
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("ConvertSpeed(%v, %q) = %v, want %v", tt.speedKPH, tt.target, got, tt.expected)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	if got := Label(MPH); got != "speed (mph)" {
		t.Errorf("Label(mph) = %q", got)
	}
	if got := Label("nonsense"); got != "speed (km/h)" {
		t.Errorf("Label falls back to km/h, got %q", got)
	}
}
