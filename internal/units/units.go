// Package units provides shared constants and validation for speed units.
package units

// Unit constants. Session artifacts store speeds in km/h.
const (
	KPH = "kph"
	MPH = "mph"
	MPS = "mps"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{KPH, MPH, MPS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "kph, mph, mps"
}

// ConvertSpeed converts a speed from km/h to the target units
func ConvertSpeed(speedKPH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedKPH * 0.621371192
	case MPS:
		return speedKPH / 3.6
	case KPH:
		return speedKPH
	default:
		return speedKPH
	}
}

// Label returns the axis label for the given unit.
func Label(unit string) string {
	switch unit {
	case MPH:
		return "speed (mph)"
	case MPS:
		return "speed (m/s)"
	default:
		return "speed (km/h)"
	}
}
