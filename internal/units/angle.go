// Package units converts angles between the radians used in code and the
// degrees used in configuration, on the wire and in reports.
package units

import "math"

// Unit names accepted where an angle unit is configurable.
const (
	Radians = "rad"
	Degrees = "deg"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{Radians, Degrees}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, u := range ValidUnits {
		if unit == u {
			return true
		}
	}
	return false
}

func ToDegrees(rad float64) float64 { return rad * 180 / math.Pi }

func ToRadians(deg float64) float64 { return deg * math.Pi / 180 }

// ConvertAngle converts an angle in radians to the target unit. Unknown
// units leave the value in radians.
func ConvertAngle(rad float64, target string) float64 {
	if target == Degrees {
		return ToDegrees(rad)
	}
	return rad
}
