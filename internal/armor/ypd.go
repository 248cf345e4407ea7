package armor

import (
	"math"

	"github.com/golang/geo/r3"
)

// YPD is a yaw/pitch/distance triple.
type YPD struct {
	Yaw      float64 `json:"yaw"`
	Pitch    float64 `json:"pitch"`
	Distance float64 `json:"distance"`
}

// ToYPD converts a camera-space offset to yaw/pitch/distance. Yaw is the
// angle of the lateral component over the forward one, pitch the vertical
// component over the forward one.
func ToYPD(v r3.Vector) YPD {
	return YPD{
		Yaw:      math.Atan2(v.X, v.Z),
		Pitch:    math.Atan2(v.Y, v.Z),
		Distance: v.Norm(),
	}
}

// FromYPD rebuilds a camera-space offset from angles and distance. z is
// recovered from d² = x² + y² + z², so the result is only defined when
// d² >= x² + y²; ok is false otherwise or when any input is not finite.
func FromYPD(p YPD) (v r3.Vector, ok bool) {
	x := p.Distance * math.Sin(p.Yaw)
	y := p.Distance * math.Sin(p.Pitch)
	rem := p.Distance*p.Distance - x*x - y*y
	if rem < 0 {
		return r3.Vector{}, false
	}
	v = r3.Vector{X: x, Y: y, Z: math.Sqrt(rem)}
	if !Finite(v) {
		return r3.Vector{}, false
	}
	return v, true
}

// Finite reports whether every component of v is a finite number.
func Finite(v r3.Vector) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
