// Package armor holds the per-frame marker contract shared by detectors,
// the pose solver and the tracker.
//
// Coordinates: camera-space offsets are millimetres with x right, y down and
// z forward. Angles are radians, yaw right-positive and pitch down-positive.
package armor

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Flag marks a DetectedMarker during a single tracker update.
type Flag uint8

const (
	// Processed is set once a marker has been assigned to a history.
	Processed Flag = 1 << iota
	// SelectedTarget marks the provisional aim target of the frame.
	SelectedTarget
)

// Has reports whether all bits of f are set.
func (fl Flag) Has(f Flag) bool { return fl&f == f }

// SizeClass is the physical size of a marker, used by the pose solver.
type SizeClass uint8

const (
	Small SizeClass = iota
	Large
)

func (s SizeClass) String() string {
	switch s {
	case Small:
		return "small"
	case Large:
		return "large"
	default:
		return fmt.Sprintf("SizeClass(%d)", uint8(s))
	}
}

// ParseSizeClass parses "small" or "large".
func ParseSizeClass(s string) (SizeClass, error) {
	switch s {
	case "small", "":
		return Small, nil
	case "large":
		return Large, nil
	default:
		return Small, fmt.Errorf("unknown size class %q", s)
	}
}

// Corner indices into DetectedMarker.Corners.
const (
	LeftBottom = iota
	LeftTop
	RightTop
	RightBottom
)

// DetectedMarker is one marker found in one frame. It does not outlive the
// tracker update it is passed to.
type DetectedMarker struct {
	// Corners are ordered left-light-bottom, left-light-top, right-light-top,
	// right-light-bottom. They are not necessarily in convex hull order.
	Corners [4]r2.Point
	Center  r2.Point
	Offset  r3.Vector // camera space, mm
	Size    SizeClass
	Flags   Flag
}

// Set raises f on the marker.
func (m *DetectedMarker) Set(f Flag) { m.Flags |= f }

// Clear lowers f on the marker.
func (m *DetectedMarker) Clear(f Flag) { m.Flags &^= f }

// ImageSize returns the marker width and height in pixels as a point
// (X = width, Y = height), averaging opposite edges.
func (m *DetectedMarker) ImageSize() r2.Point {
	c := m.Corners
	width := (c[RightBottom].Sub(c[LeftBottom]).Norm() + c[RightTop].Sub(c[LeftTop]).Norm()) / 2
	height := (c[LeftTop].Sub(c[LeftBottom]).Norm() + c[RightTop].Sub(c[RightBottom]).Norm()) / 2
	return r2.Point{X: width, Y: height}
}

// PoseSolver turns the four image corners of a marker into a camera-space
// offset using a calibrated camera model.
type PoseSolver interface {
	SolvePose(corners [4]r2.Point, size SizeClass) (r3.Vector, error)
}

// PoseSolverFunc adapts a function to PoseSolver.
type PoseSolverFunc func(corners [4]r2.Point, size SizeClass) (r3.Vector, error)

// SolvePose calls f.
func (f PoseSolverFunc) SolvePose(corners [4]r2.Point, size SizeClass) (r3.Vector, error) {
	return f(corners, size)
}

// NewMarker builds a DetectedMarker from its corners, deriving the center as
// the corner mean and the offset from solver.
func NewMarker(corners [4]r2.Point, size SizeClass, solver PoseSolver) (DetectedMarker, error) {
	var center r2.Point
	for _, c := range corners {
		center = center.Add(c)
	}
	center = center.Mul(0.25)

	offset, err := solver.SolvePose(corners, size)
	if err != nil {
		return DetectedMarker{}, fmt.Errorf("solve pose: %w", err)
	}
	return DetectedMarker{
		Corners: corners,
		Center:  center,
		Offset:  offset,
		Size:    size,
	}, nil
}
