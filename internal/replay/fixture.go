// Package replay feeds recorded detector output into the frame loop for
// development without a camera.
//
// A fixture file is JSON lines, one frame per line:
//
//	{"t_ms": 10, "markers": [{"corners": [[290,212],[290,188],[350,188],[350,212]], "center": [320,200], "offset": [100,-50,2000], "size": "small"}]}
//
// Blank lines and lines starting with '#' are ignored.
package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/armor"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Fixture is one recorded frame. At is relative to the start of the file.
type Fixture struct {
	At      time.Duration
	Markers []armor.DetectedMarker
}

type jsonFixture struct {
	TMs     float64      `json:"t_ms"`
	Markers []jsonMarker `json:"markers"`
}

type jsonMarker struct {
	Corners [][2]float64 `json:"corners"`
	Center  *[2]float64  `json:"center,omitempty"`
	Offset  [3]float64   `json:"offset"`
	Size    string       `json:"size,omitempty"`
}

// Load parses a fixture stream. Frame times must not decrease.
func Load(r io.Reader) ([]Fixture, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var out []Fixture
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var jf jsonFixture
		if err := json.Unmarshal([]byte(text), &jf); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		f, err := jf.fixture()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(out); n > 0 && f.At < out[n-1].At {
			return nil, fmt.Errorf("line %d: t_ms goes backwards", line)
		}
		out = append(out, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("fixture has no frames")
	}
	return out, nil
}

// LoadFile loads a fixture from path.
func LoadFile(path string) ([]Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fixtures, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fixtures, nil
}

func (jf jsonFixture) fixture() (Fixture, error) {
	if math.IsNaN(jf.TMs) || math.IsInf(jf.TMs, 0) || jf.TMs < 0 {
		return Fixture{}, fmt.Errorf("invalid t_ms %v", jf.TMs)
	}
	f := Fixture{At: time.Duration(jf.TMs * float64(time.Millisecond))}

	for i, jm := range jf.Markers {
		if len(jm.Corners) != 4 {
			return Fixture{}, fmt.Errorf("marker %d: want 4 corners, got %d", i, len(jm.Corners))
		}
		size, err := armor.ParseSizeClass(jm.Size)
		if err != nil {
			return Fixture{}, fmt.Errorf("marker %d: %w", i, err)
		}

		m := armor.DetectedMarker{
			Offset: r3.Vector{X: jm.Offset[0], Y: jm.Offset[1], Z: jm.Offset[2]},
			Size:   size,
		}
		for c, p := range jm.Corners {
			m.Corners[c] = r2.Point{X: p[0], Y: p[1]}
		}
		if jm.Center != nil {
			m.Center = r2.Point{X: jm.Center[0], Y: jm.Center[1]}
		} else {
			m.Center = m.Corners[0].Add(m.Corners[1]).Add(m.Corners[2]).Add(m.Corners[3]).Mul(0.25)
		}
		f.Markers = append(f.Markers, m)
	}
	return f, nil
}
