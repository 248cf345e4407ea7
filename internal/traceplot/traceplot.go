// Package traceplot turns a recorded session into charts and jitter
// statistics.
package traceplot

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/banshee-data/gimbal.aim/internal/db"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/banshee-data/gimbal.aim/internal/units"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Series holds plottable points. Angle points exist only for frames that
// sent a command; distance points only for frames with a prediction.
type Series struct {
	Unit     string      // angle unit of Yaw and Pitch
	Yaw      plotter.XYs // seconds, Unit
	Pitch    plotter.XYs
	Distance plotter.XYs // seconds, mm
}

// angleUnit maps an empty or unknown unit to degrees.
func angleUnit(unit string) string {
	if units.IsValid(unit) {
		return unit
	}
	return units.Degrees
}

func unitLabel(unit string) string {
	if unit == units.Radians {
		return "rad"
	}
	return "°"
}

// Build converts frames, in capture order, to series with time measured from
// the first frame and angles in unit (degrees when empty).
func Build(frames []db.FrameRecord, unit string) Series {
	s := Series{Unit: angleUnit(unit)}
	if len(frames) == 0 {
		return s
	}
	t0 := timeutil.Stamp(frames[0].Captured)
	for _, f := range frames {
		t := timeutil.Stamp(f.Captured).Sub(t0).Seconds()
		if f.Sent {
			s.Yaw = append(s.Yaw, plotter.XY{X: t, Y: units.ConvertAngle(f.Yaw, s.Unit)})
			s.Pitch = append(s.Pitch, plotter.XY{X: t, Y: units.ConvertAngle(f.Pitch, s.Unit)})
		}
		if f.HasPrediction {
			d := math.Sqrt(f.PredX*f.PredX + f.PredY*f.PredY + f.PredZ*f.PredZ)
			s.Distance = append(s.Distance, plotter.XY{X: t, Y: d})
		}
	}
	return s
}

// Summary describes how steady the commands of a session were. Jitter is the
// absolute change between consecutive sent commands, in Unit.
type Summary struct {
	Unit            string
	Frames          int
	Commands        int
	YawJitterMean   float64
	YawJitterStd    float64
	PitchJitterMean float64
	PitchJitterStd  float64
}

func Summarize(frames []db.FrameRecord, unit string) Summary {
	sum := Summary{Unit: angleUnit(unit), Frames: len(frames)}
	var dyaw, dpitch []float64
	var prev *db.FrameRecord
	for i := range frames {
		f := &frames[i]
		if !f.Sent {
			continue
		}
		sum.Commands++
		if prev != nil {
			dyaw = append(dyaw, units.ConvertAngle(math.Abs(f.Yaw-prev.Yaw), sum.Unit))
			dpitch = append(dpitch, units.ConvertAngle(math.Abs(f.Pitch-prev.Pitch), sum.Unit))
		}
		prev = f
	}
	if len(dyaw) > 0 {
		sum.YawJitterMean, sum.YawJitterStd = stat.MeanStdDev(dyaw, nil)
		sum.PitchJitterMean, sum.PitchJitterStd = stat.MeanStdDev(dpitch, nil)
	}
	if len(dyaw) == 1 {
		// a single sample has no spread
		sum.YawJitterStd, sum.PitchJitterStd = 0, 0
	}
	return sum
}

func (s Summary) String() string {
	u := unitLabel(s.Unit)
	return fmt.Sprintf("frames=%d commands=%d yaw jitter=%.3f±%.3f%s pitch jitter=%.3f±%.3f%s",
		s.Frames, s.Commands, s.YawJitterMean, s.YawJitterStd, u, s.PitchJitterMean, s.PitchJitterStd, u)
}

var (
	yawColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	pitchColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// SavePNG writes the command angles over time to path. The image format
// follows the file extension.
func SavePNG(s Series, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Command (" + unitLabel(s.Unit) + ")"

	for _, l := range []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"yaw", s.Yaw, yawColor},
		{"pitch", s.Pitch, pitchColor},
	} {
		if len(l.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(l.pts)
		if err != nil {
			return err
		}
		line.Color = l.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(l.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

func lineData(pts plotter.XYs) []opts.LineData {
	out := make([]opts.LineData, 0, len(pts))
	for _, p := range pts {
		out = append(out, opts.LineData{Value: []interface{}{p.X, p.Y}})
	}
	return out
}

// RenderHTML writes an interactive page with the command angles and the
// predicted target distance.
func RenderHTML(w io.Writer, s Series, title string, sum Summary) error {
	angles := charts.NewLine()
	angles.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: sum.String()}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Command (" + unitLabel(s.Unit) + ")"}),
	)
	angles.AddSeries("yaw", lineData(s.Yaw)).
		AddSeries("pitch", lineData(s.Pitch))

	dist := charts.NewLine()
	dist.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Predicted distance"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Distance (mm)"}),
	)
	dist.AddSeries("distance", lineData(s.Distance))

	page := components.NewPage()
	page.AddCharts(angles, dist)
	return page.Render(w)
}
