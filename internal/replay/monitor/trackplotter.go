// Package monitor renders debugging views of built sessions. The plots are
// a dev aid reachable from the debug endpoint, not part of the streaming
// path.
package monitor

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/race.replay/internal/replay"
	"github.com/banshee-data/race.replay/internal/units"
)

// RenderTrackPNG draws the session's track outline with one driver's path,
// next to that driver's speed trace over session time. The speed axis is
// converted to unit, one of units.ValidUnits. Returns the PNG bytes.
func RenderTrackPNG(d *replay.SessionData, driver, unit string) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("no session data")
	}
	if _, ok := d.DriverColors[driver]; !ok {
		return nil, fmt.Errorf("unknown driver %q", driver)
	}
	if !units.IsValid(unit) {
		return nil, fmt.Errorf("invalid units %q, expected one of %s", unit, units.GetValidUnitsString())
	}

	track, err := trackPlot(d, driver)
	if err != nil {
		return nil, err
	}
	speed, err := speedPlot(d, driver, unit)
	if err != nil {
		return nil, err
	}

	img := vgimg.New(16*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Points(10)}
	canvases := plot.Align([][]*plot.Plot{{track, speed}}, tiles, dc)
	track.Draw(canvases[0][0])
	speed.Draw(canvases[0][1])

	var buf bytes.Buffer
	w := vgimg.PngCanvas{Canvas: img}
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render track plot: %w", err)
	}
	return buf.Bytes(), nil
}

func driverColor(d *replay.SessionData, driver string) color.RGBA {
	c := d.DriverColors[driver]
	return color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}
}

func trackPlot(d *replay.SessionData, driver string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s track, %s path", d.Key, driver)
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	outline := make(plotter.XYs, len(d.TrackGeometry))
	for i, pt := range d.TrackGeometry {
		outline[i].X = pt.X
		outline[i].Y = pt.Y
	}
	if len(outline) > 0 {
		line, err := plotter.NewLine(outline)
		if err != nil {
			return nil, fmt.Errorf("track outline: %w", err)
		}
		line.Width = vg.Points(2)
		line.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
		p.Add(line)
		p.Legend.Add("track", line)
	}

	var path plotter.XYs
	for i := range d.Frames {
		if ds, ok := d.Frames[i].Drivers[driver]; ok {
			path = append(path, plotter.XY{X: ds.X, Y: ds.Y})
		}
	}
	if len(path) > 0 {
		line, err := plotter.NewLine(path)
		if err != nil {
			return nil, fmt.Errorf("driver path: %w", err)
		}
		line.Width = vg.Points(1)
		line.Color = driverColor(d, driver)
		p.Add(line)
		p.Legend.Add(driver, line)
	}
	return p, nil
}

func speedPlot(d *replay.SessionData, driver, unit string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s speed, %s", driver, d.Key)
	p.X.Label.Text = "session time (s)"
	p.Y.Label.Text = units.Label(unit)

	var trace plotter.XYs
	for i := range d.Frames {
		if ds, ok := d.Frames[i].Drivers[driver]; ok {
			trace = append(trace, plotter.XY{X: d.Frames[i].T, Y: units.ConvertSpeed(ds.Speed, unit)})
		}
	}
	if len(trace) > 0 {
		line, err := plotter.NewLine(trace)
		if err != nil {
			return nil, fmt.Errorf("speed trace: %w", err)
		}
		line.Width = vg.Points(1)
		line.Color = driverColor(d, driver)
		p.Add(line)
	}
	return p, nil
}
