package report

import (
	"errors"
	"image/color"
	"path/filepath"

	"github.com/notargets/adjointffd/history"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	ErrNoRecords = errors.New("no iteration records")

	objectiveColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	rejectedColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	gradientColor  = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

const (
	ObjectivePlot = "objective.png"
	GradientPlot  = "gradient.png"
)

// PlotHistory writes the objective and gradient norm convergence plots into
// dir and returns their paths.
func PlotHistory(records []history.Record, dir string) (paths []string, err error) {
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	obj := filepath.Join(dir, ObjectivePlot)
	if err = PlotObjective(records, obj); err != nil {
		return
	}
	grad := filepath.Join(dir, GradientPlot)
	if err = PlotGradient(records, grad); err != nil {
		return
	}
	return []string{obj, grad}, nil
}

// PlotObjective draws the objective of accepted iterations as a line and
// rejected evaluations as crosses.
func PlotObjective(records []history.Record, path string) (err error) {
	if len(records) == 0 {
		return ErrNoRecords
	}
	var accepted, rejected plotter.XYs
	for _, r := range records {
		pt := plotter.XY{X: float64(r.Iteration), Y: r.Objective}
		if r.Accepted {
			accepted = append(accepted, pt)
		} else {
			rejected = append(rejected, pt)
		}
	}
	p := plot.New()
	p.Title.Text = "Objective"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "J"
	if len(accepted) > 0 {
		var line *plotter.Line
		if line, err = plotter.NewLine(accepted); err != nil {
			return
		}
		line.Color = objectiveColor
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("accepted", line)
	}
	if len(rejected) > 0 {
		var sc *plotter.Scatter
		if sc, err = plotter.NewScatter(rejected); err != nil {
			return
		}
		sc.GlyphStyle.Color = rejectedColor
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("rejected", sc)
	}
	p.Add(plotter.NewGrid())
	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}

// PlotGradient draws the reduced gradient norm, on a log axis when every
// norm is positive.
func PlotGradient(records []history.Record, path string) (err error) {
	if len(records) == 0 {
		return ErrNoRecords
	}
	var (
		pts      = make(plotter.XYs, 0, len(records))
		positive = true
	)
	for _, r := range records {
		pts = append(pts, plotter.XY{X: float64(r.Iteration), Y: r.GradientNorm})
		positive = positive && r.GradientNorm > 0
	}
	p := plot.New()
	p.Title.Text = "Reduced gradient"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "|dJ/dP|"
	if positive {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	var line *plotter.Line
	if line, err = plotter.NewLine(pts); err != nil {
		return
	}
	line.Color = gradientColor
	line.Width = vg.Points(1.5)
	p.Add(line, plotter.NewGrid())
	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}
