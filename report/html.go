package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/notargets/adjointffd/history"
)

// HTMLReport renders an interactive page with the objective, gradient norm
// and step size of every evaluation.
func HTMLReport(records []history.Record, w io.Writer) error {
	if len(records) == 0 {
		return ErrNoRecords
	}
	var (
		iterations = make([]int, len(records))
		objective  = make([]opts.LineData, len(records))
		best       = make([]opts.LineData, len(records))
		gradient   = make([]opts.LineData, len(records))
		step       = make([]opts.LineData, len(records))
		bestSoFar  float64
		haveBest   bool
	)
	for n, r := range records {
		iterations[n] = r.Iteration
		objective[n] = opts.LineData{Value: r.Objective}
		if r.Accepted && (!haveBest || r.Objective < bestSoFar) {
			bestSoFar, haveBest = r.Objective, true
		}
		if haveBest {
			best[n] = opts.LineData{Value: bestSoFar}
		} else {
			best[n] = opts.LineData{Value: "-"}
		}
		gradient[n] = opts.LineData{Value: r.GradientNorm}
		step[n] = opts.LineData{Value: r.StepSize}
	}
	subtitle := fmt.Sprintf("run=%s evaluations=%d", records[0].RunID, len(records))

	newLine := func(title, yName, yType string) *charts.Line {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: "FFD optimization", Width: "100%", Height: "420px"}),
			charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "iteration", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: yName, Type: yType}),
		)
		line.SetXAxis(iterations)
		return line
	}

	objChart := newLine("Objective", "J", "value")
	objChart.AddSeries("objective", objective).
		AddSeries("best accepted", best)

	yType := "log"
	for _, r := range records {
		if !(r.GradientNorm > 0) {
			yType = "value"
		}
	}
	gradChart := newLine("Reduced gradient norm", "|dJ/dP|", yType)
	gradChart.AddSeries("gradient norm", gradient)

	stepChart := newLine("Step size", "step", "value")
	stepChart.AddSeries("step", step)

	page := components.NewPage()
	page.AddCharts(objChart, gradChart, stepChart)
	return page.Render(w)
}
