/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/notargets/adjointffd/history"
	"github.com/notargets/adjointffd/optimize"
	"github.com/notargets/adjointffd/report"
	"github.com/spf13/cobra"
)

// ReportCmd represents the report command
var ReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Convergence plots, HTML report and ParaView series of a run",
	Long: `
Reads the iteration history (CSV or SQLite) and writes objective.png,
gradient.png and report.html. With --controlPoints the per-iteration CSV
lattices are converted to a VTK PolyData series with a PVD collection.

adjointffd report --history optimization/history.csv --out optimization/report \
    --controlPoints optimization/controlPoints --zip`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var (
			histPath = mustString(cmd, "history")
			out      = mustString(cmd, "out")
			cpDir    = mustString(cmd, "controlPoints")
			zip, _   = cmd.Flags().GetBool("zip")
		)
		if err = os.MkdirAll(out, 0755); err != nil {
			return
		}
		if histPath != "" {
			if err = historyReport(histPath, out); err != nil {
				return
			}
		}
		if cpDir != "" {
			var s report.Series
			s, err = report.ConvertSeries(cpDir, filepath.Join(out, "vtk"), report.SeriesOptions{
				Stem: mustString(cmd, "stem"),
				Zip:  zip,
			})
			if err != nil {
				return
			}
			fmt.Printf("%d time steps -> %s\n", len(s.Steps), s.PVD)
			if s.Archive != "" {
				fmt.Println(s.Archive)
			}
		}
		return
	},
}

func init() {
	rootCmd.AddCommand(ReportCmd)
	f := ReportCmd.Flags()
	f.String("history", "", "history file, .csv or .db")
	f.StringP("out", "o", "report", "output directory")
	f.String("controlPoints", "", "directory of per-iteration control point CSVs")
	f.String("stem", optimize.DefaultStem, "control point file stem")
	f.Bool("zip", false, "archive the VTK series")
}

func historyReport(path, out string) (err error) {
	// Opening a store creates the file, a typo should not
	if _, err = os.Stat(path); err != nil {
		return
	}
	var store history.Store
	if store, err = history.Open(path); err != nil {
		return
	}
	defer store.Close()
	var records []history.Record
	if records, err = store.Records(); err != nil {
		return
	}
	var paths []string
	if paths, err = report.PlotHistory(records, out); err != nil {
		return
	}
	html := filepath.Join(out, "report.html")
	var f *os.File
	if f, err = os.Create(html); err != nil {
		return
	}
	if err = report.HTMLReport(records, f); err != nil {
		f.Close()
		return
	}
	if err = f.Close(); err != nil {
		return
	}
	for _, p := range append(paths, html) {
		fmt.Println(p)
	}
	if best, ok := (&optimize.OptimizationState{History: records}).Best(); ok {
		fmt.Printf("%d evaluations, best objective %.8g at iteration %d\n", len(records), best.Objective, best.Iteration)
	}
	return
}
