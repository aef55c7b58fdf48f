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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/notargets/adjointffd/InputParameters"
	"github.com/notargets/adjointffd/geometry"
	"github.com/notargets/adjointffd/history"
	"github.com/notargets/adjointffd/metrics"
	"github.com/notargets/adjointffd/optimize"
	"github.com/notargets/adjointffd/report"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const exampleInput = `
########################################
Title: "Wing section"
Surface: wing.stl
UnitScale: 0.001           # mm -> m
Box:
  Shape: [8, 4, 4]
  Offset: [0.01, 0.01, 0.01]
ActiveAxes: z
FrozenLayers: 1
OutputDir: optimization
Step:
  InitialStep: 0.001
  MaxIterations: 20
Solver:
  MeshCommand: "./Allmesh {{.Surface}}"
  SolveCommand: "{{.Launcher}} simpleFoam -parallel && {{.Launcher}} adjointOptimisationFoam -parallel"
  MeshFile: constant/polyMesh
  SensitivityFile: sensitivity.dat
  ObjectiveFile: postProcessing/objective/0/objective.dat
########################################
`

type RunOptions struct {
	InputFile   string
	Resume      bool
	MetricsAddr string
	Profile     string
}

// OptimizeCmd represents the optimize command
var OptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Shape optimization runs",
}

var optimizeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run or resume an optimization described by a YAML input file",
	Long: `
Runs the optimization loop: deform the surface, mesh, solve the flow and
adjoint, reduce the surface sensitivities onto the control points and step.
Solver deployment is read from FFD_SHELL, FFD_LAUNCHER, FFD_NPROCS and
FFD_SOLVER_ENV.

adjointffd optimize run -I input.yaml [--resume] [--metricsAddr :9090]`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ro := RunOptions{}
		ro.InputFile, _ = cmd.Flags().GetString("inputConditionsFile")
		ro.Resume, _ = cmd.Flags().GetBool("resume")
		ro.MetricsAddr, _ = cmd.Flags().GetString("metricsAddr")
		ro.Profile, _ = cmd.Flags().GetString("profile")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return RunOptimization(ctx, ro)
	},
}

func init() {
	rootCmd.AddCommand(OptimizeCmd)
	OptimizeCmd.AddCommand(optimizeRunCmd)
	optimizeRunCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML file for input parameters like:\n\t- Surface\n\t- Box or ControlPoints\n\t- Step\n\t- Solver commands")
	optimizeRunCmd.Flags().Bool("resume", false, "continue the last run recorded in the history")
	optimizeRunCmd.Flags().String("metricsAddr", "", "serve /metrics, /healthz and /status on this address")
	optimizeRunCmd.Flags().String("profile", "", "write a cpu or mem profile into the output directory")
}

func readInput(path string) (ip *InputParameters.OptimizationParameters, err error) {
	if path == "" {
		fmt.Printf("Example File:%s\n", exampleInput)
		return nil, errors.New("must supply an input parameters file (-I, --inputConditionsFile)")
	}
	var data []byte
	if data, err = os.ReadFile(path); err != nil {
		return
	}
	ip = InputParameters.NewOptimizationParameters()
	if err = ip.Parse(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err = ip.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return
}

func RunOptimization(ctx context.Context, ro RunOptions) (err error) {
	var ip *InputParameters.OptimizationParameters
	if ip, err = readInput(ro.InputFile); err != nil {
		return
	}
	ip.Print()
	var logger *zap.Logger
	if logger, err = newLogger(); err != nil {
		return
	}
	defer logger.Sync()

	switch ro.Profile {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(ip.OutputDir), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(ip.OutputDir), profile.NoShutdownHook).Stop()
	default:
		return fmt.Errorf("unknown profile %q, want cpu or mem", ro.Profile)
	}

	surf, err := ip.LoadSurface()
	if err != nil {
		return
	}
	if err = surf.Validate(); err != nil {
		return
	}
	cfg, err := ip.LoopConfig()
	if err != nil {
		return
	}
	if err = os.MkdirAll(ip.OutputDir, 0755); err != nil {
		return
	}
	store, err := history.Open(ip.HistoryPath())
	if err != nil {
		return
	}
	defer store.Close()

	var state *optimize.OptimizationState
	if ro.Resume {
		state, err = optimize.Resume(cfg, store)
	} else {
		state, err = newState(ip, surf)
	}
	if err != nil {
		return
	}

	env, err := optimize.LoadSolverEnv(nil)
	if err != nil {
		return
	}
	collab, err := optimize.NewShellCollaborator(ip.ShellConfig(env), logger)
	if err != nil {
		return
	}

	opts := []optimize.Option{optimize.WithLogger(logger)}
	if ro.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		var rec *metrics.Recorder
		if rec, err = metrics.NewRecorder(reg); err != nil {
			return
		}
		opts = append(opts, optimize.WithObserver(rec))
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(serveCtx, ro.MetricsAddr, metrics.NewRouter(reg, rec, logger), logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	loop, err := optimize.NewLoop(cfg, surf, state, collab, store, opts...)
	if err != nil {
		return
	}
	state, err = loop.Run(ctx)
	state.Print()
	writeReports(state.History, filepath.Join(ip.OutputDir, "report"), logger)
	return
}

func newState(ip *InputParameters.OptimizationParameters, surf *geometry.Surface) (*optimize.OptimizationState, error) {
	L, err := ip.Lattice(surf)
	if err != nil {
		return nil, err
	}
	return optimize.NewState(L), nil
}

func writeReports(records []history.Record, dir string, logger *zap.Logger) {
	if len(records) == 0 {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("report directory", zap.Error(err))
		return
	}
	if _, err := report.PlotHistory(records, dir); err != nil {
		logger.Warn("convergence plots", zap.Error(err))
	}
	f, err := os.Create(filepath.Join(dir, "report.html"))
	if err != nil {
		logger.Warn("html report", zap.Error(err))
		return
	}
	defer f.Close()
	if err = report.HTMLReport(records, f); err != nil {
		logger.Warn("html report", zap.Error(err))
	}
}
