package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/notargets/adjointffd/deform"
	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/geometry"
	"github.com/notargets/adjointffd/history"
	"github.com/notargets/adjointffd/utils"
	"go.uber.org/zap"
)

const (
	ControlPointDir = "controlPoints"
	DefaultStem     = "boxcpsBsplines"
	surfaceFile     = "surface.stl"
	latticeFile     = "controlPoints"
)

type Config struct {
	OutputDir string
	Stem      string // Control point file stem, numbered per iteration
	Basis     deform.Basis
	Step      StepConfig
}

func (c Config) stem() string {
	if c.Stem == "" {
		return DefaultStem
	}
	return c.Stem
}

// LatticePath returns the CSV control point file of an iteration, the one
// format that also carries the design variable flags.
func (c Config) LatticePath(iteration int) string {
	return filepath.Join(c.OutputDir, ControlPointDir, fmt.Sprintf("%s%d.csv", c.stem(), iteration))
}

type Option func(*Loop)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithObserver(obs Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, obs) }
}

// Loop drives deform, mesh, solve, reduce and step, one iteration at a
// time. Iteration n evaluates the lattice persisted as <stem>n.
type Loop struct {
	cfg       Config
	surface   *geometry.Surface
	collab    Collaborator
	store     history.Store
	mapper    *deform.Mapper
	ctl       *StepController
	state     *OptimizationState
	observers []Observer
	logger    *zap.Logger
}

// NewLoop prepares a run from a fresh state (NewState) or a resumed one
// (Resume). The surface is the undeformed geometry matching
// state.Reference.
func NewLoop(cfg Config, surface *geometry.Surface, state *OptimizationState,
	collab Collaborator, store history.Store, opts ...Option) (l *Loop, err error) {
	l = &Loop{
		cfg:     cfg,
		surface: surface,
		collab:  collab,
		store:   store,
		state:   state,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ctl, err = NewStepController(cfg.Step); err != nil {
		return nil, err
	}
	if l.mapper, err = deform.NewMapper(surface.Vertices, state.Reference, cfg.Basis); err != nil {
		return nil, err
	}
	l.logger.Info("surface embedded in control lattice",
		zap.Int("vertices", l.mapper.Len()),
		zap.Int("inside", l.mapper.NumInside()),
		zap.Stringer("shape", state.Reference.Shape),
		zap.Stringer("basis", cfg.Basis))
	if l.mapper.NumInside() == 0 {
		return nil, errors.New("no surface vertex lies inside the control lattice")
	}

	if len(state.History) == 0 {
		return l, l.persist(state.Lattice, state.Iteration)
	}
	var (
		last     = state.History[len(state.History)-1]
		accepted []float64
	)
	for _, r := range history.Accepted(state.History) {
		accepted = append(accepted, r.Objective)
	}
	l.ctl.Restore(last.StepSize, len(state.History), accepted)
	l.logger.Info("resuming run",
		zap.Stringer("run", state.RunID), zap.Int("iteration", state.Iteration),
		zap.Float64("step", l.ctl.StepSize()))
	return
}

func (l *Loop) State() *OptimizationState { return l.state }

func (l *Loop) Mapper() *deform.Mapper { return l.mapper }

// Run iterates until the step controller reaches a terminal state, an
// external step fails, or ctx is cancelled. Cancellation is honored between
// iterations only; collaborator calls always run to completion.
func (l *Loop) Run(ctx context.Context) (state *OptimizationState, err error) {
	state = l.state
	defer func() {
		for _, obs := range l.observers {
			obs.OnFinish(state)
		}
		fields := []zap.Field{
			zap.Stringer("run", state.RunID),
			zap.Stringer("status", state.Status),
			zap.Int("iterations", len(state.History)),
		}
		if best, ok := state.Best(); ok {
			fields = append(fields, zap.Float64("bestObjective", best.Objective), zap.Int("bestIteration", best.Iteration))
		}
		if state.Failure != nil {
			l.logger.Error("optimization failed", append(fields, zap.Error(state.Failure))...)
		} else {
			l.logger.Info("optimization finished", fields...)
		}
	}()
	if l.ctl.State() == Exhausted {
		state.Status = StatusExhausted
		return
	}
	solverCtx := context.WithoutCancel(ctx)
	for !state.Done() {
		if err = ctx.Err(); err != nil {
			state.Status = StatusCancelled
			return
		}
		if err = l.iterate(solverCtx); err != nil {
			state.Status = StatusFailed
			state.Failure = err
			return
		}
	}
	return
}

func (l *Loop) iterate(ctx context.Context) (err error) {
	var (
		state   = l.state
		n       = state.Iteration
		L       = state.Lattice
		workDir = filepath.Join(l.cfg.OutputDir, fmt.Sprintf("iter%04d", n))
		fail    = func(step string, err error) error {
			return &ExternalFailure{Iteration: n, Step: step, Err: err}
		}
	)
	if err = os.MkdirAll(workDir, 0755); err != nil {
		return
	}
	deformed := l.surface.WithVertices(l.mapper.MapLattice(L))
	surfPath := filepath.Join(workDir, surfaceFile)
	if err = geometry.WriteSTL(surfPath, deformed, true); err != nil {
		return fail("deform", err)
	}
	cpPath := filepath.Join(workDir, latticeFile)
	if err = L.Save(cpPath); err != nil {
		return
	}

	if err = l.ctl.Begin(); err != nil {
		return
	}
	mesh, err := l.collab.Mesh(ctx, MeshRequest{
		Iteration:     n,
		WorkDir:       workDir,
		Surface:       surfPath,
		ControlPoints: cpPath,
	})
	if err != nil {
		return fail("mesh", err)
	}
	if err = checkArtifact(mesh.Mesh); err != nil {
		return fail("mesh", err)
	}
	sol, err := l.collab.Solve(ctx, SolveRequest{
		Iteration: n,
		WorkDir:   workDir,
		Surface:   surfPath,
		Mesh:      mesh.Mesh,
	})
	if err != nil {
		return fail("solve", err)
	}
	if math.IsNaN(sol.Objective) || math.IsInf(sol.Objective, 0) {
		return fail("solve", fmt.Errorf("non-finite objective %v", sol.Objective))
	}
	if err = checkArtifact(sol.Sensitivity); err != nil {
		return fail("sensitivity", err)
	}
	sens, err := deform.ReadSensitivity(sol.Sensitivity, deformed)
	if err != nil {
		return fail("sensitivity", err)
	}

	grad := deform.Reduce(l.mapper, sens)
	d, err := l.ctl.Next(sol.Objective, grad, L)
	if err != nil {
		return
	}
	rec := IterationRecord{
		RunID:        state.RunID,
		Iteration:    n,
		Objective:    sol.Objective,
		GradientNorm: d.GradientNorm,
		StepSize:     l.ctl.StepSize(),
		Accepted:     d.Accepted,
		Timestamp:    time.Now().UTC(),
	}
	if d.State.Terminal() {
		state.Lattice = d.Base
		if _, err = d.Base.SaveAll(filepath.Join(l.cfg.OutputDir, ControlPointDir), l.cfg.stem()+"Final"); err != nil {
			return
		}
	} else {
		// The next lattice is on disk before its record, so a resumed run
		// always finds the lattice following the last record
		next := d.Base.Displace(d.Field)
		if err = l.persist(next, n+1); err != nil {
			return
		}
		state.Lattice = next
		state.Iteration = n + 1
	}
	if err = l.store.Append(rec); err != nil {
		return
	}
	state.History = append(state.History, rec)
	switch d.State {
	case Converged:
		state.Status = StatusConverged
	case Exhausted:
		state.Status = StatusExhausted
	}

	l.logger.Info("iteration",
		zap.Int("iteration", n),
		zap.Float64("objective", rec.Objective),
		zap.Float64("gradientNorm", rec.GradientNorm),
		zap.Float64("step", rec.StepSize),
		zap.Bool("accepted", rec.Accepted),
		zap.Stringer("state", d.State))
	l.logger.Debug("memory", zap.String("usage", utils.GetMemUsage()))
	for _, obs := range l.observers {
		obs.OnIteration(state, rec)
	}
	return
}

func (l *Loop) persist(L *ffd.Lattice, iteration int) (err error) {
	_, err = L.SaveAll(filepath.Join(l.cfg.OutputDir, ControlPointDir), fmt.Sprintf("%s%d", l.cfg.stem(), iteration))
	return
}

// checkArtifact requires path to be a non-empty file or directory.
func checkArtifact(path string) error {
	if path == "" {
		return errors.New("no artifact path reported")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected artifact missing: %w", err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("artifact directory %s is empty", path)
		}
		return nil
	}
	if info.Size() == 0 {
		return fmt.Errorf("artifact %s is empty", path)
	}
	return nil
}

// Resume rebuilds the state of an interrupted run from its history and
// control point files. The last run in the store is resumed.
func Resume(cfg Config, store history.Store) (state *OptimizationState, err error) {
	var records []IterationRecord
	if records, err = store.Records(); err != nil {
		return
	}
	if len(records) == 0 {
		return nil, errors.New("no history to resume from")
	}
	runID := records[len(records)-1].RunID
	state = &OptimizationState{RunID: runID}
	for _, r := range records {
		if r.RunID == runID {
			state.History = append(state.History, r)
		}
	}
	last := state.History[len(state.History)-1]
	if state.Reference, err = ffd.Load(cfg.LatticePath(0)); err != nil {
		return nil, fmt.Errorf("loading reference lattice: %w", err)
	}
	state.Iteration = last.Iteration + 1
	path := cfg.LatticePath(state.Iteration)
	if _, err = os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("run %s finished at iteration %d, nothing to resume", runID, last.Iteration)
	}
	if state.Lattice, err = ffd.Load(path); err != nil {
		return nil, err
	}
	if state.Lattice.Shape != state.Reference.Shape {
		return nil, &ffd.FormatError{Source: path,
			Msg: fmt.Sprintf("shape %s does not match the reference %s", state.Lattice.Shape, state.Reference.Shape)}
	}
	return
}
