package optimize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/notargets/adjointffd/deform"
	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/geometry"
	"github.com/notargets/adjointffd/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// plate is a flat n x n vertex grid at z = 0.5 over [0.2,0.8]^2.
func plate(n int) *geometry.Surface {
	s := &geometry.Surface{Name: "plate"}
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			s.Vertices = append(s.Vertices, r3.Vec{
				X: 0.2 + 0.6*float64(i)/float64(n-1),
				Y: 0.2 + 0.6*float64(j)/float64(n-1),
				Z: 0.5,
			})
		}
	}
	for j := 0; j < n-1; j++ {
		for i := 0; i < n-1; i++ {
			a := i + n*j
			s.Triangles = append(s.Triangles, [3]int{a, a + 1, a + 1 + n}, [3]int{a, a + 1 + n, a + n})
		}
	}
	return s
}

// fakeSolver stands in for the mesher and solver. The objective is the
// squared distance of the deformed plate to a target lifted by 0.02 in z,
// with its exact vertex gradient as the sensitivity. worsenAt adds 1 to one
// objective, from flatFrom on the sensitivity is zero.
type fakeSolver struct {
	mapper        *deform.Mapper
	target        []r3.Vec
	failMeshAt    int
	failSolveAt   int
	worsenAt      int
	flatFrom      int
	noSensitivity bool
	meshCalls     int
}

func newFakeSolver(t *testing.T, surf *geometry.Surface, reference *ffd.Lattice) *fakeSolver {
	m, err := deform.NewMapper(surf.Vertices, reference, deform.Trilinear)
	require.NoError(t, err)
	f := &fakeSolver{mapper: m, failMeshAt: -1, failSolveAt: -1, worsenAt: -1, flatFrom: -1}
	for _, v := range surf.Vertices {
		f.target = append(f.target, r3.Add(v, r3.Vec{Z: 0.02}))
	}
	return f
}

func (f *fakeSolver) Mesh(_ context.Context, req MeshRequest) (art MeshArtifact, err error) {
	f.meshCalls++
	if req.Iteration == f.failMeshAt {
		return art, errors.New("mesher crashed")
	}
	art.Mesh = filepath.Join(req.WorkDir, "mesh.txt")
	err = os.WriteFile(art.Mesh, []byte("mesh\n"), 0644)
	return
}

func (f *fakeSolver) Solve(_ context.Context, req SolveRequest) (art SolveArtifact, err error) {
	if req.Iteration == f.failSolveAt {
		return art, errors.New("solver diverged")
	}
	var L *ffd.Lattice
	if L, err = ffd.Load(filepath.Join(req.WorkDir, latticeFile)); err != nil {
		return
	}
	x := f.mapper.MapLattice(L)
	var b strings.Builder
	fmt.Fprintf(&b, "%d 3\n", len(x))
	flat := f.flatFrom >= 0 && req.Iteration >= f.flatFrom
	for n, v := range x {
		r := r3.Sub(v, f.target[n])
		art.Objective += 0.5 * r3.Dot(r, r)
		if flat {
			r = r3.Vec{}
		}
		b.WriteString(strconv.FormatFloat(r.X, 'g', -1, 64) + " " +
			strconv.FormatFloat(r.Y, 'g', -1, 64) + " " +
			strconv.FormatFloat(r.Z, 'g', -1, 64) + "\n")
	}
	if req.Iteration == f.worsenAt {
		art.Objective += 1
	}
	art.Sensitivity = filepath.Join(req.WorkDir, "sensitivity.dat")
	if f.noSensitivity {
		return
	}
	err = os.WriteFile(art.Sensitivity, []byte(b.String()), 0644)
	return
}

type cancelAfter struct {
	iteration int
	cancel    context.CancelFunc
	finished  int
}

func (c *cancelAfter) OnIteration(_ *OptimizationState, rec IterationRecord) {
	if rec.Iteration == c.iteration {
		c.cancel()
	}
}

func (c *cancelAfter) OnFinish(*OptimizationState) { c.finished++ }

type loopFixture struct {
	cfg     Config
	surface *geometry.Surface
	lattice *ffd.Lattice
	solver  *fakeSolver
	store   history.Store
}

func newFixture(t *testing.T, maxIterations int) *loopFixture {
	surf := plate(5)
	L, err := ffd.BoxAround(surf.Bounds(), ffd.BoxOptions{
		Shape:  ffd.Shape{NX: 3, NY: 3, NZ: 3},
		Offset: r3.Vec{X: 0.1, Y: 0.1, Z: 0.1},
	})
	require.NoError(t, err)
	dir := t.TempDir()
	store, err := history.Open(filepath.Join(dir, "history.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &loopFixture{
		cfg: Config{
			OutputDir: dir,
			Basis:     deform.Trilinear,
			Step: StepConfig{
				InitialStep:     0.01,
				MinStep:         1e-6,
				MaxStep:         0.02,
				GrowFactor:      1.5,
				ShrinkFactor:    0.5,
				RejectWorse:     true,
				MaxDisplacement: 0.015,
				Normalization:   NormMax,
				MaxIterations:   maxIterations,
			},
		},
		surface: surf,
		lattice: L,
		solver:  newFakeSolver(t, surf, L),
		store:   store,
	}
}

func (f *loopFixture) loop(t *testing.T, state *OptimizationState, opts ...Option) *Loop {
	l, err := NewLoop(f.cfg, f.surface, state, f.solver, f.store, opts...)
	require.NoError(t, err)
	return l
}

func load(t *testing.T, path string) *ffd.Lattice {
	t.Helper()
	L, err := ffd.Load(path)
	require.NoError(t, err)
	return L
}

func TestLoopRunsToExhaustion(t *testing.T) {
	f := newFixture(t, 5)
	l := f.loop(t, NewState(f.lattice))
	assert.Equal(t, f.surface.NumVertices(), l.Mapper().NumInside())

	state, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, state.Status)
	assert.Nil(t, state.Failure)
	require.Len(t, state.History, 5)
	for n, rec := range state.History {
		assert.Equal(t, n, rec.Iteration)
		assert.Equal(t, state.RunID, rec.RunID)
	}
	// The first two steps move every vertex toward the target
	assert.True(t, state.History[1].Accepted)
	assert.Less(t, state.History[1].Objective, state.History[0].Objective)
	assert.InDelta(t, 25*0.5*0.02*0.02, state.History[0].Objective, 1e-15)
	assert.Equal(t, 5, f.solver.meshCalls)

	records, err := f.store.Records()
	require.NoError(t, err)
	require.Len(t, records, 5)
	for n := range records {
		assert.True(t, records[n].Timestamp.Equal(state.History[n].Timestamp))
		assert.Equal(t, state.History[n].Objective, records[n].Objective)
	}

	for n := 0; n < 5; n++ {
		assert.FileExists(t, f.cfg.LatticePath(n))
		assert.FileExists(t, filepath.Join(f.cfg.OutputDir, fmt.Sprintf("iter%04d", n), surfaceFile))
	}
	assert.NoFileExists(t, f.cfg.LatticePath(5))
	final := load(t, filepath.Join(f.cfg.OutputDir, ControlPointDir, DefaultStem+"Final.csv"))
	assert.Equal(t, state.Lattice.Positions(), final.Positions())
	assert.Equal(t, f.lattice.Positions(), load(t, f.cfg.LatticePath(0)).Positions())

	// The evaluated lattice of iteration 1 is iteration 0 stepped along -g
	L1 := load(t, f.cfg.LatticePath(1))
	for n, p := range L1.Points {
		dz := p.Pos.Z - f.lattice.Points[n].Pos.Z
		assert.GreaterOrEqual(t, dz, 0.)
		assert.LessOrEqual(t, dz, 0.01+1e-15)
		assert.Equal(t, f.lattice.Points[n].Pos.X, p.Pos.X)
	}
}

func TestLoopConvergesAtIterationK(t *testing.T) {
	const k = 3
	f := newFixture(t, 10)
	f.cfg.Step.GradientTolerance = 1e-9
	// Every evaluation is accepted, so only the gradient decides
	f.cfg.Step.RejectWorse = false
	f.solver.flatFrom = k
	state, err := f.loop(t, NewState(f.lattice)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, state.Status)
	require.Len(t, state.History, k+1)
	for n, rec := range state.History {
		assert.True(t, rec.Accepted, "iteration %d", n)
		if n < k {
			assert.Greater(t, rec.GradientNorm, 1e-9, "iteration %d", n)
		}
	}
	assert.Equal(t, 0., state.History[k].GradientNorm)
	assert.Equal(t, k, state.Iteration)
	assert.Equal(t, k+1, f.solver.meshCalls)

	// The converged lattice is the last evaluated one, nothing follows it
	evaluated := load(t, f.cfg.LatticePath(k))
	assert.Equal(t, evaluated.Positions(), state.Lattice.Positions())
	final := load(t, filepath.Join(f.cfg.OutputDir, ControlPointDir, DefaultStem+"Final.csv"))
	assert.Equal(t, evaluated.Positions(), final.Positions())
	assert.NoFileExists(t, f.cfg.LatticePath(k+1))

	_, err = Resume(f.cfg, f.store)
	assert.ErrorContains(t, err, "nothing to resume")
}

func TestLoopRejectedStepRestartsFromAccepted(t *testing.T) {
	f := newFixture(t, 4)
	f.solver.worsenAt = 2
	state, err := f.loop(t, NewState(f.lattice)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, state.Status)
	require.Len(t, state.History, 4)
	assert.True(t, state.History[1].Accepted)
	assert.False(t, state.History[2].Accepted)
	// 0.01 grown by 1.5 after the improvement, then halved
	assert.InDelta(t, 0.015, state.History[1].StepSize, 1e-15)
	assert.InDelta(t, 0.0075, state.History[2].StepSize, 1e-15)

	// Lattices 2 and 3 both step from lattice 1 along its gradient, the
	// second with half the step
	var (
		L1 = load(t, f.cfg.LatticePath(1))
		L2 = load(t, f.cfg.LatticePath(2))
		L3 = load(t, f.cfg.LatticePath(3))
	)
	movedMax := 0.
	for n := range L1.Points {
		d2 := r3.Sub(L2.Points[n].Pos, L1.Points[n].Pos)
		d3 := r3.Sub(L3.Points[n].Pos, L1.Points[n].Pos)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(d3, r3.Scale(0.5, d2))), 1e-12, "point %d", n)
		assert.LessOrEqual(t, d3.Z, 0.0075+1e-12)
		movedMax = max(movedMax, d3.Z)
	}
	assert.InDelta(t, 0.0075, movedMax, 1e-12)
}

func TestLoopMeshFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.solver.failMeshAt = 2
	state, err := f.loop(t, NewState(f.lattice)).Run(context.Background())
	require.Error(t, err)
	var ef *ExternalFailure
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, 2, ef.Iteration)
	assert.Equal(t, "mesh", ef.Step)
	assert.Contains(t, err.Error(), "mesher crashed")

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, err, state.Failure)
	assert.Len(t, state.History, 2)
	assert.Equal(t, 2, state.Iteration)
	assert.Equal(t, load(t, f.cfg.LatticePath(2)).Positions(), state.Lattice.Positions())

	records, err := f.store.Records()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestLoopSolveFailures(t *testing.T) {
	f := newFixture(t, 10)
	f.solver.failSolveAt = 0
	state, err := f.loop(t, NewState(f.lattice)).Run(context.Background())
	var ef *ExternalFailure
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, "solve", ef.Step)
	assert.Empty(t, state.History)
	assert.Equal(t, f.lattice.Positions(), state.Lattice.Positions())

	f = newFixture(t, 10)
	f.solver.noSensitivity = true
	state, err = f.loop(t, NewState(f.lattice)).Run(context.Background())
	require.True(t, errors.As(err, &ef))
	assert.Equal(t, "sensitivity", ef.Step)
	assert.Equal(t, 0, ef.Iteration)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestLoopCancellation(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &cancelAfter{iteration: 1, cancel: cancel}
	state, err := f.loop(t, NewState(f.lattice), WithObserver(obs)).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, state.Status)
	assert.Len(t, state.History, 2)
	assert.Equal(t, 2, state.Iteration)
	assert.Equal(t, 1, obs.finished)
	assert.FileExists(t, f.cfg.LatticePath(2))
}

func TestLoopResume(t *testing.T) {
	f := newFixture(t, 6)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first, err := f.loop(t, NewState(f.lattice), WithObserver(&cancelAfter{iteration: 2, cancel: cancel})).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, first.History, 3)

	state, err := Resume(f.cfg, f.store)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, state.RunID)
	assert.Equal(t, 3, state.Iteration)
	assert.Len(t, state.History, 3)
	assert.Equal(t, first.Lattice.Positions(), state.Lattice.Positions())
	assert.Equal(t, f.lattice.Positions(), state.Reference.Positions())

	state, err = f.loop(t, state).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, state.Status)
	require.Len(t, state.History, 6)
	assert.True(t, state.History[3].Accepted)

	records, err := f.store.Records()
	require.NoError(t, err)
	require.Len(t, records, 6)
	for n, rec := range records {
		assert.Equal(t, n, rec.Iteration)
		assert.Equal(t, first.RunID, rec.RunID)
	}

	_, err = Resume(f.cfg, f.store)
	assert.ErrorContains(t, err, "nothing to resume")
}

func TestNewLoopRejectsDisjointLattice(t *testing.T) {
	f := newFixture(t, 5)
	far, err := ffd.BoxAround(r3.Box{Min: r3.Vec{X: 5, Y: 5, Z: 5}, Max: r3.Vec{X: 6, Y: 6, Z: 6}},
		ffd.BoxOptions{Shape: ffd.Shape{NX: 2, NY: 2, NZ: 2}})
	require.NoError(t, err)
	_, err = NewLoop(f.cfg, f.surface, NewState(far), f.solver, f.store)
	assert.ErrorContains(t, err, "no surface vertex")

	_, err = Resume(f.cfg, f.store)
	assert.ErrorContains(t, err, "no history")
}

func TestCheckArtifact(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, checkArtifact(""))
	assert.Error(t, checkArtifact(filepath.Join(dir, "missing")))
	assert.ErrorContains(t, checkArtifact(dir), "empty")
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	assert.ErrorContains(t, checkArtifact(empty), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("x"), 0644))
	assert.NoError(t, checkArtifact(empty))
	assert.NoError(t, checkArtifact(dir))
}
