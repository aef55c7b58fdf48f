package optimize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/notargets/adjointffd/deform"
	"github.com/notargets/adjointffd/ffd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func box(t *testing.T, shape ffd.Shape) *ffd.Lattice {
	t.Helper()
	L, err := ffd.BoxAround(r3.Box{Max: r3.Vec{X: 1, Y: 1, Z: 1}}, ffd.BoxOptions{Shape: shape})
	require.NoError(t, err)
	return L
}

func uniformGradient(L *ffd.Lattice, g r3.Vec) deform.ReducedGradient {
	vals := make([]r3.Vec, L.Len())
	for n := range vals {
		vals[n] = g
	}
	return deform.ReducedGradient{Values: vals}
}

func testConfig() StepConfig {
	return StepConfig{
		InitialStep:     0.1,
		MinStep:         1e-3,
		MaxStep:         0.3,
		GrowFactor:      2,
		ShrinkFactor:    0.5,
		WorsenTolerance: 0,
		RejectWorse:     true,
		Normalization:   NormMax,
		MaxIterations:   100,
	}
}

func TestStepClamp(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, norm := range []Normalization{NormMax, NormL2, NormNone} {
		cfg := testConfig()
		cfg.Normalization = norm
		cfg.InitialStep, cfg.MaxStep = 1e3, 1e3
		cfg.MaxDisplacement = 1e-3
		ctl, err := NewStepController(cfg)
		require.NoError(t, err)
		L := box(t, ffd.Shape{NX: 4, NY: 3, NZ: 3})
		for trial := 0; trial < 20; trial++ {
			g := make([]r3.Vec, L.Len())
			for n := range g {
				scale := math.Pow(10, 8*rng.Float64()-4)
				g[n] = r3.Vec{X: scale * rng.NormFloat64(), Y: scale * rng.NormFloat64(), Z: scale * rng.NormFloat64()}
			}
			require.NoError(t, ctl.Begin())
			d, err := ctl.Next(-float64(trial), deform.ReducedGradient{Values: g}, L)
			require.NoError(t, err)
			require.Equal(t, Ready, d.State)
			next := d.Base.Displace(d.Field)
			for n, p := range next.Points {
				move := r3.Sub(p.Pos, d.Base.Points[n].Pos)
				for a := 0; a < 3; a++ {
					assert.LessOrEqual(t, math.Abs(ffd.Component(move, a)), 1e-3+1e-15, "%s point %d", norm, n)
				}
			}
			L = next
		}
	}
}

func TestDescentDirection(t *testing.T) {
	ctl, err := NewStepController(testConfig())
	require.NoError(t, err)
	L := box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
	require.NoError(t, L.SetActive("xz", 0))
	g := uniformGradient(L, r3.Vec{X: 2, Y: 5, Z: -1})
	require.NoError(t, ctl.Begin())
	d, err := ctl.Next(1, g, L)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0.1, d.StepSize)
	// The y axis is inactive, the max norm is taken over x and z only
	for n := 0; n < 8; n++ {
		assert.InDelta(t, -0.1, d.Field[n].X, 1e-15)
		assert.Equal(t, 0., d.Field[n].Y)
		assert.InDelta(t, 0.05, d.Field[n].Z, 1e-15)
	}
	assert.InDelta(t, math.Sqrt(8*5), d.GradientNorm, 1e-12)
}

func TestStepSizeAdaptation(t *testing.T) {
	ctl, err := NewStepController(testConfig())
	require.NoError(t, err)
	var (
		L0   = box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
		g    = uniformGradient(L0, r3.Vec{X: 1})
		L    = L0
		step = func(obj float64) Decision {
			require.NoError(t, ctl.Begin())
			d, err := ctl.Next(obj, g, L)
			require.NoError(t, err)
			if d.Field != nil {
				L = d.Base.Displace(d.Field)
			}
			return d
		}
	)
	d := step(10)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0.1, d.StepSize)

	d = step(9)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0.2, d.StepSize)
	assert.InDelta(t, -0.1-0.2, L.Points[0].Pos.X, 1e-15)

	d = step(8)
	assert.Equal(t, 0.3, d.StepSize) // Bounded by MaxStep

	// Worse: rejected, the next lattice comes from the last accepted one
	last := d.Base
	d = step(12)
	assert.False(t, d.Accepted)
	assert.Equal(t, 0.15, d.StepSize)
	assert.Same(t, last, d.Base)
	assert.InDelta(t, last.Points[0].Pos.X-0.15, L.Points[0].Pos.X, 1e-15)

	// Keep failing until the step falls under MinStep
	for ctl.State() != Exhausted {
		d = step(20)
		assert.False(t, d.Accepted)
	}
	assert.Equal(t, Exhausted, d.State)
	assert.Less(t, ctl.StepSize(), 1e-3)
	assert.ErrorIs(t, ctl.Begin(), ErrTerminal)
}

func TestWorseWithinToleranceIsAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.WorsenTolerance = 0.01
	cfg.RejectWorse = true
	ctl, err := NewStepController(cfg)
	require.NoError(t, err)
	L := box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
	g := uniformGradient(L, r3.Vec{Z: 1})
	for n, obj := range []float64{100, 100.5} {
		require.NoError(t, ctl.Begin())
		d, err := ctl.Next(obj, g, L)
		require.NoError(t, err)
		assert.True(t, d.Accepted, "evaluation %d", n)
		assert.Equal(t, 0.1, d.StepSize)
	}
}

func TestConvergesAtIterationK(t *testing.T) {
	const k = 7
	cfg := testConfig()
	cfg.GradientTolerance = 5e-7
	cfg.MaxIterations = 50
	ctl, err := NewStepController(cfg)
	require.NoError(t, err)
	L := box(t, ffd.Shape{NX: 3, NY: 2, NZ: 2})
	for it := 1; it <= k; it++ {
		// Gradient norm decays by a decade per iteration, 1e-7 at k
		gz := math.Pow(10, float64(-it)) / math.Sqrt(float64(L.Len()))
		require.NoError(t, ctl.Begin())
		d, err := ctl.Next(1/float64(it), uniformGradient(L, r3.Vec{Z: gz}), L)
		require.NoError(t, err)
		if it < k {
			require.Equal(t, Ready, d.State, "iteration %d", it)
			L = d.Base.Displace(d.Field)
		} else {
			assert.Equal(t, Converged, d.State)
			assert.Nil(t, d.Field)
			assert.Same(t, L, d.Base)
		}
	}
	assert.Equal(t, k, ctl.Evaluations())
	_, err = ctl.Next(0, uniformGradient(L, r3.Vec{}), L)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestObjectiveWindowConvergence(t *testing.T) {
	cfg := testConfig()
	cfg.ObjectiveTolerance = 1e-3
	cfg.Window = 2
	ctl, err := NewStepController(cfg)
	require.NoError(t, err)
	L := box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
	g := uniformGradient(L, r3.Vec{X: 1})
	objectives := []float64{1, 0.9, 0.8999, 0.89985}
	for n, obj := range objectives {
		require.NoError(t, ctl.Begin())
		d, err := ctl.Next(obj, g, L)
		require.NoError(t, err)
		if n < 3 {
			// |0.8999 - 1| is still above the tolerance at n == 2
			assert.Equal(t, Ready, d.State, "evaluation %d", n)
		} else {
			assert.Equal(t, Converged, d.State)
		}
	}
}

func TestExhaustedByBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	ctl, err := NewStepController(cfg)
	require.NoError(t, err)
	L := box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
	var d Decision
	for it := 0; it < 3; it++ {
		require.NoError(t, ctl.Begin())
		d, err = ctl.Next(-float64(it), uniformGradient(L, r3.Vec{X: 1}), L)
		require.NoError(t, err)
	}
	assert.Equal(t, Exhausted, d.State)
	assert.True(t, d.Accepted)
}

func TestControllerProtocol(t *testing.T) {
	ctl, err := NewStepController(testConfig())
	require.NoError(t, err)
	L := box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
	_, err = ctl.Next(1, uniformGradient(L, r3.Vec{}), L)
	assert.Error(t, err)
	require.NoError(t, ctl.Begin())
	assert.Error(t, ctl.Begin())
	assert.Panics(t, func() {
		ctl.Next(1, deform.ReducedGradient{Values: make([]r3.Vec, 3)}, L)
	})

	bad := testConfig()
	bad.ShrinkFactor = 1
	_, err = NewStepController(bad)
	assert.Error(t, err)
	assert.NoError(t, DefaultStepConfig().Validate())

	n, err := ParseNormalization("L2")
	require.NoError(t, err)
	assert.Equal(t, NormL2, n)
	_, err = ParseNormalization("l1")
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 4
	ctl, err := NewStepController(cfg)
	require.NoError(t, err)
	ctl.Restore(0.2, 2, []float64{5, 4})
	assert.Equal(t, 0.2, ctl.StepSize())
	L := box(t, ffd.Shape{NX: 2, NY: 2, NZ: 2})
	require.NoError(t, ctl.Begin())
	// Worse than the last accepted objective, but nothing to fall back on
	d, err := ctl.Next(9, uniformGradient(L, r3.Vec{X: 1}), L)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0.2, d.StepSize)

	ctl.Restore(0.2, 4, nil)
	assert.Equal(t, Exhausted, ctl.State())
}
