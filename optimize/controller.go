package optimize

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/notargets/adjointffd/deform"
	"github.com/notargets/adjointffd/ffd"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrTerminal is returned when a finished controller is stepped again.
var ErrTerminal = errors.New("step controller is in a terminal state")

type State uint8

const (
	Ready State = iota
	Evaluating
	Converged
	Exhausted
)

func (s State) String() string {
	return [...]string{"ready", "evaluating", "converged", "exhausted"}[s]
}

func (s State) Terminal() bool { return s == Converged || s == Exhausted }

// Normalization scales the descent direction before the step size is
// applied.
type Normalization uint8

const (
	NormMax  Normalization = iota // Largest active component becomes 1
	NormL2                        // Unit L2 norm over the active components
	NormNone                      // Raw gradient
)

func (n Normalization) String() string {
	return [...]string{"max", "l2", "none"}[n]
}

func ParseNormalization(s string) (Normalization, error) {
	switch strings.ToLower(s) {
	case "", "max":
		return NormMax, nil
	case "l2":
		return NormL2, nil
	case "none":
		return NormNone, nil
	}
	return 0, fmt.Errorf("unknown normalization %q, want max, l2 or none", s)
}

type StepConfig struct {
	InitialStep     float64
	MinStep         float64 // Below this the run is exhausted
	MaxStep         float64
	GrowFactor      float64 // Applied after an improvement, >= 1
	ShrinkFactor    float64 // Applied after a worsening, in (0,1)
	WorsenTolerance float64 // Relative objective increase tolerated without shrinking
	RejectWorse     bool
	MaxDisplacement float64 // Per axis bound on one iteration's move, 0 disables
	Normalization   Normalization

	GradientTolerance  float64
	ObjectiveTolerance float64 // Relative change over Window accepted iterations
	Window             int
	MaxIterations      int
}

func DefaultStepConfig() StepConfig {
	return StepConfig{
		InitialStep:        1e-3,
		MinStep:            1e-6,
		MaxStep:            1e-2,
		GrowFactor:         1.2,
		ShrinkFactor:       0.5,
		WorsenTolerance:    1e-3,
		RejectWorse:        true,
		MaxDisplacement:    5e-3,
		Normalization:      NormMax,
		GradientTolerance:  1e-8,
		ObjectiveTolerance: 1e-5,
		Window:             3,
		MaxIterations:      20,
	}
}

func (c StepConfig) Validate() error {
	switch {
	case !(c.InitialStep > 0):
		return fmt.Errorf("initial step must be > 0, have %g", c.InitialStep)
	case c.MinStep < 0 || c.MinStep > c.InitialStep:
		return fmt.Errorf("min step %g must be in [0, initial step %g]", c.MinStep, c.InitialStep)
	case c.MaxStep < c.InitialStep:
		return fmt.Errorf("max step %g is below the initial step %g", c.MaxStep, c.InitialStep)
	case c.GrowFactor < 1:
		return fmt.Errorf("grow factor must be >= 1, have %g", c.GrowFactor)
	case !(c.ShrinkFactor > 0 && c.ShrinkFactor < 1):
		return fmt.Errorf("shrink factor must be in (0,1), have %g", c.ShrinkFactor)
	case c.WorsenTolerance < 0 || c.MaxDisplacement < 0:
		return fmt.Errorf("tolerances and bounds must be >= 0")
	case c.GradientTolerance < 0 || c.ObjectiveTolerance < 0 || c.Window < 0:
		return fmt.Errorf("convergence tolerances must be >= 0")
	case c.MaxIterations < 1:
		return fmt.Errorf("max iterations must be >= 1, have %d", c.MaxIterations)
	}
	return nil
}

// Decision is the controller's verdict on one evaluated lattice. Unless the
// state is terminal, the next lattice is Base displaced by Field.
type Decision struct {
	State        State
	Accepted     bool
	Base         *ffd.Lattice
	Field        ffd.DisplacementField
	StepSize     float64 // Step used to build Field
	GradientNorm float64
}

type evaluation struct {
	objective float64
	gradient  deform.ReducedGradient
	lattice   *ffd.Lattice
}

// StepController chooses steepest descent updates of the control lattice
// with a trust region style step size: grow after an improvement, shrink
// and optionally reject after a worsening.
type StepController struct {
	cfg         StepConfig
	state       State
	step        float64
	evaluations int
	objectives  []float64 // Accepted objectives, oldest first
	last        *evaluation
}

func NewStepController(cfg StepConfig) (c *StepController, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	c = &StepController{
		cfg:  cfg,
		step: cfg.InitialStep,
	}
	return
}

func (c *StepController) State() State      { return c.state }
func (c *StepController) StepSize() float64 { return c.step }
func (c *StepController) Evaluations() int  { return c.evaluations }

// Restore continues a run from its history. The first evaluation after a
// restore is always accepted since the gradient of the last accepted
// lattice is not persisted.
func (c *StepController) Restore(step float64, evaluations int, accepted []float64) {
	c.step = math.Min(math.Max(step, c.cfg.MinStep), c.cfg.MaxStep)
	c.evaluations = evaluations
	c.objectives = append([]float64(nil), accepted...)
	c.last = nil
	c.state = Ready
	if c.evaluations >= c.cfg.MaxIterations {
		c.state = Exhausted
	}
}

// Begin marks the start of an external evaluation.
func (c *StepController) Begin() error {
	switch c.state {
	case Ready:
		c.state = Evaluating
		return nil
	case Evaluating:
		return fmt.Errorf("evaluation already in progress")
	}
	return ErrTerminal
}

// Next takes the result of the evaluation started by Begin.
func (c *StepController) Next(objective float64, grad deform.ReducedGradient, L *ffd.Lattice) (d Decision, err error) {
	switch c.state {
	case Ready:
		return d, fmt.Errorf("no evaluation in progress, call Begin first")
	case Converged, Exhausted:
		return d, ErrTerminal
	}
	if len(grad.Values) != L.Len() {
		panic(&ffd.ConsistencyError{
			Msg: fmt.Sprintf("gradient of %d points for a lattice of %d points", len(grad.Values), L.Len()),
		})
	}
	c.evaluations++
	d.Accepted = true
	if c.last != nil {
		prev := c.last.objective
		switch {
		case objective < prev:
			c.step = math.Min(c.step*c.cfg.GrowFactor, c.cfg.MaxStep)
		case objective-prev > c.cfg.WorsenTolerance*math.Abs(prev):
			c.step *= c.cfg.ShrinkFactor
			d.Accepted = !c.cfg.RejectWorse
		}
	}
	if d.Accepted {
		c.last = &evaluation{objective: objective, gradient: grad, lattice: L}
		c.objectives = append(c.objectives, objective)
	}
	d.Base = c.last.lattice
	d.GradientNorm = grad.Norm(L)

	switch {
	case d.Accepted && c.converged(d.GradientNorm):
		c.state = Converged
	case c.evaluations >= c.cfg.MaxIterations || c.step < c.cfg.MinStep:
		c.state = Exhausted
	default:
		c.state = Ready
		d.StepSize = c.step
		d.Field = c.direction(c.last.gradient, c.last.lattice)
	}
	d.State = c.state
	return
}

func (c *StepController) converged(gnorm float64) bool {
	if gnorm <= c.cfg.GradientTolerance {
		return true
	}
	n, w := len(c.objectives), c.cfg.Window
	if w < 1 || n <= w {
		return false
	}
	now, then := c.objectives[n-1], c.objectives[n-1-w]
	return math.Abs(now-then) <= c.cfg.ObjectiveTolerance*math.Max(math.Abs(then), math.SmallestNonzeroFloat64)
}

// direction returns step * normalize(-g) over the active axes, clamped per
// axis to the maximum displacement.
func (c *StepController) direction(g deform.ReducedGradient, L *ffd.Lattice) (field ffd.DisplacementField) {
	var scale float64
	switch c.cfg.Normalization {
	case NormMax:
		scale = g.MaxNorm(L)
	case NormL2:
		scale = g.Norm(L)
	default:
		scale = 1
	}
	if scale == 0 {
		scale = 1
	}
	var (
		bound = c.cfg.MaxDisplacement
		f     = -c.step / scale
	)
	field = make(ffd.DisplacementField)
	for n, v := range g.Values {
		var d r3.Vec
		for a := 0; a < 3; a++ {
			if !L.Points[n].Active[a] {
				continue
			}
			s := f * ffd.Component(v, a)
			if bound > 0 {
				s = math.Max(-bound, math.Min(bound, s))
			}
			d = ffd.SetComponent(d, a, s)
		}
		if d != (r3.Vec{}) {
			field[n] = d
		}
	}
	return
}
