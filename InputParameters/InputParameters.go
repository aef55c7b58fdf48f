package InputParameters

import (
	"fmt"
	"path/filepath"

	"github.com/ghodss/yaml"
	"github.com/notargets/adjointffd/deform"
	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/geometry"
	"github.com/notargets/adjointffd/optimize"
	"gonum.org/v1/gonum/spatial/r3"
)

// Parameters obtained from the YAML input file
type OptimizationParameters struct {
	Title         string           `json:"Title"`
	Surface       string           `json:"Surface"`       // STL or SU2 surface of the optimized body
	UnitScale     float64          `json:"UnitScale"`     // Applied to the surface at load, 0.001 for mm
	ControlPoints string           `json:"ControlPoints"` // Initial lattice, a box is built around the surface when empty
	Box           BoxParameters    `json:"Box"`
	Basis         string           `json:"Basis"`
	ActiveAxes    string           `json:"ActiveAxes"`
	FrozenLayers  int              `json:"FrozenLayers"`
	OutputDir     string           `json:"OutputDir"`
	Stem          string           `json:"Stem"`
	History       string           `json:"History"` // .csv or .db, relative to OutputDir
	Step          StepParameters   `json:"Step"`
	Solver        SolverParameters `json:"Solver"`
}

type BoxParameters struct {
	Shape  [3]int     `json:"Shape"`
	Offset [3]float64 `json:"Offset"` // Absolute growth per side
	Margin [3]float64 `json:"Margin"` // Growth per side relative to the surface extent
	XStart *float64   `json:"XStart"`
	XEnd   *float64   `json:"XEnd"`
}

type StepParameters struct {
	InitialStep        float64 `json:"InitialStep"`
	MinStep            float64 `json:"MinStep"`
	MaxStep            float64 `json:"MaxStep"`
	GrowFactor         float64 `json:"GrowFactor"`
	ShrinkFactor       float64 `json:"ShrinkFactor"`
	WorsenTolerance    float64 `json:"WorsenTolerance"`
	RejectWorse        bool    `json:"RejectWorse"`
	MaxDisplacement    float64 `json:"MaxDisplacement"`
	Normalization      string  `json:"Normalization"`
	GradientTolerance  float64 `json:"GradientTolerance"`
	ObjectiveTolerance float64 `json:"ObjectiveTolerance"`
	Window             int     `json:"Window"`
	MaxIterations      int     `json:"MaxIterations"`
}

type SolverParameters struct {
	MeshCommand     string `json:"MeshCommand"`
	SolveCommand    string `json:"SolveCommand"`
	MeshFile        string `json:"MeshFile"`
	SensitivityFile string `json:"SensitivityFile"`
	ObjectiveFile   string `json:"ObjectiveFile"`
	ObjectiveColumn int    `json:"ObjectiveColumn"`
}

// NewOptimizationParameters returns the defaults that keys missing from an
// input file keep.
func NewOptimizationParameters() *OptimizationParameters {
	sc := optimize.DefaultStepConfig()
	return &OptimizationParameters{
		UnitScale:  1,
		Box:        BoxParameters{Shape: [3]int{5, 5, 5}},
		Basis:      deform.Trilinear.String(),
		ActiveAxes: "xyz",
		OutputDir:  "optimization",
		Stem:       optimize.DefaultStem,
		History:    "history.csv",
		Step: StepParameters{
			InitialStep:        sc.InitialStep,
			MinStep:            sc.MinStep,
			MaxStep:            sc.MaxStep,
			GrowFactor:         sc.GrowFactor,
			ShrinkFactor:       sc.ShrinkFactor,
			WorsenTolerance:    sc.WorsenTolerance,
			RejectWorse:        sc.RejectWorse,
			MaxDisplacement:    sc.MaxDisplacement,
			Normalization:      sc.Normalization.String(),
			GradientTolerance:  sc.GradientTolerance,
			ObjectiveTolerance: sc.ObjectiveTolerance,
			Window:             sc.Window,
			MaxIterations:      sc.MaxIterations,
		},
		Solver: SolverParameters{ObjectiveColumn: -1},
	}
}

func (ip *OptimizationParameters) Parse(data []byte) error {
	return yaml.Unmarshal(data, ip)
}

func (ip *OptimizationParameters) Validate() (err error) {
	switch {
	case ip.Surface == "":
		return fmt.Errorf("no Surface file given")
	case !(ip.UnitScale > 0):
		return fmt.Errorf("UnitScale must be > 0, have %g", ip.UnitScale)
	case ip.FrozenLayers < 0:
		return fmt.Errorf("FrozenLayers must be >= 0, have %d", ip.FrozenLayers)
	case ip.OutputDir == "":
		return fmt.Errorf("no OutputDir given")
	}
	if ip.ControlPoints == "" {
		for a, n := range ip.Box.Shape {
			if n < 2 {
				return fmt.Errorf("Box.Shape[%d] must be >= 2, have %d", a, n)
			}
		}
	}
	if _, err = deform.ParseBasis(ip.Basis); err != nil {
		return
	}
	axesCheck, _ := ffd.NewLattice(ffd.Shape{NX: 1, NY: 1, NZ: 1}, []r3.Vec{{}})
	if err = axesCheck.SetActive(ip.ActiveAxes, 0); err != nil {
		return
	}
	if _, err = ip.StepConfig(); err != nil {
		return
	}
	s := ip.Solver
	for name, v := range map[string]string{
		"MeshCommand": s.MeshCommand, "SolveCommand": s.SolveCommand, "MeshFile": s.MeshFile,
		"SensitivityFile": s.SensitivityFile, "ObjectiveFile": s.ObjectiveFile,
	} {
		if v == "" {
			return fmt.Errorf("Solver.%s is empty", name)
		}
	}
	return
}

func (ip *OptimizationParameters) StepConfig() (sc optimize.StepConfig, err error) {
	s := ip.Step
	sc = optimize.StepConfig{
		InitialStep:        s.InitialStep,
		MinStep:            s.MinStep,
		MaxStep:            s.MaxStep,
		GrowFactor:         s.GrowFactor,
		ShrinkFactor:       s.ShrinkFactor,
		WorsenTolerance:    s.WorsenTolerance,
		RejectWorse:        s.RejectWorse,
		MaxDisplacement:    s.MaxDisplacement,
		GradientTolerance:  s.GradientTolerance,
		ObjectiveTolerance: s.ObjectiveTolerance,
		Window:             s.Window,
		MaxIterations:      s.MaxIterations,
	}
	if sc.Normalization, err = optimize.ParseNormalization(s.Normalization); err != nil {
		return
	}
	err = sc.Validate()
	return
}

func (ip *OptimizationParameters) LoopConfig() (cfg optimize.Config, err error) {
	cfg = optimize.Config{OutputDir: ip.OutputDir, Stem: ip.Stem}
	if cfg.Basis, err = deform.ParseBasis(ip.Basis); err != nil {
		return
	}
	cfg.Step, err = ip.StepConfig()
	return
}

func (ip *OptimizationParameters) ShellConfig(env optimize.SolverEnv) optimize.ShellConfig {
	s := ip.Solver
	return optimize.ShellConfig{
		MeshCommand:     s.MeshCommand,
		SolveCommand:    s.SolveCommand,
		MeshFile:        s.MeshFile,
		SensitivityFile: s.SensitivityFile,
		ObjectiveFile:   s.ObjectiveFile,
		ObjectiveColumn: s.ObjectiveColumn,
		Env:             env,
	}
}

func (ip *OptimizationParameters) HistoryPath() string {
	if filepath.IsAbs(ip.History) {
		return ip.History
	}
	return filepath.Join(ip.OutputDir, ip.History)
}

// LoadSurface reads the surface and converts it to solver units.
func (ip *OptimizationParameters) LoadSurface() (s *geometry.Surface, err error) {
	if s, err = geometry.ReadSurface(ip.Surface); err != nil {
		return
	}
	if ip.UnitScale != 1 {
		s.Scale(ip.UnitScale)
	}
	return
}

// Lattice returns the initial control lattice with the design variables
// set: the ControlPoints file when given, otherwise a box around surf.
func (ip *OptimizationParameters) Lattice(surf *geometry.Surface) (L *ffd.Lattice, err error) {
	if ip.ControlPoints != "" {
		L, err = ffd.Load(ip.ControlPoints)
	} else {
		b := ip.Box
		L, err = ffd.BoxAround(surf.Bounds(), ffd.BoxOptions{
			Shape:  ffd.Shape{NX: b.Shape[0], NY: b.Shape[1], NZ: b.Shape[2]},
			Offset: r3.Vec{X: b.Offset[0], Y: b.Offset[1], Z: b.Offset[2]},
			Margin: r3.Vec{X: b.Margin[0], Y: b.Margin[1], Z: b.Margin[2]},
			XStart: b.XStart,
			XEnd:   b.XEnd,
		})
	}
	if err != nil {
		return
	}
	err = L.SetActive(ip.ActiveAxes, ip.FrozenLayers)
	return
}

func (ip *OptimizationParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", ip.Title)
	fmt.Printf("[%s] x %g\t= Surface, unit scale\n", ip.Surface, ip.UnitScale)
	if ip.ControlPoints != "" {
		fmt.Printf("[%s]\t\t= Control points\n", ip.ControlPoints)
	} else {
		fmt.Printf("%v\t\t= Box shape, offset %v, margin %v\n", ip.Box.Shape, ip.Box.Offset, ip.Box.Margin)
	}
	fmt.Printf("[%s]\t\t= Basis\n", ip.Basis)
	fmt.Printf("[%s], %d\t\t= Active axes, frozen layers\n", ip.ActiveAxes, ip.FrozenLayers)
	fmt.Printf("%8.5g\t\t= Initial step, [%g, %g]\n", ip.Step.InitialStep, ip.Step.MinStep, ip.Step.MaxStep)
	fmt.Printf("%8d\t\t= Max iterations\n", ip.Step.MaxIterations)
	fmt.Printf("[%s]\t\t= Output directory\n", ip.OutputDir)
	fmt.Printf("[%s]\t= History\n", ip.HistoryPath())
}
