package deform

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/geometry"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// SensitivityField holds dJ/dx for every surface vertex, in the vertex order
// of the surface it was computed on.
type SensitivityField struct {
	Values []r3.Vec
}

/*
	Sensitivity file layout, as written by the adjoint solver wrapper:

		# comment lines start with '#'
		N C
		v_0 ...
		v_N-1 ...

	N is the vertex count, C is 1 for a normal sensitivity or 3 for a vector
	sensitivity. Scalar values are carried along the area weighted vertex
	normals of the surface.
*/

// ReadSensitivity reads a sensitivity file for surf.
func ReadSensitivity(path string, surf *geometry.Surface) (s *SensitivityField, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	if s, err = ParseSensitivity(f, surf); err != nil {
		if fe, ok := err.(*ffd.FormatError); ok {
			fe.Source = path
		}
	}
	return
}

func ParseSensitivity(r io.Reader, surf *geometry.Surface) (s *SensitivityField, err error) {
	var (
		scanner = bufio.NewScanner(r)
		line    int
		header  []int
		values  []float64
		fail    = func(format string, args ...interface{}) error {
			return &ffd.FormatError{Source: "sensitivity", Line: line, Msg: fmt.Sprintf(format, args...)}
		}
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<30)
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if idx := strings.IndexByte(text, '#'); idx >= 0 {
			text = text[:idx]
		}
		for _, field := range strings.Fields(text) {
			if len(header) < 2 {
				var n int
				if n, err = strconv.Atoi(field); err != nil || n < 0 {
					return nil, fail("expected header \"N C\", have %q", field)
				}
				header = append(header, n)
				continue
			}
			var v float64
			if v, err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fail("expected number, have %q", field)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fail("non-finite sensitivity %q", field)
			}
			values = append(values, v)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}
	if len(header) < 2 {
		return nil, fail("missing header \"N C\"")
	}
	N, C := header[0], header[1]
	switch {
	case C != 1 && C != 3:
		return nil, fail("component count must be 1 or 3, have %d", C)
	case len(values) != N*C:
		return nil, fail("header declares %d vertices of %d components, file has %d values", N, C, len(values))
	case surf != nil && N != surf.NumVertices():
		return nil, fail("%d sensitivities for a surface of %d vertices", N, surf.NumVertices())
	}
	s = &SensitivityField{Values: make([]r3.Vec, N)}
	if C == 3 {
		for n := range s.Values {
			s.Values[n] = r3.Vec{X: values[3*n], Y: values[3*n+1], Z: values[3*n+2]}
		}
		return s, nil
	}
	if surf == nil {
		return nil, fail("scalar sensitivities need the surface for vertex normals")
	}
	normals := surf.VertexNormals()
	for n, v := range values {
		s.Values[n] = r3.Scale(v, normals[n])
	}
	return s, nil
}

// ReducedGradient is dJ/dP for every control point, in lattice index order.
type ReducedGradient struct {
	Values []r3.Vec
}

// Reduce accumulates the vertex sensitivities onto the control points with
// the mapper's weights transposed.
func Reduce(m *Mapper, s *SensitivityField) ReducedGradient {
	return ReducedGradient{Values: m.Transpose(s.Values)}
}

// Active returns the gradient components flagged active in L, in index
// order, x before y before z within a point. A nil lattice selects all.
func (g ReducedGradient) Active(L *ffd.Lattice) (flat []float64) {
	for n, v := range g.Values {
		for a := 0; a < 3; a++ {
			if L == nil || L.Points[n].Active[a] {
				flat = append(flat, ffd.Component(v, a))
			}
		}
	}
	return
}

// Norm returns the L2 norm over the active components.
func (g ReducedGradient) Norm(L *ffd.Lattice) float64 {
	flat := g.Active(L)
	if len(flat) == 0 {
		return 0
	}
	return floats.Norm(flat, 2)
}

// MaxNorm returns the largest active component magnitude.
func (g ReducedGradient) MaxNorm(L *ffd.Lattice) float64 {
	flat := g.Active(L)
	if len(flat) == 0 {
		return 0
	}
	return floats.Norm(flat, math.Inf(1))
}

// AdjointCheck compares the directional derivative of an objective along a
// control point displacement computed two ways: through the reduced
// gradient, and by central differencing the objective of the mapped
// surface.
type AdjointCheck struct {
	Reduced    float64
	FiniteDiff float64
	AbsError   float64
	RelError   float64
}

func (c AdjointCheck) String() string {
	return fmt.Sprintf("reduced %.8e, finite difference %.8e, abs error %.3e, rel error %.3e",
		c.Reduced, c.FiniteDiff, c.AbsError, c.RelError)
}

// CheckAdjoint evaluates <D, Wᵀ dJ/dx> against (J(X(hD)) - J(X(-hD)))/2h.
// It is a diagnostic for weight consistency between the forward and
// reverse maps.
func CheckAdjoint(m *Mapper, objective func([]r3.Vec) float64, vertexGrad []r3.Vec,
	field ffd.DisplacementField, h float64) (c AdjointCheck) {
	var (
		g      = Reduce(m, &SensitivityField{Values: vertexGrad})
		scaled = func(f float64) ffd.DisplacementField {
			out := make(ffd.DisplacementField, len(field))
			for index, d := range field {
				out[index] = r3.Scale(f, d)
			}
			return out
		}
	)
	for index, d := range field {
		c.Reduced += r3.Dot(d, g.Values[index])
	}
	c.FiniteDiff = (objective(m.Map(scaled(h))) - objective(m.Map(scaled(-h)))) / (2 * h)
	c.AbsError = math.Abs(c.Reduced - c.FiniteDiff)
	c.RelError = c.AbsError / math.Max(math.Abs(c.FiniteDiff), math.SmallestNonzeroFloat64)
	return
}
