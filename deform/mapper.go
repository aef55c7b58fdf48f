package deform

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/james-bowman/sparse"
	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

type Basis uint8

const (
	Trilinear Basis = iota // Cell local, C0 across cells
	Bernstein              // Global Sederberg-Parry volume
)

func (b Basis) String() string {
	return [...]string{"trilinear", "bernstein"}[b]
}

func ParseBasis(s string) (b Basis, err error) {
	switch strings.ToLower(s) {
	case "", "trilinear":
		return Trilinear, nil
	case "bernstein":
		return Bernstein, nil
	}
	return 0, fmt.Errorf("unknown basis %q, want trilinear or bernstein", s)
}

const (
	hullTolerance  = 1e-9
	newtonMaxIter  = 30
	newtonTol      = 1e-12
	degenerateDetJ = 1e-300
)

// Mapper carries surface vertices embedded in the reference lattice. The
// blending weights are computed once and stored as a sparse matrix W with
// one row per vertex and one column per control point. The forward map
// (W·D) and its transpose (Wᵀ·s) both read the same matrix.
type Mapper struct {
	Basis     Basis
	reference *ffd.Lattice
	rest      []r3.Vec
	W         *sparse.CSR
	inside    int
}

// Embedding locates one vertex in the lattice: the cell holding it and the
// local coordinates within that cell, each in [0,1].
type Embedding struct {
	Inside bool
	Cell   [3]int
	Local  r3.Vec
	Global r3.Vec // Parametric coordinates over the whole box
}

// NewMapper embeds vertices in the reference lattice. Vertices outside the
// lattice hull are carried with an empty weight row and never move.
func NewMapper(vertices []r3.Vec, reference *ffd.Lattice, basis Basis) (m *Mapper, err error) {
	var (
		shape = reference.Shape
		nv    = len(vertices)
	)
	if shape.NX < 2 || shape.NY < 2 || shape.NZ < 2 {
		err = fmt.Errorf("deformation needs at least 2 control points per direction, have %s", shape)
		return
	}
	if nv == 0 {
		err = errors.New("no surface vertices to embed")
		return
	}
	m = &Mapper{
		Basis:     basis,
		reference: reference.Clone(),
		rest:      append([]r3.Vec(nil), vertices...),
	}
	var (
		emb = make([]Embedding, nv)
		pm  = utils.NewPartitionMap(0, nv)
	)
	pm.ParallelRange(func(np, kMin, kMax int) {
		for k := kMin; k < kMax; k++ {
			emb[k] = Embed(m.reference, vertices[k])
		}
	})
	dok := sparse.NewDOK(nv, reference.Len())
	for v, e := range emb {
		if !e.Inside {
			continue
		}
		m.inside++
		for cp, w := range m.weights(e) {
			if w != 0 {
				dok.Set(v, cp, w)
			}
		}
	}
	m.W = dok.ToCSR()
	return
}

// weights evaluates the blending functions of one embedded vertex.
func (m *Mapper) weights(e Embedding) (w map[int]float64) {
	shape := m.reference.Shape
	w = make(map[int]float64)
	switch m.Basis {
	case Bernstein:
		var (
			bi = bernstein(shape.NX-1, e.Global.X)
			bj = bernstein(shape.NY-1, e.Global.Y)
			bk = bernstein(shape.NZ-1, e.Global.Z)
		)
		for k, wk := range bk {
			for j, wj := range bj {
				for i, wi := range bi {
					w[shape.Index(i, j, k)] = wi * wj * wk
				}
			}
		}
	default:
		for n, f := range trilinearShape(e.Local) {
			w[shape.Index(e.Cell[0]+n&1, e.Cell[1]+(n>>1)&1, e.Cell[2]+(n>>2)&1)] += f
		}
	}
	return
}

// Len returns the number of surface vertices.
func (m *Mapper) Len() int { return len(m.rest) }

// NumInside returns the number of vertices inside the lattice hull.
func (m *Mapper) NumInside() int { return m.inside }

func (m *Mapper) Reference() *ffd.Lattice { return m.reference }

// Weights returns the nonzero blending weights of vertex v keyed by control
// point index.
func (m *Mapper) Weights(v int) (w map[int]float64) {
	w = make(map[int]float64)
	m.W.DoNonZero(func(i, j int, val float64) {
		if i == v {
			w[j] = val
		}
	})
	return
}

// Displacements returns W·D, the displacement of every surface vertex.
func (m *Mapper) Displacements(field ffd.DisplacementField) (disp []r3.Vec) {
	var (
		ncp = m.reference.Len()
		D   = make([]r3.Vec, ncp)
	)
	for index, d := range field {
		if index < 0 || index >= ncp {
			panic(&ffd.ConsistencyError{
				Msg: fmt.Sprintf("displacement for control point %d, lattice has %d points", index, ncp),
			})
		}
		D[index] = d
	}
	disp = make([]r3.Vec, len(m.rest))
	m.W.DoNonZero(func(i, j int, w float64) {
		disp[i] = r3.Add(disp[i], r3.Scale(w, D[j]))
	})
	return
}

// Map returns the displaced surface X0 + W·D. A vertex on a lattice node
// moves with that node, a vertex outside the hull does not move.
func (m *Mapper) Map(field ffd.DisplacementField) (verts []r3.Vec) {
	verts = m.Displacements(field)
	for n, x0 := range m.rest {
		verts[n] = r3.Add(x0, verts[n])
	}
	return
}

// MapLattice deforms the surface to follow the current lattice.
func (m *Mapper) MapLattice(current *ffd.Lattice) []r3.Vec {
	return m.Map(current.Sub(m.reference))
}

// Transpose returns Wᵀ·s, accumulating per-vertex values onto the control
// points, indexed by control point.
func (m *Mapper) Transpose(values []r3.Vec) (out []r3.Vec) {
	if len(values) != len(m.rest) {
		panic(&ffd.ConsistencyError{
			Msg: fmt.Sprintf("%d vertex values for a surface of %d vertices", len(values), len(m.rest)),
		})
	}
	out = make([]r3.Vec, m.reference.Len())
	m.W.DoNonZero(func(i, j int, w float64) {
		out[j] = r3.Add(out[j], r3.Scale(w, values[i]))
	})
	return
}

/*
	Trilinear map over the 8 corners of a hexahedron, corner n at
	(n&1, (n>>1)&1, (n>>2)&1) in local coordinates (u, v, w).
*/
func trilinearShape(p r3.Vec) (N [8]float64) {
	for n := 0; n < 8; n++ {
		f := 1.
		for a, s := range [3]float64{p.X, p.Y, p.Z} {
			if (n>>a)&1 == 1 {
				f *= s
			} else {
				f *= 1 - s
			}
		}
		N[n] = f
	}
	return
}

// trilinearEval returns the mapped point and its Jacobian, row major with
// columns d/du, d/dv, d/dw.
func trilinearEval(c [8]r3.Vec, p r3.Vec) (x r3.Vec, J *r3.Mat) {
	var (
		N  = trilinearShape(p)
		s  = [3]float64{p.X, p.Y, p.Z}
		dX [3]r3.Vec
		dN = func(n, a int) float64 {
			f := 1.
			for b := 0; b < 3; b++ {
				bit := (n >> b) & 1
				switch {
				case b == a:
					if bit == 0 {
						f = -f
					}
				case bit == 1:
					f *= s[b]
				default:
					f *= 1 - s[b]
				}
			}
			return f
		}
	)
	for n := 0; n < 8; n++ {
		x = r3.Add(x, r3.Scale(N[n], c[n]))
		for a := 0; a < 3; a++ {
			dX[a] = r3.Add(dX[a], r3.Scale(dN(n, a), c[n]))
		}
	}
	J = r3.NewMat([]float64{
		dX[0].X, dX[1].X, dX[2].X,
		dX[0].Y, dX[1].Y, dX[2].Y,
		dX[0].Z, dX[1].Z, dX[2].Z,
	})
	return
}

// invertTrilinear solves X(p) = target for p by Newton iteration from p0.
func invertTrilinear(c [8]r3.Vec, target, p0 r3.Vec) (p r3.Vec, ok bool) {
	var (
		delta = mat.NewVecDense(3, nil)
		cond  mat.Condition
	)
	p = p0
	for it := 0; it < newtonMaxIter; it++ {
		x, J := trilinearEval(c, p)
		r := r3.Sub(target, x)
		if math.Abs(J.Det()) < degenerateDetJ {
			return
		}
		err := delta.SolveVec(J, mat.NewVecDense(3, []float64{r.X, r.Y, r.Z}))
		if err != nil && !errors.As(err, &cond) {
			return
		}
		step := r3.Vec{X: delta.AtVec(0), Y: delta.AtVec(1), Z: delta.AtVec(2)}
		p = r3.Add(p, step)
		if r3.Norm(step) < newtonTol {
			return p, true
		}
	}
	// Newton on a trilinear map converges quadratically near a solution, a
	// residual check catches the slow cases
	x, _ := trilinearEval(c, p)
	return p, r3.Norm(r3.Sub(target, x)) < newtonTol*(1+r3.Norm(target))
}

func bernstein(n int, t float64) (b []float64) {
	b = make([]float64, n+1)
	for i := 0; i <= n; i++ {
		b[i] = binomial(n, i) * math.Pow(t, float64(i)) * math.Pow(1-t, float64(n-i))
	}
	return
}

func binomial(n, k int) float64 {
	r := 1.
	for i := 1; i <= k; i++ {
		r *= float64(n-k+i) / float64(i)
	}
	return r
}
