package ffd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Shape is the structured dimension of a control box, Plot3D ordered with
// i varying fastest.
type Shape struct {
	NX, NY, NZ int
}

func (s Shape) Len() int { return s.NX * s.NY * s.NZ }

func (s Shape) Index(i, j, k int) int { return i + s.NX*(j+s.NY*k) }

func (s Shape) IJK(index int) (i, j, k int) {
	i = index % s.NX
	j = (index / s.NX) % s.NY
	k = index / (s.NX * s.NY)
	return
}

func (s Shape) String() string {
	return fmt.Sprintf("%d x %d x %d", s.NX, s.NY, s.NZ)
}

type ControlPoint struct {
	Index  int
	Pos    r3.Vec
	Active [3]bool // Design variable flags for x, y, z
}

// Lattice is the free form deformation control box. The point count and
// the index set are fixed for the life of a run, points are only displaced.
type Lattice struct {
	Shape  Shape
	Points []ControlPoint
}

// DisplacementField maps control point index to a displacement.
type DisplacementField map[int]r3.Vec

// NewLattice builds a lattice with every axis active. len(pos) must match
// the shape.
func NewLattice(shape Shape, pos []r3.Vec) (L *Lattice, err error) {
	if shape.NX < 1 || shape.NY < 1 || shape.NZ < 1 {
		err = &FormatError{Msg: fmt.Sprintf("invalid lattice shape %s", shape)}
		return
	}
	if shape.Len() != len(pos) {
		err = &FormatError{Msg: fmt.Sprintf("lattice shape %s declares %d points, have %d",
			shape, shape.Len(), len(pos))}
		return
	}
	L = &Lattice{
		Shape:  shape,
		Points: make([]ControlPoint, len(pos)),
	}
	for n, p := range pos {
		if !isFinite(p) {
			err = &FormatError{Msg: fmt.Sprintf("non-finite coordinate at point %d: %v", n, p)}
			return nil, err
		}
		L.Points[n] = ControlPoint{Index: n, Pos: p, Active: [3]bool{true, true, true}}
	}
	return
}

func (L *Lattice) Len() int { return len(L.Points) }

func (L *Lattice) At(i, j, k int) r3.Vec {
	return L.Points[L.Shape.Index(i, j, k)].Pos
}

// Corners returns the 8 box corners in the hexahedral order used for
// trilinear interpolation: bit 0 selects i, bit 1 selects j, bit 2 selects k.
func (L *Lattice) Corners() (c [8]r3.Vec) {
	var (
		I = [2]int{0, L.Shape.NX - 1}
		J = [2]int{0, L.Shape.NY - 1}
		K = [2]int{0, L.Shape.NZ - 1}
	)
	for n := 0; n < 8; n++ {
		c[n] = L.At(I[n&1], J[(n>>1)&1], K[(n>>2)&1])
	}
	return
}

func (L *Lattice) Positions() (pos []r3.Vec) {
	pos = make([]r3.Vec, len(L.Points))
	for n, p := range L.Points {
		pos[n] = p.Pos
	}
	return
}

func (L *Lattice) Bounds() (b r3.Box) {
	if len(L.Points) == 0 {
		return
	}
	b = r3.Box{Min: L.Points[0].Pos, Max: L.Points[0].Pos}
	for _, p := range L.Points[1:] {
		b.Min = r3.Vec{X: math.Min(b.Min.X, p.Pos.X), Y: math.Min(b.Min.Y, p.Pos.Y), Z: math.Min(b.Min.Z, p.Pos.Z)}
		b.Max = r3.Vec{X: math.Max(b.Max.X, p.Pos.X), Y: math.Max(b.Max.Y, p.Pos.Y), Z: math.Max(b.Max.Z, p.Pos.Z)}
	}
	return
}

func (L *Lattice) Clone() (R *Lattice) {
	R = &Lattice{
		Shape:  L.Shape,
		Points: make([]ControlPoint, len(L.Points)),
	}
	copy(R.Points, L.Points)
	return
}

// Displace returns a new lattice with each point moved by its entry in the
// field. Points missing from the field are unmoved. An index outside the
// lattice is an internal consistency violation and panics.
func (L *Lattice) Displace(field DisplacementField) (R *Lattice) {
	R = L.Clone()
	for index, d := range field {
		if index < 0 || index >= len(R.Points) {
			panic(&ConsistencyError{
				Msg: fmt.Sprintf("displacement for control point %d, lattice has %d points", index, len(R.Points)),
			})
		}
		if !isFinite(d) {
			panic(&ConsistencyError{
				Msg: fmt.Sprintf("non-finite displacement %v for control point %d", d, index),
			})
		}
		R.Points[index].Pos = r3.Add(R.Points[index].Pos, d)
	}
	return
}

// Sub returns the displacement that carries ref onto L, point by point.
func (L *Lattice) Sub(ref *Lattice) (field DisplacementField) {
	if ref.Shape != L.Shape || len(ref.Points) != len(L.Points) {
		panic(&ConsistencyError{
			Msg: fmt.Sprintf("lattice shape %s does not match reference %s", L.Shape, ref.Shape),
		})
	}
	field = make(DisplacementField, len(L.Points))
	for n, p := range L.Points {
		field[n] = r3.Sub(p.Pos, ref.Points[n].Pos)
	}
	return
}

// SetActive restricts the design variables to the listed axes ("xyz", "yz",
// ...) and freezes the outer frozenLayers layers of points on every face of
// the box. Freezing the outer layer keeps the deformed surface continuous
// where it leaves the box.
func (L *Lattice) SetActive(axes string, frozenLayers int) (err error) {
	var mask [3]bool
	for _, c := range axes {
		switch c {
		case 'x', 'X':
			mask[0] = true
		case 'y', 'Y':
			mask[1] = true
		case 'z', 'Z':
			mask[2] = true
		default:
			return fmt.Errorf("unknown axis %q in active axes %q", c, axes)
		}
	}
	if frozenLayers < 0 {
		return fmt.Errorf("frozen layer count must be >= 0, have %d", frozenLayers)
	}
	frozen := func(n, N int) bool {
		// A one point direction has no boundary to hold fixed
		if N == 1 {
			return false
		}
		return n < frozenLayers || n >= N-frozenLayers
	}
	for n := range L.Points {
		i, j, k := L.Shape.IJK(n)
		if frozen(i, L.Shape.NX) || frozen(j, L.Shape.NY) || frozen(k, L.Shape.NZ) {
			L.Points[n].Active = [3]bool{}
			continue
		}
		L.Points[n].Active = mask
	}
	return
}

func (L *Lattice) NumActive() (n int) {
	for _, p := range L.Points {
		for _, a := range p.Active {
			if a {
				n++
			}
		}
	}
	return
}

func isFinite(v r3.Vec) bool {
	for _, f := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Component returns the a'th Cartesian component of v.
func Component(v r3.Vec, a int) float64 {
	switch a {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// SetComponent returns v with its a'th component replaced by f.
func SetComponent(v r3.Vec, a int, f float64) r3.Vec {
	switch a {
	case 0:
		v.X = f
	case 1:
		v.Y = f
	default:
		v.Z = f
	}
	return v
}
