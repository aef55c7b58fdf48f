package deform

import (
	"math"

	"github.com/notargets/adjointffd/ffd"
	"gonum.org/v1/gonum/spatial/r3"
)

// Embed locates p in the lattice. A first Newton solve over the 8 box
// corners gives global parametric coordinates, used only to pick a starting
// cell: a curved outer layer can hold points that map outside the corner
// box. A second solve within the cell gives local coordinates, walking to a
// neighbor cell while they fall outside [0,1]. A point that leaves the outer
// layer of cells is outside the hull.
func Embed(L *ffd.Lattice, p r3.Vec) (e Embedding) {
	var (
		shape  = L.Shape
		N      = [3]int{shape.NX, shape.NY, shape.NZ}
		g, gOK = invertTrilinear(L.Corners(), p, r3.Vec{X: .5, Y: .5, Z: .5})
	)
	if !gOK {
		g = r3.Vec{X: .5, Y: .5, Z: .5}
	}
	e.Global = clampUnit(g)

	var (
		local [3]float64
		cell  [3]int
	)
	for a := 0; a < 3; a++ {
		s := ffd.Component(e.Global, a) * float64(N[a]-1)
		cell[a] = min(max(int(math.Floor(s)), 0), N[a]-2)
		local[a] = s - float64(cell[a])
	}

	for walk := 0; walk <= N[0]+N[1]+N[2]; walk++ {
		guess := r3.Vec{X: local[0], Y: local[1], Z: local[2]}
		q, ok := invertTrilinear(cellCorners(L, cell), p, guess)
		if !ok {
			return
		}
		moved := false
		for a := 0; a < 3; a++ {
			local[a] = ffd.Component(q, a)
			switch {
			case local[a] < -hullTolerance:
				if cell[a] == 0 {
					return
				}
				cell[a]--
				local[a] += 1
				moved = true
			case local[a] > 1+hullTolerance:
				if cell[a] == N[a]-2 {
					return
				}
				cell[a]++
				local[a] -= 1
				moved = true
			}
		}
		if !moved {
			e.Inside = true
			e.Cell = cell
			e.Local = clampUnit(q)
			if !gOK || !inUnitCube(g) {
				e.Global = r3.Vec{
					X: (float64(cell[0]) + e.Local.X) / float64(N[0]-1),
					Y: (float64(cell[1]) + e.Local.Y) / float64(N[1]-1),
					Z: (float64(cell[2]) + e.Local.Z) / float64(N[2]-1),
				}
			}
			return
		}
	}
	return
}

func cellCorners(L *ffd.Lattice, cell [3]int) (c [8]r3.Vec) {
	for n := 0; n < 8; n++ {
		c[n] = L.At(cell[0]+n&1, cell[1]+(n>>1)&1, cell[2]+(n>>2)&1)
	}
	return
}

func inUnitCube(p r3.Vec) bool {
	for _, s := range [3]float64{p.X, p.Y, p.Z} {
		if s < -hullTolerance || s > 1+hullTolerance {
			return false
		}
	}
	return true
}

func clampUnit(p r3.Vec) r3.Vec {
	c := func(s float64) float64 { return math.Min(math.Max(s, 0), 1) }
	return r3.Vec{X: c(p.X), Y: c(p.Y), Z: c(p.Z)}
}
