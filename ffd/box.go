package ffd

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

/*
	Box corner ordering used to build a control box:
		0: xMin, yMin, zMin
		1: xMax, yMin, zMin
		2: xMax, yMin, zMax
		3: xMin, yMin, zMax
		4: xMin, yMax, zMin
		5: xMax, yMax, zMin
		6: xMax, yMax, zMax
		7: xMin, yMax, zMax
*/

// NewBox fills a lattice by uniform trilinear interpolation of 8 corners.
func NewBox(corners [8]r3.Vec, shape Shape) (L *Lattice, err error) {
	if shape.NX < 2 || shape.NY < 2 || shape.NZ < 2 {
		err = fmt.Errorf("a control box needs at least 2 points per direction, have %s", shape)
		return
	}
	var (
		pos  = make([]r3.Vec, shape.Len())
		lerp = func(a, b r3.Vec, t float64) r3.Vec {
			return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
		}
		frac = func(n, N int) float64 { return float64(n) / float64(N-1) }
	)
	for k := 0; k < shape.NZ; k++ {
		w := frac(k, shape.NZ)
		// Edges in z at the four corners of the y faces
		yMinXMin := lerp(corners[0], corners[3], w)
		yMinXMax := lerp(corners[1], corners[2], w)
		yMaxXMin := lerp(corners[4], corners[7], w)
		yMaxXMax := lerp(corners[5], corners[6], w)
		for i := 0; i < shape.NX; i++ {
			u := frac(i, shape.NX)
			yMin := lerp(yMinXMin, yMinXMax, u)
			yMax := lerp(yMaxXMin, yMaxXMax, u)
			for j := 0; j < shape.NY; j++ {
				pos[shape.Index(i, j, k)] = lerp(yMin, yMax, frac(j, shape.NY))
			}
		}
	}
	return NewLattice(shape, pos)
}

// BoxOptions sizes a control box around a geometry's bounding box.
type BoxOptions struct {
	Shape  Shape
	Offset r3.Vec   // Absolute margin added on each side
	Margin r3.Vec   // Relative margin per axis, fraction of the extent per side
	XStart *float64 // Overrides the lower x bound, e.g. rear end only boxes
	XEnd   *float64
}

// BoxAround builds an axis aligned control box enclosing bounds.
func BoxAround(bounds r3.Box, opt BoxOptions) (L *Lattice, err error) {
	if opt.XStart != nil {
		bounds.Min.X = *opt.XStart
	}
	if opt.XEnd != nil {
		bounds.Max.X = *opt.XEnd
	}
	if bounds.Min.X >= bounds.Max.X || bounds.Min.Y > bounds.Max.Y || bounds.Min.Z > bounds.Max.Z {
		err = fmt.Errorf("degenerate bounds %v", bounds)
		return
	}
	size := bounds.Size()
	m := opt.Margin
	grow := r3.Add(opt.Offset, r3.Vec{X: m.X * size.X, Y: m.Y * size.Y, Z: m.Z * size.Z})
	box := r3.Box{Min: r3.Sub(bounds.Min, grow), Max: r3.Add(bounds.Max, grow)}
	if box.Empty() {
		err = fmt.Errorf("control box %v has no volume, increase the offset", box)
		return
	}
	v := box.Vertices()
	// r3.Box vertex order to control box corner order
	corners := [8]r3.Vec{v[0], v[1], v[5], v[4], v[3], v[2], v[6], v[7]}
	return NewBox(corners, opt.Shape)
}
