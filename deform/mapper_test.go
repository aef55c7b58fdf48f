package deform

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func unitBox(t *testing.T, shape ffd.Shape, size float64) *ffd.Lattice {
	t.Helper()
	L, err := ffd.BoxAround(r3.Box{Max: r3.Vec{X: size, Y: size, Z: size}}, ffd.BoxOptions{Shape: shape})
	require.NoError(t, err)
	return L
}

func cubeVertices() []r3.Vec {
	verts := make([]r3.Vec, 0, 9)
	for n := 0; n < 8; n++ {
		verts = append(verts, r3.Vec{X: float64(n & 1), Y: float64((n >> 1) & 1), Z: float64((n >> 2) & 1)})
	}
	return append(verts, r3.Vec{X: .5, Y: .5, Z: .5})
}

func randomField(rng *rand.Rand, L *ffd.Lattice, scale float64) ffd.DisplacementField {
	field := make(ffd.DisplacementField)
	for n := range L.Points {
		field[n] = r3.Vec{X: scale * rng.NormFloat64(), Y: scale * rng.NormFloat64(), Z: scale * rng.NormFloat64()}
	}
	return field
}

func TestUnitCubeCorner(t *testing.T) {
	L := unitBox(t, ffd.Shape{NX: 2, NY: 2, NZ: 2}, 1)
	verts := cubeVertices()
	m, err := NewMapper(verts, L, Trilinear)
	require.NoError(t, err)
	assert.Equal(t, 9, m.NumInside())

	corner := L.Shape.Index(1, 0, 0)
	require.Equal(t, r3.Vec{X: 1}, L.Points[corner].Pos)
	moved := m.Map(ffd.DisplacementField{corner: {X: 0.1}})

	// Vertex 1 sits on the moved corner, vertex 6 on the opposite one
	assert.InDelta(t, 1.1, moved[1].X, 1e-15)
	assert.InDelta(t, 0, moved[1].Y, 1e-15)
	assert.InDelta(t, 0, moved[1].Z, 1e-15)
	assert.Equal(t, r3.Vec{Y: 1, Z: 1}, moved[6])
	assert.InDelta(t, 0.5+0.1/8, moved[8].X, 1e-15)
	assert.Equal(t, map[int]float64{corner: 1}, m.Weights(1))
}

func TestOutsideHullIsClamped(t *testing.T) {
	var (
		rng   = rand.New(rand.NewSource(3))
		L     = unitBox(t, ffd.Shape{NX: 4, NY: 3, NZ: 3}, 1)
		verts = []r3.Vec{
			{X: 2, Y: .5, Z: .5},
			{X: -1e-6, Y: .5, Z: .5},
			{X: .5, Y: .5, Z: 1.001},
			{X: 50, Y: -40, Z: 30},
			{X: .25, Y: .5, Z: .75}, // inside
		}
	)
	for _, basis := range []Basis{Trilinear, Bernstein} {
		m, err := NewMapper(verts, L, basis)
		require.NoError(t, err)
		assert.Equal(t, 1, m.NumInside(), basis)
		for trial := 0; trial < 5; trial++ {
			moved := m.Map(randomField(rng, L, 10))
			for v := 0; v < 4; v++ {
				assert.Equal(t, verts[v], moved[v], "%s vertex %d", basis, v)
				assert.Empty(t, m.Weights(v))
			}
			assert.NotEqual(t, verts[4], moved[4])
		}
	}
}

func TestTranslationIsReproduced(t *testing.T) {
	var (
		rng   = rand.New(rand.NewSource(5))
		L     = unitBox(t, ffd.Shape{NX: 5, NY: 4, NZ: 3}, 2)
		verts = make([]r3.Vec, 50)
	)
	for n := range verts {
		verts[n] = r3.Vec{X: 2 * rng.Float64(), Y: 2 * rng.Float64(), Z: 2 * rng.Float64()}
	}
	d := r3.Vec{X: 0.3, Y: -0.2, Z: 0.1}
	field := make(ffd.DisplacementField)
	for n := range L.Points {
		field[n] = d
	}
	for _, basis := range []Basis{Trilinear, Bernstein} {
		m, err := NewMapper(verts, L, basis)
		require.NoError(t, err)
		for n, x := range m.Displacements(field) {
			assert.InDelta(t, 0, r3.Norm(r3.Sub(x, d)), 1e-12, "%s vertex %d", basis, n)
		}
		// Weights are a partition of unity
		for v := range verts {
			var sum float64
			for _, w := range m.Weights(v) {
				sum += w
			}
			assert.InDelta(t, 1, sum, 1e-12)
		}
	}
}

func TestContinuityAcrossCells(t *testing.T) {
	var (
		rng   = rand.New(rand.NewSource(9))
		L     = unitBox(t, ffd.Shape{NX: 3, NY: 3, NZ: 3}, 2)
		eps   = 1e-9
		verts = []r3.Vec{
			{X: 1 - eps, Y: .7, Z: .3}, {X: 1 + eps, Y: .7, Z: .3},
			{X: .4, Y: 1 - eps, Z: 1 + eps}, {X: .4, Y: 1 + eps, Z: 1 - eps},
			{X: 1, Y: 1, Z: 1}, // Exactly on the center node
		}
	)
	m, err := NewMapper(verts, L, Trilinear)
	require.NoError(t, err)
	for trial := 0; trial < 10; trial++ {
		field := randomField(rng, L, 1)
		disp := m.Displacements(field)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(disp[0], disp[1])), 1e-7)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(disp[2], disp[3])), 1e-7)
		center := L.Shape.Index(1, 1, 1)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(disp[4], field[center])), 1e-12)
	}
}

func TestEmbedCurvedLattice(t *testing.T) {
	var (
		box    = unitBox(t, ffd.Shape{NX: 3, NY: 3, NZ: 3}, 2)
		center = box.Shape.Index(1, 1, 1)
		ref    = box.Displace(ffd.DisplacementField{center: {X: 0.1, Y: 0.05, Z: -0.05}})
	)
	cases := []struct {
		cell  [3]int
		local r3.Vec
	}{
		{[3]int{0, 0, 0}, r3.Vec{X: .3, Y: .7, Z: .9}},
		{[3]int{1, 1, 0}, r3.Vec{X: .05, Y: .02, Z: .5}},
		{[3]int{1, 0, 1}, r3.Vec{X: .95, Y: .5, Z: .1}},
	}
	for _, tc := range cases {
		x, _ := trilinearEval(cellCorners(ref, tc.cell), tc.local)
		e := Embed(ref, x)
		require.True(t, e.Inside)
		assert.Equal(t, tc.cell, e.Cell)
		assert.InDelta(t, 0, r3.Norm(r3.Sub(tc.local, e.Local)), 1e-10)
	}
	// The displaced node itself carries the full weight
	m, err := NewMapper([]r3.Vec{ref.Points[center].Pos}, ref, Trilinear)
	require.NoError(t, err)
	w := m.Weights(0)
	assert.InDelta(t, 1, w[center], 1e-10)

	// A bulged face holds points beyond the box spanned by the 8 corners
	face := box.Shape.Index(2, 1, 1)
	bulged := box.Displace(ffd.DisplacementField{face: {X: 0.5}})
	local := r3.Vec{X: .9, Y: .9, Z: .9}
	x, _ := trilinearEval(cellCorners(bulged, [3]int{1, 0, 0}), local)
	require.Greater(t, x.X, 2.)
	e := Embed(bulged, x)
	require.True(t, e.Inside)
	assert.Equal(t, [3]int{1, 0, 0}, e.Cell)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(local, e.Local)), 1e-10)
	m, err = NewMapper([]r3.Vec{x}, bulged, Trilinear)
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumInside())
	assert.InDelta(t, .9*.9*.9, m.Weights(0)[face], 1e-10)
	// Beyond the bulge is still outside
	assert.False(t, Embed(bulged, r3.Vec{X: 2.6, Y: 1, Z: 1}).Inside)
}

func TestAdjointConsistency(t *testing.T) {
	var (
		rng   = rand.New(rand.NewSource(13))
		L     = unitBox(t, ffd.Shape{NX: 4, NY: 3, NZ: 3}, 1)
		verts = make([]r3.Vec, 200)
		c     = make([]r3.Vec, len(verts))
		a     = r3.Vec{X: .5, Y: .5, Z: .5}
	)
	for n := range verts {
		// Some vertices fall outside the box
		verts[n] = r3.Vec{X: 1.2*rng.Float64() - .1, Y: rng.Float64(), Z: rng.Float64()}
		c[n] = r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
	}
	objective := func(x []r3.Vec) (J float64) {
		for n, v := range x {
			J += r3.Dot(c[n], v) + 0.5*r3.Norm2(r3.Sub(v, a))
		}
		return
	}
	grad := make([]r3.Vec, len(verts))
	for n, v := range verts {
		grad[n] = r3.Add(c[n], r3.Sub(v, a))
	}
	for _, basis := range []Basis{Trilinear, Bernstein} {
		m, err := NewMapper(verts, L, basis)
		require.NoError(t, err)
		for trial := 0; trial < 3; trial++ {
			field := randomField(rng, L, 1)
			check := CheckAdjoint(m, objective, grad, field, 1e-3)
			assert.Less(t, check.RelError, 1e-6, "%s: %s", basis, check)

			// <W D, s> == <D, Wᵀ s>
			var lhs, rhs float64
			for n, d := range m.Displacements(field) {
				lhs += r3.Dot(d, grad[n])
			}
			for n, g := range m.Transpose(grad) {
				rhs += r3.Dot(field[n], g)
			}
			assert.InDelta(t, lhs, rhs, 1e-9*(1+abs(lhs)))
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestMapperConsistencyPanics(t *testing.T) {
	L := unitBox(t, ffd.Shape{NX: 2, NY: 2, NZ: 2}, 1)
	m, err := NewMapper(cubeVertices(), L, Trilinear)
	require.NoError(t, err)
	assert.PanicsWithError(t, "internal consistency violation: displacement for control point 8, lattice has 8 points",
		func() { m.Map(ffd.DisplacementField{8: {}}) })
	assert.Panics(t, func() { m.Transpose(make([]r3.Vec, 3)) })

	_, err = NewMapper(cubeVertices(), unitBox(t, ffd.Shape{NX: 2, NY: 2, NZ: 2}, 1).Clone(), Basis(0))
	assert.NoError(t, err)
	flat, err := ffd.NewLattice(ffd.Shape{NX: 2, NY: 2, NZ: 1}, make([]r3.Vec, 4))
	require.NoError(t, err)
	_, err = NewMapper(cubeVertices(), flat, Trilinear)
	assert.Error(t, err)
	_, err = NewMapper(nil, L, Trilinear)
	assert.Error(t, err)

	b, err := ParseBasis("Bernstein")
	require.NoError(t, err)
	assert.Equal(t, Bernstein, b)
	_, err = ParseBasis("nurbs")
	assert.Error(t, err)
}

func square() *geometry.Surface {
	return &geometry.Surface{
		Vertices:  []r3.Vec{{}, {X: 1}, {X: 1, Y: 1}, {Y: 1}},
		Triangles: [][3]int{{0, 1, 2}, {0, 2, 3}},
	}
}

func TestParseSensitivity(t *testing.T) {
	s, err := ParseSensitivity(strings.NewReader("# normal sensitivity\n4 1\n2\n2 -1 # trailing\n0\n"), square())
	require.NoError(t, err)
	assert.Equal(t, []r3.Vec{{Z: 2}, {Z: 2}, {Z: -1}, {}}, s.Values)

	s, err = ParseSensitivity(strings.NewReader("2 3\n1 2 3\n4 5 6\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, []r3.Vec{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}}, s.Values)

	cases := []struct {
		text string
		msg  string
	}{
		{"", "missing header"},
		{"4 2\n", "must be 1 or 3"},
		{"4 1\n1 2 3\n", "file has 3 values"},
		{"4 1\n1 2 nan 3\n", "non-finite"},
		{"4 1\n1 2 x 3\n", "expected number"},
		{"3 1\n1 2 3\n", "surface of 4 vertices"},
		{"a 1\n", "expected header"},
	}
	for _, tc := range cases {
		_, err := ParseSensitivity(strings.NewReader(tc.text), square())
		var fe *ffd.FormatError
		require.ErrorAs(t, err, &fe, tc.text)
		assert.Contains(t, err.Error(), tc.msg)
	}
}

func TestReduce(t *testing.T) {
	L := unitBox(t, ffd.Shape{NX: 2, NY: 2, NZ: 2}, 1)
	m, err := NewMapper(cubeVertices(), L, Trilinear)
	require.NoError(t, err)
	s := &SensitivityField{Values: make([]r3.Vec, 9)}
	s.Values[8] = r3.Vec{X: 8} // Center spreads equally over the corners
	s.Values[1] = r3.Vec{Y: 1}
	g := Reduce(m, s)
	require.Len(t, g.Values, 8)
	assert.InDelta(t, 1, g.Values[0].X, 1e-15)
	assert.InDelta(t, 1, g.Values[1].X, 1e-15)
	assert.InDelta(t, 1, g.Values[1].Y, 1e-15)

	L.Points[1].Active = [3]bool{true, false, true}
	assert.Len(t, g.Active(L), 23)
	assert.InDelta(t, 1, g.MaxNorm(L), 1e-15)
	assert.InDelta(t, 1, g.MaxNorm(nil), 1e-15)
	assert.InDelta(t, 8*1, g.Norm(L)*g.Norm(L), 1e-12)
	assert.InDelta(t, 9, g.Norm(nil)*g.Norm(nil), 1e-12)
}
