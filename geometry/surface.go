package geometry

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Surface is a triangulated surface: a welded vertex list and triangles
// indexing into it. Vertex order is the node indexing shared with the
// sensitivity field written by the adjoint solver.
type Surface struct {
	Name      string
	Vertices  []r3.Vec
	Triangles [][3]int
}

func (s *Surface) NumVertices() int { return len(s.Vertices) }

func (s *Surface) Bounds() (b r3.Box) {
	if len(s.Vertices) == 0 {
		return
	}
	b = r3.Box{Min: s.Vertices[0], Max: s.Vertices[0]}
	for _, v := range s.Vertices[1:] {
		b.Min = r3.Vec{X: math.Min(b.Min.X, v.X), Y: math.Min(b.Min.Y, v.Y), Z: math.Min(b.Min.Z, v.Z)}
		b.Max = r3.Vec{X: math.Max(b.Max.X, v.X), Y: math.Max(b.Max.Y, v.Y), Z: math.Max(b.Max.Z, v.Z)}
	}
	return
}

func (s *Surface) Triangle(t int) r3.Triangle {
	tri := s.Triangles[t]
	return r3.Triangle{s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]]}
}

// WithVertices returns a surface sharing the connectivity of s with new
// vertex positions. The receiver is not modified.
func (s *Surface) WithVertices(verts []r3.Vec) *Surface {
	if len(verts) != len(s.Vertices) {
		panic(fmt.Errorf("surface %q has %d vertices, replacement has %d", s.Name, len(s.Vertices), len(verts)))
	}
	return &Surface{
		Name:      s.Name,
		Vertices:  verts,
		Triangles: s.Triangles,
	}
}

// Scale multiplies every coordinate by f in place, used to bring geometry
// into solver units (0.001 for millimetres to metres).
func (s *Surface) Scale(f float64) {
	for n, v := range s.Vertices {
		s.Vertices[n] = r3.Scale(f, v)
	}
}

// VertexNormals returns unit normals at each vertex, area weighted over the
// adjacent triangles. Isolated vertices get a zero normal.
func (s *Surface) VertexNormals() (normals []r3.Vec) {
	normals = make([]r3.Vec, len(s.Vertices))
	for t, tri := range s.Triangles {
		// Magnitude is twice the area, which is the weighting wanted
		n := s.Triangle(t).Normal()
		for _, v := range tri {
			normals[v] = r3.Add(normals[v], n)
		}
	}
	for n, v := range normals {
		if l := r3.Norm(v); l > 0 {
			normals[n] = r3.Scale(1/l, v)
		}
	}
	return
}

func (s *Surface) Area() (a float64) {
	for t := range s.Triangles {
		a += s.Triangle(t).Area()
	}
	return
}

// Validate checks that triangles reference existing vertices.
func (s *Surface) Validate() error {
	for t, tri := range s.Triangles {
		for _, v := range tri {
			if v < 0 || v >= len(s.Vertices) {
				return fmt.Errorf("triangle %d references vertex %d, surface has %d", t, v, len(s.Vertices))
			}
		}
	}
	return nil
}

// ReadSurface reads a surface file based on extension.
func ReadSurface(filename string) (*Surface, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".stl":
		return ReadSTL(filename)
	case ".su2":
		return ReadSU2Surface(filename)
	default:
		return nil, fmt.Errorf("unsupported surface format: %s", ext)
	}
}

// welder merges coincident vertices while building a surface.
type welder struct {
	index map[r3.Vec]int
	verts []r3.Vec
}

func newWelder() *welder {
	return &welder{index: make(map[r3.Vec]int)}
}

func (w *welder) add(v r3.Vec) int {
	if n, ok := w.index[v]; ok {
		return n
	}
	n := len(w.verts)
	w.index[v] = n
	w.verts = append(w.verts, v)
	return n
}
