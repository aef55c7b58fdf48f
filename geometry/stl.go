package geometry

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	stlHeaderSize = 80
	stlFacetSize  = 50 // normal, 3 vertices, attribute byte count
)

// ReadSTL reads an ASCII or binary STL file, welding coincident vertices.
func ReadSTL(filename string) (s *Surface, err error) {
	var data []byte
	if data, err = os.ReadFile(filename); err != nil {
		return
	}
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if isBinarySTL(data) {
		s, err = parseBinarySTL(data)
	} else {
		s, err = parseASCIISTL(data)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	if s.Name == "" {
		s.Name = name
	}
	return
}

// isBinarySTL trusts the facet count over the "solid" keyword, as many
// binary exporters start their header with "solid".
func isBinarySTL(data []byte) bool {
	if len(data) >= stlHeaderSize+4 {
		n := binary.LittleEndian.Uint32(data[stlHeaderSize:])
		if uint64(len(data)) == stlHeaderSize+4+uint64(n)*stlFacetSize {
			return true
		}
	}
	return !bytes.HasPrefix(bytes.TrimSpace(data), []byte("solid"))
}

func parseBinarySTL(data []byte) (s *Surface, err error) {
	if len(data) < stlHeaderSize+4 {
		return nil, fmt.Errorf("binary STL truncated in header")
	}
	var (
		n = int(binary.LittleEndian.Uint32(data[stlHeaderSize:]))
		w = newWelder()
		p = stlHeaderSize + 4
	)
	if len(data) < p+n*stlFacetSize {
		return nil, fmt.Errorf("binary STL declares %d facets, data holds %d", n, (len(data)-p)/stlFacetSize)
	}
	s = &Surface{Triangles: make([][3]int, 0, n)}
	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}
	for t := 0; t < n; t++ {
		base := p + t*stlFacetSize + 12 // Skip the facet normal
		var tri [3]int
		for v := 0; v < 3; v++ {
			off := base + 12*v
			tri[v] = w.add(r3.Vec{X: f32(off), Y: f32(off + 4), Z: f32(off + 8)})
		}
		s.Triangles = append(s.Triangles, tri)
	}
	s.Vertices = w.verts
	return
}

func parseASCIISTL(data []byte) (s *Surface, err error) {
	var (
		scanner = bufio.NewScanner(bytes.NewReader(data))
		w       = newWelder()
		facet   []int
		line    int
	)
	s = &Surface{}
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			if len(fields) > 1 {
				s.Name = fields[1]
			}
		case "vertex":
			if len(fields) != 4 {
				return nil, fmt.Errorf("line %d: vertex needs 3 coordinates", line)
			}
			var c [3]float64
			for i := 0; i < 3; i++ {
				if c[i], err = strconv.ParseFloat(fields[1+i], 64); err != nil {
					return nil, fmt.Errorf("line %d: invalid coordinate: %v", line, err)
				}
			}
			facet = append(facet, w.add(r3.Vec{X: c[0], Y: c[1], Z: c[2]}))
		case "endloop":
			if len(facet) != 3 {
				return nil, fmt.Errorf("line %d: facet has %d vertices, only triangles are supported", line, len(facet))
			}
			s.Triangles = append(s.Triangles, [3]int{facet[0], facet[1], facet[2]})
			facet = facet[:0]
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, err
	}
	if len(s.Triangles) == 0 {
		return nil, fmt.Errorf("no facets found")
	}
	s.Vertices = w.verts
	return
}

// WriteSTLASCII writes the surface as an ASCII STL with per-facet normals.
func WriteSTLASCII(w io.Writer, s *Surface) (err error) {
	bw := bufio.NewWriter(w)
	name := s.Name
	if name == "" {
		name = "object"
	}
	fmt.Fprintf(bw, "solid %s\n", name)
	for t := range s.Triangles {
		tri := s.Triangle(t)
		n := unitOrZero(tri.Normal())
		fmt.Fprintf(bw, "  facet normal %.6e %.6e %.6e\n", n.X, n.Y, n.Z)
		bw.WriteString("    outer loop\n")
		for _, v := range tri {
			fmt.Fprintf(bw, "      vertex %.9e %.9e %.9e\n", v.X, v.Y, v.Z)
		}
		bw.WriteString("    endloop\n")
		bw.WriteString("  endfacet\n")
	}
	fmt.Fprintf(bw, "endsolid %s\n", name)
	return bw.Flush()
}

// WriteSTLBinary writes the surface as a binary STL.
func WriteSTLBinary(w io.Writer, s *Surface) (err error) {
	bw := bufio.NewWriter(w)
	var header [stlHeaderSize]byte
	copy(header[:], "binary STL "+s.Name)
	bw.Write(header[:])
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(s.Triangles)))
	bw.Write(buf[:])
	put := func(v r3.Vec) {
		for _, f := range [3]float64{v.X, v.Y, v.Z} {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(f)))
			bw.Write(buf[:])
		}
	}
	for t := range s.Triangles {
		tri := s.Triangle(t)
		put(unitOrZero(tri.Normal()))
		for _, v := range tri {
			put(v)
		}
		bw.Write([]byte{0, 0})
	}
	return bw.Flush()
}

// WriteSTL writes s to filename as binary STL when binaryFormat is set,
// ASCII STL otherwise.
func WriteSTL(filename string, s *Surface, binaryFormat bool) (err error) {
	var f *os.File
	if f, err = os.Create(filename); err != nil {
		return
	}
	if binaryFormat {
		err = WriteSTLBinary(f, s)
	} else {
		err = WriteSTLASCII(f, s)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return
}

func unitOrZero(v r3.Vec) r3.Vec {
	if l := r3.Norm(v); l > 0 {
		return r3.Scale(1/l, v)
	}
	return r3.Vec{}
}
