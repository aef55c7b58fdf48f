package geometry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// SU2 element type identifiers (VTK numbering) for surface elements
const (
	su2Triangle = 5
	su2Quad     = 9
)

// ReadSU2Surface reads the triangulated surface from an SU2 native mesh.
// A surface mesh (NELEM holds triangles and quads) is read as is. For a
// volume mesh the surface is assembled from the boundary markers and its
// vertices are renumbered in order of first reference.
func ReadSU2Surface(filename string) (*Surface, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	var (
		ndime             int
		hasNDIME, hasNPOI bool
		verts             []r3.Vec
		elemTris          [][3]int
		markTris          [][3]int
		volumeElements    int
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments (text after %)
		if idx := strings.Index(line, "%"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "NDIME="):
			hasNDIME = true
			if ndime, err = su2Count(line, "NDIME"); err != nil {
				return nil, err
			}
			if ndime != 3 {
				return nil, fmt.Errorf("surface geometry needs NDIME=3, have NDIME=%d", ndime)
			}

		case strings.HasPrefix(line, "NPOIN="):
			hasNPOI = true
			npoin, err := su2Count(line, "NPOIN")
			if err != nil {
				return nil, err
			}
			verts = make([]r3.Vec, npoin)
			for i := 0; i < npoin; i++ {
				if !scanner.Scan() {
					return nil, fmt.Errorf("unexpected EOF reading nodes")
				}
				fields := strings.Fields(scanner.Text())
				if len(fields) < 3 {
					return nil, fmt.Errorf("invalid node line: expected 3 coordinates")
				}
				var c [3]float64
				for j := 0; j < 3; j++ {
					if c[j], err = strconv.ParseFloat(fields[j], 64); err != nil {
						return nil, fmt.Errorf("invalid coordinate: %v", err)
					}
				}
				// Trailing legacy node ID is ignored, order is the ID
				verts[i] = r3.Vec{X: c[0], Y: c[1], Z: c[2]}
			}

		case strings.HasPrefix(line, "NELEM="):
			nelem, err := su2Count(line, "NELEM")
			if err != nil {
				return nil, err
			}
			for i := 0; i < nelem; i++ {
				if !scanner.Scan() {
					return nil, fmt.Errorf("unexpected EOF reading elements")
				}
				tris, surface, err := su2SurfaceElement(scanner.Text(), len(verts))
				if err != nil {
					return nil, err
				}
				if !surface {
					volumeElements++
					continue
				}
				elemTris = append(elemTris, tris...)
			}

		case strings.HasPrefix(line, "NMARK="):
			nmark, err := su2Count(line, "NMARK")
			if err != nil {
				return nil, err
			}
			for i := 0; i < nmark; i++ {
				if !scanner.Scan() {
					return nil, fmt.Errorf("unexpected EOF reading marker %d", i)
				}
				markerLine := strings.TrimSpace(scanner.Text())
				if !strings.HasPrefix(markerLine, "MARKER_TAG=") {
					return nil, fmt.Errorf("expected MARKER_TAG=, got: %s", markerLine)
				}
				tagName := strings.TrimSpace(strings.TrimPrefix(markerLine, "MARKER_TAG="))
				if !scanner.Scan() {
					return nil, fmt.Errorf("unexpected EOF reading marker elements for %s", tagName)
				}
				elemLine := strings.TrimSpace(scanner.Text())
				nMarkerElems, err := su2Count(elemLine, "MARKER_ELEMS")
				if err != nil {
					return nil, err
				}
				for j := 0; j < nMarkerElems; j++ {
					if !scanner.Scan() {
						return nil, fmt.Errorf("unexpected EOF reading boundary elements")
					}
					tris, surface, err := su2SurfaceElement(scanner.Text(), len(verts))
					if err != nil {
						return nil, err
					}
					if !surface {
						return nil, fmt.Errorf("marker %s holds a non surface element", tagName)
					}
					markTris = append(markTris, tris...)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %v", err)
	}
	if !hasNDIME {
		return nil, fmt.Errorf("missing required NDIME= section")
	}
	if !hasNPOI {
		return nil, fmt.Errorf("missing required NPOIN= section")
	}

	s := &Surface{
		Name: strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)),
	}
	switch {
	case volumeElements == 0 && len(elemTris) > 0:
		s.Vertices, s.Triangles = verts, elemTris
	case len(markTris) > 0:
		s.Vertices, s.Triangles = compact(verts, markTris)
	default:
		return nil, fmt.Errorf("no surface elements in %s", filename)
	}
	return s, nil
}

// su2Count reads the count of a "KEY= n" line.
func su2Count(line, key string) (n int, err error) {
	if _, err = fmt.Sscanf(line, key+"=%d", &n); err != nil {
		return 0, fmt.Errorf("invalid %s line %q: %w", key, line, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s line %q: negative count", key, line)
	}
	return
}

// su2SurfaceElement parses one element line. Quads are split along the
// 0-2 diagonal. Volume elements report surface == false.
func su2SurfaceElement(text string, npoin int) (tris [][3]int, surface bool, err error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil, false, fmt.Errorf("invalid element line")
	}
	var su2Type int
	if su2Type, err = strconv.Atoi(fields[0]); err != nil {
		return nil, false, fmt.Errorf("invalid element type: %v", err)
	}
	var numNodes int
	switch su2Type {
	case su2Triangle:
		numNodes = 3
	case su2Quad:
		numNodes = 4
	default:
		return nil, false, nil
	}
	if len(fields) < numNodes+1 {
		return nil, false, fmt.Errorf("element type %d expects %d nodes, got %d fields",
			su2Type, numNodes, len(fields)-1)
	}
	nodes := make([]int, numNodes)
	for j := range nodes {
		if nodes[j], err = strconv.Atoi(fields[1+j]); err != nil {
			return nil, false, fmt.Errorf("invalid node index: %v", err)
		}
		if nodes[j] < 0 || nodes[j] >= npoin {
			return nil, false, fmt.Errorf("node index %d out of range [0,%d)", nodes[j], npoin)
		}
	}
	tris = append(tris, [3]int{nodes[0], nodes[1], nodes[2]})
	if numNodes == 4 {
		tris = append(tris, [3]int{nodes[0], nodes[2], nodes[3]})
	}
	return tris, true, nil
}

func compact(verts []r3.Vec, tris [][3]int) (out []r3.Vec, renum [][3]int) {
	index := make(map[int]int)
	renum = make([][3]int, len(tris))
	for t, tri := range tris {
		for v, n := range tri {
			m, ok := index[n]
			if !ok {
				m = len(out)
				index[n] = m
				out = append(out, verts[n])
			}
			renum[t][v] = m
		}
	}
	return
}
