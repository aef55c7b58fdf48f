package ffd

import (
	"bufio"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

/*
	Plot3D "xyz" interchange format, single block:

		1
		nx ny nz
		x0 x1 ... x(N-1)
		y0 y1 ... y(N-1)
		z0 z1 ... z(N-1)

	Coordinates are whitespace separated, line breaks inside a component
	block are not significant. Point order is i fastest, then j, then k.
*/

const plot3dName = "plot3d"

// ToInterchange renders the lattice as a single block Plot3D file.
func ToInterchange(L *Lattice) string {
	var b strings.Builder
	b.WriteString("1\n")
	b.WriteString(strconv.Itoa(L.Shape.NX) + " " + strconv.Itoa(L.Shape.NY) + " " + strconv.Itoa(L.Shape.NZ) + "\n")
	for a := 0; a < 3; a++ {
		for n, p := range L.Points {
			if n > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(formatFloat(Component(p.Pos, a)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// FromInterchange parses a single block Plot3D file.
func FromInterchange(text string) (L *Lattice, err error) {
	var (
		toks  []token
		shape Shape
	)
	if toks, err = tokenize(text); err != nil {
		return
	}
	if len(toks) < 4 {
		return nil, formatErrorf(plot3dName, 0, "missing block count or dimension header")
	}
	var nBlocks int
	if nBlocks, err = toks[0].int(); err != nil {
		return nil, err
	}
	if nBlocks != 1 {
		return nil, formatErrorf(plot3dName, toks[0].line, "expected a single block, header declares %d", nBlocks)
	}
	dims := [3]*int{&shape.NX, &shape.NY, &shape.NZ}
	for n := 0; n < 3; n++ {
		if *dims[n], err = toks[1+n].int(); err != nil {
			return nil, err
		}
		if *dims[n] < 1 {
			return nil, formatErrorf(plot3dName, toks[1+n].line, "invalid dimension %d", *dims[n])
		}
	}
	var (
		N    = shape.Len()
		data = toks[4:]
	)
	if len(data) != 3*N {
		return nil, formatErrorf(plot3dName, 2,
			"header declares %s = %d points (%d coordinates), file has %d coordinates",
			shape, N, 3*N, len(data))
	}
	pos := make([]r3.Vec, N)
	for a := 0; a < 3; a++ {
		for n := 0; n < N; n++ {
			var f float64
			if f, err = data[a*N+n].float(); err != nil {
				return nil, err
			}
			pos[n] = SetComponent(pos[n], a, f)
		}
	}
	return NewLattice(shape, pos)
}

type token struct {
	text   string
	line   int
	source string
}

func (t token) int() (i int, err error) {
	if i, err = strconv.Atoi(t.text); err != nil {
		err = &FormatError{Source: t.source, Line: t.line, Msg: "expected integer, have " + strconv.Quote(t.text)}
	}
	return
}

func (t token) float() (f float64, err error) {
	if f, err = strconv.ParseFloat(t.text, 64); err != nil {
		err = &FormatError{Source: t.source, Line: t.line, Msg: "expected number, have " + strconv.Quote(t.text)}
		return
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		err = &FormatError{Source: t.source, Line: t.line, Msg: "non-finite coordinate " + t.text}
	}
	return
}

func tokenize(text string) (toks []token, err error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<30)
	var line int
	for scanner.Scan() {
		line++
		for _, f := range strings.Fields(scanner.Text()) {
			toks = append(toks, token{text: f, line: line, source: plot3dName})
		}
	}
	if err = scanner.Err(); err != nil {
		err = &FormatError{Source: plot3dName, Line: line, Msg: "read failed", Err: err}
	}
	return
}

// formatFloat writes the shortest representation that parses back to the
// identical float64.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
