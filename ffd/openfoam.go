package ffd

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	foamName       = "openfoam"
	defaultBoxName = "boxcpsBsplines0"
	foamBanner     = `/*--------------------------------*- C++ -*----------------------------------*\
| =========                 |                                                 |
| \\      /  F ield         | OpenFOAM: The Open Source CFD Toolbox           |
|  \\    /   O peration     | Version:  v2406                                 |
|   \\  /    A nd           | Website:  www.openfoam.com                      |
|    \\/     M anipulation  |                                                 |
\*---------------------------------------------------------------------------*/
`
	foamSeparator = "// * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * * //\n"
	foamFooter    = "// ************************************************************************* //\n"
	shapeComment  = "// shape"
)

// ToSolverNative renders the lattice as an OpenFOAM controlPoints
// dictionary. The lattice shape travels in a comment line, which the solver
// ignores.
func ToSolverNative(L *Lattice) string {
	return toSolverNative(L, defaultBoxName)
}

func toSolverNative(L *Lattice, object string) string {
	var b strings.Builder
	b.WriteString(foamBanner)
	b.WriteString("FoamFile\n{\n")
	b.WriteString("    version     2.0;\n")
	b.WriteString("    format      ascii;\n")
	b.WriteString("    class       dictionary;\n")
	b.WriteString("    location    \"../constant/controlPoints\";\n")
	b.WriteString("    object      " + object + ";\n")
	b.WriteString("}\n")
	b.WriteString(foamSeparator)
	fmt.Fprintf(&b, "%s %d %d %d\n\n", shapeComment, L.Shape.NX, L.Shape.NY, L.Shape.NZ)
	fmt.Fprintf(&b, "controlPoints   %d (", L.Len())
	for n, p := range L.Points {
		if n > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(" ( " + formatFloat(p.Pos.X) + " " + formatFloat(p.Pos.Y) + " " + formatFloat(p.Pos.Z) + " )")
	}
	b.WriteString(" );\n\n\n")
	b.WriteString(foamFooter)
	return b.String()
}

// FromSolverNative parses an OpenFOAM controlPoints dictionary. Without a
// shape comment the points are taken as an N x 1 x 1 lattice.
func FromSolverNative(text string) (L *Lattice, err error) {
	var (
		toks     []token
		shape    Shape
		hasShape bool
	)
	if shape, hasShape, err = foamShape(text); err != nil {
		return
	}
	if toks, err = foamTokenize(text); err != nil {
		return
	}
	if err = checkFoamHeader(toks); err != nil {
		return
	}
	start := -1
	for n, t := range toks {
		if t.text != "controlPoints" || n+1 >= len(toks) {
			continue
		}
		// The FoamFile object name may also read controlPoints
		if _, err := strconv.Atoi(toks[n+1].text); err == nil {
			start = n
			break
		}
	}
	if start < 0 {
		return nil, formatErrorf(foamName, 0, "no controlPoints entry")
	}
	var (
		p      = start + 1
		N      int
		next   func() (token, error)
		expect func(s string) error
	)
	next = func() (t token, err error) {
		if p >= len(toks) {
			err = formatErrorf(foamName, 0, "unexpected end of file in controlPoints list")
			return
		}
		t = toks[p]
		p++
		return
	}
	expect = func(s string) (err error) {
		var t token
		if t, err = next(); err != nil {
			return
		}
		if t.text != s {
			err = formatErrorf(foamName, t.line, "expected %q, have %q", s, t.text)
		}
		return
	}
	var t token
	if t, err = next(); err != nil {
		return
	}
	if N, err = t.int(); err != nil {
		return
	}
	if N < 1 {
		return nil, formatErrorf(foamName, t.line, "invalid point count %d", N)
	}
	if err = expect("("); err != nil {
		return
	}
	var pos []r3.Vec
	for {
		if t, err = next(); err != nil {
			return
		}
		if t.text == ")" {
			break
		}
		if t.text != "(" {
			return nil, formatErrorf(foamName, t.line, "expected \"(\" opening point %d, have %q", len(pos), t.text)
		}
		var xyz [3]float64
		for a := 0; a < 3; a++ {
			if t, err = next(); err != nil {
				return
			}
			if xyz[a], err = t.float(); err != nil {
				return
			}
		}
		if err = expect(")"); err != nil {
			return
		}
		pos = append(pos, r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
	}
	if err = expect(";"); err != nil {
		return
	}
	if len(pos) != N {
		return nil, formatErrorf(foamName, toks[start].line,
			"controlPoints declares %d points, list has %d", N, len(pos))
	}
	if !hasShape {
		shape = Shape{NX: N, NY: 1, NZ: 1}
	}
	if shape.Len() != N {
		return nil, formatErrorf(foamName, 0, "shape comment %s does not match %d points", shape, N)
	}
	return NewLattice(shape, pos)
}

func foamShape(text string) (shape Shape, ok bool, err error) {
	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, shapeComment) {
			continue
		}
		f := strings.Fields(strings.TrimPrefix(line, shapeComment))
		if len(f) != 3 {
			err = formatErrorf(foamName, n+1, "shape comment needs 3 dimensions, have %d", len(f))
			return
		}
		dims := [3]*int{&shape.NX, &shape.NY, &shape.NZ}
		for a := range dims {
			if *dims[a], err = strconv.Atoi(f[a]); err != nil || *dims[a] < 1 {
				err = formatErrorf(foamName, n+1, "invalid shape dimension %q", f[a])
				return
			}
		}
		ok = true
		return
	}
	return
}

// foamTokenize splits on whitespace and the dictionary punctuation after
// dropping // and /* */ comments.
func foamTokenize(text string) (toks []token, err error) {
	var (
		line    = 1
		cur     strings.Builder
		curLine int
		inBlock bool
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, token{text: cur.String(), line: curLine, source: foamName})
			cur.Reset()
		}
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inBlock {
			if c == '\n' {
				line++
			}
			if c == '*' && i+1 < len(text) && text[i+1] == '/' {
				inBlock = false
				i++
			}
			continue
		}
		switch {
		case c == '/' && i+1 < len(text) && text[i+1] == '/':
			flush()
			for i < len(text) && text[i] != '\n' {
				i++
			}
			line++
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			flush()
			inBlock = true
			i++
		case c == '\n':
			flush()
			line++
		case c == ' ' || c == '\t' || c == '\r':
			flush()
		case c == '(' || c == ')' || c == ';' || c == '{' || c == '}':
			flush()
			toks = append(toks, token{text: string(c), line: line, source: foamName})
		default:
			if cur.Len() == 0 {
				curLine = line
			}
			cur.WriteByte(c)
		}
	}
	if inBlock {
		return nil, formatErrorf(foamName, line, "unterminated block comment")
	}
	flush()
	return
}

// checkFoamHeader validates the FoamFile sub-dictionary when one is present.
func checkFoamHeader(toks []token) error {
	for n, t := range toks {
		if t.text != "FoamFile" {
			continue
		}
		if n+1 >= len(toks) || toks[n+1].text != "{" {
			return formatErrorf(foamName, t.line, "FoamFile header must open with \"{\"")
		}
		for _, u := range toks[n+2:] {
			switch u.text {
			case "}":
				return nil
			case "{":
				return formatErrorf(foamName, u.line, "nested dictionary in FoamFile header")
			}
		}
		return formatErrorf(foamName, t.line, "unterminated FoamFile header")
	}
	return nil
}
