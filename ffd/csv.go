package ffd

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

const csvName = "csv"

var csvHeader = []string{"x", "y", "z", "i", "j", "k", "active_x", "active_y", "active_z"}

// ToCSV renders the per-point visualization table: coordinates, structured
// indices and the design variable flags.
func ToCSV(L *Lattice) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(csvHeader)
	for n, p := range L.Points {
		i, j, k := L.Shape.IJK(n)
		rec := []string{
			formatFloat(p.Pos.X), formatFloat(p.Pos.Y), formatFloat(p.Pos.Z),
			strconv.Itoa(i), strconv.Itoa(j), strconv.Itoa(k),
			flag(p.Active[0]), flag(p.Active[1]), flag(p.Active[2]),
		}
		_ = w.Write(rec)
	}
	w.Flush()
	return b.String()
}

// FromCSV parses the table written by ToCSV or by the solver, whose header
// labels differ ("Points : 0", "active x"), so only the column count of the
// header is checked: 6 columns without design variable flags, or 9. Rows
// must be in index order; the shape is recovered from the largest i, j and k.
func FromCSV(text string) (L *Lattice, err error) {
	r := csv.NewReader(strings.NewReader(text))
	r.TrimLeadingSpace = true
	var header []string
	if header, err = r.Read(); err != nil {
		return nil, &FormatError{Source: csvName, Line: 1, Msg: "missing header", Err: err}
	}
	if len(header) != 6 && len(header) != 9 {
		return nil, formatErrorf(csvName, 1, "unexpected header %v", header)
	}
	var (
		pos    []r3.Vec
		ijk    [][3]int
		active [][3]bool
		line   = 1
		shape  Shape
	)
	for {
		var rec []string
		rec, err = r.Read()
		if errors.Is(err, io.EOF) {
			err = nil
			break
		}
		line++
		if err != nil {
			return nil, &FormatError{Source: csvName, Line: line, Msg: "malformed row", Err: err}
		}
		if len(rec) != len(header) {
			return nil, formatErrorf(csvName, line, "expected %d fields, have %d", len(header), len(rec))
		}
		var (
			p   [3]float64
			idx [3]int
			act = [3]bool{true, true, true}
		)
		for a := 0; a < 3; a++ {
			t := token{text: strings.TrimSpace(rec[a]), line: line, source: csvName}
			if p[a], err = t.float(); err != nil {
				return
			}
			t = token{text: strings.TrimSpace(rec[3+a]), line: line, source: csvName}
			if idx[a], err = t.int(); err != nil {
				return
			}
			if len(rec) >= 9 {
				if act[a], err = parseFlag(rec[6+a]); err != nil {
					return nil, &FormatError{Source: csvName, Line: line, Msg: "bad active flag", Err: err}
				}
			}
		}
		pos = append(pos, r3.Vec{X: p[0], Y: p[1], Z: p[2]})
		ijk = append(ijk, idx)
		active = append(active, act)
		shape.NX = max(shape.NX, idx[0]+1)
		shape.NY = max(shape.NY, idx[1]+1)
		shape.NZ = max(shape.NZ, idx[2]+1)
	}
	if len(pos) == 0 {
		return nil, formatErrorf(csvName, line, "no control points")
	}
	if shape.Len() != len(pos) {
		return nil, formatErrorf(csvName, 0, "indices span %s = %d points, file has %d rows",
			shape, shape.Len(), len(pos))
	}
	for n, idx := range ijk {
		if shape.Index(idx[0], idx[1], idx[2]) != n {
			return nil, formatErrorf(csvName, n+2, "row %d has indices %v, out of index order", n, idx)
		}
	}
	if L, err = NewLattice(shape, pos); err != nil {
		return
	}
	for n := range L.Points {
		L.Points[n].Active = active[n]
	}
	return
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFlag(s string) (b bool, err error) {
	s = strings.TrimSpace(s)
	if b, err = strconv.ParseBool(s); err == nil {
		return
	}
	var f float64
	if f, err = strconv.ParseFloat(s, 64); err != nil {
		return
	}
	return f != 0, nil
}
