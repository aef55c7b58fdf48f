package report

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/notargets/adjointffd/ffd"
	"gonum.org/v1/gonum/spatial/r3"
)

// VTK XML file layout, PolyData pieces and PVD collections.
type vtkFile struct {
	XMLName    xml.Name    `xml:"VTKFile"`
	Type       string      `xml:"type,attr"`
	Version    string      `xml:"version,attr"`
	ByteOrder  string      `xml:"byte_order,attr"`
	HeaderType string      `xml:"header_type,attr,omitempty"`
	PolyData   *polyData   `xml:"PolyData,omitempty"`
	Collection *collection `xml:"Collection,omitempty"`
}

type polyData struct {
	Piece piece `xml:"Piece"`
}

type piece struct {
	NumberOfPoints int        `xml:"NumberOfPoints,attr"`
	NumberOfVerts  int        `xml:"NumberOfVerts,attr"`
	NumberOfLines  int        `xml:"NumberOfLines,attr"`
	NumberOfStrips int        `xml:"NumberOfStrips,attr"`
	NumberOfPolys  int        `xml:"NumberOfPolys,attr"`
	Points         dataArrays `xml:"Points"`
	Verts          dataArrays `xml:"Verts"`
	PointData      dataArrays `xml:"PointData"`
}

type dataArrays struct {
	Arrays []dataArray `xml:"DataArray"`
}

type dataArray struct {
	Type       string `xml:"type,attr"`
	Name       string `xml:"Name,attr"`
	Components int    `xml:"NumberOfComponents,attr,omitempty"`
	Format     string `xml:"format,attr"`
	Data       string `xml:",chardata"`
}

type collection struct {
	DataSets []DataSet `xml:"DataSet"`
}

// DataSet is one time step of a PVD collection.
type DataSet struct {
	Timestep int    `xml:"timestep,attr"`
	Group    string `xml:"group,attr"`
	Part     int    `xml:"part,attr"`
	File     string `xml:"file,attr"`
}

func ints(n int, f func(int) int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(f(i)))
	}
	return b.String()
}

func vecs(v []r3.Vec) string {
	var b strings.Builder
	for i, p := range v {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatFloat(p.X, 'g', -1, 64) + " " +
			strconv.FormatFloat(p.Y, 'g', -1, 64) + " " +
			strconv.FormatFloat(p.Z, 'g', -1, 64))
	}
	return b.String()
}

func encode(w io.Writer, f vtkFile) (err error) {
	if _, err = io.WriteString(w, xml.Header); err != nil {
		return
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err = enc.Encode(f); err != nil {
		return
	}
	_, err = io.WriteString(w, "\n")
	return
}

// WriteVTP writes the control points as a VTK PolyData vertex cloud with
// their structured indices and design variable flags. With a reference
// lattice of the same shape the displacement from it is included.
func WriteVTP(w io.Writer, L, reference *ffd.Lattice) error {
	n := L.Len()
	var (
		pos    = L.Positions()
		active = make([]r3.Vec, n)
		ijk    [3]func(int) int
	)
	for a := range ijk {
		a := a
		ijk[a] = func(p int) int {
			i, j, k := L.Shape.IJK(p)
			return [3]int{i, j, k}[a]
		}
	}
	for p, cp := range L.Points {
		for a := 0; a < 3; a++ {
			if cp.Active[a] {
				active[p] = ffd.SetComponent(active[p], a, 1)
			}
		}
	}
	pd := dataArrays{Arrays: []dataArray{
		{Type: "Int32", Name: "i_index", Format: "ascii", Data: ints(n, ijk[0])},
		{Type: "Int32", Name: "j_index", Format: "ascii", Data: ints(n, ijk[1])},
		{Type: "Int32", Name: "k_index", Format: "ascii", Data: ints(n, ijk[2])},
		{Type: "Int32", Name: "point_id", Format: "ascii", Data: ints(n, func(p int) int { return p })},
		{Type: "Float32", Name: "active", Components: 3, Format: "ascii", Data: vecs(active)},
	}}
	if reference != nil {
		if reference.Shape != L.Shape {
			return fmt.Errorf("reference lattice %s does not match %s", reference.Shape, L.Shape)
		}
		disp := make([]r3.Vec, n)
		for p := range disp {
			disp[p] = r3.Sub(pos[p], reference.Points[p].Pos)
		}
		pd.Arrays = append(pd.Arrays, dataArray{
			Type: "Float64", Name: "displacement", Components: 3, Format: "ascii", Data: vecs(disp),
		})
	}
	return encode(w, vtkFile{
		Type:       "PolyData",
		Version:    "1.0",
		ByteOrder:  "LittleEndian",
		HeaderType: "UInt64",
		PolyData: &polyData{Piece: piece{
			NumberOfPoints: n,
			NumberOfVerts:  n,
			Points: dataArrays{Arrays: []dataArray{
				{Type: "Float64", Name: "Points", Components: 3, Format: "ascii", Data: vecs(pos)},
			}},
			Verts: dataArrays{Arrays: []dataArray{
				{Type: "Int32", Name: "connectivity", Format: "ascii", Data: ints(n, func(p int) int { return p })},
				{Type: "Int32", Name: "offsets", Format: "ascii", Data: ints(n, func(p int) int { return p + 1 })},
			}},
			PointData: pd,
		}},
	})
}

// WritePVD writes a ParaView collection linking the data sets, with file
// names relative to the collection.
func WritePVD(w io.Writer, sets []DataSet) error {
	return encode(w, vtkFile{
		Type:       "Collection",
		Version:    "0.1",
		ByteOrder:  "LittleEndian",
		Collection: &collection{DataSets: sets},
	})
}

type SeriesOptions struct {
	Stem string // Input file stem, the iteration number follows it
	Name string // Output base name
	Zip  bool
}

func (o SeriesOptions) withDefaults() SeriesOptions {
	if o.Stem == "" {
		o.Stem = "boxcpsBsplines"
	}
	if o.Name == "" {
		o.Name = "control_points"
	}
	return o
}

// Series is the result of ConvertSeries. Archive is empty unless a zip was
// requested.
type Series struct {
	Steps   []DataSet
	PVD     string
	Archive string
}

// ConvertSeries converts the per-iteration CSV lattices <stem><N>.csv in
// inDir into <name>_t<NNNN>.vtp files and a <name>_temporal.pvd collection
// in outDir. Files whose suffix is not an iteration number are skipped.
// The lowest iteration is the reference for the displacement field.
func ConvertSeries(inDir, outDir string, opt SeriesOptions) (s Series, err error) {
	opt = opt.withDefaults()
	var matches []string
	if matches, err = filepath.Glob(filepath.Join(inDir, opt.Stem+"*.csv")); err != nil {
		return
	}
	type input struct {
		step int
		path string
	}
	var inputs []input
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), opt.Stem), ".csv")
		step, err := strconv.Atoi(suffix)
		if err != nil || step < 0 {
			continue
		}
		inputs = append(inputs, input{step: step, path: m})
	}
	if len(inputs) == 0 {
		return s, fmt.Errorf("no %s<N>.csv files in %s", opt.Stem, inDir)
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].step < inputs[j].step })
	if err = os.MkdirAll(outDir, 0755); err != nil {
		return
	}

	var reference *ffd.Lattice
	for _, in := range inputs {
		var L *ffd.Lattice
		if L, err = ffd.Load(in.path); err != nil {
			return
		}
		if reference == nil {
			reference = L
		}
		name := fmt.Sprintf("%s_t%04d.vtp", opt.Name, in.step)
		if err = writeFile(filepath.Join(outDir, name), func(w io.Writer) error {
			return WriteVTP(w, L, reference)
		}); err != nil {
			return
		}
		s.Steps = append(s.Steps, DataSet{Timestep: in.step, File: name})
	}
	s.PVD = filepath.Join(outDir, opt.Name+"_temporal.pvd")
	if err = writeFile(s.PVD, func(w io.Writer) error { return WritePVD(w, s.Steps) }); err != nil {
		return
	}
	if opt.Zip {
		s.Archive = filepath.Join(outDir, opt.Name+"_temporal.zip")
		files := []string{s.PVD}
		for _, ds := range s.Steps {
			files = append(files, filepath.Join(outDir, ds.File))
		}
		err = writeFile(s.Archive, func(w io.Writer) error { return zipFiles(w, files) })
	}
	return
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	var f *os.File
	if f, err = os.Create(path); err != nil {
		return
	}
	if err = write(f); err != nil {
		f.Close()
		return
	}
	return f.Close()
}

// zipFiles stores each file under its base name, deflated.
func zipFiles(w io.Writer, files []string) (err error) {
	zw := zip.NewWriter(w)
	for _, path := range files {
		var (
			src *os.File
			dst io.Writer
		)
		if src, err = os.Open(path); err != nil {
			return
		}
		dst, err = zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(path), Method: zip.Deflate})
		if err == nil {
			_, err = io.Copy(dst, src)
		}
		src.Close()
		if err != nil {
			return
		}
	}
	return zw.Close()
}
