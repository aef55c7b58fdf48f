package ffd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Format uint8

const (
	Interchange Format = iota // Plot3D .xyz
	SolverNative              // OpenFOAM controlPoints dictionary
	Visualization             // CSV table
)

func (f Format) String() string {
	return [...]string{"plot3d", "openfoam", "csv"}[f]
}

// FormatOf picks the format from the file extension. Extensionless files
// are OpenFOAM dictionaries, as the solver expects them under
// constant/controlPoints.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xyz", ".p3d", ".fmt":
		return Interchange
	case ".csv":
		return Visualization
	default:
		return SolverNative
	}
}

// Load reads a control lattice, dispatching on the file extension.
func Load(path string) (L *Lattice, err error) {
	var data []byte
	if data, err = os.ReadFile(path); err != nil {
		return
	}
	switch FormatOf(path) {
	case Interchange:
		L, err = FromInterchange(string(data))
	case Visualization:
		L, err = FromCSV(string(data))
	default:
		L, err = FromSolverNative(string(data))
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		fe.Source = path
	}
	return
}

// Save writes the lattice in stable index order in the format implied by
// the extension.
func (L *Lattice) Save(path string) (err error) {
	var text string
	switch FormatOf(path) {
	case Interchange:
		text = ToInterchange(L)
	case Visualization:
		text = ToCSV(L)
	default:
		object := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		text = toSolverNative(L, object)
	}
	if err = writeFileAtomic(path, []byte(text)); err != nil {
		return fmt.Errorf("saving control points: %w", err)
	}
	return
}

// SaveAll writes the lattice in every format under dir using the stem,
// e.g. boxcpsBsplines3.xyz, boxcpsBsplines3, boxcpsBsplines3.csv.
func (L *Lattice) SaveAll(dir, stem string) (paths []string, err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		return
	}
	for _, ext := range []string{".xyz", "", ".csv"} {
		path := filepath.Join(dir, stem+ext)
		if err = L.Save(path); err != nil {
			return
		}
		paths = append(paths, path)
	}
	return
}

// writeFileAtomic replaces path through a rename so a crash never leaves a
// half written control point file behind.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	return os.Rename(tmp, path)
}
