/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notargets/adjointffd/ffd"
	"github.com/notargets/adjointffd/geometry"
	"github.com/notargets/adjointffd/optimize"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"
)

// FFDCmd represents the ffd command
var FFDCmd = &cobra.Command{
	Use:   "ffd",
	Short: "Control lattice generation and format conversion",
}

var ffdBoxCmd = &cobra.Command{
	Use:   "box",
	Short: "Build a control box from 8 corners or around a surface",
	Long: `
Builds a uniformly spaced control lattice and writes it in every format:
<stem>.xyz (Plot3D), <stem> (OpenFOAM controlPoints) and <stem>.csv.

Corner order is xmin,ymin,zmin; xmax,ymin,zmin; xmax,ymin,zmax;
xmin,ymin,zmax, then the same four at ymax.

adjointffd ffd box --surface wing.stl --unitScale 0.001 --shape 8,4,4 --offset 0.01,0.01,0.01
adjointffd ffd box --corners "0,0,0 1,0,0 1,0,1 0,0,1 0,1,0 1,1,0 1,1,1 0,1,1" --shape 5,5,5`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var (
			flags      = cmd.Flags()
			shapeV, _  = flags.GetIntSlice("shape")
			surfPath   = mustString(cmd, "surface")
			cornerText = mustString(cmd, "corners")
			dir        = mustString(cmd, "out")
			stem       = mustString(cmd, "stem")
			L          *ffd.Lattice
		)
		if len(shapeV) != 3 {
			return fmt.Errorf("--shape needs 3 values, have %v", shapeV)
		}
		shape := ffd.Shape{NX: shapeV[0], NY: shapeV[1], NZ: shapeV[2]}
		switch {
		case cornerText != "" && surfPath != "":
			return fmt.Errorf("give either --corners or --surface")
		case cornerText != "":
			var corners [8]r3.Vec
			if corners, err = parseCorners(cornerText); err != nil {
				return
			}
			L, err = ffd.NewBox(corners, shape)
		case surfPath != "":
			var (
				surf      *geometry.Surface
				scale, _  = flags.GetFloat64("unitScale")
				offset, _ = flags.GetFloat64Slice("offset")
				margin, _ = flags.GetFloat64Slice("margin")
				opt       = ffd.BoxOptions{Shape: shape}
			)
			if surf, err = geometry.ReadSurface(surfPath); err != nil {
				return
			}
			surf.Scale(scale)
			if opt.Offset, err = vec3("offset", offset); err != nil {
				return
			}
			if opt.Margin, err = vec3("margin", margin); err != nil {
				return
			}
			if flags.Changed("xStart") {
				x, _ := flags.GetFloat64("xStart")
				opt.XStart = &x
			}
			if flags.Changed("xEnd") {
				x, _ := flags.GetFloat64("xEnd")
				opt.XEnd = &x
			}
			L, err = ffd.BoxAround(surf.Bounds(), opt)
		default:
			return fmt.Errorf("one of --corners or --surface is required")
		}
		if err != nil {
			return
		}
		if err = applyActive(cmd, L); err != nil {
			return
		}
		var paths []string
		if paths, err = L.SaveAll(dir, stem); err != nil {
			return
		}
		b := L.Bounds()
		fmt.Printf("%s lattice, %d points, bounds %v - %v\n", L.Shape, L.Len(), b.Min, b.Max)
		for _, p := range paths {
			fmt.Println(p)
		}
		return
	},
}

var ffdConvertCmd = &cobra.Command{
	Use:   "convert in out",
	Short: "Convert a control lattice between Plot3D, OpenFOAM and CSV",
	Long: `
The format of each file follows its extension: .xyz/.p3d/.fmt for Plot3D,
.csv for the visualization table, anything else for OpenFOAM controlPoints.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var L *ffd.Lattice
		if L, err = ffd.Load(args[0]); err != nil {
			return
		}
		if err = applyActive(cmd, L); err != nil {
			return
		}
		if err = L.Save(args[1]); err != nil {
			return
		}
		fmt.Printf("%s [%s] -> %s [%s]\n", args[0], ffd.FormatOf(args[0]), args[1], ffd.FormatOf(args[1]))
		return
	},
}

func init() {
	rootCmd.AddCommand(FFDCmd)
	FFDCmd.AddCommand(ffdBoxCmd, ffdConvertCmd)
	f := ffdBoxCmd.Flags()
	f.StringP("surface", "s", "", "STL or SU2 surface to enclose")
	f.Float64("unitScale", 1, "scale applied to the surface coordinates")
	f.String("corners", "", "8 corners as \"x,y,z x,y,z ...\"")
	f.IntSlice("shape", []int{5, 5, 5}, "control points per direction")
	f.Float64Slice("offset", []float64{0, 0, 0}, "absolute growth per side in x,y,z")
	f.Float64Slice("margin", []float64{0, 0, 0}, "growth per side relative to the surface extent")
	f.Float64("xStart", 0, "override the box x start")
	f.Float64("xEnd", 0, "override the box x end")
	f.StringP("out", "o", ".", "output directory")
	f.String("stem", optimize.DefaultStem+"0", "output file stem")
	for _, c := range []*cobra.Command{ffdBoxCmd, ffdConvertCmd} {
		c.Flags().String("activeAxes", "", "design variable axes, e.g. xyz or z")
		c.Flags().Int("frozenLayers", 0, "outer point layers held fixed")
	}
}

func mustString(cmd *cobra.Command, name string) string {
	s, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(err)
	}
	return s
}

// applyActive sets the design variables when either flag is given.
func applyActive(cmd *cobra.Command, L *ffd.Lattice) error {
	flags := cmd.Flags()
	if !flags.Changed("activeAxes") && !flags.Changed("frozenLayers") {
		return nil
	}
	axes, _ := flags.GetString("activeAxes")
	if axes == "" {
		axes = "xyz"
	}
	frozen, _ := flags.GetInt("frozenLayers")
	return L.SetActive(axes, frozen)
}

func vec3(name string, v []float64) (r3.Vec, error) {
	if len(v) != 3 {
		return r3.Vec{}, fmt.Errorf("--%s needs 3 values, have %v", name, v)
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

func parseCorners(text string) (corners [8]r3.Vec, err error) {
	fields := strings.Fields(strings.NewReplacer(";", " ").Replace(text))
	if len(fields) != 8 {
		return corners, fmt.Errorf("need 8 corners, have %d", len(fields))
	}
	for n, f := range fields {
		parts := strings.Split(f, ",")
		if len(parts) != 3 {
			return corners, fmt.Errorf("corner %d: need x,y,z, have %q", n, f)
		}
		var x [3]float64
		for a, p := range parts {
			if x[a], err = strconv.ParseFloat(p, 64); err != nil {
				return corners, fmt.Errorf("corner %d: %w", n, err)
			}
		}
		corners[n] = r3.Vec{X: x[0], Y: x[1], Z: x[2]}
	}
	return
}
