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

	"github.com/notargets/adjointffd/geometry"
	"github.com/spf13/cobra"
)

// STLCmd represents the stl command
var STLCmd = &cobra.Command{
	Use:   "stl",
	Short: "Surface file utilities",
}

var stlConvertCmd = &cobra.Command{
	Use:   "convert in out",
	Short: "Rewrite an STL or SU2 surface as ASCII (default) or binary STL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rewriteSurface(cmd, args[0], args[1], 1)
	},
}

var stlScaleCmd = &cobra.Command{
	Use:   "scale in out",
	Short: "Scale surface coordinates, e.g. --factor 0.001 for mm to m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		factor, _ := cmd.Flags().GetFloat64("factor")
		if !(factor > 0) {
			return fmt.Errorf("--factor must be > 0, have %g", factor)
		}
		return rewriteSurface(cmd, args[0], args[1], factor)
	},
}

var stlInfoCmd = &cobra.Command{
	Use:   "info file",
	Short: "Print vertex and triangle counts, bounds and area of a surface",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var s *geometry.Surface
		if s, err = geometry.ReadSurface(args[0]); err != nil {
			return
		}
		b := s.Bounds()
		fmt.Printf("\"%s\"\t\t= Name\n", s.Name)
		fmt.Printf("%8d\t\t= Vertices\n", s.NumVertices())
		fmt.Printf("%8d\t\t= Triangles\n", len(s.Triangles))
		fmt.Printf("%v - %v\t= Bounds\n", b.Min, b.Max)
		fmt.Printf("%8.5g\t\t= Area\n", s.Area())
		if err = s.Validate(); err != nil {
			fmt.Printf("invalid: %v\n", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(STLCmd)
	STLCmd.AddCommand(stlConvertCmd, stlScaleCmd, stlInfoCmd)
	for _, c := range []*cobra.Command{stlConvertCmd, stlScaleCmd} {
		c.Flags().BoolP("binary", "b", false, "write binary STL")
	}
	stlScaleCmd.Flags().Float64P("factor", "f", 0.001, "scale factor")
}

func rewriteSurface(cmd *cobra.Command, in, out string, factor float64) (err error) {
	var s *geometry.Surface
	if s, err = geometry.ReadSurface(in); err != nil {
		return
	}
	if factor != 1 {
		s.Scale(factor)
	}
	binary, _ := cmd.Flags().GetBool("binary")
	if err = geometry.WriteSTL(out, s, binary); err != nil {
		return
	}
	fmt.Printf("%s -> %s: %d vertices, %d triangles\n", in, out, s.NumVertices(), len(s.Triangles))
	return
}
