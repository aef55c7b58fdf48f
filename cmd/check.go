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
	"math/rand"

	"github.com/notargets/adjointffd/deform"
	"github.com/notargets/adjointffd/ffd"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"
)

type CheckOptions struct {
	Directions int
	H          float64
	Tolerance  float64
	Seed       int64
}

// CheckCmd represents the check command
var CheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the forward and reverse FFD maps agree on the input lattice",
	Long: `
Embeds the surface of an input file in its initial lattice and compares, for
random control point displacements, the directional derivative of a
synthetic quadratic objective through the reduced gradient against a central
finite difference of the deformed surface.

adjointffd check -I input.yaml --directions 5`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		co := CheckOptions{}
		co.Directions, _ = cmd.Flags().GetInt("directions")
		co.H, _ = cmd.Flags().GetFloat64("h")
		co.Tolerance, _ = cmd.Flags().GetFloat64("tolerance")
		co.Seed, _ = cmd.Flags().GetInt64("seed")
		ip, err := readInput(mustString(cmd, "inputConditionsFile"))
		if err != nil {
			return
		}
		surf, err := ip.LoadSurface()
		if err != nil {
			return
		}
		L, err := ip.Lattice(surf)
		if err != nil {
			return
		}
		cfg, err := ip.LoopConfig()
		if err != nil {
			return
		}
		var m *deform.Mapper
		if m, err = deform.NewMapper(surf.Vertices, L, cfg.Basis); err != nil {
			return
		}
		fmt.Printf("%d of %d vertices inside the %s lattice, %d design variables\n",
			m.NumInside(), m.Len(), L.Shape, L.NumActive())
		var checks []deform.AdjointCheck
		if checks, err = CheckMapper(m, co); err != nil {
			return
		}
		for n, c := range checks {
			fmt.Printf("direction %d: %s\n", n, c)
			if c.RelError > co.Tolerance {
				err = fmt.Errorf("direction %d: relative error %.3e above %.3e", n, c.RelError, co.Tolerance)
			}
		}
		return
	},
}

func init() {
	rootCmd.AddCommand(CheckCmd)
	f := CheckCmd.Flags()
	f.StringP("inputConditionsFile", "I", "", "YAML input file of the optimization")
	f.Int("directions", 3, "random displacement directions to test")
	f.Float64("h", 1e-3, "finite difference step relative to the lattice size")
	f.Float64("tolerance", 1e-6, "largest relative error accepted")
	f.Int64("seed", 1, "random seed for the directions")
}

// CheckMapper runs the adjoint consistency check along random displacements
// of the active control point axes. The objective is half the squared
// distance of the vertices to a point off the lattice center; central
// differences of a quadratic are exact up to round-off.
func CheckMapper(m *deform.Mapper, co CheckOptions) (checks []deform.AdjointCheck, err error) {
	L := m.Reference()
	if L.NumActive() == 0 {
		return nil, fmt.Errorf("lattice has no active design variables")
	}
	if co.Directions < 1 {
		return nil, fmt.Errorf("need at least one direction")
	}
	var (
		b      = L.Bounds()
		size   = r3.Norm(b.Size())
		center = r3.Add(r3.Scale(0.5, r3.Add(b.Min, b.Max)), r3.Scale(0.1*size, r3.Vec{X: 1, Y: 0.5, Z: 0.25}))
		rng    = rand.New(rand.NewSource(co.Seed))
		rest   = m.Map(nil)
		grad   = make([]r3.Vec, len(rest))
	)
	objective := func(x []r3.Vec) (J float64) {
		for _, v := range x {
			d := r3.Sub(v, center)
			J += 0.5 * r3.Dot(d, d)
		}
		return
	}
	for n, v := range rest {
		grad[n] = r3.Sub(v, center)
	}
	for dir := 0; dir < co.Directions; dir++ {
		field := make(ffd.DisplacementField)
		for n, p := range L.Points {
			var d r3.Vec
			for a := 0; a < 3; a++ {
				if p.Active[a] {
					d = ffd.SetComponent(d, a, size*(2*rng.Float64()-1))
				}
			}
			if d != (r3.Vec{}) {
				field[n] = d
			}
		}
		checks = append(checks, deform.CheckAdjoint(m, objective, grad, field, co.H))
	}
	return
}
