// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context/checkpoints"
)

var (
	flagVars        = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagDeleteVars  = flag.String("delete_vars", "", "Delete variables under the given comma-separated scope(s). Useful for instance to remove the optimizer state.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs the variables under -scope by <x>: it multiplies the weights by 1.0+(RandomUniform(-1, 1)*x). "+
			"If using Adam optimizer remember to clear its running moving averages with -delete_vars.")
)

// ListVariables lists the variables of a model, with their shape and MAV (mean absolute value), RMS
// (root-mean-square) and MaxAV (max absolute value).
func ListVariables(ctx *context.Context, name string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %s in scope %q", name, ctx.Scope())))
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for v := range ctx.IterVariablesInScope() {
		shape := v.Shape()
		flat := v.Value().Flat()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", flat[0])
		} else if len(flat) > 0 {
			mav = fmt.Sprintf("%.3g", floats.Norm(flat, 1)/float64(len(flat)))
			rms = fmt.Sprintf("%.3g", floats.Norm(flat, 2)/math.Sqrt(float64(len(flat))))
			maxAV = fmt.Sprintf("%.3g", floats.Norm(flat, math.Inf(1)))
		}
		table.Row(v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// openForUpdate loads the latest checkpoint in checkpointPath, keeping all the previous ones when saving.
func openForUpdate(checkpointPath string) (*context.Context, *checkpoints.Handler, error) {
	ctx := context.New()
	checkpoint, err := checkpoints.Load(ctx).Dir(checkpointPath).Keep(-1).Immediate().Done()
	if err != nil {
		return nil, nil, err
	}
	return ctx, checkpoint, nil
}

// DeleteVars deletes the variables under the given scopes, and saves a new checkpoint if any was deleted.
// It returns the number of variables deleted.
func DeleteVars(checkpointPath string, scopes ...string) (int, error) {
	ctx, checkpoint, err := openForUpdate(checkpointPath)
	if err != nil {
		return 0, err
	}
	var varsToDelete []*context.Variable
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		scopePrefix := scope + context.ScopeSeparator
		for v := range ctx.IterVariables() {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scopePrefix) {
				varsToDelete = append(varsToDelete, v)
			}
		}
	}
	if len(varsToDelete) == 0 {
		return 0, nil
	}
	for _, v := range varsToDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	if err = checkpoint.Save(); err != nil {
		return 0, errors.WithMessagef(err, "saving checkpoint after deleting variables")
	}
	return len(varsToDelete), nil
}

// PerturbVars multiplies the values of the variables under scope by 1+U(-x, x), and saves a new checkpoint.
// It returns the number of variables perturbed. The seed 0 draws a random seed.
func PerturbVars(checkpointPath, scope string, x float64, seed int64) (int, error) {
	if !(x > 0 && x < 1) {
		return 0, errors.Errorf("perturbation must be in (0, 1), got %g", x)
	}
	ctx, checkpoint, err := openForUpdate(checkpointPath)
	if err != nil {
		return 0, err
	}
	if scope == "" {
		scope = context.RootScope
	}
	if seed == 0 {
		seed = rand.Int64()
	}
	rng := rand.New(context.NewSource(seed))
	var numUpdates int
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		flat := v.Value().Flat()
		for ii := range flat {
			flat[ii] *= 1 + x*(2*rng.Float64()-1)
		}
		numUpdates++
	}
	if err = checkpoint.Save(); err != nil {
		return 0, errors.WithMessagef(err, "saving checkpoint after perturbing variables")
	}
	return numUpdates, nil
}
