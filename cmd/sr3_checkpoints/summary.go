// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context/checkpoints"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
)

// Summary prints one column per checkpoint with the global step (and the step its run was heading to),
// the best epoch loss and the sizes of the variables under the scope.
func Summary(ctxs, scopedCtxs []*context.Context, names []string) {
	numCheckpoints := len(names)
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"checkpoint"}, names...)...)

	newRow := func(title string) []string {
		row := make([]string, numCheckpoints+1)
		row[0] = title
		return row
	}
	scopeRow := newRow("scope")
	globalStepRow := newRow("global_step")
	targetStepRow := newRow(train.TargetStepVarName)
	bestLossRow := newRow(checkpoints.ParamBestEpochLoss)
	variablesRow := newRow("# variables")
	parametersRow := newRow("# parameters")
	memoryRow := newRow("# bytes")
	var haveGlobalStep, haveTargetStep, haveBestLoss bool
	for ii, ctx := range ctxs {
		scopeRow[ii+1] = scopedCtxs[ii].Scope()
		if v := ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName); v != nil {
			haveGlobalStep = true
			globalStepRow[ii+1] = humanize.Comma(int64(v.Value().At()))
		}
		if v := ctx.GetVariableByScopeAndName(train.TrainerAbsoluteScope, train.TargetStepVarName); v != nil {
			haveTargetStep = true
			if target := int64(v.Value().At()); target >= 0 {
				targetStepRow[ii+1] = humanize.Comma(target)
			} else {
				targetStepRow[ii+1] = "unknown"
			}
		}
		if loss, found := ctx.GetParam(checkpoints.ParamBestEpochLoss); found {
			haveBestLoss = true
			bestLossRow[ii+1] = fmt.Sprintf("%.4g", loss)
		}
		var numVars, totalSize int
		var totalMemory uintptr
		for v := range scopedCtxs[ii].IterVariablesInScope() {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		}
		variablesRow[ii+1] = humanize.Comma(int64(numVars))
		parametersRow[ii+1] = humanize.Comma(int64(totalSize))
		memoryRow[ii+1] = humanize.Bytes(uint64(totalMemory))
	}
	table.Row(scopeRow...)
	if haveGlobalStep {
		table.Row(globalStepRow...)
	}
	if haveTargetStep {
		table.Row(targetStepRow...)
	}
	if haveBestLoss {
		table.Row(bestLossRow...)
	}
	table.Row(variablesRow...)
	table.Row(parametersRow...)
	table.Row(memoryRow...)
	fmt.Println(table.Render())
}
