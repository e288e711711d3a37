// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sr3_checkpoints reports on one or more checkpoints saved by sr3_train: summary, hyperparameters,
// variables and the metrics collected for plotting. With more than one checkpoint it shows them side
// by side, highlighting the hyperparameters that differ.
//
// It can also modify a checkpoint, see -delete_vars and -perturb.
//
// Usage:
//
//	sr3_checkpoints -summary -params -metrics ~/work/sr3/run1 ~/work/sr3/run2
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context/checkpoints"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/denoiser"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
)

var (
	flagScope = flag.String("scope", context.JoinScope(context.RootScope, denoiser.Scope),
		"The scope of the variables considered by -summary and -vars. Other scopes hold support variables, "+
			"like the optimizer state.")
	flagSummary  = flag.Bool("summary", false, "Display a summary of the model sizes (for variables under -scope) and the global step.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters.")
	flagBest     = flag.Bool("best", false, "Inspect the best checkpoint (saved when training with num_epochs > 0) instead of the latest.")
	flagGlossary = flag.Bool("glossary", true, "Explain the columns of the reports.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	checkpointPaths := flag.Args()
	if len(checkpointPaths) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'sr3_checkpoints -help'")
		os.Exit(1)
	}
	for ii, checkpointPath := range checkpointPaths {
		checkpointPaths[ii] = must.M1(fsutil.ReplaceTildeInDir(checkpointPath))
	}

	// Modifications of a checkpoint.
	if *flagDeleteVars != "" || *flagPerturbVars != 0 {
		if len(checkpointPaths) > 1 {
			klog.Fatalf("-delete_vars and -perturb work on one checkpoint at a time, %d given", len(checkpointPaths))
		}
		if *flagDeleteVars != "" {
			numDeleted := must.M1(DeleteVars(checkpointPaths[0], strings.Split(*flagDeleteVars, ",")...))
			fmt.Printf("%d variables deleted under scopes %q, new checkpoint saved.\n", numDeleted, *flagDeleteVars)
		}
		if *flagPerturbVars != 0 {
			numUpdated := must.M1(PerturbVars(checkpointPaths[0], *flagScope, *flagPerturbVars, 0))
			fmt.Printf("%d variables perturbed, new checkpoint saved.\n", numUpdated)
		}
	}

	names := minimalUniquePaths(checkpointPaths...)
	if *flagSummary || *flagParams || *flagVars {
		ctxs := make([]*context.Context, len(checkpointPaths))
		scopedCtxs := make([]*context.Context, len(checkpointPaths))
		for ii, checkpointPath := range checkpointPaths {
			ctxs[ii] = must.M1(loadCheckpoint(checkpointPath, *flagBest))
			scopedCtxs[ii] = ctxs[ii]
			if *flagScope != "" {
				scopedCtxs[ii] = ctxs[ii].InAbsPath(*flagScope)
			}
		}
		if *flagSummary {
			Summary(ctxs, scopedCtxs, names)
		}
		if *flagParams {
			Params(ctxs, names)
		}
		if *flagVars {
			for ii, scopedCtx := range scopedCtxs {
				ListVariables(scopedCtx, names[ii])
			}
		}
	}
	if *flagMetrics || *flagMetricsLabels || *flagPlot != "" {
		Metrics(checkpointPaths, names)
	}
}

// loadCheckpoint loads all the parameters and variables of the checkpoint into a new context.
func loadCheckpoint(checkpointPath string, best bool) (*context.Context, error) {
	ctx := context.New()
	builder := checkpoints.Load(ctx).Dir(checkpointPath).Keep(-1).Immediate()
	if best {
		builder = builder.Best()
	}
	_, err := builder.Done()
	if err != nil {
		return nil, err
	}
	return ctx, nil
}
