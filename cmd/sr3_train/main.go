// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sr3_train trains the conditional diffusion denoiser on a directory of images, or on the spectrograms
// of the time series of a CSV file (set with -set="data_kind=spectrogram").
//
// The hyperparameters are given with -set, see sr3.CreateDefaultContext. Training restarts from the
// latest checkpoint in -checkpoint, if there is one.
package main

import (
	"flag"

	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/sr3"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/commandline"
)

var (
	flagData       = flag.String("data", "", "Directory of images, or CSV file with one time series per row.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the train and validation data in the end.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := sr3.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" {
		klog.Fatal("-data must be given")
	}
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := check1(sr3.NewConfig(ctx, *flagData, paramsSet))
	_ = check1(sr3.TrainModel(config, *flagCheckpoint, *flagEval, *flagVerbosity))
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
