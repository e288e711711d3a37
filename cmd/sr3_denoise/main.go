// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sr3_denoise denoises the validation examples with a model trained by sr3_train, and saves the noisy,
// denoised and clean examples as PNG files.
//
// The data is degraded and split exactly as during training, using the hyperparameters saved in the
// checkpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors/images"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/sr3"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/commandline"
)

var (
	flagData            = flag.String("data", "", "Directory of images, or CSV file with one time series per row.")
	flagCheckpoint      = flag.String("checkpoint", "", "Directory with the trained model.")
	flagBest            = flag.Bool("best", false, "Use the best checkpoint, saved when training with num_epochs > 0.")
	flagOutput          = flag.String("output", "", "Directory where to save the images. Defaults to <checkpoint>/denoised.")
	flagNum             = flag.Int("num", 8, "Maximum number of validation examples to denoise. 0 denoises all of them.")
	flagTrajectoryEvery = flag.Int("trajectory_every", 0, "If > 0, saves the diffusion states of the first example every that many steps.")
)

func main() {
	ctx := sr3.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" || *flagCheckpoint == "" {
		klog.Fatal("-data and -checkpoint must be given")
	}
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	config := check1(sr3.NewConfig(ctx, *flagData, paramsSet))
	d := check1(sr3.NewDenoiser(config, *flagCheckpoint, *flagBest, 1))

	pairs := check1(config.CreatePairs())
	_, validationPairs := check2(config.SplitPairs(pairs))
	if *flagNum > 0 && len(validationPairs) > *flagNum {
		validationPairs = validationPairs[:*flagNum]
	}
	noisy := make([]*tensors.Tensor, len(validationPairs))
	clean := make([]*tensors.Tensor, len(validationPairs))
	for ii, pair := range validationPairs {
		noisy[ii], clean[ii] = pair.Noisy, pair.Clean
	}

	sampleCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	fmt.Printf("Denoising %d examples with %s\n", len(noisy), d.Schedule())
	denoised := check1(d.Denoise(sampleCtx, noisy))

	outputDir := *flagOutput
	if outputDir == "" {
		outputDir = filepath.Join(config.Checkpoint.Dir(), "denoised")
	}
	_ = check1(sr3.SaveImages(outputDir, "noisy_", noisy))
	_ = check1(sr3.SaveImages(outputDir, "denoised_", denoised))
	_ = check1(sr3.SaveImages(outputDir, "clean_", clean))
	var meanNoisy, meanDenoised float64
	for ii := range denoised {
		maeNoisy := sr3.MeanAbsoluteError(noisy[ii], clean[ii])
		maeDenoised := sr3.MeanAbsoluteError(denoised[ii], clean[ii])
		fmt.Printf("\t#%04d: MAE noisy=%.4f, denoised=%.4f\n", ii, maeNoisy, maeDenoised)
		meanNoisy += maeNoisy
		meanDenoised += maeDenoised
	}
	if n := float64(len(denoised)); n > 0 {
		fmt.Printf("Mean MAE: noisy=%.4f, denoised=%.4f\n", meanNoisy/n, meanDenoised/n)
	}

	if *flagTrajectoryEvery > 0 && len(noisy) > 0 {
		trajectory := check1(d.Trajectory(sampleCtx, noisy[0], *flagTrajectoryEvery))
		grid := check1(images.Grid([][]*tensors.Tensor{trajectory}, -1))
		_ = check1(sr3.SaveImages(outputDir, "trajectory_", []*tensors.Tensor{grid}))
	}
	fmt.Printf("Images saved to %q\n", outputDir)
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

// check2 reports and exits on error. Otherwise returns the values passed.
func check2[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	check(err)
	return v1, v2
}
