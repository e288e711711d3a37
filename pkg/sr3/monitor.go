// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sr3

import (
	stdcontext "context"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors/images"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots"
)

// GeneratedSamplesPrefix is the prefix of the files with the samples denoised during training.
const GeneratedSamplesPrefix = "generated_samples_"

// SamplesMAEMetric is the name of the plot metric with the mean absolute error of the denoised samples.
const SamplesMAEMetric = "Samples MAE"

// SamplesMonitor periodically denoises a fixed set of validation pairs during training, so one can observe
// the model quality evolving.
//
// Each time it is called it saves a PNG grid in the output directory, one row per pair: noisy, denoised
// and clean. It also reports the mean absolute error of the denoised samples to a plotter.
type SamplesMonitor struct {
	sampler   *diffusion.Sampler
	pairs     []datasets.Pair
	outputDir string
}

// NewSamplesMonitor creates a monitor for the given pairs. If outputDir is empty, no images are saved.
func NewSamplesMonitor(sampler *diffusion.Sampler, pairs []datasets.Pair, outputDir string) *SamplesMonitor {
	return &SamplesMonitor{sampler: sampler, pairs: pairs, outputDir: outputDir}
}

// Generate denoises the monitored pairs, and returns the denoised examples and their mean absolute error
// with respect to the clean examples.
func (m *SamplesMonitor) Generate() (denoised []*tensors.Tensor, mae float64, err error) {
	noisy := make([]*tensors.Tensor, len(m.pairs))
	for ii, pair := range m.pairs {
		noisy[ii] = pair.Noisy
	}
	denoised, err = DenoiseExamples(stdcontext.Background(), m.sampler, noisy)
	if err != nil {
		return nil, 0, err
	}
	for ii, pair := range m.pairs {
		mae += MeanAbsoluteError(denoised[ii], pair.Clean)
	}
	return denoised, mae / float64(len(m.pairs)), nil
}

// Monitor generates the samples at the current global step, saves them, and if plotter is not nil adds
// the SamplesMAEMetric point.
func (m *SamplesMonitor) Monitor(loop *train.Loop, plotter plots.Plotter) error {
	step := loop.Trainer.GlobalStep()
	denoised, mae, err := m.Generate()
	if err != nil {
		return errors.WithMessagef(err, "monitoring samples at step %d", step)
	}
	if plotter != nil {
		plotter.AddPoint(plots.Point{
			MetricName: SamplesMAEMetric,
			Short:      "smae",
			MetricType: "mae",
			Step:       float64(step),
			Value:      mae,
		})
		plotter.DynamicSampleDone(false)
	}
	if m.outputDir == "" {
		return nil
	}
	rows := make([][]*tensors.Tensor, len(m.pairs))
	for ii, pair := range m.pairs {
		rows[ii] = []*tensors.Tensor{pair.Noisy, denoised[ii], pair.Clean}
	}
	grid, err := images.Grid(rows, -1)
	if err != nil {
		return err
	}
	filePath := filepath.Join(m.outputDir, fmt.Sprintf("%s%07d.png", GeneratedSamplesPrefix, step))
	if err = imaging.Save(images.ToImage().Single(grid), filePath); err != nil {
		return errors.Wrapf(err, "failed to save samples to %q", filePath)
	}
	klog.V(1).Infof("step %d: samples MAE %.4f, saved to %q", step, mae, filePath)
	return nil
}

// MeanAbsoluteError between two tensors of the same shape.
func MeanAbsoluteError(a, b *tensors.Tensor) float64 {
	aFlat, bFlat := a.Flat(), b.Flat()
	var sum float64
	for ii, v := range aFlat {
		diff := v - bFlat[ii]
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return sum / float64(len(aFlat))
}
