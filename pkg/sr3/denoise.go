// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sr3

import (
	stdcontext "context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors/images"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/denoiser"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
)

// Denoiser runs a trained model loaded from a checkpoint.
type Denoiser struct {
	config   *Config
	schedule *diffusion.Schedule
	model    *denoiser.Conv
	sampler  *diffusion.Sampler
}

// NewDenoiser loads the model trained in checkpointPath for examples with the given number of channels.
// The hyperparameters are read from the checkpoint, except those in config.ParamsSet.
//
// If useBest is true it loads the best checkpoint saved when training with epochs.
func NewDenoiser(config *Config, checkpointPath string, useBest bool, channels int) (*Denoiser, error) {
	if _, err := config.AttachCheckpoint(checkpointPath, true, useBest); err != nil {
		return nil, err
	}
	d := &Denoiser{config: config}
	var err error
	d.schedule, err = config.Schedule()
	if err != nil {
		return nil, err
	}
	d.model, err = config.NewModel(d.schedule, channels)
	if err != nil {
		return nil, err
	}
	// Optimizer variables are expected to remain unused.
	modelScope := context.JoinScope(context.RootScope, denoiser.Scope) + context.ScopeSeparator
	for scopeAndName := range config.Checkpoint.LoadedVariables() {
		if strings.HasPrefix(scopeAndName, modelScope) {
			klog.Warningf("variable %q in %s was not used by the model", scopeAndName, config.Checkpoint)
		}
	}
	d.sampler, err = config.NewSampler(d.schedule, d.model)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loaded %s with schedule %s", d.model, d.schedule)
	return d, nil
}

// Schedule used by the denoiser.
func (d *Denoiser) Schedule() *diffusion.Schedule { return d.schedule }

// Sampler used by the denoiser.
func (d *Denoiser) Sampler() *diffusion.Sampler { return d.sampler }

// Denoise each of the noisy examples, shaped [C, H, W].
func (d *Denoiser) Denoise(ctx stdcontext.Context, noisy []*tensors.Tensor) ([]*tensors.Tensor, error) {
	return DenoiseExamples(ctx, d.sampler, noisy)
}

// Trajectory denoises one example, and returns the diffusion states every `every` steps, see
// diffusion.Sampler.SampleWithTrajectory. The last state is the denoised example.
func (d *Denoiser) Trajectory(ctx stdcontext.Context, noisy *tensors.Tensor, every int) ([]*tensors.Tensor, error) {
	_, trajectory, err := d.sampler.SampleWithTrajectory(ctx, noisy, every)
	return trajectory, err
}

// DenoiseExamples samples all the examples as one batch with the given sampler.
func DenoiseExamples(ctx stdcontext.Context, sampler *diffusion.Sampler, noisy []*tensors.Tensor) (
	[]*tensors.Tensor, error) {
	if len(noisy) == 0 {
		return nil, nil
	}
	batch, err := tensors.Stack(noisy)
	if err != nil {
		return nil, errors.WithMessage(err, "examples to denoise must have the same shape")
	}
	denoisedBatch, err := sampler.SampleBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	denoised := make([]*tensors.Tensor, len(noisy))
	for ii := range denoised {
		denoised[ii] = denoisedBatch.Example(ii)
	}
	return denoised, nil
}

// SaveImages saves each example, shaped [1 or 3, H, W] with values in [-1, 1], as a PNG file named
// "<prefix><index>.png" in dir, which is created if needed. It returns the files written.
func SaveImages(dir, prefix string, examples []*tensors.Tensor) ([]string, error) {
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	toImage := images.ToImage()
	files := make([]string, 0, len(examples))
	for ii, example := range examples {
		filePath := filepath.Join(dir, fmt.Sprintf("%s%04d.png", prefix, ii))
		if err := imaging.Save(toImage.Single(example), filePath); err != nil {
			return files, errors.Wrapf(err, "failed to save example #%d", ii)
		}
		files = append(files, filePath)
	}
	return files, nil
}
