// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"math"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/pkg/errors"
)

// QSample samples the forward process q(x_t|x_0): x_t = √ᾱ_t·x0 + √(1-ᾱ_t)·noise.
// The noise is given by the caller, usually drawn from N(0, I), and must have the shape of x0.
func (s *Schedule) QSample(x0, noise *tensors.Tensor, t int) (*tensors.Tensor, error) {
	if t < 1 || t > s.NumSteps() {
		return nil, errors.Errorf("QSample: step %d out of range [1, %d]", t, s.NumSteps())
	}
	if !noise.Shape().Equal(x0.Shape()) {
		return nil, &ShapeMismatchError{Step: t, Expected: x0.Shape(), Got: noise.Shape(), Description: "forward process noise"}
	}
	xt := tensors.ZerosLike(x0)
	qSampleInto(xt.Flat(), x0.Flat(), noise.Flat(), s.AlphaBar(t))
	return xt, nil
}

// QSampleBatch is like QSample, for a batch `[B, ...]` where each example uses its own step.
func (s *Schedule) QSampleBatch(x0, noise *tensors.Tensor, steps []int) (*tensors.Tensor, error) {
	if x0.Rank() < 1 || x0.Dim(0) != len(steps) {
		return nil, errors.Errorf("QSampleBatch: batch of shape %s given with %d steps", x0.Shape(), len(steps))
	}
	if !noise.Shape().Equal(x0.Shape()) {
		return nil, &ShapeMismatchError{Step: 0, Expected: x0.Shape(), Got: noise.Shape(), Description: "forward process noise"}
	}
	xt := tensors.ZerosLike(x0)
	exampleSize := x0.Size() / len(steps)
	for ii, t := range steps {
		if t < 1 || t > s.NumSteps() {
			return nil, errors.Errorf("QSampleBatch: step %d of example #%d out of range [1, %d]", t, ii, s.NumSteps())
		}
		from, to := ii*exampleSize, (ii+1)*exampleSize
		qSampleInto(xt.Flat()[from:to], x0.Flat()[from:to], noise.Flat()[from:to], s.AlphaBar(t))
	}
	return xt, nil
}

func qSampleInto(dst, x0, noise []float64, alphaBar float64) {
	signal, noiseRatio := math.Sqrt(alphaBar), math.Sqrt(1-alphaBar)
	for ii := range dst {
		dst[ii] = signal*x0[ii] + noiseRatio*noise[ii]
	}
}
