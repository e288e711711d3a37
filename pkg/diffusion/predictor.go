// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import "github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"

// Predictor estimates the noise component of a diffusion state.
//
// The input x is the channel-wise concatenation of the conditioning input and the current state x_t,
// shaped `[2*C, H, W]`, and step is t ∈ [1, NumSteps]. The returned noise must be shaped `[C, H, W]`.
//
// Implementations used with Sampler.SampleBatch are called concurrently, and must be safe for it.
type Predictor interface {
	Predict(x *tensors.Tensor, step int) (*tensors.Tensor, error)
}

// PredictorFunc adapts a function to the Predictor interface.
type PredictorFunc func(x *tensors.Tensor, step int) (*tensors.Tensor, error)

// Predict implements Predictor.
func (fn PredictorFunc) Predict(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
	return fn(x, step)
}
