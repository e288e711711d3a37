// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have several standard losses that implement train.LossFn interface. They can also
// be called separately by custom losses.
//
// They all have the same signature that can be used by train.Trainer.
package losses

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/pkg/errors"
)

// LossFn is the interface used by train.Trainer to train models.
//
// It takes as inputs the labels and predictions, both shaped `[batch_size, ...]`, and returns:
//   - perExample: the loss of each example (mean over its elements), used by the metrics.
//   - grad: the gradient of the batch loss (the mean of perExample) with respect to predictions.
//
// For the diffusion denoiser the labels are the noise added by the forward process, and the predictions
// the noise estimated by the model.
type LossFn func(labels, predictions *tensors.Tensor) (perExample []float64, grad *tensors.Tensor, err error)

// elementLossFn returns the loss of one element and its derivative with respect to the prediction,
// given diff = prediction - label.
type elementLossFn func(diff float64) (loss, derivative float64)

func makeLoss(name string, elementLoss elementLossFn) LossFn {
	return func(labels, predictions *tensors.Tensor) ([]float64, *tensors.Tensor, error) {
		if !labels.Shape().Equal(predictions.Shape()) {
			return nil, nil, errors.Errorf("%s: labels (%s) and predictions (%s) must have same shape",
				name, labels.Shape(), predictions.Shape())
		}
		if predictions.Rank() < 1 || predictions.Size() == 0 {
			return nil, nil, errors.Errorf("%s: predictions must be a non-empty batch, got shape %s",
				name, predictions.Shape())
		}
		batchSize := predictions.Dim(0)
		exampleSize := predictions.Size() / batchSize
		total := float64(predictions.Size())
		perExample := make([]float64, batchSize)
		grad := tensors.ZerosLike(predictions)
		labelsFlat, predictionsFlat, gradFlat := labels.Flat(), predictions.Flat(), grad.Flat()
		for ii, prediction := range predictionsFlat {
			loss, derivative := elementLoss(prediction - labelsFlat[ii])
			perExample[ii/exampleSize] += loss
			gradFlat[ii] = derivative / total
		}
		for ii := range perExample {
			perExample[ii] /= float64(exampleSize)
		}
		return perExample, grad, nil
	}
}

// MeanAbsoluteError (L1) loss: mean of |prediction - label|.
var MeanAbsoluteError = makeLoss("MeanAbsoluteError", func(diff float64) (float64, float64) {
	derivative := 0.0
	if diff > 0 {
		derivative = 1
	} else if diff < 0 {
		derivative = -1
	}
	return math.Abs(diff), derivative
})

// MeanSquaredError (L2) loss: mean of (prediction - label)².
var MeanSquaredError = makeLoss("MeanSquaredError", func(diff float64) (float64, float64) {
	return diff * diff, 2 * diff
})

// MakeHuberLoss returns a Huber loss: quadratic for errors smaller than delta, and beyond
// delta it becomes linear. It also defines the slope. A good default value is 1.0.
//
// See https://en.wikipedia.org/wiki/Huber_loss
func MakeHuberLoss(delta float64) LossFn {
	if delta <= 0.0 {
		exceptions.Panicf("MakeHuberLoss requires delta > 0 (1.0 being a good default), delta=%f given", delta)
	}
	return makeLoss("HuberLoss", func(diff float64) (float64, float64) {
		absDiff := math.Abs(diff)
		if absDiff <= delta {
			return 0.5 * diff * diff, diff
		}
		return delta * (absDiff - 0.5*delta), delta * math.Copysign(1, diff)
	})
}

// ByName returns the loss with the given name: "l1" (or "mae"), "l2" (or "mse") or "huber" (with delta 1).
func ByName(name string) (LossFn, error) {
	switch name {
	case "l1", "mae":
		return MeanAbsoluteError, nil
	case "l2", "mse":
		return MeanSquaredError, nil
	case "huber":
		return MakeHuberLoss(1.0), nil
	}
	return nil, errors.Errorf("unknown loss %q, valid values are \"l1\", \"l2\" and \"huber\"", name)
}
