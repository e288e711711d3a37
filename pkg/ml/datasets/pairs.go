// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
)

const (
	// DefaultNoiseStd is the standard deviation of the Gaussian noise used to degrade clean examples.
	DefaultNoiseStd = 0.1

	// DefaultTestSize is the default fraction of the examples held out for validation by Split.
	DefaultTestSize = 0.2

	// DefaultSplitSeed is the default seed used by Split.
	DefaultSplitSeed = 42
)

// Pair is one example of a denoising dataset: the clean target and its degraded version, used as
// the conditioning of the diffusion model. Both are shaped [C, H, W].
type Pair struct {
	Clean, Noisy *tensors.Tensor
}

// AddGaussianNoise returns a copy of clean with i.i.d. Gaussian noise N(mean, std²) added to each value.
func AddGaussianNoise(rng *rand.Rand, clean *tensors.Tensor, mean, std float64) *tensors.Tensor {
	dist := distuv.Normal{Mu: mean, Sigma: std, Src: rng}
	noisy := clean.Clone()
	flat := noisy.Flat()
	for ii := range flat {
		flat[ii] += dist.Rand()
	}
	return noisy
}

// MakePairs degrades each clean example with AddGaussianNoise, and returns the pairs.
// The clean tensors are shared (not copied) by the pairs.
func MakePairs(rng *rand.Rand, clean []*tensors.Tensor, mean, std float64) []Pair {
	pairs := make([]Pair, len(clean))
	for ii, c := range clean {
		pairs[ii] = Pair{Clean: c, Noisy: AddGaussianNoise(rng, c, mean, std)}
	}
	return pairs
}

// Split shuffles the pairs with the given seed and holds out ceil(testSize * len(pairs)) of them
// for validation. The same seed always produces the same split.
//
// It returns an error if testSize is not in (0, 1), or if either of the splits would be empty.
func Split(pairs []Pair, testSize float64, seed int64) (trainPairs, validationPairs []Pair, err error) {
	if !(testSize > 0 && testSize < 1) {
		return nil, nil, errors.Errorf("datasets.Split: testSize must be in (0, 1), got %g", testSize)
	}
	numValidation := int(math.Ceil(testSize * float64(len(pairs))))
	numTrain := len(pairs) - numValidation
	if numValidation == 0 || numTrain <= 0 {
		return nil, nil, errors.Errorf("datasets.Split: cannot split %d examples with testSize=%g", len(pairs), testSize)
	}
	rng := rand.New(context.NewSource(seed))
	order := rng.Perm(len(pairs))
	trainPairs = make([]Pair, 0, numTrain)
	validationPairs = make([]Pair, 0, numValidation)
	for ii, idx := range order {
		if ii < numTrain {
			trainPairs = append(trainPairs, pairs[idx])
		} else {
			validationPairs = append(validationPairs, pairs[idx])
		}
	}
	return trainPairs, validationPairs, nil
}
