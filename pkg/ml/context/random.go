// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// ParamInitialSeed is the key for the hyperparameter to use for initial seed (int64). The default is 0,
// which makes it non-deterministic. Set it to a value different from 0 for a deterministic (as long
// as the model doesn't change) initialization.
var ParamInitialSeed = "initializers_seed"

// RNG returns the context random number generator, shared by all scopes.
//
// It is created on first use: seeded with ParamInitialSeed if set to a non-zero value, or with
// the nanosecond clock otherwise.
func (ctx *Context) RNG() *rand.Rand {
	if ctx.data.rng == nil {
		seed := GetParamOr[int64](ctx.InAbsPath(RootScope), ParamInitialSeed, 0)
		if seed == 0 {
			seed = time.Now().UnixNano()
			klog.V(1).Infof("context RNG seeded from clock with %d", seed)
		}
		ctx.RNGFromSeed(seed)
	}
	return ctx.data.rng
}

// RNGFromSeed resets the context random number generator with a static seed.
// This overrides the seed configured in ParamInitialSeed.
func (ctx *Context) RNGFromSeed(seed int64) {
	ctx.data.rng = rand.New(NewSource(seed))
}

// NewSource returns the deterministic random source used for the given seed.
// Two sources created with the same seed generate the same sequence.
func NewSource(seed int64) rand.Source {
	return rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)
}

// VariableInitializer builds the initial value of a variable with the given shape. It may use the
// context random number generator.
type VariableInitializer func(ctx *Context, shape shapes.Shape) *tensors.Tensor

var (
	// ZeroInitializer initializes variables with zero.
	ZeroInitializer VariableInitializer = func(_ *Context, shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// OneInitializer initializes variables with one.
	OneInitializer VariableInitializer = func(_ *Context, shape shapes.Shape) *tensors.Tensor {
		return tensors.FromScalarAndDimensions(1, shape.Dimensions...)
	}
)

// NormalInitializer returns an initializer that generates random normal values with the given
// standard deviation and mean 0.
func NormalInitializer(stddev float64) VariableInitializer {
	return func(ctx *Context, shape shapes.Shape) *tensors.Tensor {
		dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: ctx.RNG()}
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = dist.Rand()
		}
		return t
	}
}

// UniformInitializer returns an initializer that generates random uniform values in [minValue, maxValue).
func UniformInitializer(minValue, maxValue float64) VariableInitializer {
	return func(ctx *Context, shape shapes.Shape) *tensors.Tensor {
		dist := distuv.Uniform{Min: minValue, Max: maxValue, Src: ctx.RNG()}
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = dist.Rand()
		}
		return t
	}
}

// HeNormalInitializer initializes weights with a normal distribution with standard deviation
// sqrt(2/fanIn), where fanIn is the product of all but the first (output) axis.
// Scalars and vectors use fanIn of 1.
func HeNormalInitializer() VariableInitializer {
	return func(ctx *Context, shape shapes.Shape) *tensors.Tensor {
		fanIn := 1
		for _, dim := range shape.Dimensions[min(1, shape.Rank()):] {
			fanIn *= dim
		}
		return NormalInitializer(math.Sqrt(2.0/float64(fanIn)))(ctx, shape)
	}
}
