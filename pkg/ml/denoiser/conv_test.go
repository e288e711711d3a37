// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoiser

import (
	stdcontext "context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/losses"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
)

func newTestConv(t *testing.T, hidden int, activation string) (*Conv, *context.Context) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		context.ParamInitialSeed: int64(3),
		ParamHiddenChannels:      hidden,
		ParamActivation:          activation,
	})
	schedule := must.M1(diffusion.NewSchedule(diffusion.SpectrogramScheduleConfig))
	conv, err := New(ctx, schedule, 2)
	require.NoError(t, err)
	return conv, ctx
}

func randomTensor(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	t := tensors.Zeros(dimensions...)
	for ii := range t.Flat() {
		t.Flat()[ii] = rng.NormFloat64()
	}
	return t
}

func dot(a, b *tensors.Tensor) float64 {
	var sum float64
	for ii, v := range a.Flat() {
		sum += v * b.Flat()[ii]
	}
	return sum
}

func TestNew(t *testing.T) {
	conv, ctx := newTestConv(t, 3, "tanh")
	assert.Equal(t, "denoiser.Conv(channels=2, kernel=3, hidden=3, activation=tanh)", conv.String())
	assert.Equal(t, 2, conv.Channels())
	// conv_0: [3, 5, 3, 3] + [3], conv_1: [2, 3, 1, 1] + [2].
	assert.Equal(t, 135+3+6+2, conv.NumParameters())
	assert.Len(t, conv.TrainableVariables(), 4)
	v := ctx.In(Scope).In("conv_0").GetVariable("weights")
	require.NotNil(t, v)
	assert.Equal(t, []int{3, 5, 3, 3}, v.Shape().Dimensions)

	single, _ := newTestConv(t, 0, "relu")
	assert.Equal(t, "denoiser.Conv(channels=2, kernel=3)", single.String())
	assert.Len(t, single.TrainableVariables(), 2)
	assert.Equal(t, 2*5*9+2, single.NumParameters())

	schedule := must.M1(diffusion.NewSchedule(diffusion.DefaultScheduleConfig))
	_, err := New(context.New(), nil, 1)
	require.Error(t, err)
	_, err = New(context.New(), schedule, 0)
	require.Error(t, err)
	ctx = context.New()
	ctx.SetParam(ParamKernelSize, 4)
	_, err = New(ctx, schedule, 1)
	require.Error(t, err)
	ctx = context.New()
	ctx.SetParam(ParamHiddenChannels, -1)
	_, err = New(ctx, schedule, 1)
	require.Error(t, err)
	ctx = context.New()
	ctx.SetParam(ParamActivation, "softmax")
	_, err = New(ctx, schedule, 1)
	require.Error(t, err)
}

func TestParseActivation(t *testing.T) {
	for a, name := range activationNames {
		parsed, err := ParseActivation(name)
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
		assert.Equal(t, name, a.String())
	}
	parsed, err := ParseActivation(" SiLU ")
	require.NoError(t, err)
	assert.Equal(t, ActivationSwish, parsed)
	_, err = ParseActivation("unknown")
	require.Error(t, err)

	// Derivatives match finite differences away from the kinks.
	for a := range activationNames {
		for _, x := range []float64{-1.3, -0.2, 0.4, 2.1} {
			const eps = 1e-6
			numeric := (a.apply(x+eps) - a.apply(x-eps)) / (2 * eps)
			assert.InDeltaf(t, numeric, a.derivative(x), 1e-6, "activation %s at %g", a, x)
		}
	}
}

// TestGradients compares the analytical gradients with central finite differences of
// loss = Σ output * gradOutput.
func TestGradients(t *testing.T) {
	for _, tc := range []struct {
		hidden     int
		activation string
	}{{0, "none"}, {3, "tanh"}, {3, "swish"}} {
		conv, _ := newTestConv(t, tc.hidden, tc.activation)
		conv.SetParallelism(2)
		rng := rand.New(context.NewSource(11))
		// Non-zero biases, so they affect the activations.
		for _, v := range conv.TrainableVariables() {
			if v.Name() == "biases" {
				for ii := range v.Value().Flat() {
					v.Value().Flat()[ii] = 0.1 * rng.NormFloat64()
				}
			}
		}
		x := randomTensor(rng, 2, 4, 5, 4)
		steps := []int{1, 7}
		gradOutput := randomTensor(rng, 2, 2, 5, 4)
		lossFn := func() float64 {
			output, err := conv.Forward(x, steps)
			require.NoError(t, err)
			return dot(output, gradOutput)
		}
		_ = lossFn()
		grads, err := conv.Backward(gradOutput)
		require.NoError(t, err)
		vars := conv.TrainableVariables()
		require.Len(t, grads, len(vars))

		const eps = 1e-5
		for ii, v := range vars {
			require.True(t, grads[ii].Shape().Equal(v.Shape()))
			flat := v.Value().Flat()
			for jj, original := range flat {
				flat[jj] = original + eps
				lossPlus := lossFn()
				flat[jj] = original - eps
				lossMinus := lossFn()
				flat[jj] = original
				numeric := (lossPlus - lossMinus) / (2 * eps)
				require.InDeltaf(t, numeric, grads[ii].Flat()[jj], 1e-5*max(1, math.Abs(numeric)),
					"hidden=%d, activation=%s: gradient of %s[%d]", tc.hidden, tc.activation, v, jj)
			}
		}
	}
}

func TestPredictMatchesForward(t *testing.T) {
	conv, _ := newTestConv(t, 4, "relu")
	rng := rand.New(context.NewSource(5))
	x := randomTensor(rng, 3, 4, 6, 5)
	steps := []int{1, 5, 10}
	output, err := conv.Forward(x, steps)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 6, 5}, output.Shape().Dimensions)
	for b, step := range steps {
		predicted, err := conv.Predict(x.Example(b), step)
		require.NoError(t, err)
		assert.Truef(t, output.Example(b).InDelta(predicted, 1e-12), "example #%d", b)
	}

	// Noise level channel: same input at different steps gives different predictions.
	p1 := must.M1(conv.Predict(x.Example(0), 1))
	p10 := must.M1(conv.Predict(x.Example(0), 10))
	assert.False(t, p1.InDelta(p10, 1e-6))
}

func TestErrors(t *testing.T) {
	conv, _ := newTestConv(t, 2, "relu")
	_, err := conv.Backward(tensors.Zeros(1, 2, 3, 3))
	require.Error(t, err, "Backward without Forward")

	_, err = conv.Forward(tensors.Zeros(1, 3, 3, 3), []int{1})
	require.Error(t, err, "wrong number of channels")
	_, err = conv.Forward(tensors.Zeros(1, 4, 3, 3), []int{0})
	require.Error(t, err, "step out of range")
	_, err = conv.Forward(tensors.Zeros(1, 4, 3, 3), []int{11})
	require.Error(t, err, "step out of range")
	_, err = conv.Forward(tensors.Zeros(2, 4, 3, 3), []int{1})
	require.Error(t, err, "number of steps")
	_, err = conv.Forward(tensors.Zeros(4, 3, 3), []int{1})
	require.Error(t, err, "rank")

	_, err = conv.Forward(tensors.Zeros(1, 4, 3, 3), []int{1})
	require.NoError(t, err)
	_, err = conv.Backward(tensors.Zeros(1, 1, 3, 3))
	require.Error(t, err, "wrong gradient shape")

	_, err = conv.Predict(tensors.Zeros(1, 4, 3, 3), 1)
	require.Error(t, err, "rank")
	_, err = conv.Predict(tensors.Zeros(2, 3, 3), 1)
	require.Error(t, err, "channels")
	_, err = conv.Predict(nil, 1)
	require.Error(t, err)
}

func TestSampleBatch(t *testing.T) {
	conv, _ := newTestConv(t, 4, "relu")
	rng := rand.New(context.NewSource(8))
	conds := randomTensor(rng, 4, 2, 5, 5)
	sampler := diffusion.NewSampler(conv.schedule, conv).WithSeed(17).WithParallelism(4)
	samples, err := sampler.SampleBatch(stdcontext.Background(), conds)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 5, 5}, samples.Shape().Dimensions)
	assert.True(t, samples.IsFinite())

	sequential, err := sampler.WithParallelism(0).SampleBatch(stdcontext.Background(), conds)
	require.NoError(t, err)
	assert.True(t, samples.Equal(sequential))
}

func TestTrainingReducesLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	conv, ctx := newTestConv(t, 8, "relu")
	ctx.SetParam(train.ParamEvalSeed, int64(2))

	// Smooth clean images, and their noisy versions.
	rng := rand.New(context.NewSource(21))
	clean := make([]*tensors.Tensor, 32)
	for ii := range clean {
		phase := rng.Float64() * math.Pi
		c := tensors.Zeros(2, 4, 4)
		for y := range 4 {
			for x := range 4 {
				c.Set(math.Sin(phase+0.5*float64(x+y)), 0, y, x)
				c.Set(math.Cos(phase+0.5*float64(x-y)), 1, y, x)
			}
		}
		clean[ii] = c
	}
	pairs := datasets.MakePairs(rng, clean, 0, datasets.DefaultNoiseStd)
	trainDS := must.M1(datasets.InMemory("waves", pairs))
	evalDS := trainDS.Copy().BatchSize(8, false)
	trainDS.WithSeed(1).Shuffle().BatchSize(8, true).Infinite(true)

	trainer := train.NewTrainer(ctx, conv, conv.schedule, losses.MeanAbsoluteError,
		optimizers.Adam().LearningRate(0.01).Done(), nil, nil)
	before := must.M1(trainer.Eval(evalDS))
	loop := train.NewLoop(trainer)
	_, err := loop.RunSteps(trainDS, 300)
	require.NoError(t, err)
	after := must.M1(trainer.Eval(evalDS))
	assert.Less(t, after[0], before[0], "evaluation loss should decrease with training")
}
