// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"context"
	"math"
	"testing"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	mlctx "github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroNoise predicts no noise at all.
var zeroNoise = PredictorFunc(func(x *tensors.Tensor, _ int) (*tensors.Tensor, error) {
	parts, err := tensors.SplitChannels(x, x.Dim(0)/2, x.Dim(0)/2)
	if err != nil {
		return nil, err
	}
	return tensors.ZerosLike(parts[1]), nil
})

// scaledNoise predicts a fraction of the current state as noise.
var scaledNoise = PredictorFunc(func(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
	parts, err := tensors.SplitChannels(x, x.Dim(0)/2, x.Dim(0)/2)
	if err != nil {
		return nil, err
	}
	return parts[1].Map(func(v float64) float64 { return 0.1 * v / float64(step) }), nil
})

func testCondition() *tensors.Tensor {
	cond := tensors.Zeros(2, 3, 4)
	for ii := range cond.Flat() {
		cond.Flat()[ii] = math.Sin(float64(ii))
	}
	return cond
}

func TestSampleSingleStep(t *testing.T) {
	schedule, err := BuildSchedule().NumSteps(1).BetaStart(0.01).Done()
	require.NoError(t, err)
	cond := testCondition()
	for _, variance := range []VariancePolicy{VariancePosterior, VarianceBeta} {
		x0, err := NewSampler(schedule, zeroNoise).WithVariance(variance).Sample(context.Background(), cond)
		require.NoError(t, err)
		want := cond.Map(func(v float64) float64 { return v / math.Sqrt(1-0.01) })
		assert.True(t, want.InDelta(x0, 1e-15), "got %s, wanted %s", x0, want)
	}
	assert.True(t, cond.Equal(testCondition()), "conditioning input must not be changed")
}

func TestSampleDeterminism(t *testing.T) {
	schedule, err := NewSchedule(SpectrogramScheduleConfig)
	require.NoError(t, err)
	cond := testCondition()
	for _, init := range []InitPolicy{InitFromCondition, InitFromNoise} {
		x1, traj1, err := NewSampler(schedule, scaledNoise).WithSeed(42).WithInit(init).
			SampleWithTrajectory(context.Background(), cond, 1)
		require.NoError(t, err)
		x2, traj2, err := NewSampler(schedule, scaledNoise).WithSeed(42).WithInit(init).
			SampleWithTrajectory(context.Background(), cond, 1)
		require.NoError(t, err)
		require.Len(t, traj1, schedule.NumSteps()+1)
		assert.Equal(t, x1.Flat(), x2.Flat())
		for ii := range traj1 {
			assert.Equal(t, traj1[ii].Flat(), traj2[ii].Flat(), "trajectory step #%d differs", ii)
		}

		x3, err := NewSampler(schedule, scaledNoise).WithSeed(43).WithInit(init).Sample(context.Background(), cond)
		require.NoError(t, err)
		assert.NotEqual(t, x1.Flat(), x3.Flat())
	}
}

func TestSampleWithTrajectory(t *testing.T) {
	schedule, err := NewSchedule(SpectrogramScheduleConfig)
	require.NoError(t, err)
	cond := testCondition()
	sampler := NewSampler(schedule, scaledNoise).WithSeed(7)
	x0, trajectory, err := sampler.SampleWithTrajectory(context.Background(), cond, 5)
	require.NoError(t, err)
	// x_10 (initial), x_5 and x_0.
	require.Len(t, trajectory, 3)
	assert.True(t, trajectory[0].Equal(cond))
	assert.True(t, trajectory[2].Equal(x0))

	x0Direct, err := sampler.Sample(context.Background(), cond)
	require.NoError(t, err)
	assert.True(t, x0Direct.Equal(x0))

	_, _, err = sampler.SampleWithTrajectory(context.Background(), cond, 0)
	require.Error(t, err)
}

func TestSampleOracleRecoversSignal(t *testing.T) {
	schedule, err := NewSchedule(DefaultScheduleConfig)
	require.NoError(t, err)
	clean := testCondition()
	// The oracle knows the clean signal, so it predicts exactly the noise in x_t.
	oracle := PredictorFunc(func(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
		parts, err := tensors.SplitChannels(x, 2, 2)
		if err != nil {
			return nil, err
		}
		a := schedule.AlphaBar(step)
		eps := tensors.ZerosLike(parts[1])
		for ii, v := range parts[1].Flat() {
			eps.Flat()[ii] = (v - math.Sqrt(a)*clean.Flat()[ii]) / math.Sqrt(1-a)
		}
		return eps, nil
	})
	cond := clean.Map(func(v float64) float64 { return v + 0.3 })
	x0, err := NewSampler(schedule, oracle).WithSeed(1).WithInit(InitFromNoise).Sample(context.Background(), cond)
	require.NoError(t, err)
	assert.True(t, clean.InDelta(x0, 1e-9), "got %s, wanted %s", x0, clean)
}

func TestSampleBatch(t *testing.T) {
	schedule, err := NewSchedule(SpectrogramScheduleConfig)
	require.NoError(t, err)
	examples := make([]*tensors.Tensor, 5)
	for ii := range examples {
		examples[ii] = testCondition().Map(func(v float64) float64 { return v * float64(ii+1) })
	}
	conds, err := tensors.Stack(examples)
	require.NoError(t, err)

	sequential, err := NewSampler(schedule, scaledNoise).WithSeed(11).WithParallelism(0).SampleBatch(context.Background(), conds)
	require.NoError(t, err)
	parallel, err := NewSampler(schedule, scaledNoise).WithSeed(11).WithParallelism(3).SampleBatch(context.Background(), conds)
	require.NoError(t, err)
	assert.Equal(t, sequential.Flat(), parallel.Flat())

	for ii, cond := range examples {
		x0, err := NewSampler(schedule, scaledNoise).WithSeed(DeriveSeed(11, ii)).Sample(context.Background(), cond)
		require.NoError(t, err)
		assert.True(t, parallel.Example(ii).Equal(x0), "example #%d differs", ii)
	}

	_, err = NewSampler(schedule, scaledNoise).SampleBatch(context.Background(), testCondition())
	require.Error(t, err)
}

func TestSampleCancellation(t *testing.T) {
	schedule, err := NewSchedule(DefaultScheduleConfig)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	predictor := PredictorFunc(func(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
		calls++
		if calls == 3 {
			cancel()
		}
		return zeroNoise(x, step)
	})
	_, err = NewSampler(schedule, predictor).Sample(ctx, testCondition())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}

func TestSampleErrors(t *testing.T) {
	schedule, err := NewSchedule(SpectrogramScheduleConfig)
	require.NoError(t, err)
	cond := testCondition()

	wrongShape := PredictorFunc(func(x *tensors.Tensor, _ int) (*tensors.Tensor, error) {
		return tensors.Zeros(1, 3, 4), nil
	})
	_, err = NewSampler(schedule, wrongShape).Sample(context.Background(), cond)
	var shapeErr *ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr), "got %v", err)
	assert.Equal(t, schedule.NumSteps(), shapeErr.Step)

	nan := PredictorFunc(func(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
		eps := tensors.Zeros(2, 3, 4)
		if step == 5 {
			eps.Flat()[3] = math.NaN()
		}
		return eps, nil
	})
	_, err = NewSampler(schedule, nan).Sample(context.Background(), cond)
	var numericErr *NumericInstabilityError
	require.True(t, errors.As(err, &numericErr), "got %v", err)
	assert.Equal(t, 5, numericErr.Step)

	failing := PredictorFunc(func(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
		return nil, errors.New("model unavailable")
	})
	_, err = NewSampler(schedule, failing).Sample(context.Background(), cond)
	require.ErrorContains(t, err, "model unavailable")

	_, err = NewSampler(schedule, zeroNoise).Sample(context.Background(), tensors.Zeros(3, 4))
	require.Error(t, err)
}

func TestSamplerFromContext(t *testing.T) {
	schedule, err := NewSchedule(SpectrogramScheduleConfig)
	require.NoError(t, err)
	ctx := mlctx.New()
	ctx.SetParams(map[string]any{
		ParamSamplerSeed:     int64(7),
		ParamSamplerInit:     "noise",
		ParamSamplerVariance: "beta",
	})
	sampler, err := NewSampler(schedule, zeroNoise).FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sampler.Seed())
	assert.Equal(t, InitFromNoise, sampler.init)
	assert.Equal(t, VarianceBeta, sampler.variance)

	// Unset parameters keep the current configuration.
	sampler, err = NewSampler(schedule, zeroNoise).WithSeed(3).FromContext(mlctx.New())
	require.NoError(t, err)
	assert.Equal(t, int64(3), sampler.Seed())
	assert.Equal(t, InitFromCondition, sampler.init)
	assert.Equal(t, VariancePosterior, sampler.variance)

	ctx.SetParam(ParamSamplerVariance, "gaussian")
	_, err = NewSampler(schedule, zeroNoise).FromContext(ctx)
	require.ErrorContains(t, err, ParamSamplerVariance)
}
