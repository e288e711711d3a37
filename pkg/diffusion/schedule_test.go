// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"math"
	"testing"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuadSchedule(t *testing.T) {
	s, err := NewSchedule(ScheduleConfig{BetaStart: 0.0001, BetaEnd: 0.02, NumSteps: 100, Kind: ScheduleQuad})
	require.NoError(t, err)
	betas := s.Betas()
	require.Len(t, betas, 100)
	assert.InDelta(t, 0.0001, betas[0], 1e-12)
	assert.InDelta(t, 0.02, betas[99], 1e-12)

	// Quadratic: the square roots are evenly spaced.
	step := (math.Sqrt(0.02) - math.Sqrt(0.0001)) / 99
	assert.InDelta(t, math.Pow(math.Sqrt(0.0001)+50*step, 2), s.Beta(51), 1e-12)

	prevAlphaBar := 1.0
	for tt := 1; tt <= s.NumSteps(); tt++ {
		if tt > 1 {
			assert.Greater(t, s.Beta(tt), s.Beta(tt-1), "betas must be strictly increasing (t=%d)", tt)
		}
		alphaBar := s.AlphaBar(tt)
		assert.Less(t, alphaBar, prevAlphaBar, "alpha bar must be strictly decreasing (t=%d)", tt)
		assert.Greater(t, alphaBar, 0.0)
		assert.InDelta(t, prevAlphaBar*(1-s.Beta(tt)), alphaBar, 1e-15)
		prevAlphaBar = alphaBar
	}
	assert.Equal(t, 1.0, s.AlphaBar(0))
	assert.Equal(t, s.AlphaBars()[99], s.AlphaBar(100))
}

func TestLinearSchedule(t *testing.T) {
	s, err := BuildSchedule().Kind(ScheduleLinear).BetaStart(0.1).BetaEnd(0.5).NumSteps(5).Done()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3, 0.4, 0.5}, s.Betas(), 1e-12)

	// A single step schedule is just beta_start.
	for _, kind := range ScheduleKinds {
		s, err = BuildSchedule().Kind(kind).NumSteps(1).Done()
		require.NoError(t, err)
		assert.Equal(t, []float64{DefaultScheduleConfig.BetaStart}, s.Betas())
	}
}

func TestScheduleDeterminism(t *testing.T) {
	s1, err := NewSchedule(SpectrogramScheduleConfig)
	require.NoError(t, err)
	s2, err := BuildSchedule().FromConfig(SpectrogramScheduleConfig).Done()
	require.NoError(t, err)
	assert.Equal(t, s1.Betas(), s2.Betas())
	assert.Equal(t, s1.AlphaBars(), s2.AlphaBars())
}

func TestPosteriorVariance(t *testing.T) {
	s, err := NewSchedule(DefaultScheduleConfig)
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.PosteriorVariance(1))
	for _, tt := range []int{2, 50, 100} {
		want := s.Beta(tt) * (1 - s.AlphaBar(tt-1)) / (1 - s.AlphaBar(tt))
		assert.InDelta(t, want, s.PosteriorVariance(tt), 1e-15)
		assert.Less(t, s.PosteriorVariance(tt), s.Beta(tt))
	}
	assert.Panics(t, func() { _ = s.Beta(0) })
	assert.Panics(t, func() { _ = s.PosteriorVariance(101) })
}

func TestInvalidSchedule(t *testing.T) {
	invalid := []ScheduleConfig{
		{BetaStart: 0.0001, BetaEnd: 0.02, NumSteps: 0, Kind: ScheduleQuad},
		{BetaStart: 0.02, BetaEnd: 0.02, NumSteps: 10, Kind: ScheduleQuad},
		{BetaStart: 0.03, BetaEnd: 0.02, NumSteps: 10, Kind: ScheduleLinear},
		{BetaStart: 0, BetaEnd: 0.02, NumSteps: 10, Kind: ScheduleLinear},
		{BetaStart: 0.1, BetaEnd: 1, NumSteps: 10, Kind: ScheduleLinear},
		{BetaStart: math.NaN(), BetaEnd: 0.02, NumSteps: 10, Kind: ScheduleLinear},
		{BetaStart: 0.0001, BetaEnd: 0.02, NumSteps: 10, Kind: "cosine"},
	}
	for _, config := range invalid {
		_, err := NewSchedule(config)
		var scheduleErr *InvalidScheduleError
		require.Truef(t, errors.As(err, &scheduleErr), "expected InvalidScheduleError for %s, got %v", config, err)
		assert.Equal(t, config.NumSteps, scheduleErr.Config.NumSteps)
	}

	// Valid bounds, but so many steps that alpha_bar reaches 0.
	underflow := ScheduleConfig{BetaStart: 0.0001, BetaEnd: 0.5, NumSteps: 10_000, Kind: ScheduleQuad}
	require.NoError(t, underflow.Validate())
	_, err := NewSchedule(underflow)
	var underflowErr *InvalidScheduleError
	require.True(t, errors.As(err, &underflowErr), "expected InvalidScheduleError, got %v", err)
	assert.Contains(t, underflowErr.Reason, "underflows")

	kind, err := ParseScheduleKind(" Quad ")
	require.NoError(t, err)
	assert.Equal(t, ScheduleQuad, kind)
	_, err = ParseScheduleKind("sigmoid")
	var scheduleErr *InvalidScheduleError
	assert.True(t, errors.As(err, &scheduleErr))
}

func TestScheduleConfigFromContext(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, DefaultScheduleConfig, ScheduleConfigFromContext(ctx))

	ctx.SetParams(map[string]any{
		ParamBetaEnd:  0.5,
		ParamNumSteps: 10,
		ParamSchedule: "LINEAR",
	})
	config := ScheduleConfigFromContext(ctx.In("model"))
	assert.Equal(t, ScheduleConfig{BetaStart: 0.0001, BetaEnd: 0.5, NumSteps: 10, Kind: ScheduleLinear}, config)

	ctx.SetParam(ParamSchedule, "unknown")
	_, err := BuildSchedule().FromContext(ctx).Done()
	require.Error(t, err)

	// Presets take precedence over the individual parameters.
	ctx.SetParam(ParamPreset, "spectrogram")
	schedule, err := BuildSchedule().FromContext(ctx).Done()
	require.NoError(t, err)
	assert.Equal(t, SpectrogramScheduleConfig, schedule.Config())

	ctx.SetParam(ParamPreset, "cosine")
	_, err = BuildSchedule().FromContext(ctx).Done()
	var scheduleErr *InvalidScheduleError
	require.True(t, errors.As(err, &scheduleErr), "got %v", err)
	assert.Contains(t, scheduleErr.Reason, `["default" "spectrogram"]`)
}

func TestQSample(t *testing.T) {
	s, err := NewSchedule(DefaultScheduleConfig)
	require.NoError(t, err)
	x0 := tensors.FromFlatDataAndDimensions([]float64{1, -1, 0.5, 0}, 1, 2, 2)
	noise := tensors.FromFlatDataAndDimensions([]float64{0.1, 0.2, -0.3, 1}, 1, 2, 2)
	xt, err := s.QSample(x0, noise, 30)
	require.NoError(t, err)
	a := s.AlphaBar(30)
	for ii, v := range xt.Flat() {
		assert.InDelta(t, math.Sqrt(a)*x0.Flat()[ii]+math.Sqrt(1-a)*noise.Flat()[ii], v, 1e-15)
	}

	_, err = s.QSample(x0, tensors.Zeros(1, 2, 3), 30)
	var shapeErr *ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	_, err = s.QSample(x0, noise, 0)
	require.Error(t, err)

	batch, err := tensors.Stack([]*tensors.Tensor{x0, x0})
	require.NoError(t, err)
	noises, err := tensors.Stack([]*tensors.Tensor{noise, noise})
	require.NoError(t, err)
	xts, err := s.QSampleBatch(batch, noises, []int{30, 100})
	require.NoError(t, err)
	assert.True(t, xts.Example(0).Equal(xt))
	xt100, err := s.QSample(x0, noise, 100)
	require.NoError(t, err)
	assert.True(t, xts.Example(1).Equal(xt100))
	_, err = s.QSampleBatch(batch, noises, []int{30})
	require.Error(t, err)
}
