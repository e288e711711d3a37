// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gaf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
)

func sine(n int) []float64 {
	series := make([]float64, n)
	for ii := range series {
		series[ii] = 3 + 2*math.Sin(float64(ii)*0.37)
	}
	return series
}

func TestRescale(t *testing.T) {
	assert.InDeltaSlice(t, []float64{-1, 0, 1, 0.5}, Rescale([]float64{2, 4, 6, 5}), 1e-12)
	assert.Equal(t, []float64{0, 0, 0}, Rescale([]float64{7, 7, 7}))
	assert.Empty(t, Rescale(nil))

	// Extreme values don't overflow into NaN.
	assert.Equal(t, []float64{-1, 0, 1}, Rescale([]float64{-math.MaxFloat64, 0, math.MaxFloat64}))

	input := []float64{1, 3}
	_ = Rescale(input)
	assert.Equal(t, []float64{1, 3}, input, "input should not be modified")
}

func TestEncode(t *testing.T) {
	series := []float64{0, 1, 2}
	field, err := Encode(series)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, field.Shape().Dimensions)

	// Rescaled: [-1, 0, 1] -> φ = [π, π/2, 0].
	phi := []float64{math.Pi, math.Pi / 2, 0}
	for ii := range 3 {
		for jj := range 3 {
			want := math.Cos((phi[ii] + phi[jj]) / 2)
			assert.InDeltaf(t, want, field.At(0, ii, jj), 1e-12, "GASF[%d][%d]", ii, jj)
		}
	}

	// Symmetric field.
	field, err = Encode(sine(50))
	require.NoError(t, err)
	for ii := range 50 {
		for jj := range 50 {
			require.InDelta(t, field.At(0, ii, jj), field.At(0, jj, ii), 1e-12)
		}
	}
}

func TestEncodeTruncates(t *testing.T) {
	field, err := Encode(sine(300))
	require.NoError(t, err)
	assert.Equal(t, []int{1, MaxLength, MaxLength}, field.Shape().Dimensions)

	field, err = NewEncoder().MaxLength(16).Encode(sine(300))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 16}, field.Shape().Dimensions)

	// Rescaling happens after truncation.
	decoded, err := Decode(field)
	require.NoError(t, err)
	assert.InDeltaSlice(t, Rescale(sine(16)), decoded, 1e-9)
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(nil)
	require.Error(t, err)
	_, err = Encode([]float64{1, math.NaN(), 2})
	require.Error(t, err)
	_, err = MarkovTransitionField([]float64{})
	require.Error(t, err)

	assert.Panics(t, func() { NewEncoder().MaxLength(0) })
	assert.Panics(t, func() { NewEncoder().NumBins(1) })
	assert.Panics(t, func() { NewEncoder().Method(Method(7)) })
}

func TestConstantSeries(t *testing.T) {
	field, err := Encode([]float64{5, 5, 5, 5})
	require.NoError(t, err)
	decoded, err := Decode(field)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 0}, decoded, 1e-12)
}

func TestDecodeRoundTrip(t *testing.T) {
	series := sine(100)
	field, err := Encode(series)
	require.NoError(t, err)
	decoded, err := Decode(field)
	require.NoError(t, err)
	assert.InDeltaSlice(t, Rescale(series), decoded, 1e-9)

	// [N, N] input is also accepted.
	decoded2, err := Decode(field.Clone().Reshape(100, 100))
	require.NoError(t, err)
	assert.Equal(t, decoded, decoded2)

	_, err = Decode(tensors.Zeros(2, 3, 3))
	require.Error(t, err)
	_, err = Decode(tensors.Zeros(3, 4))
	require.Error(t, err)
	_, err = Decode(nil)
	require.Error(t, err)
}

func TestDifferenceField(t *testing.T) {
	encoder := NewEncoder().Method(Difference)
	assert.Equal(t, "GADF", Difference.String())
	field, err := encoder.Encode([]float64{0, 1, 2})
	require.NoError(t, err)
	phi := []float64{math.Pi, math.Pi / 2, 0}
	for ii := range 3 {
		for jj := range 3 {
			want := math.Sin((phi[ii] - phi[jj]) / 2)
			assert.InDeltaf(t, want, field.At(0, ii, jj), 1e-12, "GADF[%d][%d]", ii, jj)
		}
	}
	// Anti-symmetric field with zero diagonal.
	for ii := range 3 {
		assert.InDelta(t, 0.0, field.At(0, ii, ii), 1e-12)
	}
}

func TestMarkovTransitionField(t *testing.T) {
	// Alternating series with 2 bins: low values always go to high ones and vice-versa.
	series := []float64{0, 1, 0, 1, 0, 1}
	field, err := NewEncoder().NumBins(2).MarkovTransitionField(series)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 6}, field.Shape().Dimensions)
	for ii := range 6 {
		for jj := range 6 {
			want := 1.0
			if series[ii] == series[jj] {
				want = 0
			}
			assert.InDeltaf(t, want, field.At(0, ii, jj), 1e-12, "MTF[%d][%d]", ii, jj)
		}
	}

	// Rows of the transition matrix are probabilities: values in [0, 1].
	field, err = MarkovTransitionField(sine(64))
	require.NoError(t, err)
	for _, v := range field.Flat() {
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}
