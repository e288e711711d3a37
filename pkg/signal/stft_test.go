// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpectrogramShape(t *testing.T) {
	stft := NewSTFT()
	assert.Equal(t, 33, stft.NumFrequencies())
	assert.Equal(t, 0, stft.NumFrames(63))
	assert.Equal(t, 1, stft.NumFrames(64))
	assert.Equal(t, 5, stft.NumFrames(64+4*16+15))

	series := make([]float64, 256)
	for ii := range series {
		series[ii] = math.Sin(float64(ii))
	}
	spec, err := stft.Spectrogram(series)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 33, 13}, spec.Shape().Dimensions)
	for _, v := range spec.Flat() {
		require.GreaterOrEqual(t, v, -1.0)
		require.LessOrEqual(t, v, 1.0)
	}

	_, err = stft.Spectrogram(make([]float64, 10))
	require.Error(t, err)
	series[3] = math.Inf(1)
	_, err = stft.Spectrogram(series)
	require.Error(t, err)

	assert.Panics(t, func() { NewSTFT().WindowSize(1) })
	assert.Panics(t, func() { NewSTFT().Hop(0) })
}

func TestSpectrogramPeak(t *testing.T) {
	// A pure tone on frequency bin 8 of a 64 samples window.
	const windowSize, bin = 64, 8
	series := make([]float64, 4*windowSize)
	for ii := range series {
		series[ii] = math.Cos(2 * math.Pi * bin * float64(ii) / windowSize)
	}
	spec, err := NewSTFT().WindowSize(windowSize).Hop(windowSize).LogScale(false).Normalize(false).Spectrogram(series)
	require.NoError(t, err)
	numFrames := spec.Dim(2)
	assert.Equal(t, 4, numFrames)
	for frame := range numFrames {
		peak, peakValue := -1, 0.0
		for f := range spec.Dim(1) {
			if v := spec.At(0, f, frame); v > peakValue {
				peak, peakValue = f, v
			}
		}
		assert.Equalf(t, bin, peak, "frame %d", frame)
		// Hann window has a coherent gain of 0.5: peak is ~ 0.5 * 64 / 2.
		assert.InDelta(t, 16.0, peakValue, 0.5)
	}
}

func TestNormalizeInPlace(t *testing.T) {
	values := []float64{2, 4, 6}
	normalizeInPlace(values)
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, values, 1e-12)
	values = []float64{-math.MaxFloat64, 0, math.MaxFloat64}
	normalizeInPlace(values)
	assert.Equal(t, []float64{-1, 0, 1}, values)
	values = []float64{3, 3}
	normalizeInPlace(values)
	assert.Equal(t, []float64{0, 0}, values)
}
