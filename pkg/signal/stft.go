// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package signal converts time series into magnitude spectrograms, the input of the spectrogram
// denoising path.
//
// Example:
//
//	spec, err := signal.NewSTFT().WindowSize(64).Hop(16).Spectrogram(ecg)  // shape [1, 33, T]
package signal

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/gomlx/exceptions"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
)

const (
	// DefaultWindowSize is the default number of samples per STFT frame.
	DefaultWindowSize = 64

	// DefaultHop is the default number of samples between consecutive frames.
	DefaultHop = 16
)

// STFT configures the short-time Fourier transform. Create it with NewSTFT.
type STFT struct {
	windowSize, hop int
	logScale        bool
	normalize       bool
}

// NewSTFT returns an STFT with the default window and hop sizes, log-scaled and normalized magnitudes.
func NewSTFT() *STFT {
	return &STFT{
		windowSize: DefaultWindowSize,
		hop:        DefaultHop,
		logScale:   true,
		normalize:  true,
	}
}

// WindowSize sets the number of samples per frame. A Hann window of this size is applied to each frame.
func (s *STFT) WindowSize(n int) *STFT {
	if n < 2 {
		exceptions.Panicf("signal.STFT.WindowSize(%d): it must be >= 2", n)
	}
	s.windowSize = n
	return s
}

// Hop sets the number of samples between the start of consecutive frames.
func (s *STFT) Hop(n int) *STFT {
	if n < 1 {
		exceptions.Panicf("signal.STFT.Hop(%d): it must be >= 1", n)
	}
	s.hop = n
	return s
}

// LogScale sets whether magnitudes are converted to log(1+|X|). Default is true.
func (s *STFT) LogScale(logScale bool) *STFT {
	s.logScale = logScale
	return s
}

// Normalize sets whether the spectrogram is min-max normalized into [-1, 1], the range used by the
// denoiser for images. Default is true.
func (s *STFT) Normalize(normalize bool) *STFT {
	s.normalize = normalize
	return s
}

// String implements fmt.Stringer.
func (s *STFT) String() string {
	return fmt.Sprintf("signal.STFT(window=%d, hop=%d)", s.windowSize, s.hop)
}

// NumFrequencies returns the number of frequency bins of the spectrogram: windowSize/2+1.
func (s *STFT) NumFrequencies() int {
	return s.windowSize/2 + 1
}

// NumFrames returns the number of frames for a series of the given length, or 0 if it is shorter
// than the window.
func (s *STFT) NumFrames(length int) int {
	if length < s.windowSize {
		return 0
	}
	return 1 + (length-s.windowSize)/s.hop
}

// Spectrogram returns the magnitude spectrogram of the series, shaped [1, F, T], with
// F = NumFrequencies() and T = NumFrames(len(series)).
// Trailing samples that don't fill a complete frame are dropped.
func (s *STFT) Spectrogram(series []float64) (*tensors.Tensor, error) {
	numFrames := s.NumFrames(len(series))
	if numFrames == 0 {
		return nil, errors.Errorf("%s: series of length %d is shorter than the window", s, len(series))
	}
	for ii, x := range series {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.Errorf("%s: series has non-finite value %g at position %d", s, x, ii)
		}
	}
	numFreqs := s.NumFrequencies()
	hann := window.Hann(s.windowSize)
	frame := make([]float64, s.windowSize)
	spec := tensors.Zeros(1, numFreqs, numFrames)
	flat := spec.Flat()
	for t := range numFrames {
		start := t * s.hop
		floats.MulTo(frame, series[start:start+s.windowSize], hann)
		coefs := fft.FFTReal(frame)
		for f := range numFreqs {
			magnitude := cmplx.Abs(coefs[f])
			if s.logScale {
				magnitude = math.Log1p(magnitude)
			}
			flat[f*numFrames+t] = magnitude
		}
	}
	if s.normalize {
		normalizeInPlace(flat)
	}
	return spec, nil
}

// normalizeInPlace min-max rescales values into [-1, 1]. Constant values become 0.
func normalizeInPlace(values []float64) {
	minV, maxV := floats.Min(values), floats.Max(values)
	// Halved, so the differences don't overflow for values near ±math.MaxFloat64.
	halfSpan := maxV/2 - minV/2
	if halfSpan == 0 {
		for ii := range values {
			values[ii] = 0
		}
		return
	}
	for ii, v := range values {
		values[ii] = (v/2-minV/2)/halfSpan*2 - 1
	}
}
