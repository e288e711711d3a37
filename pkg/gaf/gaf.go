// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gaf encodes time series as images, using Gramian Angular Fields (GAF), and decodes them back.
//
// The series is min-max rescaled to [-1, 1] and each value x_i is represented by the angle
// φ_i = arccos(x_i). The Gramian Angular Summation Field (GASF) is then:
//
//	GASF[i][j] = cos((φ_i + φ_j) / 2)
//
// Its diagonal is cos(φ_i) = x_i, so Decode recovers the rescaled series. The Gramian Angular
// Difference Field (GADF) uses sin((φ_i - φ_j) / 2) instead, and it can't be decoded.
//
// The package also provides the Markov transition field (MTF) encoding, see Encoder.MarkovTransitionField.
//
// Example:
//
//	field, err := gaf.Encode(ecg)  // shape [1, N, N], N = min(len(ecg), gaf.MaxLength)
//	…
//	rescaled, err := gaf.Decode(field)
package gaf

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
)

// MaxLength is the default maximum length of the encoded series: longer series are truncated.
const MaxLength = 128

// DefaultNumBins is the default number of quantile bins used by the Markov transition field.
const DefaultNumBins = 8

// Method of the angular field.
type Method int

const (
	// Summation selects the Gramian Angular Summation Field (GASF).
	Summation Method = iota

	// Difference selects the Gramian Angular Difference Field (GADF).
	Difference
)

// String implements fmt.Stringer.
func (m Method) String() string {
	switch m {
	case Summation:
		return "GASF"
	case Difference:
		return "GADF"
	default:
		return fmt.Sprintf("gaf.Method(%d)", int(m))
	}
}

// Encoder configures the encoding of time series into images. Create it with NewEncoder, and
// configure it with the chained methods.
//
// An Encoder is immutable after configuration and can be used concurrently.
type Encoder struct {
	maxLength int
	method    Method
	numBins   int
}

// NewEncoder returns an Encoder configured with the defaults: MaxLength, Summation and DefaultNumBins.
func NewEncoder() *Encoder {
	return &Encoder{
		maxLength: MaxLength,
		method:    Summation,
		numBins:   DefaultNumBins,
	}
}

// MaxLength sets the maximum length of the series encoded: longer series are truncated.
// It panics if n <= 0.
func (e *Encoder) MaxLength(n int) *Encoder {
	if n <= 0 {
		exceptions.Panicf("gaf.Encoder.MaxLength(%d): it must be > 0", n)
	}
	e.maxLength = n
	return e
}

// Method sets the angular field method used by Encode.
func (e *Encoder) Method(method Method) *Encoder {
	if method != Summation && method != Difference {
		exceptions.Panicf("gaf.Encoder.Method(%s): unknown method", method)
	}
	e.method = method
	return e
}

// NumBins sets the number of quantile bins used by MarkovTransitionField. It panics if n < 2.
func (e *Encoder) NumBins(n int) *Encoder {
	if n < 2 {
		exceptions.Panicf("gaf.Encoder.NumBins(%d): it must be >= 2", n)
	}
	e.numBins = n
	return e
}

// String implements fmt.Stringer.
func (e *Encoder) String() string {
	return fmt.Sprintf("gaf.Encoder(%s, max_length=%d, bins=%d)", e.method, e.maxLength, e.numBins)
}

// Rescale min-max rescales the series into [-1, 1], clipping the results to the interval.
// A constant series is rescaled to zeros. The input is not modified.
func Rescale(series []float64) []float64 {
	rescaled := make([]float64, len(series))
	if len(series) == 0 {
		return rescaled
	}
	minV, maxV := floats.Min(series), floats.Max(series)
	// Halved, so the differences don't overflow for values near ±math.MaxFloat64.
	halfSpan := maxV/2 - minV/2
	if halfSpan == 0 {
		return rescaled
	}
	for ii, x := range series {
		rescaled[ii] = math.Max(-1, math.Min(1, (x/2-minV/2)/halfSpan*2-1))
	}
	return rescaled
}

// prepare validates, truncates and rescales the series.
func (e *Encoder) prepare(series []float64) ([]float64, error) {
	if len(series) == 0 {
		return nil, errors.Errorf("%s: cannot encode an empty series", e)
	}
	if len(series) > e.maxLength {
		series = series[:e.maxLength]
	}
	for ii, x := range series {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.Errorf("%s: series has non-finite value %g at position %d", e, x, ii)
		}
	}
	return Rescale(series), nil
}

// Encode the series into its angular field image, shaped [1, N, N] where N is the series length,
// truncated to the configured maximum length.
//
// It returns an error if the series is empty or has non-finite values.
func (e *Encoder) Encode(series []float64) (*tensors.Tensor, error) {
	x, err := e.prepare(series)
	if err != nil {
		return nil, err
	}
	n := len(x)

	// With φ_i = arccos(x_i): cos(φ_i/2) = √((1+x_i)/2) and sin(φ_i/2) = √((1-x_i)/2).
	cosHalf := mat.NewVecDense(n, nil)
	sinHalf := mat.NewVecDense(n, nil)
	for ii, v := range x {
		cosHalf.SetVec(ii, math.Sqrt((1+v)/2))
		sinHalf.SetVec(ii, math.Sqrt((1-v)/2))
	}
	field := mat.NewDense(n, n, nil)
	var cross mat.Dense
	switch e.method {
	case Summation:
		// cos((φ_i+φ_j)/2) = cos(φ_i/2)cos(φ_j/2) - sin(φ_i/2)sin(φ_j/2)
		field.Outer(1, cosHalf, cosHalf)
		cross.Outer(1, sinHalf, sinHalf)
		field.Sub(field, &cross)
	case Difference:
		// sin((φ_i-φ_j)/2) = sin(φ_i/2)cos(φ_j/2) - cos(φ_i/2)sin(φ_j/2)
		field.Outer(1, sinHalf, cosHalf)
		cross.Outer(1, cosHalf, sinHalf)
		field.Sub(field, &cross)
	}
	return denseToTensor(field), nil
}

// MarkovTransitionField encodes the series as its Markov transition field, shaped [1, N, N].
//
// Values are assigned to quantile bins (see NumBins), the transition probabilities W[a][b] between
// consecutive values are estimated, and MTF[i][j] = W[bin(x_i)][bin(x_j)].
// Bins with no outgoing transitions have all probabilities set to 0.
func (e *Encoder) MarkovTransitionField(series []float64) (*tensors.Tensor, error) {
	x, err := e.prepare(series)
	if err != nil {
		return nil, err
	}
	n := len(x)

	sorted := slices.Clone(x)
	sort.Float64s(sorted)
	edges := make([]float64, e.numBins-1)
	for ii := range edges {
		edges[ii] = stat.Quantile(float64(ii+1)/float64(e.numBins), stat.Empirical, sorted, nil)
	}
	bins := make([]int, n)
	for ii, v := range x {
		bins[ii] = sort.SearchFloat64s(edges, v)
	}

	transitions := mat.NewDense(e.numBins, e.numBins, nil)
	for ii := 1; ii < n; ii++ {
		from, to := bins[ii-1], bins[ii]
		transitions.Set(from, to, transitions.At(from, to)+1)
	}
	for row := range e.numBins {
		total := floats.Sum(transitions.RawRowView(row))
		if total > 0 {
			floats.Scale(1/total, transitions.RawRowView(row))
		}
	}

	field := mat.NewDense(n, n, nil)
	for ii := range n {
		for jj := range n {
			field.Set(ii, jj, transitions.At(bins[ii], bins[jj]))
		}
	}
	return denseToTensor(field), nil
}

// Decode extracts the diagonal of a summation field, shaped [1, N, N] or [N, N], which is the
// rescaled series that was encoded.
func Decode(field *tensors.Tensor) ([]float64, error) {
	var n int
	switch {
	case field == nil:
		return nil, errors.New("gaf.Decode: nil field")
	case field.Rank() == 3 && field.Dim(0) == 1 && field.Dim(1) == field.Dim(2):
		n = field.Dim(1)
	case field.Rank() == 2 && field.Dim(0) == field.Dim(1):
		n = field.Dim(0)
	default:
		return nil, errors.Errorf("gaf.Decode: field must be shaped [1, N, N] or [N, N], got %s", field.Shape())
	}
	flat := field.Flat()
	series := make([]float64, n)
	for ii := range series {
		series[ii] = flat[ii*n+ii]
	}
	return series, nil
}

func denseToTensor(m *mat.Dense) *tensors.Tensor {
	n, _ := m.Dims()
	t := tensors.Zeros(1, n, n)
	flat := t.Flat()
	for row := range n {
		copy(flat[row*n:(row+1)*n], m.RawRowView(row))
	}
	return t
}

var defaultEncoder = NewEncoder()

// Encode the series with the default Encoder: the summation field (GASF) of the first MaxLength values.
func Encode(series []float64) (*tensors.Tensor, error) {
	return defaultEncoder.Encode(series)
}

// MarkovTransitionField encodes the series with the default Encoder, see Encoder.MarkovTransitionField.
func MarkovTransitionField(series []float64) (*tensors.Tensor, error) {
	return defaultEncoder.MarkovTransitionField(series)
}
