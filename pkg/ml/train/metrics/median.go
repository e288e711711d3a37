// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric over all values seen since the last Reset.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// Update implements metrics.Interface.
func (m *StreamingMedianMetric) Update(values []float64) float64 {
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	for _, x := range values {
		m.samplesSeen++

		// Simple case: we have space to simply store the new sampled x.
		if len(m.samples) < m.maxNumSamples {
			m.samples = append(m.samples, x)
			continue
		}

		// We must decide whether to keep x.
		if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
			continue
		}
		m.samples[m.rng.IntN(m.maxNumSamples)] = x
	}
	return m.Median()
}

// Median returns the current estimate of the median, or 0 if no values were seen.
func (m *StreamingMedianMetric) Median() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2]
}

// Reset implements metrics.Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
