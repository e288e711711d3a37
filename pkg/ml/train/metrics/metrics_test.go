// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanMetric(t *testing.T) {
	m := NewMeanMetric("Mean Loss", "~loss", LossMetricType, nil)
	assert.Equal(t, 2.0, m.Update([]float64{1, 3}))
	// Weighted by number of examples: (1+3+6+6+6+6)/6.
	assert.InDelta(t, 28.0/6.0, m.Update([]float64{6, 6, 6, 6}), 1e-12)
	m.Reset()
	assert.Equal(t, 0.0, m.Update(nil))

	m = NewMeanMetric("Mean Loss", "~loss", LossMetricType, nil).WithDynamicBatch(false)
	m.Update([]float64{1, 3})
	assert.Equal(t, 4.0, m.Update([]float64{6, 6, 6, 6}))
	assert.Equal(t, "4", m.PrettyPrint(4))
	assert.Equal(t, LossMetricType, m.MetricType())
	assert.Contains(t, m.ScopeName(), "~loss_")
	assert.Equal(t, m.ScopeName(), m.ScopeName())
}

func TestMovingAverage(t *testing.T) {
	m := NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", LossMetricType, nil, 0.5)
	assert.Equal(t, 4.0, m.Update([]float64{4}))
	// Weight is max(0.5, 1/2)
	assert.Equal(t, 3.0, m.Update([]float64{2}))
	// Weight is max(0.5, 1/3)
	assert.Equal(t, 4.5, m.Update([]float64{6}))

	b := NewBatchMetric("Batch Loss", "batch", LossMetricType, func(v float64) string { return "x" })
	assert.Equal(t, 2.0, b.Update([]float64{1, 3}))
	assert.Equal(t, "x", b.PrettyPrint(2))
}

func TestStreamingMedian(t *testing.T) {
	metric := NewMedianMetric("Median Loss", "median", LossMetricType, nil).WithSampleSize(10_000)
	rng := rand.New(rand.NewPCG(1, 2))

	// Sample from 0.01 < r < 1.0 randomly, and then feed 1/r: an asymmetric sequence.
	const numExamples = 100_001
	values := make([]float64, 0, numExamples)
	for range numExamples {
		r := 1 / (rng.Float64()*0.99 + 0.01)
		values = append(values, r)
		metric.Update([]float64{r})
	}
	slices.Sort(values)
	want := values[numExamples/2]
	require.InDelta(t, want, metric.Median(), 0.1)

	metric.Reset()
	assert.Equal(t, 0.0, metric.Median())
	assert.Equal(t, 2.0, metric.Update([]float64{3, 1, 2}))
}
