// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics used to follow training and evaluation of the
// noise predictor.
//
// Metrics consume per-example values of a batch (e.g.: the L1 noise loss of each example) and
// keep their own running state, until Reset is called.
package metrics

import (
	"fmt"

	"github.com/google/uuid"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// ScopeName is a combination of name and something unique, used to tell apart metrics with the same name.
	ScopeName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Loss" and "Batch-Loss" would both have the same
	// "loss" metric type, and for instance, can be displayed on the same plot, sharing
	// the Y-axis.
	MetricType() string

	// Update takes the per-example values of one batch and returns the current value of the metric.
	Update(values []float64) float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters when starting a new evaluation.
	Reset()
}

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same  type in the same plot.
	LossMetricType = "loss"
)

// PrettyPrintFn is a function to pretty-print a metric value.
type PrettyPrintFn func(value float64) string

// baseMetric holds what is common to all metrics.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn
	scopeName                   string
}

// Name implements metrics.Interface.
func (m *baseMetric) Name() string { return m.name }

// ShortName implements metrics.Interface.
func (m *baseMetric) ShortName() string { return m.shortName }

// MetricType implements metrics.Interface.
func (m *baseMetric) MetricType() string { return m.metricType }

// ScopeName implements metrics.Interface.
func (m *baseMetric) ScopeName() string {
	if m.scopeName == "" {
		m.scopeName = fmt.Sprintf("%s_%s", m.shortName, uuid.NewString()[:8])
	}
	return m.scopeName
}

// PrettyPrint implements metrics.Interface.
func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn != nil {
		return m.pPrintFn(value)
	}
	return fmt.Sprintf("%.3g", value)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// BatchMetric reports the mean of the last batch only.
type BatchMetric struct {
	baseMetric
}

// NewBatchMetric creates a metric whose value is the mean of the values of the last batch.
// pPrintFn can be left as nil, and a default will be used.
func NewBatchMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) *BatchMetric {
	return &BatchMetric{baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}
}

// Update implements metrics.Interface.
func (m *BatchMetric) Update(values []float64) float64 { return mean(values) }

// Reset implements metrics.Interface.
func (m *BatchMetric) Reset() {}

// MeanMetric implements a metric that keeps the mean of all values seen since the last Reset.
type MeanMetric struct {
	baseMetric
	total        float64
	weight       float64
	dynamicBatch bool
}

// NewMeanMetric creates a metric that averages all values seen.
//
// Each example counts the same: batches are weighted by their number of values.
// If you want all batches to count the same, set WithDynamicBatch(false).
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{
		baseMetric:   baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: prettyPrintFn},
		dynamicBatch: true,
	}
}

// WithDynamicBatch sets whether the mean should weight each batch by its size.
// If set to false, each batch counts as 1. Default is true.
func (m *MeanMetric) WithDynamicBatch(dynamicBatch bool) *MeanMetric {
	m.dynamicBatch = dynamicBatch
	return m
}

// Update implements metrics.Interface.
func (m *MeanMetric) Update(values []float64) float64 {
	if len(values) > 0 {
		w := 1.0
		if m.dynamicBatch {
			w = float64(len(values))
		}
		m.total += mean(values) * w
		m.weight += w
	}
	if m.weight == 0 {
		return 0
	}
	return m.total / m.weight
}

// Reset implements metrics.Interface.
func (m *MeanMetric) Reset() {
	m.total, m.weight = 0, 0
}

// movingAverageMetric implements a metric that keeps an exponential moving average of the batch means.
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
	mean, count      float64
}

// NewExponentialMovingAverageMetric creates a metric that takes each new batch mean with
// the given weight (newExampleWeight), and decays the rest by 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it becomes
// an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn,
	newExampleWeight float64) Interface {
	return &movingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements metrics.Interface.
func (m *movingAverageMetric) Update(values []float64) float64 {
	if len(values) == 0 {
		return m.mean
	}
	m.count++
	weight := max(m.newExampleWeight, 1/m.count)
	m.mean = m.mean*(1-weight) + mean(values)*weight
	return m.mean
}

// Reset implements metrics.Interface.
func (m *movingAverageMetric) Reset() {
	m.mean, m.count = 0, 0
}
