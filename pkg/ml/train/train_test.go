// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"testing"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/losses"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/metrics"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearModel predicts the noise as w*x_t + b.
type linearModel struct {
	w, b *context.Variable
	xt   *tensors.Tensor
}

func newLinearModel(ctx *context.Context) *linearModel {
	ctx = ctx.In("linear")
	return &linearModel{
		w: ctx.VariableWithShape("w", shapes.Make(), context.ZeroInitializer),
		b: ctx.VariableWithShape("b", shapes.Make(), context.ZeroInitializer),
	}
}

func (m *linearModel) TrainableVariables() []*context.Variable { return []*context.Variable{m.w, m.b} }

func (m *linearModel) Forward(x *tensors.Tensor, _ []int) (*tensors.Tensor, error) {
	channels := x.Dim(1) / 2
	parts, err := tensors.SplitChannels(x, channels, channels)
	if err != nil {
		return nil, err
	}
	m.xt = parts[1]
	w, b := m.w.Value().At(), m.b.Value().At()
	return m.xt.Map(func(v float64) float64 { return w*v + b }), nil
}

func (m *linearModel) Backward(gradOutput *tensors.Tensor) ([]*tensors.Tensor, error) {
	var dw, db float64
	for ii, g := range gradOutput.Flat() {
		dw += g * m.xt.Flat()[ii]
		db += g
	}
	return []*tensors.Tensor{
		tensors.FromScalarAndDimensions(dw),
		tensors.FromScalarAndDimensions(db),
	}, nil
}

// zerosDataset yields batches of zeros, numBatches per epoch, or forever if numBatches is 0.
type zerosDataset struct {
	numBatches, count int
	batch             *tensors.Tensor
}

func newZerosDataset(numBatches int) *zerosDataset {
	return &zerosDataset{numBatches: numBatches, batch: tensors.Zeros(8, 1, 2, 2)}
}

func (ds *zerosDataset) Name() string { return "zeros" }
func (ds *zerosDataset) Reset()       { ds.count = 0 }
func (ds *zerosDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.numBatches > 0 && ds.count >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.count++
	return nil, []*tensors.Tensor{ds.batch}, []*tensors.Tensor{ds.batch}, nil
}

// brokenDataset fails reading its batch number failAt.
type brokenDataset struct {
	*zerosDataset
	failAt int
}

func (ds *brokenDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.count == ds.failAt {
		return nil, nil, nil, errors.New("corrupted batch")
	}
	return ds.zerosDataset.Yield()
}

func newTestTrainer(t *testing.T) (*Trainer, *linearModel) {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(1))
	schedule, err := diffusion.NewSchedule(diffusion.SpectrogramScheduleConfig)
	require.NoError(t, err)
	model := newLinearModel(ctx)
	trainer := NewTrainer(ctx, model, schedule, losses.MeanAbsoluteError,
		optimizers.Adam().LearningRate(0.05).Done(),
		[]metrics.Interface{metrics.NewMedianMetric("Median Loss", "median", metrics.LossMetricType, nil)},
		nil)
	return trainer, model
}

func TestTrainerLearns(t *testing.T) {
	trainer, model := newTestTrainer(t)
	loop := NewLoop(trainer)
	var batchLosses []float64
	loop.OnStep("collect", 0, func(_ *Loop, values []float64) error {
		require.Len(t, values, 3)
		batchLosses = append(batchLosses, values[0])
		return nil
	})
	evalDS := newZerosDataset(4)
	before, err := trainer.Eval(evalDS)
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = loop.RunSteps(newZerosDataset(0), 300)
	require.NoError(t, err)
	assert.Equal(t, 300, loop.LoopStep)
	assert.Equal(t, int64(300), trainer.GlobalStep())
	assert.Len(t, loop.TrainStepDurations, 300)
	assert.Greater(t, loop.MedianTrainStepDuration().Nanoseconds(), int64(0))

	mean := func(values []float64) float64 {
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
	first, last := mean(batchLosses[:10]), mean(batchLosses[250:])
	assert.Less(t, last, first, "training loss should decrease")
	assert.Less(t, last, 0.55)
	assert.Greater(t, model.w.Value().At(), 0.5)

	after, err := trainer.Eval(evalDS)
	require.NoError(t, err)
	assert.Less(t, after[0], before[0])
	again, err := trainer.Eval(evalDS)
	require.NoError(t, err)
	assert.Equal(t, after, again, "evaluation must be deterministic")

	// Continue training up to a global step.
	_, err = loop.RunToGlobalStep(newZerosDataset(0), 310)
	require.NoError(t, err)
	assert.Equal(t, int64(310), trainer.GlobalStep())
	metricsValues, err := loop.RunToGlobalStep(newZerosDataset(0), 100)
	require.NoError(t, err)
	assert.Nil(t, metricsValues)
}

func TestEvalResetsDatasetOnError(t *testing.T) {
	trainer, _ := newTestTrainer(t)
	ds := &brokenDataset{zerosDataset: newZerosDataset(4), failAt: 2}
	_, err := trainer.Eval(ds)
	require.ErrorContains(t, err, "corrupted batch")
	assert.Equal(t, 0, ds.count, "dataset must be reset after a failed Eval")

	// Once fixed, the next Eval reads the whole dataset.
	ds.failAt = -1
	_, err = trainer.Eval(ds)
	require.NoError(t, err)
	assert.Equal(t, 0, ds.count)
}

func TestRunEpochs(t *testing.T) {
	trainer, _ := newTestTrainer(t)
	loop := NewLoop(trainer)
	var epochs []int
	loop.OnEpochEnd("epochs", 0, func(loop *Loop, epoch int, meanLoss float64) error {
		epochs = append(epochs, epoch)
		assert.False(t, math.IsNaN(meanLoss))
		return nil
	})
	var improvements int
	best := TrackBestEpoch(loop, "best", 10, func(_ *Loop, _ int, _ float64) error {
		improvements++
		return nil
	})
	var ended bool
	loop.OnEnd("end", 0, func(_ *Loop, _ []float64) error {
		ended = true
		return nil
	})

	_, err := loop.RunEpochs(newZerosDataset(5), 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, epochs)
	assert.Len(t, loop.EpochLosses, 3)
	assert.Equal(t, 15, loop.LoopStep)
	assert.Equal(t, 15, loop.EndStep)
	assert.Equal(t, 15.0, TargetStepVar(trainer.Context()).Value().At())
	assert.True(t, ended)
	assert.GreaterOrEqual(t, improvements, 1)
	assert.Equal(t, loop.EpochLosses[best.BestEpoch], best.BestLoss)

	// A dataset too short for RunSteps.
	_, err = loop.RunSteps(newZerosDataset(2), 5)
	require.ErrorContains(t, err, "exhausted after 2 steps")
}

func TestNaNLossInterruptsTraining(t *testing.T) {
	trainer, model := newTestTrainer(t)
	model.w.Value().Set(math.NaN())
	_, err := NewLoop(trainer).RunSteps(newZerosDataset(0), 10)
	require.ErrorContains(t, err, "NaN")
}

func TestLoopCallbacks(t *testing.T) {
	trainer, _ := newTestTrainer(t)
	loop := NewLoop(trainer)
	var everyN, nTimes, exponential int
	var lastNTimesStep int
	EveryNSteps(loop, 3, "every", 0, func(_ *Loop, _ []float64) error {
		everyN++
		return nil
	})
	NTimesDuringLoop(loop, 4, "ntimes", 0, func(loop *Loop, _ []float64) error {
		nTimes++
		lastNTimesStep = loop.LoopStep
		return nil
	})
	ExponentialCallback(loop, 10, 2, true, "exponential", 0, func(_ *Loop, _ []float64) error {
		exponential++
		return nil
	})
	_, err := loop.RunSteps(newZerosDataset(0), 100)
	require.NoError(t, err)
	assert.Equal(t, 33, everyN)
	assert.Equal(t, 5, nTimes)
	assert.Equal(t, 99, lastNTimesStep)
	// Steps 10, 30 and 70, plus the end of the loop.
	assert.Equal(t, 4, exponential)

	assert.Panics(t, func() { ExponentialCallback(loop, 0, 2, false, "bad", 0, nil) })
}
