// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gonumplot

import (
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context/checkpoints"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/denoiser"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/losses"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots"
)

func newTestLoop(t *testing.T, ctx *context.Context) (*train.Loop, *datasets.InMemoryDataset) {
	schedule := must.M1(diffusion.NewSchedule(diffusion.SpectrogramScheduleConfig))
	model, err := denoiser.New(ctx, schedule, 1)
	require.NoError(t, err)
	trainer := train.NewTrainer(ctx, model, schedule, losses.MeanAbsoluteError, optimizers.Adam().Done(), nil, nil)
	pairs := make([]datasets.Pair, 4)
	for ii := range pairs {
		v := float64(ii) / 4
		pairs[ii] = datasets.Pair{
			Clean: tensors.FromScalarAndDimensions(v, 1, 4, 4),
			Noisy: tensors.FromScalarAndDimensions(v+0.1, 1, 4, 4),
		}
	}
	ds, err := datasets.InMemory("waves", pairs)
	require.NoError(t, err)
	return train.NewLoop(trainer), ds
}

func TestPlotConfigTraining(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(1))
	dir := filepath.Join(t.TempDir(), "checkpoint")
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
	require.NoError(t, err)
	loop, ds := newTestLoop(t, ctx)
	evalDS := ds.Copy().BatchSize(4, false)
	ds.BatchSize(2, true).Infinite(true)

	var customCalls int
	pc := New().
		WithCheckpoint(checkpoint).
		WithDatasets(evalDS).
		WithCustomMetricFn(func(plotter plots.Plotter, step float64) error {
			customCalls++
			plotter.AddPoint(plots.Point{MetricName: "Step", MetricType: "step", Step: step, Value: step})
			return nil
		}).
		ScheduleEveryNSteps(loop, 2)
	_, err = loop.RunSteps(ds, 6)
	require.NoError(t, err)
	assert.Equal(t, 3, customCalls)
	assert.Equal(t, 3, pc.NumSamples())
	assert.Len(t, pc.Points().Steps(), 3)
	assert.Equal(t, []string{"Mean Loss on waves", "Train: Moving Average Loss", "Step"}, pc.Points().MetricsNames())

	// Plots of each metric type are saved at the end of the loop.
	assert.True(t, must.M1(fsutil.FileExists(filepath.Join(dir, "loss.png"))))
	assert.True(t, must.M1(fsutil.FileExists(filepath.Join(dir, "step.png"))))

	// Points were saved, and can be reloaded.
	reloaded := New()
	require.NoError(t, reloaded.LoadCheckpointData(dir))
	assert.Equal(t, pc.Points().Extract(), reloaded.Points().Extract())
	assert.Equal(t, 3, reloaded.NumSamples())
	require.Error(t, reloaded.LoadCheckpointData(filepath.Join(dir, "missing")))
}

func TestSaveSeries(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "series.png")
	require.NoError(t, SaveSeries(filePath, "round trip", map[string][]float64{
		"original": {0, 1, 0, -1, 0},
		"decoded":  {0, 0.9, 0, -0.9, 0},
	}))
	assert.True(t, must.M1(fsutil.FileExists(filePath)))
	require.Error(t, SaveSeries(filePath, "empty", nil))
}
