// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/denoiser"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/losses"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("x", 11.0)
	ctx.SetParam("y", 7)
	ctx.SetParam("seed", int64(1))
	ctx.SetParam("z", false)
	ctx.SetParam("s", "foo")
	ctx.SetParam("list_int", []int{})
	ctx.SetParam("list_float", []float64{})
	ctx.SetParam("list_str", []string{})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx,
		"x=13;/a/z=true;/a/b/y=3;s=bar;seed=1_000_000;list_int=1,3_000,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "/a/z", "/a/b/y", "s", "seed", "list_int", "list_float", "list_str"}, paramsSet)
	x, found := ctx.GetParam("x")
	assert.True(t, found)
	assert.Equal(t, 13.0, x)

	y, _ := ctx.GetParam("y")
	assert.Equal(t, 7, y)
	y, _ = ctx.In("a").GetParam("y")
	assert.Equal(t, 7, y)
	y, _ = ctx.In("a").In("b").GetParam("y")
	assert.Equal(t, 3, y)

	z, _ := ctx.GetParam("z")
	assert.Equal(t, false, z)
	z, _ = ctx.In("a").GetParam("z")
	assert.Equal(t, true, z)

	s, _ := ctx.GetParam("s")
	assert.Equal(t, "bar", s)
	seed, _ := ctx.GetParam("seed")
	assert.Equal(t, int64(1_000_000), seed)

	assert.Equal(t, []int{1, 3000, 7}, context.GetParamOr(ctx, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, context.GetParamOr(ctx, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "list_str", []string{}))

	modified := SprintModifiedContextSettings(ctx, []string{"x", "/a/z", "x"})
	assert.Equal(t, "\t\"/a/z\": (bool) true\n\t\"x\": (float64) 13", modified)
	assert.Contains(t, SprintContextSettings(ctx), "\"/a/b/y\": (int) 3")

	// Parameter "q" is unknown.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Parameter "q" is still unknown in root.
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseContextSettings(ctx, "y=3.14")
	require.Error(t, err)
	_, err = ParseContextSettings(ctx, "list_int=1,a")
	require.Error(t, err)

	// Cannot parse setting with scope not absolute.
	_, err = ParseContextSettings(ctx, "a/abc=3.14")
	require.Error(t, err)

	// Missing value.
	_, err = ParseContextSettings(ctx, "x")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nx=0.5\n\n/d/y=2;s=baz\n"), 0o644))
	paramsSet, err := ParseContextSettings(ctx, "y=5;file:"+filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x", "/d/y", "s"}, paramsSet)
	assert.Equal(t, 0.5, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, 5, context.GetParamOr(ctx, "y", 0))
	assert.Equal(t, 2, context.GetParamOr(ctx.In("d"), "y", 0))
	assert.Equal(t, "baz", context.GetParamOr(ctx, "s", ""))

	_, err = ParseContextSettings(ctx, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "1m3s", FormatDuration(62500*time.Millisecond))
	assert.Equal(t, "15.68ms", FormatDuration(15678901*time.Nanosecond))
	assert.Equal(t, "2.5µs", FormatDuration(2501*time.Nanosecond))
	assert.Equal(t, "300ns", FormatDuration(300*time.Nanosecond))
}

func TestReportEval(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(1))
	schedule := must.M1(diffusion.NewSchedule(diffusion.SpectrogramScheduleConfig))
	model := must.M1(denoiser.New(ctx, schedule, 1))
	trainer := train.NewTrainer(ctx, model, schedule, losses.MeanAbsoluteError, optimizers.Adam().Done(), nil, nil)

	clean := []*tensors.Tensor{tensors.Zeros(1, 4, 4), tensors.FromScalarAndDimensions(1, 1, 4, 4)}
	pairs := []datasets.Pair{{Clean: clean[0], Noisy: clean[1]}, {Clean: clean[1], Noisy: clean[0]}}
	ds := must.M1(datasets.InMemory("validation", pairs)).BatchSize(2, false)

	var buf bytes.Buffer
	require.NoError(t, FReportEval(&buf, trainer, ds))
	report := buf.String()
	assert.Contains(t, report, "Results on validation:")
	assert.Contains(t, report, "Mean Loss (#loss)")
}
