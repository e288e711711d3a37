// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopes(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, context.RootScope, ctx.Scope())
	ctx2 := ctx.In("a").In("b")
	assert.Equal(t, "/a/b", ctx2.Scope())
	assert.Equal(t, "/a", ctx2.InAbsPath("/a").Scope())
	assert.Panics(t, func() { ctx.In("") })
	assert.Panics(t, func() { ctx.In("x/y") })
	assert.Panics(t, func() { ctx.InAbsPath("relative") })

	assert.Equal(t, "/a/b", context.JoinScope("/a", "b"))
	assert.Equal(t, "/b", context.JoinScope("/", "b"))
	scope, name := context.SplitScope("/a/b")
	assert.Equal(t, "/a", scope)
	assert.Equal(t, "b", name)
	scope, name = context.SplitScope("/b")
	assert.Equal(t, "/", scope)
	assert.Equal(t, "b", name)
	scope, name = context.SplitScope("b")
	assert.Equal(t, "", scope)
	assert.Equal(t, "b", name)
}

func TestParams(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{"x": 7, "y": "quad", "flag": true})
	ctxA := ctx.In("a")
	ctxA.SetParam("x", 11.5)

	assert.Equal(t, 7, context.MustGetParam[int](ctx, "x"))
	assert.Equal(t, 11.5, context.MustGetParam[float64](ctxA, "x"))
	assert.Equal(t, "quad", context.MustGetParam[string](ctxA.In("b"), "y"))

	// Conversion: int stored, float64 requested.
	assert.Equal(t, 7.0, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, int64(3), context.GetParamOr[int64](ctx, "missing", 3))
	assert.Panics(t, func() { context.MustGetParam[int](ctx, "missing") })
	assert.Panics(t, func() { context.MustGetParam[int](ctx, "y") })

	var keys []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		keys = append(keys, scope+":"+key)
	})
	assert.Equal(t, []string{"/:flag", "/:x", "/:y", "/a:x"}, keys)
}

type mapLoader map[string]*tensors.Tensor

func (l mapLoader) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	v, found := l[context.JoinScope(scope, name)]
	return v, found
}

func TestVariables(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, int64(42))
	w := ctx.In("conv").VariableWithShape("weights", shapes.Make(2, 3), context.NormalInitializer(1))
	b := ctx.In("conv").VariableWithValue("bias", tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2))
	assert.Equal(t, "/conv/weights", w.ScopeAndName())
	assert.Equal(t, 2, ctx.NumVariables())
	assert.Equal(t, 8, ctx.NumParameters())
	assert.Equal(t, uintptr(64), ctx.Memory())
	assert.Same(t, w, ctx.GetVariableByScopeAndName("/conv", "weights"))
	assert.Same(t, b, ctx.In("conv").GetVariable("bias"))

	// Re-requesting with the same shape returns the same variable, different shape panics.
	assert.Same(t, w, ctx.In("conv").VariableWithShape("weights", shapes.Make(2, 3), nil))
	assert.Panics(t, func() { ctx.In("conv").VariableWithShape("weights", shapes.Make(3), nil) })

	var names []string
	for v := range ctx.IterVariables() {
		names = append(names, v.ScopeAndName())
	}
	assert.Equal(t, []string{"/conv/bias", "/conv/weights"}, names)

	require.Error(t, b.SetValue(tensors.Zeros(3)))
	require.NoError(t, b.SetValue(tensors.Zeros(2)))
	assert.Equal(t, []float64{0, 0}, b.Value().Flat())
	require.NoError(t, ctx.CheckVariablesFinite())

	clone := ctx.Clone()
	assert.True(t, clone.GetVariableByScopeAndName("/conv", "weights").Value().Equal(w.Value()))
	assert.NotEqual(t, ctx.RunID(), clone.RunID())

	ctx.DeleteVariable("/conv", "bias")
	assert.Nil(t, ctx.GetVariableByScopeAndName("/conv", "bias"))
	assert.Equal(t, 1, ctx.NumVariables())
}

func TestIterVariablesSorted(t *testing.T) {
	ctx := context.New()
	for _, scopeAndName := range [][2]string{{"zeta", "b"}, {"alpha", "y"}, {"zeta", "a"}, {"alpha", "x"}} {
		ctx.In(scopeAndName[0]).VariableWithValue(scopeAndName[1], tensors.Zeros(1))
	}
	var names []string
	for v := range ctx.IterVariables() {
		names = append(names, v.ScopeAndName())
	}
	assert.Equal(t, []string{"/alpha/x", "/alpha/y", "/zeta/a", "/zeta/b"}, names)
}

func TestLoader(t *testing.T) {
	ctx := context.New()
	loaded := tensors.FromFlatDataAndDimensions([]float64{5, 6}, 2)
	ctx.SetLoader(mapLoader{"/model/v": loaded, "/model/v2": loaded})
	v := ctx.In("model").VariableWithShape("v", shapes.Make(2), context.OneInitializer)
	assert.Equal(t, []float64{5, 6}, v.Value().Flat())
	u := ctx.In("model").VariableWithShape("u", shapes.Make(2), context.OneInitializer)
	assert.Equal(t, []float64{1, 1}, u.Value().Flat())
	assert.Panics(t, func() { ctx.In("model").VariableWithShape("v2", shapes.Make(3), nil) })
}

func TestRNGDeterminism(t *testing.T) {
	newValues := func() []float64 {
		ctx := context.New()
		ctx.SetParam(context.ParamInitialSeed, 7)
		return ctx.VariableWithShape("w", shapes.Make(4, 2, 3, 3), context.HeNormalInitializer()).Value().Flat()
	}
	v0, v1 := newValues(), newValues()
	assert.Equal(t, v0, v1)

	ctx := context.New()
	ctx.RNGFromSeed(1)
	u := ctx.VariableWithShape("u", shapes.Make(100), context.UniformInitializer(-1, 1)).Value().Flat()
	for _, x := range u {
		assert.True(t, x >= -1 && x < 1)
	}
}
