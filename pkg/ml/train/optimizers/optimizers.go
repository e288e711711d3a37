// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
package optimizers

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// UpdateVariables applies one training step to the given trainable variables, using the
	// gradients of the loss with respect to each of them (grads[i] is the gradient of vars[i],
	// with the same shape).
	//
	// The ctx holds the hyperparameters used by the optimizer and the non-trainable variables
	// that the optimizer itself may create (e.g.: moments). It also increments the global step.
	UpdateVariables(ctx *context.Context, vars []*context.Variable, grads []*tensors.Tensor) error

	// Clear deletes all temporary variables used by the optimizer.
	// This may be used for a model to be used by inference to save space, or if the training should be reset
	// for some other reason.
	Clear(ctx *context.Context)
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":     func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"adam":    func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamax":  func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
		"adamw":   func(ctx *context.Context) Interface { return Adam().WeightDecay(0.004).FromContext(ctx).Done() },
		"rmsprop": func(ctx *context.Context) Interface { return RMSProp().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "adam", and the valid values are the keys of KnownOptimizers.
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the default value of learning rate.
	// It is used by all optimizers.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient step, after
	// being scaled by the learning rate and the optimizer.
	// Defaults to no clipping, and values are expected to be float64.
	ParamClipStepByValue = "clip_step_by_value"

	// ParamClipNaN will drop any updates with NaNs.
	// The default is false.
	ParamClipNaN = "clip_nan"
)

const (
	// GlobalStepVariableName as stored in context.Context, in the root scope.
	GlobalStepVariableName = "global_step"

	// LearningRateVariableName is the name of the variable holding the current learning rate, under Scope.
	LearningRateVariableName = "learning_rate"

	// Scope reserved for optimizers.
	Scope = "optimizers"
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "adam".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "adam")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		names := slices.Sorted(maps.Keys(KnownOptimizers))
		exceptions.Panicf("Unknown optimizer %q, valid values are %v.", optName, names)
	}
	return optBuilder(ctx)
}

// GetGlobalStepVar returns the global step counter, stored as a scalar in the root scope.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(context.RootScope).
		VariableWithShape(GlobalStepVariableName, shapes.Make(), context.ZeroInitializer).
		SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	return int64(GetGlobalStepVar(ctx).Value().At())
}

// IncrementGlobalStep increments the global step and returns its new value: so the first
// training step returns 1.
func IncrementGlobalStep(ctx *context.Context) int64 {
	v := GetGlobalStepVar(ctx)
	step := v.Value().At() + 1
	v.Value().Set(step)
	return int64(step)
}

// DeleteGlobalStep in case one wants to reset the model state, or hide how many steps were taken.
func DeleteGlobalStep(ctx *context.Context) {
	ctx.DeleteVariable(context.RootScope, GlobalStepVariableName)
}

// LearningRateVar returns the variable holding the current learning rate, creating it with
// the given initial value if it doesn't exist yet. Learning rate schedules update it.
func LearningRateVar(ctx *context.Context, initialValue float64) *context.Variable {
	return ctx.InAbsPath(context.RootScope).In(Scope).
		VariableWithValue(LearningRateVariableName, tensors.FromScalarAndDimensions(initialValue)).
		SetTrainable(false)
}

// clipStep applies ParamClipStepByValue to the step, if configured (clipByValue > 0).
func clipStep(clipByValue, step float64) float64 {
	if clipByValue > 0 {
		return max(-clipByValue, min(clipByValue, step))
	}
	return step
}

// checkGradients validates vars and grads are aligned.
func checkGradients(vars []*context.Variable, grads []*tensors.Tensor) error {
	if len(vars) != len(grads) {
		return errors.Errorf("optimizer got %d variables but %d gradients", len(vars), len(grads))
	}
	for ii, v := range vars {
		if !v.Shape().Equal(grads[ii].Shape()) {
			return errors.Errorf("gradient for variable %q has shape %s, but variable has shape %s",
				v.ScopeAndName(), grads[ii].Shape(), v.Shape())
		}
	}
	return nil
}

// SGDConfig holds the configuration for the plain stochastic gradient descent optimizer.
type SGDConfig struct {
	learningRate float64
	withDecay    bool
}

// StochasticGradientDescent creates an optimizer that performs SGD.
// By default, it looks for the learning rate in the context parameter ParamLearningRate (defaults to 0.1), and
// applies a decay of 1/sqrt(global_step).
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: -1, withDecay: true}
}

// WithDecay enables or disables the 1/sqrt(global_step) decay of the learning rate.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.withDecay = enabled
	return sgd
}

// WithLearningRate sets the learning rate, overriding the context parameter.
func (sgd *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	sgd.learningRate = learningRate
	return sgd
}

// Done returns the configured optimizer.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// UpdateVariables implements optimizers.Interface.
func (sgd *SGDConfig) UpdateVariables(ctx *context.Context, vars []*context.Variable, grads []*tensors.Tensor) error {
	if err := checkGradients(vars, grads); err != nil {
		return err
	}
	lr := sgd.learningRate
	if lr < 0 {
		lr = context.GetParamOr(ctx, ParamLearningRate, 0.1)
	}
	lr = LearningRateVar(ctx, lr).Value().At()
	globalStep := IncrementGlobalStep(ctx)
	if sgd.withDecay {
		lr /= math.Sqrt(float64(globalStep))
	}
	clipNaN := context.GetParamOr(ctx, ParamClipNaN, false)
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	for ii, v := range vars {
		value, grad := v.Value().Flat(), grads[ii].Flat()
		for jj := range value {
			updated := value[jj] - clipStep(clipByValue, lr*grad[jj])
			if clipNaN && math.IsNaN(updated) {
				continue
			}
			value[jj] = updated
		}
	}
	return nil
}

// Clear implements optimizers.Interface.
func (sgd *SGDConfig) Clear(ctx *context.Context) {
	ctx.DeleteVariable(context.JoinScope(context.RootScope, Scope), LearningRateVariableName)
}
