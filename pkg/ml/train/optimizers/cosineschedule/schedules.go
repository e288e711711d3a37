// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate.
// See New for details and example of usage, and original paper description in [1]
//
// [1] https://paperswithcode.com/method/cosine-annealing.
package cosineschedule

import (
	"math"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ParamPeriodSteps enables cosine annealing (cosine schedule) for the learning rate.
	//
	// This parameter defines the number of steps in a cosine annealing period.
	//
	//  * 0: Disables cosine annealing (default).
	//  * Positive value: Sets the period to the specified number of steps.
	//  * Negative value: Sets the period to a fraction of the total training steps.
	//      * -1: Period equals the total number of training steps (common setting).
	//      * -2: Period equals half the total number of training steps, and so on.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamWarmUpSteps is the number of warmup steps: during these initial steps the learning rate
	// linearly increases up to the learning rate defined by ParamLearningRate.
	// Only after the warmup steps the cosine annealing schedule starts.
	// The default is 0, which means no warmup.
	ParamWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamMinLearningRate is the minimum value of the learning rate during the
	// cosine annealing schedule.
	// Defaults to 0.0.
	ParamMinLearningRate = "cosine_schedule_min_learning_rate"
)

const (
	// Scope under the optimizers scope, where the schedule keeps its own step counter.
	Scope = "cosine_schedule"

	// DefaultLastStep is the default value for the last step of the training while one is not yet known.
	DefaultLastStep = 1_000_000_000
)

// Config of the cosine annealing schedule strategy.
// New creates it and once configured, call Config.AttachToLoop.
type Config struct {
	ctx                           *context.Context
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
}

// New creates a configuration to apply a cosine annealing schedule for the learning rate.
// See details https://paperswithcode.com/method/cosine-annealing.
//
// It returns a Config that can be configured. When finished configuring, call
// AttachToLoop and it will update the learning rate variable (see optimizers.LearningRateVar)
// before every training step.
//
// Example with only one cycle over the whole training, and a warmup of 100 steps:
//
//	loop := train.NewLoop(trainer)
//	err := cosineschedule.New(ctx).LearningRate(1e-3).WarmUpSteps(100).PeriodInSteps(-1).AttachToLoop(loop)
//
// Or more simply, pass the hyperparameters in the context (see ParamPeriodSteps, ParamMinLearningRate, and
// ParamWarmUpSteps):
//
//	err := cosineschedule.New(ctx).FromContext().AttachToLoop(loop)
func New(ctx *context.Context) *Config {
	return &Config{ctx: ctx}
}

// FromContext configures the cosine annealing from the context, using the keys
// ParamPeriodSteps, ParamWarmUpSteps, ParamMinLearningRate and optimizers.ParamLearningRate.
func (opt *Config) FromContext() *Config {
	opt.periodNumSteps = context.GetParamOr(opt.ctx, ParamPeriodSteps, 0)
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	opt.minLearningRate = context.GetParamOr(opt.ctx, ParamMinLearningRate, 0.0)
	opt.warmUpSteps = context.GetParamOr(opt.ctx, ParamWarmUpSteps, 0)
	return opt
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps and then is restarted at
// each new period.
//
// It's common to use only one period (so no annealing, just a cosine schedule), in which case
// set to the number of steps that will be used for training, or -1.
//
// If set to 0, the cosine annealing schedule is silently disabled.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the number of steps to linearly increase the learning rate up to the
// learning rate defined by ParamLearningRate.
//
// The default is 0, which means no warmup.
func (opt *Config) WarmUpSteps(warmUpSteps int) *Config {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate at the start of the cosine cycle.
// If not given, it will try to read from the context params (keyed by optimizers.ParamLearningRate).
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// LearningRateAt returns the learning rate for the given (0-based) schedule step. lastStep is the
// total number of training steps, used only if the period is negative: it can be -1 if not yet known.
func (opt *Config) LearningRateAt(step, lastStep int) float64 {
	if step < opt.warmUpSteps {
		return opt.learningRate * float64(step+1) / float64(opt.warmUpSteps)
	}
	cosineStep := float64(step - opt.warmUpSteps)

	// Calculate the fraction of the cycle we are in.
	var cycle float64
	if opt.periodNumSteps > 0 {
		cycle = cosineStep / float64(opt.periodNumSteps)
	} else {
		// The actual period is a fraction of the total number of steps to be trained. Running with
		// Loop.RunEpochs the last step is not known until the end of the first epoch.
		if lastStep < 0 {
			lastStep = DefaultLastStep
		}
		cycle = max(cosineStep/(float64(lastStep)/float64(-opt.periodNumSteps)), 0)
	}
	// A cycle represents the fraction of a half-circle (180 degrees, or pi radians).
	cycle -= math.Floor(cycle) // Take only the fractional part: so always in the range `[0.0, 1.0)`.
	lr := (math.Cos(cycle*math.Pi) + 1) / 2 // From 0.0 to 1.0
	return lr*(opt.learningRate-opt.minLearningRate) + opt.minLearningRate
}

// stepVar is the schedule's own step counter.
func (opt *Config) stepVar() *context.Variable {
	return opt.ctx.InAbsPath(context.RootScope).In(optimizers.Scope).In(Scope).
		VariableWithShape(optimizers.GlobalStepVariableName, shapes.Make(), context.ZeroInitializer).
		SetTrainable(false)
}

// update sets the learning rate variable for the current schedule step.
func (opt *Config) update(loop *train.Loop) {
	step := int(opt.stepVar().Value().At())
	lr := opt.LearningRateAt(step, loop.EndStep)
	optimizers.LearningRateVar(opt.ctx, lr).Value().Set(lr)
}

// AttachToLoop validates the configuration and registers the hooks that update the learning rate before
// each training step. It does nothing if the period is 0.
func (opt *Config) AttachToLoop(loop *train.Loop) error {
	if opt.periodNumSteps == 0 {
		return nil
	}
	if opt.learningRate == 0 {
		opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
		if opt.learningRate == 0 {
			return errors.Errorf("learning rate not configured for cosineschedule.New and also "+
				"not set in the context as parameter %q", optimizers.ParamLearningRate)
		}
	}
	if opt.minLearningRate < 0 || opt.minLearningRate > opt.learningRate {
		return errors.Errorf("cosineschedule: min learning rate %g must be in [0, %g]", opt.minLearningRate, opt.learningRate)
	}
	if opt.warmUpSteps < 0 {
		return errors.Errorf("cosineschedule: warmup steps must be >= 0, got %d", opt.warmUpSteps)
	}
	const priority = -1000 // Run before other hooks.
	loop.OnStart("cosine schedule", priority, func(loop *train.Loop, _ train.Dataset) error {
		opt.update(loop)
		return nil
	})
	loop.OnStep("cosine schedule", priority, func(loop *train.Loop, _ []float64) error {
		v := opt.stepVar()
		v.Value().Set(v.Value().At() + 1)
		opt.update(loop)
		return nil
	})
	return nil
}
