// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"fmt"
	"math"
	"strings"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the default scope name for moments used by Adam.
	AdamDefaultScope = "AdamOptimizer"

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface that can be used with the `train.Trainer`.
//
// See [AdamConfig.FromContext] to configure it from the context hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means use the context parameter or the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it: it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
}

// FromContext will configure Adam with hyperparameters set in the given context.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.epsilon = context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon)
	c.weightDecay = context.GetParamOr(ctx, ParamAdamWeightDecay, c.weightDecay)
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	return c
}

// Scope defines the top-level scope to use to store the 1st and 2nd order moments of the gradients.
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate as a fixed value, overriding ParamLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. The default is 1e-7.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for the second moment,
// instead of L2.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// The decay is scaled by the learning rate. The default is 0.0, no weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm, one variable at a time.
type adam struct {
	config *AdamConfig
}

// UpdateVariables implements optimizers.Interface.
func (o *adam) UpdateVariables(ctx *context.Context, vars []*context.Variable, grads []*tensors.Tensor) error {
	if err := checkGradients(vars, grads); err != nil {
		return err
	}
	lr := o.config.learningRate
	if lr < 0 {
		lr = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	lr = LearningRateVar(ctx, lr).Value().At()
	globalStep := float64(IncrementGlobalStep(ctx))
	beta1, beta2 := o.config.beta1, o.config.beta2
	debiasTermBeta1 := 1.0 / (1.0 - math.Pow(beta1, globalStep))
	debiasTermBeta2 := 1.0 / (1.0 - math.Pow(beta2, globalStep))
	clipNaN := context.GetParamOr(ctx, ParamClipNaN, false)
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)

	for ii, v := range vars {
		m1Var, m2Var := o.getMomentVariables(ctx, v)
		var moment1 []float64
		if m1Var != nil {
			moment1 = m1Var.Value().Flat()
		}
		moment2 := m2Var.Value().Flat()
		value, grad := v.Value().Flat(), grads[ii].Flat()
		for jj, g := range grad {
			if clipNaN && math.IsNaN(g) {
				continue
			}
			debiasedMoment1 := g
			if moment1 != nil {
				moment1[jj] = beta1*moment1[jj] + (1-beta1)*g
				debiasedMoment1 = moment1[jj] * debiasTermBeta1
			}
			var denominator float64
			if o.config.adamax {
				moment2[jj] = max(beta2*moment2[jj], math.Abs(g))
				denominator = moment2[jj] + o.config.epsilon
			} else {
				moment2[jj] = beta2*moment2[jj] + (1-beta2)*g*g
				denominator = math.Sqrt(moment2[jj]*debiasTermBeta2) + o.config.epsilon
			}
			step := lr * debiasedMoment1 / denominator
			if o.config.weightDecay > 0 {
				step += lr * o.config.weightDecay * value[jj]
			}
			updated := value[jj] - clipStep(clipByValue, step)
			if clipNaN && math.IsNaN(updated) {
				continue
			}
			value[jj] = updated
		}
	}
	return nil
}

// getMomentVariables returns the moment variables corresponding to the trainable variable given,
// creating them with zeros if they don't exist yet. m1 is nil for RMSProp.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	if trainable.Scope() == context.RootScope {
		scopePath = context.ScopeSeparator + o.config.scopeName
	}
	m1Name := fmt.Sprintf("%s_1st_moment", trainable.Name())
	m2Name := fmt.Sprintf("%s_2nd_moment", trainable.Name())
	ctxMoments := ctx.InAbsPath(scopePath)
	if !o.config.rmsProp {
		m1 = ctxMoments.VariableWithShape(m1Name, trainable.Shape(), context.ZeroInitializer).SetTrainable(false)
	}
	m2 = ctxMoments.VariableWithShape(m2Name, trainable.Shape(), context.ZeroInitializer).SetTrainable(false)
	return
}

// Clear all optimizer variables.
// It implements optimizers.Interface.
func (o *adam) Clear(ctx *context.Context) {
	prefix := context.ScopeSeparator + o.config.scopeName
	var toDelete []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Scope() == prefix || strings.HasPrefix(v.Scope(), prefix+context.ScopeSeparator) {
			toDelete = append(toDelete, v)
		}
	}
	for _, v := range toDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	ctx.DeleteVariable(context.JoinScope(context.RootScope, Scope), LearningRateVariableName)
}
