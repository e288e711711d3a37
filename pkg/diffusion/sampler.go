// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/internal/workerspool"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	mlctx "github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// MinDenominator is the lower bound used to clamp 1-β_t and 1-ᾱ_t when used as divisors.
const MinDenominator = 1e-12

// InitPolicy defines the initial state x_T of the reverse process.
type InitPolicy int

const (
	// InitFromCondition starts from a copy of the conditioning input: the noisy signal is taken as the
	// last diffusion state.
	InitFromCondition InitPolicy = iota

	// InitFromNoise starts from pure Gaussian noise, x_T ~ N(0, I).
	InitFromNoise
)

// String implements fmt.Stringer.
func (p InitPolicy) String() string {
	switch p {
	case InitFromCondition:
		return "condition"
	case InitFromNoise:
		return "noise"
	}
	return fmt.Sprintf("InitPolicy(%d)", int(p))
}

// VariancePolicy defines σ_t² of the noise added in each reverse step t > 1.
type VariancePolicy int

const (
	// VariancePosterior uses the posterior variance β̃_t = β_t(1-ᾱ_{t-1})/(1-ᾱ_t).
	VariancePosterior VariancePolicy = iota

	// VarianceBeta uses β_t.
	VarianceBeta
)

// String implements fmt.Stringer.
func (p VariancePolicy) String() string {
	switch p {
	case VariancePosterior:
		return "posterior"
	case VarianceBeta:
		return "beta"
	}
	return fmt.Sprintf("VariancePolicy(%d)", int(p))
}

// ParseInitPolicy converts "condition" or "noise" to an InitPolicy.
func ParseInitPolicy(name string) (InitPolicy, error) {
	for _, p := range []InitPolicy{InitFromCondition, InitFromNoise} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown initial state policy %q, valid values are \"condition\" and \"noise\"", name)
}

// ParseVariancePolicy converts "posterior" or "beta" to a VariancePolicy.
func ParseVariancePolicy(name string) (VariancePolicy, error) {
	for _, p := range []VariancePolicy{VariancePosterior, VarianceBeta} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown variance policy %q, valid values are \"posterior\" and \"beta\"", name)
}

// Context hyperparameters read by Sampler.FromContext.
const (
	// ParamSamplerSeed is the random seed of the sampler. If 0 (the default) the seed is not changed.
	ParamSamplerSeed = "sampler_seed"

	// ParamSamplerInit is the initial state policy, "condition" (default) or "noise".
	ParamSamplerInit = "sampler_init"

	// ParamSamplerVariance is the variance policy, "posterior" (default) or "beta".
	ParamSamplerVariance = "sampler_variance"
)

// Sampler runs the reverse diffusion process: starting from x_T it applies the NumSteps denoising steps
// of the schedule, using a Predictor for the noise.
//
// Create it with NewSampler and configure it with the With* methods before use. After configuration it is
// safe for concurrent use, as long as the Predictor is.
//
// The random noise of a run is fully determined by the seed: calling Sample twice with the same inputs returns
// the same result. Use WithSeed to draw different samples.
type Sampler struct {
	schedule    *Schedule
	predictor   Predictor
	seed        int64
	init        InitPolicy
	variance    VariancePolicy
	parallelism int
}

// NewSampler creates a Sampler with a clock-based seed, InitFromCondition, VariancePosterior and
// parallelism runtime.NumCPU().
func NewSampler(schedule *Schedule, predictor Predictor) *Sampler {
	if schedule == nil || predictor == nil {
		exceptions.Panicf("diffusion.NewSampler requires a non-nil schedule and predictor")
	}
	return &Sampler{
		schedule:    schedule,
		predictor:   predictor,
		seed:        time.Now().UnixNano(),
		init:        InitFromCondition,
		variance:    VariancePosterior,
		parallelism: runtime.NumCPU(),
	}
}

// WithSeed sets the random seed.
func (s *Sampler) WithSeed(seed int64) *Sampler {
	s.seed = seed
	return s
}

// Seed returns the current random seed.
func (s *Sampler) Seed() int64 { return s.seed }

// WithInit sets the initial state policy.
func (s *Sampler) WithInit(policy InitPolicy) *Sampler {
	s.init = policy
	return s
}

// WithVariance sets the noise variance policy of the reverse steps.
func (s *Sampler) WithVariance(policy VariancePolicy) *Sampler {
	s.variance = policy
	return s
}

// WithParallelism sets the number of examples sampled concurrently by SampleBatch.
// 0 runs them sequentially in the calling goroutine, and -1 means unlimited.
func (s *Sampler) WithParallelism(parallelism int) *Sampler {
	s.parallelism = parallelism
	return s
}

// FromContext configures the sampler from the context hyperparameters ParamSamplerSeed, ParamSamplerInit and
// ParamSamplerVariance.
func (s *Sampler) FromContext(ctx *mlctx.Context) (*Sampler, error) {
	if seed := mlctx.GetParamOr(ctx, ParamSamplerSeed, int64(0)); seed != 0 {
		s.seed = seed
	}
	init, err := ParseInitPolicy(mlctx.GetParamOr(ctx, ParamSamplerInit, s.init.String()))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid %s", ParamSamplerInit)
	}
	variance, err := ParseVariancePolicy(mlctx.GetParamOr(ctx, ParamSamplerVariance, s.variance.String()))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid %s", ParamSamplerVariance)
	}
	s.init, s.variance = init, variance
	return s, nil
}

// Schedule used by the sampler.
func (s *Sampler) Schedule() *Schedule { return s.schedule }

// DeriveSeed returns the seed used for the example at the given index of a batch sampled with the given seed.
func DeriveSeed(seed int64, index int) int64 {
	return int64(uint64(seed) + uint64(index+1)*0x9e3779b97f4a7c15)
}

// Sample denoises one conditioning input shaped `[C, H, W]`, and returns x_0.
//
// The context is checked before each step, and if cancelled its error is returned wrapped.
func (s *Sampler) Sample(ctx context.Context, cond *tensors.Tensor) (*tensors.Tensor, error) {
	return s.run(ctx, cond, s.seed, 0, nil)
}

// SampleWithTrajectory is like Sample, but it also returns snapshots of the diffusion state:
// the initial x_T followed by every x_t with t a multiple of every. The last snapshot is x_0.
func (s *Sampler) SampleWithTrajectory(ctx context.Context, cond *tensors.Tensor, every int) (
	x0 *tensors.Tensor, trajectory []*tensors.Tensor, err error) {
	if every <= 0 {
		return nil, nil, errors.Errorf("SampleWithTrajectory: every must be > 0, got %d", every)
	}
	x0, err = s.run(ctx, cond, s.seed, every, func(_ int, x *tensors.Tensor) {
		trajectory = append(trajectory, x.Clone())
	})
	if err != nil {
		return nil, nil, err
	}
	return x0, trajectory, nil
}

// SampleBatch denoises a batch of independent conditioning inputs shaped `[B, C, H, W]`.
//
// Examples are sampled concurrently (see WithParallelism), each with the seed DeriveSeed(seed, index),
// so the results don't depend on the parallelism. If any example fails, the error of the first failing
// example (by index) is returned.
func (s *Sampler) SampleBatch(ctx context.Context, conds *tensors.Tensor) (*tensors.Tensor, error) {
	if err := conds.Shape().CheckRank(4); err != nil {
		return nil, errors.WithMessagef(err, "SampleBatch requires conditioning shaped [B, C, H, W]")
	}
	batchSize := conds.Dim(0)
	outputs := tensors.ZerosLike(conds)
	errs := make([]error, batchSize)
	pool := workerspool.New().SetMaxParallelism(s.parallelism)
	start := time.Now()
	pool.ForEach(batchSize, func(idx int) {
		x0, err := s.run(ctx, conds.Example(idx), DeriveSeed(s.seed, idx), 0, nil)
		if err != nil {
			errs[idx] = errors.WithMessagef(err, "sampling example #%d", idx)
			return
		}
		outputs.SetExample(idx, x0)
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("sampled batch of %d examples (%d steps each) in %s", batchSize, s.schedule.NumSteps(), time.Since(start))
	return outputs, nil
}

// run executes the reverse process. If snapshot is given, it's called with the initial state, and then with each x_t
// with t%every == 0.
func (s *Sampler) run(ctx context.Context, cond *tensors.Tensor, seed int64, every int,
	snapshot func(t int, x *tensors.Tensor)) (*tensors.Tensor, error) {
	if err := cond.Shape().CheckRank(3); err != nil {
		return nil, errors.WithMessagef(err, "conditioning input must be shaped [C, H, W]")
	}
	rng := rand.New(mlctx.NewSource(seed))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}

	numSteps := s.schedule.NumSteps()
	var x *tensors.Tensor
	switch s.init {
	case InitFromNoise:
		x = tensors.ZerosLike(cond)
		fillNormal(x.Flat(), normal)
	default:
		x = cond.Clone()
	}
	if snapshot != nil {
		snapshot(numSteps, x)
	}

	for t := numSteps; t >= 1; t-- {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "diffusion sampling interrupted before step %d", t)
		}
		if err := s.step(x, cond, t, normal); err != nil {
			return nil, err
		}
		if snapshot != nil && (t-1)%every == 0 {
			snapshot(t-1, x)
		}
	}
	return x, nil
}

// step updates x in place from x_t to x_{t-1}.
func (s *Sampler) step(x, cond *tensors.Tensor, t int, normal distuv.Normal) error {
	input, err := tensors.ConcatChannels(cond, x)
	if err != nil {
		return errors.WithMessagef(err, "diffusion step %d", t)
	}
	eps, err := s.predictor.Predict(input, t)
	if err != nil {
		return errors.WithMessagef(err, "diffusion step %d: predictor failed", t)
	}
	if eps == nil {
		return &ShapeMismatchError{Step: t, Expected: x.Shape(), Got: shapes.Shape{}, Description: "predictor returned no noise"}
	}
	if !eps.Shape().Equal(x.Shape()) {
		return &ShapeMismatchError{Step: t, Expected: x.Shape(), Got: eps.Shape(), Description: "predicted noise"}
	}

	beta := s.schedule.Beta(t)
	meanScale := 1 / math.Sqrt(max(1-beta, MinDenominator))
	epsScale := beta / math.Sqrt(max(1-s.schedule.AlphaBar(t), MinDenominator))
	if !isFinite(meanScale) || !isFinite(epsScale) {
		return &NumericInstabilityError{Step: t, Reason: fmt.Sprintf("posterior mean coefficients %g and %g", meanScale, epsScale)}
	}
	var sigma float64
	if t > 1 {
		variance := s.schedule.PosteriorVariance(t)
		if s.variance == VarianceBeta {
			variance = beta
		}
		sigma = math.Sqrt(variance)
	}

	xFlat, epsFlat := x.Flat(), eps.Flat()
	for ii, xt := range xFlat {
		mean := meanScale * (xt - epsScale*epsFlat[ii])
		if !isFinite(mean) {
			return &NumericInstabilityError{Step: t, Reason: fmt.Sprintf("non-finite posterior mean at element %d (x_t=%g, noise=%g)", ii, xt, epsFlat[ii])}
		}
		if t > 1 {
			mean += sigma * normal.Rand()
		}
		xFlat[ii] = mean
	}
	return nil
}

func fillNormal(values []float64, normal distuv.Normal) {
	for ii := range values {
		values[ii] = normal.Rand()
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
