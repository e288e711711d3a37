// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds tools to help run a training loop of the conditional diffusion denoiser.
//
// The Trainer runs one training step at a time: it noises the clean examples with the forward process,
// asks the Model to predict the noise, and updates the model variables with the gradient of the loss.
// The Loop runs the Trainer over a Dataset, calling hooks (progress bar, checkpoints, plots) along the way.
package train

import (
	"io"
	"math/rand/v2"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/losses"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/metrics"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Model is a noise predictor trainable by the Trainer.
//
// Forward and Backward are a pair: Backward computes the gradients for the last call to Forward,
// so a Model is not safe for concurrent training.
type Model interface {
	// TrainableVariables returns the variables updated by the optimizer, in a fixed order.
	TrainableVariables() []*context.Variable

	// Forward predicts the noise of a batch: x is shaped `[batch_size, 2*channels, height, width]` (conditioning
	// concatenated with the diffusion state) and steps holds the diffusion step of each example.
	// It returns the predicted noise shaped `[batch_size, channels, height, width]`.
	Forward(x *tensors.Tensor, steps []int) (*tensors.Tensor, error)

	// Backward returns the gradients of the loss with respect to each of the TrainableVariables, given
	// the gradient of the loss with respect to the output of the last Forward call.
	Backward(gradOutput *tensors.Tensor) ([]*tensors.Tensor, error)
}

// ParamEvalSeed is the context parameter with the random seed used by Trainer.Eval: evaluations
// draw the same steps and noise every time they are called, so they are comparable.
const ParamEvalSeed = "eval_seed"

// Trainer is a helper object to orchestrate a training step and evaluation.
//
// Given the inputs and labels, it samples for each example a random diffusion step and noise,
// builds the noised example with the forward process, and trains the Model to predict that noise
// with the given loss and optimizer.
type Trainer struct {
	ctx       *context.Context
	model     Model
	schedule  *diffusion.Schedule
	lossFn    losses.LossFn
	optimizer optimizers.Interface

	trainMetrics, evalMetrics []metrics.Interface
}

// NewTrainer constructs a trainer that can be used for training or evaluation.
//
// The train metrics always start with the batch loss and its exponential moving average, followed by the
// extra trainMetrics given. The eval metrics always start with the mean loss, followed by the evalMetrics given.
// Extra metrics are updated with the per-example losses.
func NewTrainer(ctx *context.Context, model Model, schedule *diffusion.Schedule, lossFn losses.LossFn,
	optimizer optimizers.Interface, trainMetrics, evalMetrics []metrics.Interface) *Trainer {
	if ctx == nil || model == nil || schedule == nil || lossFn == nil || optimizer == nil {
		exceptions.Panicf("train.NewTrainer requires non-nil context, model, schedule, loss and optimizer")
	}
	r := &Trainer{
		ctx:       ctx,
		model:     model,
		schedule:  schedule,
		lossFn:    lossFn,
		optimizer: optimizer,
	}
	r.trainMetrics = append([]metrics.Interface{
		metrics.NewBatchMetric("Batch Loss", "batch", metrics.LossMetricType, nil),
		metrics.NewExponentialMovingAverageMetric("Moving Average Loss", "~loss", metrics.LossMetricType, nil, 0.01),
	}, trainMetrics...)
	r.evalMetrics = append([]metrics.Interface{
		metrics.NewMeanMetric("Mean Loss", "#loss", metrics.LossMetricType, nil),
	}, evalMetrics...)
	return r
}

// Context used by the trainer.
func (r *Trainer) Context() *context.Context { return r.ctx }

// SetContext changes the context used by the trainer, e.g. after loading a checkpoint into a new one.
func (r *Trainer) SetContext(ctx *context.Context) { r.ctx = ctx }

// Schedule used to noise the examples.
func (r *Trainer) Schedule() *diffusion.Schedule { return r.schedule }

// Model being trained.
func (r *Trainer) Model() Model { return r.model }

// TrainMetrics returns the train metrics, the first one being the batch loss.
func (r *Trainer) TrainMetrics() []metrics.Interface { return r.trainMetrics }

// Metrics is an alias to TrainMetrics.
func (r *Trainer) Metrics() []metrics.Interface { return r.trainMetrics }

// EvalMetrics returns the eval metrics, the first one being the mean loss.
func (r *Trainer) EvalMetrics() []metrics.Interface { return r.evalMetrics }

// GlobalStep returns the number of optimizer updates so far, stored in the context.
func (r *Trainer) GlobalStep() int64 {
	return optimizers.GetGlobalStep(r.ctx)
}

// ResetTrainMetrics resets the state of the train metrics: e.g. the moving average of the loss.
func (r *Trainer) ResetTrainMetrics() error {
	for _, m := range r.trainMetrics {
		m.Reset()
	}
	return nil
}

// batchLosses runs the forward pass of the model on one batch, with the steps and noise drawn from rng,
// and returns the per-example losses and the gradient with respect to the predictions.
func (r *Trainer) batchLosses(rng *rand.Rand, inputs, labels []*tensors.Tensor) (
	perExample []float64, grad *tensors.Tensor, err error) {
	if len(inputs) < 1 || len(labels) < 1 {
		return nil, nil, errors.Errorf("trainer requires one input (conditioning) and one label (clean), got %d inputs and %d labels",
			len(inputs), len(labels))
	}
	cond, clean := inputs[0], labels[0]
	if err = clean.Shape().CheckRank(4); err != nil {
		return nil, nil, errors.WithMessagef(err, "labels must be shaped [batch_size, channels, height, width]")
	}
	if !cond.Shape().Equal(clean.Shape()) {
		return nil, nil, errors.Errorf("conditioning shape %s doesn't match clean shape %s", cond.Shape(), clean.Shape())
	}

	batchSize := clean.Dim(0)
	steps := make([]int, batchSize)
	for ii := range steps {
		steps[ii] = 1 + rng.IntN(r.schedule.NumSteps())
	}
	noise := tensors.ZerosLike(clean)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for ii := range noise.Flat() {
		noise.Flat()[ii] = normal.Rand()
	}
	noisy, err := r.schedule.QSampleBatch(clean, noise, steps)
	if err != nil {
		return nil, nil, err
	}
	x, err := tensors.ConcatChannels(cond, noisy)
	if err != nil {
		return nil, nil, err
	}
	predictedNoise, err := r.model.Forward(x, steps)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "model forward pass")
	}
	return r.lossFn(noise, predictedNoise)
}

// TrainStep runs one step of training on the batch, and returns the values of the TrainMetrics.
// The first metric is the batch loss.
func (r *Trainer) TrainStep(_ any, inputs, labels []*tensors.Tensor) (metricsValues []float64, err error) {
	err = exceptions.TryCatch[error](func() {
		perExample, grad, err := r.batchLosses(r.ctx.RNG(), inputs, labels)
		if err != nil {
			panic(err)
		}
		grads, err := r.model.Backward(grad)
		if err != nil {
			panic(errors.WithMessagef(err, "model backward pass"))
		}
		if err = r.optimizer.UpdateVariables(r.ctx, r.model.TrainableVariables(), grads); err != nil {
			panic(errors.WithMessagef(err, "optimizer update"))
		}
		metricsValues = make([]float64, len(r.trainMetrics))
		for ii, m := range r.trainMetrics {
			metricsValues[ii] = m.Update(perExample)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "TrainStep(global_step=%d)", r.GlobalStep())
	}
	return metricsValues, nil
}

// EvalStep evaluates the loss of one batch, without updating the model, and returns the
// per-example losses. The steps and noise are drawn from rng.
func (r *Trainer) EvalStep(rng *rand.Rand, inputs, labels []*tensors.Tensor) (perExample []float64, err error) {
	var stepErr error
	err = exceptions.TryCatch[error](func() {
		perExample, _, stepErr = r.batchLosses(rng, inputs, labels)
	})
	if err == nil {
		err = stepErr
	}
	return
}

// Eval returns the values of the EvalMetrics over the whole dataset, which is read until io.EOF
// and then reset. The random steps and noise are drawn from ParamEvalSeed, so calling Eval
// twice on the same model returns the same values.
func (r *Trainer) Eval(ds Dataset) (metricsValues []float64, err error) {
	for _, m := range r.evalMetrics {
		m.Reset()
	}
	seed := context.GetParamOr(r.ctx, ParamEvalSeed, int64(42))
	rng := rand.New(context.NewSource(seed))
	start := time.Now()
	defer ds.Reset()
	metricsValues = make([]float64, len(r.evalMetrics))
	count := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Eval(%q): failed reading dataset", ds.Name())
		}
		perExample, err := r.EvalStep(rng, inputs, labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "Eval(%q): batch #%d", ds.Name(), count)
		}
		for ii, m := range r.evalMetrics {
			metricsValues[ii] = m.Update(perExample)
		}
		count++
	}
	if count == 0 {
		return nil, errors.Errorf("Eval(%q): dataset yielded no batches", ds.Name())
	}
	klog.V(1).Infof("evaluated %d batches of %q in %s", count, ds.Name(), time.Since(start))
	return metricsValues, nil
}
