// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"cmp"
	"io"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok. Hooks with the same priority run in the order they were added.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics []float64) error

// OnEpochEndFn is the type of OnEpochEnd hooks. meanLoss is the average batch loss of the epoch.
type OnEpochEndFn func(loop *Loop, epoch int, meanLoss float64) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []float64) error

// Loop runs the training of a denoiser: it calls Trainer.TrainStep for each batch yielded by the
// dataset, and the registered hooks around it.
//
// Checkpointing, plotting, progress reporting and monitoring of the sampled examples are all
// attached as hooks, see OnStep and the callbacks in this package (EveryNSteps, PeriodicCallback, ...).
//
// The public attributes are meant for reading only.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed.
	// It is initialized with the current context's `GlobalStep`, which will be 0 for a new context.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed, or -1 if not known yet: when running
	// epochs it is extrapolated after the first epoch.
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// EpochLosses holds the average batch loss of each epoch completed by Loop.RunEpochs.
	EpochLosses []float64

	// TrainStepDurations of the current run.
	TrainStepDurations []time.Duration

	onStart    hooks[OnStartFn]
	onStep     hooks[OnStepFn]
	onEpochEnd hooks[OnEpochEndFn]
	onEnd      hooks[OnEndFn]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:  trainer,
		LoopStep: int(trainer.GlobalStep()),
	}
}

// TrainerAbsoluteScope is the scope where the trainer keeps its own variables.
const TrainerAbsoluteScope = context.RootScope + "trainer"

// TargetStepVarName is the name of the variable, in TrainerAbsoluteScope, holding the global step at which
// the current training run is expected to end. It is -1 while unknown, during the first epoch of RunEpochs.
//
// It is saved with the checkpoints, so tools can tell how far a run has progressed.
const TargetStepVarName = "target_global_step"

// TargetStepVar returns the variable holding the target global step, creating it if needed.
func TargetStepVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(TrainerAbsoluteScope).
		VariableWithValue(TargetStepVarName, tensors.FromScalarAndDimensions(-1)).
		SetTrainable(false)
}

// setEndStep updates EndStep and the TargetStepVar.
func (loop *Loop) setEndStep(endStep int) error {
	loop.EndStep = endStep
	return exceptions.TryCatch[error](func() {
		TargetStepVar(loop.Trainer.Context()).Value().Set(float64(endStep))
	})
}

// trainBatch runs one TrainStep on the batch and then the OnStep hooks.
// A non-finite loss interrupts the training.
func (loop *Loop) trainBatch(spec any, inputs, labels []*tensors.Tensor) ([]float64, error) {
	begin := time.Now()
	metrics, err := loop.Trainer.TrainStep(spec, inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(begin))
	if err != nil {
		return nil, err
	}
	for _, h := range loop.onStep {
		if err := h.fn(loop, metrics); err != nil {
			return nil, errors.WithMessagef(err, "OnStep hook %q", h.name)
		}
	}
	if loss := metrics[0]; math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, errors.Errorf("batch loss is %g at step %d, training interrupted", loss, loop.LoopStep)
	}
	return metrics, nil
}

// begin resets the state of a run and calls the OnStart hooks.
func (loop *Loop) begin(ds Dataset, endStep int) error {
	if err := loop.Trainer.ResetTrainMetrics(); err != nil {
		return err
	}
	loop.StartStep = loop.LoopStep
	loop.TrainStepDurations = nil
	if err := loop.setEndStep(endStep); err != nil {
		return err
	}
	for _, h := range loop.onStart {
		if err := h.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart hook %q", h.name)
		}
	}
	return nil
}

// finish calls the OnEnd hooks.
func (loop *Loop) finish(metrics []float64) error {
	for _, h := range loop.onEnd {
		if err := h.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd hook %q at step %d", h.name, loop.LoopStep)
		}
	}
	return nil
}

// RunToGlobalStep trains until the global step reaches targetGlobalStep.
// It does nothing, and returns nil metrics, if the target was already reached.
func (loop *Loop) RunToGlobalStep(ds Dataset, targetGlobalStep int) ([]float64, error) {
	return loop.RunSteps(ds, targetGlobalStep-int(loop.Trainer.GlobalStep()))
}

// RunSteps trains for the given number of steps, starting from the current LoopStep, so successive calls
// continue where the previous one stopped. The dataset is expected to loop indefinitely.
//
// It returns the metrics of the last training step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (metrics []float64, err error) {
	if steps <= 0 {
		return nil, nil
	}
	if err = loop.begin(ds, loop.LoopStep+steps); err != nil {
		return nil, errors.WithMessagef(err, "RunSteps(%d)", steps)
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return nil, errors.Errorf("RunSteps(%d): dataset %q exhausted after %d steps, use an infinite "+
				"dataset or RunEpochs", steps, ds.Name(), loop.LoopStep-loop.StartStep)
		} else if err != nil {
			return nil, errors.WithMessagef(err, "RunSteps(%d): reading dataset %q", steps, ds.Name())
		}
		if metrics, err = loop.trainBatch(spec, inputs, labels); err != nil {
			return nil, errors.WithMessagef(err, "RunSteps(%d) at step %d", steps, loop.LoopStep)
		}
	}
	if err = loop.finish(metrics); err != nil {
		return nil, errors.WithMessagef(err, "RunSteps(%d)", steps)
	}
	return metrics, nil
}

// RunEpochs trains for the given number of passes over the dataset, which is Reset after each of them.
//
// Epoch holds the epoch being trained. EndStep is -1 during the first epoch, and afterwards it is
// extrapolated from the number of batches per epoch. At the end of each epoch its mean batch loss is
// appended to EpochLosses, and the OnEpochEnd hooks are called.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (metrics []float64, err error) {
	loop.EpochLosses = nil
	if err = loop.begin(ds, -1); err != nil {
		return nil, errors.WithMessagef(err, "RunEpochs(%d)", epochs)
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		numBatches := 0
		var lossSum float64
		for {
			spec, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, errors.WithMessagef(err, "RunEpochs(%d): reading dataset %q in epoch %d",
					epochs, ds.Name(), loop.Epoch)
			}
			if metrics, err = loop.trainBatch(spec, inputs, labels); err != nil {
				return nil, errors.WithMessagef(err, "RunEpochs(%d) at step %d", epochs, loop.LoopStep)
			}
			lossSum += metrics[0]
			numBatches++
			loop.LoopStep++
		}
		ds.Reset()
		if numBatches == 0 {
			return nil, errors.Errorf("RunEpochs(%d): dataset %q yielded no batches in epoch %d",
				epochs, ds.Name(), loop.Epoch)
		}
		if err = loop.setEndStep(loop.LoopStep + numBatches*(epochs-loop.Epoch-1)); err != nil {
			return nil, err
		}
		meanLoss := lossSum / float64(numBatches)
		loop.EpochLosses = append(loop.EpochLosses, meanLoss)
		for _, h := range loop.onEpochEnd {
			if err = h.fn(loop, loop.Epoch, meanLoss); err != nil {
				return nil, errors.WithMessagef(err, "OnEpochEnd hook %q in epoch %d", h.name, loop.Epoch)
			}
		}
	}
	if err = loop.finish(metrics); err != nil {
		return nil, errors.WithMessagef(err, "RunEpochs(%d)", epochs)
	}
	return metrics, nil
}

// MedianTrainStepDuration of the current run, or 1ms if no step was run yet.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	durations := slices.Sorted(slices.Values(loop.TrainStepDurations))
	return durations[len(durations)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.add(name, priority, fn)
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.add(name, priority, fn)
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) called at the end of each
// epoch of Loop.RunEpochs.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.add(name, priority, fn)
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.add(name, priority, fn)
}

type hook[F any] struct {
	name     string
	priority Priority
	fn       F
}

// hooks of one kind, kept sorted by priority.
type hooks[F any] []hook[F]

func (h *hooks[F]) add(name string, priority Priority, fn F) {
	*h = append(*h, hook[F]{name: name, priority: priority, fn: fn})
	slices.SortStableFunc(*h, func(a, b hook[F]) int { return cmp.Compare(a.priority, b.priority) })
}
