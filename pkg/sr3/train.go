// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sr3

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/losses"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers/cosineschedule"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/commandline"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots/gonumplot"
)

// TrainModel with a given config -- it includes the context with hyperparameters.
//
// If checkpointPath is given, training restarts from the last checkpoint saved there, and checkpoints,
// plot points and monitoring samples are saved into it. If evaluateOnEnd is true, a report of the
// evaluation on the train and validation datasets is printed at the end.
//
// It returns the trainer, which holds the context with the trained variables.
func TrainModel(config *Config, checkpointPath string, evaluateOnEnd bool, verbosity int) (*train.Trainer, error) {
	ctx := config.Context

	// Checkpoints saving.
	checkpoint := config.Checkpoint
	if checkpointPath != "" && checkpoint == nil {
		var err error
		checkpoint, err = config.AttachCheckpoint(checkpointPath, false, false)
		if err != nil {
			return nil, err
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	} else if verbosity >= 1 && len(config.ParamsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, config.ParamsSet))
	}

	// Create datasets used for training and evaluation.
	trainInMemoryDS, validationDS, err := config.CreateInMemoryDatasets()
	if err != nil {
		return nil, err
	}
	trainEvalDS := trainInMemoryDS.Copy()
	trainEvalDS.BatchSize(config.EvalBatchSize, false)
	validationDS.BatchSize(config.EvalBatchSize, false)
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 0)
	trainInMemoryDS.WithSeed(context.GetParamOr(ctx, ParamSplitSeed, int64(datasets.DefaultSplitSeed))).Shuffle()
	if numEpochs > 0 {
		trainInMemoryDS.BatchSize(config.BatchSize, false)
	} else {
		trainInMemoryDS.BatchSize(config.BatchSize, true).Infinite(true)
	}
	if verbosity >= 1 {
		fmt.Printf("Datasets:\n\t%s\n\t%s\n", trainInMemoryDS, validationDS)
	}

	// Model and trainer.
	schedule, err := config.Schedule()
	if err != nil {
		return nil, err
	}
	channels := trainInMemoryDS.ExampleShape().Dim(0)
	model, err := config.NewModel(schedule, channels)
	if err != nil {
		return nil, err
	}
	if verbosity >= 1 {
		fmt.Printf("Model: %s, %s parameters\n", model, humanize.Comma(int64(model.NumParameters())))
	}
	optimizer, err := optimizerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	trainer := train.NewTrainer(ctx, model, schedule, losses.MeanAbsoluteError, optimizer, nil, nil)

	// Use a standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if err = cosineschedule.New(ctx).FromContext().AttachToLoop(loop); err != nil {
		return nil, err
	}

	// Checkpoint saving: periodically, and at the end of the loop.
	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, ParamCheckpointFrequency, "1m"))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", ParamCheckpointFrequency)
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100, checkpoint.OnStepFn)
	}

	// Best epoch: its weights are saved as the "best" checkpoint.
	var bestEpoch *train.BestEpochTracker
	if numEpochs > 0 {
		bestEpoch = train.TrackBestEpoch(loop, "best epoch", 100, checkpoint.OnBestEpochFn)
	}

	// Plots: points at exponential steps, saved along the checkpoint (if one is given).
	var plotter *gonumplot.PlotConfig
	if context.GetParamOr(ctx, gonumplot.ParamPlots, false) {
		plotter = gonumplot.New().
			WithCheckpoint(checkpoint).
			WithDatasets(trainEvalDS, validationDS)
	}

	// Denoise a few validation pairs to monitor the training.
	var monitor *SamplesMonitor
	if numSamples := min(context.GetParamOr(ctx, ParamSamplesDuringTraining, 4), validationDS.NumExamples()); numSamples > 0 {
		sampler, err := config.NewSampler(schedule, model)
		if err != nil {
			return nil, err
		}
		if context.GetParamOr(ctx, diffusion.ParamSamplerSeed, int64(0)) == 0 {
			// Fixed noise, so the samples are comparable across steps.
			sampler.WithSeed(1)
		}
		pairs := make([]datasets.Pair, numSamples)
		for ii := range pairs {
			pairs[ii] = validationDS.Pair(ii)
		}
		outputDir := ""
		if checkpoint != nil {
			outputDir = checkpoint.Dir()
		}
		monitor = NewSamplesMonitor(sampler, pairs, outputDir)
	}
	if plotter != nil || monitor != nil {
		samplesFrequency := context.GetParamOr(ctx, ParamSamplesFrequency, 200)
		samplesFrequencyGrowth := context.GetParamOr(ctx, ParamSamplesFrequencyGrowth, 1.2)
		if samplesFrequency <= 0 || !(samplesFrequencyGrowth > 1) {
			return nil, errors.Errorf("%s=%d must be > 0 and %s=%g must be > 1", ParamSamplesFrequency,
				samplesFrequency, ParamSamplesFrequencyGrowth, samplesFrequencyGrowth)
		}
		if plotter != nil {
			plotter.ScheduleExponential(loop, samplesFrequency, samplesFrequencyGrowth)
		}
		if monitor != nil {
			var monitorPlotter plots.Plotter
			if plotter != nil {
				monitorPlotter = plotter
			}
			train.ExponentialCallback(loop, samplesFrequency, samplesFrequencyGrowth, true,
				"Monitor", 10, func(loop *train.Loop, _ []float64) error {
					return monitor.Monitor(loop, monitorPlotter)
				})
		}
	}

	// Loop for given number of epochs or steps.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 && verbosity >= 0 {
		fmt.Printf("Restarting training from global_step=%s\n", humanize.Comma(int64(globalStep)))
	}
	if numEpochs > 0 {
		_, err = loop.RunEpochs(trainInMemoryDS, numEpochs)
	} else if numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0); globalStep < numTrainSteps {
		_, err = loop.RunToGlobalStep(trainInMemoryDS, numTrainSteps)
	} else if verbosity >= 0 {
		fmt.Printf("\t - target %s=%d already reached. To train further, set a number additional "+
			"to current global step.\n", ParamTrainSteps, numTrainSteps)
	}
	if err != nil {
		if loop.LoopStep > loop.StartStep {
			klog.Infof("Debug checkpoint save before failing at loop step %d", loop.LoopStep)
			if errSave := checkpoint.Save(); errSave != nil {
				klog.Errorf("Error while saving checkpoint before failing: %+v", errSave)
			}
		}
		return nil, errors.WithMessage(err, "training failed")
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %s\n", loop.LoopStep,
			commandline.FormatDuration(loop.MedianTrainStepDuration()))
		if bestEpoch != nil && bestEpoch.BestEpoch >= 0 {
			fmt.Printf("\tBest epoch #%d, mean loss %.4g\n", bestEpoch.BestEpoch+1, bestEpoch.BestLoss)
		}
	}

	// Finally, print an evaluation on train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		if err = commandline.ReportEval(trainer, trainEvalDS, validationDS); err != nil {
			return nil, err
		}
	}
	return trainer, nil
}

// optimizerFromContext returns the optimizer configured by optimizers.ParamOptimizer.
func optimizerFromContext(ctx *context.Context) (optimizer optimizers.Interface, err error) {
	name := context.GetParamOr(ctx, optimizers.ParamOptimizer, "adam")
	if _, found := optimizers.KnownOptimizers[name]; !found {
		return nil, errors.Errorf("unknown %s=%q", optimizers.ParamOptimizer, name)
	}
	return optimizers.FromContext(ctx), nil
}
