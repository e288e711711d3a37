// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sr3 trains and runs the conditional diffusion denoiser (SR3 style) on images or on
// spectrograms of time series.
//
// All the configuration is given by context hyperparameters, see CreateDefaultContext. The binaries
// cmd/sr3_train and cmd/sr3_denoise are thin wrappers around TrainModel and Denoiser.
package sr3

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context/checkpoints"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/denoiser"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers/cosineschedule"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/signal"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots/gonumplot"
)

// Kinds of data, see ParamDataKind.
const (
	DataKindImages      = "images"
	DataKindSpectrogram = "spectrogram"
)

// Hyperparameters specific to this package. The model, schedule, sampler and optimizer ones are
// defined in their own packages.
const (
	// ParamDataKind is either DataKindImages (a directory of images) or DataKindSpectrogram
	// (a CSV file with one time series per row).
	ParamDataKind = "data_kind"

	ParamImageSize     = "image_size"
	ParamCSVHasHeader  = "csv_has_header"
	ParamSTFTWindow    = "stft_window_size"
	ParamSTFTHop       = "stft_hop"
	ParamSTFTLogScale  = "stft_log_scale"
	ParamNoiseMean     = "noise_mean"
	ParamNoiseStd      = "noise_std"
	ParamNoiseSeed     = "noise_seed"
	ParamTestSize      = "test_size"
	ParamSplitSeed     = "split_seed"
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"

	// ParamTrainSteps is the target global step, used when ParamNumEpochs is 0.
	ParamTrainSteps = "train_steps"

	// ParamNumEpochs, if > 0, trains for that many epochs, tracking the best epoch.
	ParamNumEpochs = "num_epochs"

	ParamNumCheckpoints      = "num_checkpoints"
	ParamCheckpointFrequency = "checkpoint_frequency"
	ParamCheckpointStorage   = "checkpoint_storage"

	// ParamSamplesDuringTraining is the number of validation examples denoised by the training monitor.
	// Set to 0 to disable it.
	ParamSamplesDuringTraining = "samples_during_training"

	ParamSamplesFrequency       = "samples_during_training_frequency"
	ParamSamplesFrequencyGrowth = "samples_during_training_frequency_growth"
)

// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
// from models checkpoints.
//
// These are appended to the list of settings given in the command line in the flag -set.
var ParamsExcludedFromLoading = []string{
	ParamTrainSteps, ParamNumEpochs, ParamEvalBatchSize, ParamCheckpointFrequency, gonumplot.ParamPlots,
}

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel and Denoiser.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Data.
		ParamDataKind:     DataKindImages,
		ParamImageSize:    32,
		ParamCSVHasHeader: false,
		ParamSTFTWindow:   64,
		ParamSTFTHop:      16,
		ParamSTFTLogScale: true,

		// Degradation of the clean examples, and train/validation split.
		ParamNoiseMean: 0.0,
		ParamNoiseStd:  datasets.DefaultNoiseStd,
		ParamNoiseSeed: int64(1),
		ParamTestSize:  datasets.DefaultTestSize,
		ParamSplitSeed: int64(datasets.DefaultSplitSeed),

		// Training.
		ParamBatchSize:           16,
		ParamEvalBatchSize:       64,
		ParamTrainSteps:          2_000,
		ParamNumEpochs:           0,
		ParamNumCheckpoints:      3,
		ParamCheckpointFrequency: "1m", // See time.ParseDuration.
		ParamCheckpointStorage:   tensors.StorageFloat64.String(),
		context.ParamInitialSeed: int64(0),
		train.ParamEvalSeed:      int64(42),

		ParamSamplesDuringTraining:  4,
		ParamSamplesFrequency:       200,
		ParamSamplesFrequencyGrowth: 1.2,

		// Noise schedule: diffusion_preset, if set to "default" or "spectrogram", overrides the others.
		diffusion.ParamPreset:    "",
		diffusion.ParamBetaStart: diffusion.DefaultScheduleConfig.BetaStart,
		diffusion.ParamBetaEnd:   diffusion.DefaultScheduleConfig.BetaEnd,
		diffusion.ParamNumSteps:  diffusion.DefaultScheduleConfig.NumSteps,
		diffusion.ParamSchedule:  string(diffusion.DefaultScheduleConfig.Kind),

		// Sampler: a seed of 0 draws a new seed from the clock.
		diffusion.ParamSamplerSeed:     int64(0),
		diffusion.ParamSamplerInit:     diffusion.InitFromCondition.String(),
		diffusion.ParamSamplerVariance: diffusion.VariancePosterior.String(),

		// Model.
		denoiser.ParamKernelSize:     3,
		denoiser.ParamHiddenChannels: 16,
		denoiser.ParamActivation:     "relu",

		// Optimizer.
		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamLearningRate:        1e-3,
		optimizers.ParamAdamEpsilon:         1e-8,
		optimizers.ParamAdamWeightDecay:     0.0,
		optimizers.ParamClipNaN:             false,
		optimizers.ParamClipStepByValue:     0.0,
		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0, typically the same value as train_steps.
		cosineschedule.ParamWarmUpSteps:     0,
		cosineschedule.ParamMinLearningRate: 1e-5,

		// "plots" collects training points (saved in the checkpoint directory) and draws them as PNG files.
		gonumplot.ParamPlots: true,
	})
	return ctx
}

// Config holds a configuration for the training and denoising. See NewConfig.
type Config struct {
	Context *context.Context // Usually, at the root scope.

	// DataPath is a directory of images or a CSV file, depending on DataKind.
	DataPath string

	// ParamsSet are hyperparameters overridden, that it should not load from the checkpoint (see commandline.ParseContextSettings).
	ParamsSet []string

	DataKind                            string
	ImageSize, BatchSize, EvalBatchSize int

	// Checkpoint if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a configuration for training or denoising.
//
// paramsSet are hyperparameters overridden, that it should not load from the checkpoint (see commandline.ParseContextSettings).
func NewConfig(ctx *context.Context, dataPath string, paramsSet []string) (*Config, error) {
	var err error
	if dataPath != "" {
		dataPath, err = fsutil.ReplaceTildeInDir(dataPath)
		if err != nil {
			return nil, err
		}
	}
	cfg := &Config{
		Context:   ctx,
		DataPath:  dataPath,
		ParamsSet: paramsSet,
	}
	if err = cfg.readParams(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readParams (re-)reads the configuration from the context: it changes when a checkpoint is loaded.
func (c *Config) readParams() error {
	ctx := c.Context
	c.DataKind = context.GetParamOr(ctx, ParamDataKind, DataKindImages)
	if c.DataKind != DataKindImages && c.DataKind != DataKindSpectrogram {
		return errors.Errorf("invalid %s=%q, valid values are %q and %q", ParamDataKind, c.DataKind,
			DataKindImages, DataKindSpectrogram)
	}
	c.ImageSize = context.GetParamOr(ctx, ParamImageSize, 32)
	c.BatchSize = context.GetParamOr(ctx, ParamBatchSize, 16)
	c.EvalBatchSize = context.GetParamOr(ctx, ParamEvalBatchSize, 64)
	if c.BatchSize <= 0 || c.EvalBatchSize <= 0 {
		return errors.Errorf("%s=%d and %s=%d must be > 0", ParamBatchSize, c.BatchSize,
			ParamEvalBatchSize, c.EvalBatchSize)
	}
	return nil
}

// AttachCheckpoint creates a checkpoint handler for the directory checkpointPath, loading the latest
// checkpoint if there is one. Parameters in ParamsSet and ParamsExcludedFromLoading keep their current values.
//
// If mustLoad is true it fails if there are no checkpoints, and if useBest is true it loads the best
// checkpoint (saved when training with ParamNumEpochs) instead of the latest.
func (c *Config) AttachCheckpoint(checkpointPath string, mustLoad, useBest bool) (*checkpoints.Handler, error) {
	storage, err := tensors.ParseStorage(context.GetParamOr(c.Context, ParamCheckpointStorage, "float64"))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid %s", ParamCheckpointStorage)
	}
	var builder *checkpoints.Config
	if mustLoad {
		builder = checkpoints.Load(c.Context)
	} else {
		builder = checkpoints.Build(c.Context)
	}
	if useBest {
		builder = builder.Best()
	}
	excluded := append(append([]string{}, c.ParamsSet...), ParamsExcludedFromLoading...)
	c.Checkpoint, err = builder.
		Dir(checkpointPath).
		Keep(context.GetParamOr(c.Context, ParamNumCheckpoints, 3)).
		ExcludeParams(excluded...).
		Storage(storage).
		Done()
	if err != nil {
		return nil, err
	}
	if err = c.readParams(); err != nil {
		return nil, errors.WithMessagef(err, "after loading %s", c.Checkpoint)
	}
	return c.Checkpoint, nil
}

// Schedule builds the noise schedule configured in the context.
func (c *Config) Schedule() (*diffusion.Schedule, error) {
	return diffusion.BuildSchedule().FromContext(c.Context).Done()
}

// STFT returns the spectrogram transform configured in the context.
func (c *Config) STFT() *signal.STFT {
	return signal.NewSTFT().
		WindowSize(context.GetParamOr(c.Context, ParamSTFTWindow, 64)).
		Hop(context.GetParamOr(c.Context, ParamSTFTHop, 16)).
		LogScale(context.GetParamOr(c.Context, ParamSTFTLogScale, true)).
		Normalize(true)
}

// LoadClean loads the clean examples from DataPath: grayscale images resized to ImageSize, or the
// spectrograms of the time series, all shaped [1, H, W].
func (c *Config) LoadClean() ([]*tensors.Tensor, error) {
	if c.DataPath == "" {
		return nil, errors.New("no data path given")
	}
	if c.DataKind == DataKindImages {
		return datasets.LoadImages(c.DataPath, c.ImageSize)
	}
	allSeries, err := datasets.LoadSeriesCSV(c.DataPath, context.GetParamOr(c.Context, ParamCSVHasHeader, false))
	if err != nil {
		return nil, err
	}
	stft := c.STFT()
	clean := make([]*tensors.Tensor, len(allSeries))
	for ii, series := range allSeries {
		clean[ii], err = stft.Spectrogram(series)
		if err != nil {
			return nil, errors.WithMessagef(err, "series #%d of %q", ii, c.DataPath)
		}
	}
	klog.V(1).Infof("converted %d series from %q to spectrograms shaped %s", len(clean), c.DataPath, clean[0].Shape())
	return clean, nil
}

// CreatePairs loads the clean examples and degrades them with Gaussian noise, see ParamNoiseMean,
// ParamNoiseStd and ParamNoiseSeed. The same seed always generates the same noisy examples.
func (c *Config) CreatePairs() ([]datasets.Pair, error) {
	clean, err := c.LoadClean()
	if err != nil {
		return nil, err
	}
	rng := rand.New(context.NewSource(context.GetParamOr(c.Context, ParamNoiseSeed, int64(1))))
	return datasets.MakePairs(rng,
		clean,
		context.GetParamOr(c.Context, ParamNoiseMean, 0.0),
		context.GetParamOr(c.Context, ParamNoiseStd, datasets.DefaultNoiseStd)), nil
}

// SplitPairs splits the pairs into train and validation, see ParamTestSize and ParamSplitSeed.
func (c *Config) SplitPairs(pairs []datasets.Pair) (trainPairs, validationPairs []datasets.Pair, err error) {
	return datasets.Split(pairs,
		context.GetParamOr(c.Context, ParamTestSize, datasets.DefaultTestSize),
		context.GetParamOr(c.Context, ParamSplitSeed, int64(datasets.DefaultSplitSeed)))
}

// CreateInMemoryDatasets returns a train and a validation InMemoryDataset, neither batched nor shuffled.
func (c *Config) CreateInMemoryDatasets() (trainDS, validationDS *datasets.InMemoryDataset, err error) {
	pairs, err := c.CreatePairs()
	if err != nil {
		return nil, nil, err
	}
	trainPairs, validationPairs, err := c.SplitPairs(pairs)
	if err != nil {
		return nil, nil, err
	}
	trainDS, err = datasets.InMemory("Train", trainPairs)
	if err != nil {
		return nil, nil, err
	}
	validationDS, err = datasets.InMemory("Validation", validationPairs)
	if err != nil {
		return nil, nil, err
	}
	return trainDS, validationDS, nil
}

// NewModel creates the denoiser for examples with the given number of channels. Its variables are loaded
// from the attached checkpoint, if there is one.
func (c *Config) NewModel(schedule *diffusion.Schedule, channels int) (*denoiser.Conv, error) {
	return denoiser.New(c.Context, schedule, channels)
}

// NewSampler creates the sampler configured in the context for the given model.
func (c *Config) NewSampler(schedule *diffusion.Schedule, model diffusion.Predictor) (*diffusion.Sampler, error) {
	return diffusion.NewSampler(schedule, model).FromContext(c.Context)
}
