// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of checkpoints to disk.
//
// A checkpoint directory holds:
//
//   - "params.json": the hyperparameters of the context, the run ID and the storage used for the weights.
//     It is rewritten at every save.
//   - "checkpoint-<global_step>.bin.gz": gzip compressed gob encoded variables at a given global step.
//     Only the last N (see Config.Keep) are kept.
//   - "best.bin.gz": optional, the variables saved with Handler.SaveBest, never deleted automatically.
//
// Example: After creating the Context, it checks if a checkpoint directory was set (`*flagCheckpoint`)
// and if yes, creates a checkpoints.Handler to save checkpoints every 100 steps, keeping the last
// `*flagCheckpointKeep` steps.
//
//	ctx := context.New()
//	ctx.SetParam(optimizers.ParamLearningRate, *flagLearningRate)
//
//	var checkpoint *checkpoints.Handler
//	if *flagCheckpoint != "" {
//		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(*flagCheckpointKeep).Done())
//	}
//	…
//	loop := train.NewLoop(trainer)
//	commandline.AttachProgressBar(loop)
//	if checkpoint != nil {
//		const priority = 100  // Large number here, means it runs last.
//		train.EveryNSteps(loop, 100, "checkpointing", priority, checkpoint.OnStepFn)
//	}
package checkpoints

import (
	"compress/gzip"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train/optimizers"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
)

const (
	// ParamsFileName holds the context parameters of the checkpoints in a directory.
	ParamsFileName = "params.json"

	// BestFileName holds the variables saved by Handler.SaveBest.
	BestFileName = "best" + BinDataSuffix

	// BinDataSuffix for the files holding the variables values.
	BinDataSuffix = ".bin.gz"

	baseNamePrefix = "checkpoint-"

	// ParamBestEpochLoss is the context parameter set to the loss of the best epoch saved by OnBestEpochFn.
	ParamBestEpochLoss = "best_epoch_loss"
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	ctx *context.Context

	dir       string
	err       error
	keep      int
	mustLoad  bool
	loadBest  bool
	immediate bool

	includeParams   bool
	paramsToExclude map[string]bool
	storage         tensors.Storage
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// The new checkpoints.Handler will load the latest checkpoint in the directory (see Config.Dir),
// if there is one, otherwise it creates a new directory and can simply be used to save checkpoints.
func Build(ctx *context.Context) *Config {
	return &Config{
		ctx:             ctx,
		keep:            1,
		includeParams:   true,
		paramsToExclude: make(map[string]bool),
		storage:         tensors.StorageFloat64,
	}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the checkpoint does not already exist.
func Load(ctx *context.Context) *Config {
	c := Build(ctx)
	c.mustLoad = true
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
// A "~" prefix is expanded to the user's home directory.
func (c *Config) Dir(dir string) *Config {
	var err error
	c.dir, err = fsutil.EnsureDir(dir)
	if err != nil {
		c.setError(errors.WithMessagef(err, "checkpoints.Config.Dir(%q)", dir))
	}
	return c
}

// Keep configures the number of checkpoints to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Best configures the Handler to load the "best" checkpoint (see Handler.SaveBest) instead of
// the latest one.
func (c *Config) Best() *Config {
	c.loadBest = true
	return c
}

// Immediate forces the loaded variables to be created in the context immediately, as opposed to
// being consumed as the model asks for them.
func (c *Config) Immediate() *Config {
	c.immediate = true
	return c
}

// ExcludeAllParams configures the Handler not to load or save any of the context parameters.
func (c *Config) ExcludeAllParams() *Config {
	c.includeParams = false
	return c
}

// ExcludeParams configures parameters not to be loaded from a checkpoint: either by key, or by the
// scoped key (e.g.: "/denoiser/kernel_size"). Typically used for parameters set from the command line
// that should take precedence over the saved ones.
func (c *Config) ExcludeParams(paramsToExclude ...string) *Config {
	for _, p := range paramsToExclude {
		c.paramsToExclude[p] = true
	}
	return c
}

// Storage configures how the variables values are stored. Loading always accepts any storage.
func (c *Config) Storage(storage tensors.Storage) *Config {
	c.storage = storage
	return c
}

// Done constructs the checkpoints.Handler, loads the latest checkpoint (if any) and attaches
// the Handler to the context as its Loader.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured")
	}
	h := &Handler{config: c, variableValues: make(map[string]*tensors.Tensor)}
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	var toLoad string
	if c.loadBest {
		bestPath := filepath.Join(c.dir, BestFileName)
		found, err := fsutil.FileExists(bestPath)
		if err != nil {
			return nil, err
		}
		if found {
			toLoad = bestPath
		}
	} else if len(checkpoints) > 0 {
		toLoad = checkpoints[len(checkpoints)-1]
	}
	if toLoad == "" && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	if toLoad != "" {
		if err = h.loadParams(); err != nil {
			return nil, err
		}
		if err = h.loadVariables(toLoad); err != nil {
			return nil, err
		}
	}

	// Variables already present in the context are overwritten: e.g.: global_step.
	for v := range c.ctx.IterVariables() {
		value, found := h.variableValues[v.ScopeAndName()]
		if !found {
			continue
		}
		if err := v.SetValue(value); err != nil {
			return nil, errors.WithMessagef(err, "%s: restoring variable", h)
		}
		delete(h.variableValues, v.ScopeAndName())
	}
	h.attachTo(c.ctx)
	if c.immediate {
		for scopeAndName, value := range h.variableValues {
			scope, name := context.SplitScope(scopeAndName)
			c.ctx.InAbsPath(scope).VariableWithValue(name, value)
		}
	}
	return h, nil
}

// Handler handles saving and loading of checkpoints for a context.Context. See an example in the
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading data into Handler happens at its creation time: parameters are immediately set in the
// context, but the loaded variable values are only "consumed" (used) one at a time, as the variables are
// created (e.g., when building the denoiser).
//
// Saving of checkpoints is explicit, by calling Handler.Save(). Usually this is
// done by configuring train.Loop to call it using train.EveryNSteps or train.NTimesDuringLoop.
// All variables in Context are saved, along with any previous variables loaded
// by the Handler that were not used by Context.
type Handler struct {
	config            *Config
	ctx               *context.Context
	prevContextLoader context.Loader

	variableValues map[string]*tensors.Tensor
}

// serializedParams is the contents of the params file.
type serializedParams struct {
	RunID   string
	Storage string
	Params  []serializedParam
}

// serializedParam represents a serialized context parameter.
// It includes the original ValueType, because Json decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert attempts to convert the Value decoded by Json into
// the original ValueType.
//
// E.g.: Json decoder will decode all numbers to float64. So we cast it to the
// given ValueType.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "uint64":
			p.Value = uint64(value)
		case "float32":
			p.Value = float32(value)
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			ints := make([]int, len(value))
			for ii, fAny := range value {
				f, _ := fAny.(float64)
				ints[ii] = int(f)
			}
			p.Value = ints
		case "[]float64":
			floats := make([]float64, len(value))
			for ii, fAny := range value {
				floats[ii], _ = fAny.(float64)
			}
			p.Value = floats
		case "[]string":
			strs := make([]string, len(value))
			for ii, sAny := range value {
				strs[ii], _ = sAny.(string)
			}
			p.Value = strs
		}
	}
}

// String implements Stringer.
func (h *Handler) String() string {
	if h == nil {
		return "checkpoints.Handler(nil)"
	}
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to.
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

var checkpointStepRegex = regexp.MustCompile(`^checkpoint-(\d+)\.bin\.gz$`)

// ListCheckpoints returns the file paths of the checkpoints in the directory, in global step order
// (older first). The "best" checkpoint is not included.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	type stepAndPath struct {
		step int64
		path string
	}
	var found []stepAndPath
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := checkpointStepRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		step, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			continue
		}
		found = append(found, stepAndPath{step, filepath.Join(h.config.dir, entry.Name())})
	}
	slices.SortFunc(found, func(a, b stepAndPath) int { return int(a.step - b.step) })
	checkpoints := make([]string, len(found))
	for ii, f := range found {
		checkpoints[ii] = f.path
	}
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

func (h *Handler) loadParams() error {
	paramsPath := filepath.Join(h.config.dir, ParamsFileName)
	f, err := os.Open(paramsPath)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("%s: no %s found, parameters not restored", h, ParamsFileName)
			return nil
		}
		return errors.Wrapf(err, "%s: failed to open %s", h, paramsPath)
	}
	defer func() { _ = f.Close() }()
	var serialized serializedParams
	if err = json.NewDecoder(f).Decode(&serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to decode %s", h, paramsPath)
	}
	if id, err := uuid.Parse(serialized.RunID); err == nil {
		h.config.ctx.SetRunID(id)
	}
	if !h.config.includeParams {
		return nil
	}
	for _, p := range serialized.Params {
		if h.config.paramsToExclude[p.Key] || h.config.paramsToExclude[context.JoinScope(p.Scope, p.Key)] {
			continue
		}
		p.jsonDecodeTypeConvert()
		h.config.ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
	}
	return nil
}

func (h *Handler) loadVariables(filePath string) error {
	klog.V(1).Infof("loading checkpoint %q", filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, filePath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read gzip header of %s", h, filePath)
	}
	defer func() { _ = gz.Close() }()
	dec := gob.NewDecoder(gz)
	var numVars int
	if err = dec.Decode(&numVars); err != nil {
		return errors.Wrapf(err, "%s: failed to read number of variables in %s", h, filePath)
	}
	for range numVars {
		var scopeAndName string
		if err = dec.Decode(&scopeAndName); err != nil {
			return errors.Wrapf(err, "%s: failed to read variable name in %s", h, filePath)
		}
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return errors.WithMessagef(err, "%s: failed to read variable %q in %s", h, scopeAndName, filePath)
		}
		h.variableValues[scopeAndName] = value
	}
	return nil
}

// attachTo attaches Handler to a context.Context, as its Loader.
func (h *Handler) attachTo(ctx *context.Context) {
	h.ctx = ctx
	h.prevContextLoader = ctx.Loader()
	ctx.SetLoader(h)
}

// LoadVariable implements context.Loader.
// This is called by context.Context when the variable is used for the first time.
func (h *Handler) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	// Priority is based on the installation order: previously configured loaders first.
	if h.prevContextLoader != nil {
		value, found = h.prevContextLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	scopeAndName := context.JoinScope(scope, name)
	value, found = h.variableValues[scopeAndName]
	if found {
		delete(h.variableValues, scopeAndName)
	}
	return
}

// LoadedVariables for inspection: values loaded but not yet consumed by the context.
// The Handler owns the returned map, don't change it.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}

// Save creates a new checkpoint named after the current global step, and saves the context
// parameters. Excess checkpoints are removed afterward (see Config.Keep).
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save() error {
	if h == nil {
		return nil
	}
	globalStep := optimizers.GetGlobalStep(h.ctx)
	filePath := filepath.Join(h.config.dir, fmt.Sprintf("%s%08d%s", baseNamePrefix, globalStep, BinDataSuffix))
	if err := h.saveVariables(filePath); err != nil {
		return err
	}
	if err := h.saveParams(); err != nil {
		return err
	}
	return h.keepNCheckpoints()
}

// SaveBest saves the current variables as the "best" checkpoint, which is never removed automatically.
// It is a no-op if the handler is nil.
func (h *Handler) SaveBest() error {
	if h == nil {
		return nil
	}
	if err := h.saveVariables(filepath.Join(h.config.dir, BestFileName)); err != nil {
		return err
	}
	return h.saveParams()
}

// OnStepFn implements `train.OnStepFn`, and make it convenient to attach to a training loop.
// It simply calls save.
func (h *Handler) OnStepFn(_ *train.Loop, _ []float64) error {
	return h.Save()
}

// OnBestEpochFn implements `train.OnEpochEndFn`, to be used with train.TrackBestEpoch: it saves the
// variables as the best checkpoint, along with the loss.
func (h *Handler) OnBestEpochFn(_ *train.Loop, epoch int, meanLoss float64) error {
	if h == nil {
		return nil
	}
	klog.V(1).Infof("%s: new best epoch %d with loss %g", h, epoch, meanLoss)
	h.ctx.InAbsPath(context.RootScope).SetParam(ParamBestEpochLoss, meanLoss)
	return h.SaveBest()
}

func (h *Handler) saveParams() error {
	serialized := serializedParams{
		RunID:   h.ctx.RunID().String(),
		Storage: h.config.storage.String(),
	}
	if h.config.includeParams {
		h.ctx.EnumerateParams(func(scope, key string, value any) {
			serialized.Params = append(serialized.Params, serializedParam{
				Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}
	paramsPath := filepath.Join(h.config.dir, ParamsFileName)
	f, err := os.Create(paramsPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create %s", h, paramsPath)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&serialized); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to write %s", h, paramsPath)
	}
	return errors.Wrapf(f.Close(), "%s: failed to close %s", h, paramsPath)
}

// saveVariables writes to a temporary file and renames it, so a checkpoint is never left half-written.
func (h *Handler) saveVariables(filePath string) error {
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, tmpPath)
	}
	gz := gzip.NewWriter(f)
	err = h.writeVariables(gz)
	if err == nil {
		err = errors.Wrapf(gz.Close(), "%s: failed to flush %s", h, tmpPath)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "%s: failed to close %s", h, tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "%s: failed to rename checkpoint %s", h, tmpPath)
}

// writeVariables writes the context variables, and the loaded ones not yet consumed.
func (h *Handler) writeVariables(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(h.ctx.NumVariables() + len(h.variableValues)); err != nil {
		return errors.Wrapf(err, "%s: failed to write number of variables", h)
	}
	write := func(scopeAndName string, value *tensors.Tensor) error {
		if err := enc.Encode(scopeAndName); err != nil {
			return errors.Wrapf(err, "%s: failed to write variable name %q", h, scopeAndName)
		}
		return errors.WithMessagef(value.GobSerialize(enc, h.config.storage),
			"%s: failed to write variable %q", h, scopeAndName)
	}
	for v := range h.ctx.IterVariables() {
		if err := write(v.ScopeAndName(), v.Value()); err != nil {
			return err
		}
	}
	for scopeAndName, value := range h.variableValues {
		if err := write(scopeAndName, value); err != nil {
			return err
		}
	}
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, filePath := range list[:len(list)-h.config.keep] {
		if err = os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, filePath)
		}
	}
	return nil
}
