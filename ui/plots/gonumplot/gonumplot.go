// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gonumplot renders training metrics and signals to PNG files using gonum.org/v1/plot.
//
// During training it collects plots.Point on a schedule, saves them asynchronously to the checkpoint
// directory (so a resumed training continues the same curves), and at the end of the loop draws one
// PNG per metric type (e.g. "loss.png"). Example:
//
//	_ = gonumplot.New().
//		WithCheckpoint(checkpoint).
//		WithDatasets(validationDS).
//		ScheduleExponential(loop, 100, 1.2)
package gonumplot

import (
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context/checkpoints"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots"
)

// ParamPlots is the context parameter to enable collecting plot points during training.
// A boolean value that defaults to false.
const ParamPlots = "plots"

// hookName of the loop hooks registered by PlotConfig.
const hookName = "gonumplot.PlotConfig"

var (
	// PlotWidth and PlotHeight of the saved PNG files.
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// PlotConfig collects plot points and saves them as PNG plots. Create it with New.
type PlotConfig struct {
	points plots.Points

	// EvalDatasets evaluated at each collection step.
	EvalDatasets []train.Dataset

	customMetricFn    plots.CustomMetricFn
	lastStepCollected int
	pointsAdded       int
	scheduledOnEnd    bool

	// outputDir where PNG files are saved at the end of training. Empty to not save.
	outputDir string

	// pointsWriter, if not nil, receives the new points to save.
	pointsWriter    chan<- plots.Point
	errPointsWriter <-chan error
}

// New creates a new PlotConfig. See the package documentation for an example.
func New() *PlotConfig {
	return &PlotConfig{
		points:            make(plots.Points),
		lastStepCollected: -1,
	}
}

// WithDatasets configures the datasets to evaluate at each collecting step (see the Schedule* methods).
func (pc *PlotConfig) WithDatasets(datasets ...train.Dataset) *PlotConfig {
	pc.EvalDatasets = datasets
	return pc
}

// WithCustomMetricFn registers the given function to run at every step it collects metrics.
// Only one function can be registered. Set to nil to reset.
func (pc *PlotConfig) WithCustomMetricFn(fn plots.CustomMetricFn) *PlotConfig {
	pc.customMetricFn = fn
	return pc
}

// WithOutputDir sets the directory where the PNG plots are saved at the end of the training loop.
// WithCheckpoint sets it to the checkpoint directory.
func (pc *PlotConfig) WithOutputDir(dir string) *PlotConfig {
	pc.outputDir = dir
	return pc
}

// WithCheckpoint loads previously saved points from the checkpoint directory, and saves new points
// into it (asynchronously), in the file plots.TrainingPlotFileName.
// If checkpoint is nil, it's a no-op.
func (pc *PlotConfig) WithCheckpoint(checkpoint *checkpoints.Handler) *PlotConfig {
	if checkpoint == nil {
		return pc
	}
	dir := checkpoint.Dir()
	if err := pc.LoadCheckpointData(dir); err != nil {
		// Nothing written yet.
		klog.V(1).Infof("no previous plot points loaded: %v", err)
	}
	pc.outputDir = dir
	pc.pointsWriter, pc.errPointsWriter = plots.CreatePointsWriter(filepath.Join(dir, plots.TrainingPlotFileName))
	return pc
}

// ScheduleExponential collection of plot points, starting at startStep and with an increasing step factor
// of stepFactor. Typical values could be 100 and 1.1.
func (pc *PlotConfig) ScheduleExponential(loop *train.Loop, startStep int, stepFactor float64) *PlotConfig {
	train.ExponentialCallback(loop, startStep, stepFactor, true, hookName, 0, pc.addMetrics)
	pc.attachOnEnd(loop)
	return pc
}

// ScheduleNTimes collection of plot points during the loop.
func (pc *PlotConfig) ScheduleNTimes(loop *train.Loop, numPoints int) *PlotConfig {
	train.NTimesDuringLoop(loop, numPoints, hookName, 0, pc.addMetrics)
	pc.attachOnEnd(loop)
	return pc
}

// ScheduleEveryNSteps collection of plot points.
func (pc *PlotConfig) ScheduleEveryNSteps(loop *train.Loop, n int) *PlotConfig {
	train.EveryNSteps(loop, n, hookName, 0, pc.addMetrics)
	pc.attachOnEnd(loop)
	return pc
}

func (pc *PlotConfig) addMetrics(loop *train.Loop, metrics []float64) error {
	// Only once per step, in case it was scheduled more than one way.
	if pc.lastStepCollected >= loop.LoopStep {
		return nil
	}
	pc.lastStepCollected = loop.LoopStep
	if pc.customMetricFn != nil {
		if err := pc.customMetricFn(pc, float64(loop.Trainer.GlobalStep())); err != nil {
			return errors.WithMessagef(err, "gonumplot custom metric failed at step %d", loop.LoopStep)
		}
	}
	return plots.AddTrainAndEvalMetrics(pc, loop, metrics, pc.EvalDatasets)
}

// attachOnEnd saves the plots and stops writing points when the loop finishes.
func (pc *PlotConfig) attachOnEnd(loop *train.Loop) {
	if pc.scheduledOnEnd {
		return
	}
	pc.scheduledOnEnd = true
	loop.OnEnd(hookName, 120, func(_ *train.Loop, _ []float64) error {
		if err := pc.stopWriting(); err != nil {
			return err
		}
		if pc.outputDir == "" {
			return nil
		}
		files, err := pc.Save(pc.outputDir)
		if err != nil {
			return err
		}
		klog.V(1).Infof("saved plots %v", files)
		return nil
	})
}

// stopWriting closes the asynchronous writing of new points, and returns its final error.
func (pc *PlotConfig) stopWriting() error {
	if pc.pointsWriter == nil {
		return nil
	}
	close(pc.pointsWriter)
	pc.pointsWriter = nil
	return errors.WithMessage(<-pc.errPointsWriter, "failed to write plot points")
}

// LoadCheckpointData loads the points saved in a checkpoint directory, or in the given file.
func (pc *PlotConfig) LoadCheckpointData(dataDirOrFile string) error {
	dataDirOrFile, err := fsutil.ReplaceTildeInDir(dataDirOrFile)
	if err != nil {
		return err
	}
	fi, err := os.Stat(dataDirOrFile)
	if err != nil {
		return errors.Wrapf(err, "gonumplot.LoadCheckpointData(%q)", dataDirOrFile)
	}
	var points []plots.Point
	if fi.IsDir() {
		points, err = plots.LoadPointsFromCheckpoint(dataDirOrFile)
	} else {
		points, err = plots.LoadPoints(dataDirOrFile)
	}
	if err != nil {
		return errors.WithMessagef(err, "gonumplot.LoadCheckpointData(%q)", dataDirOrFile)
	}
	// Loaded points are not written back.
	writer := pc.pointsWriter
	pc.pointsWriter = nil
	for _, point := range points {
		pc.AddPoint(point)
	}
	pc.pointsWriter = writer
	pc.pointsAdded += len(plots.NewPoints(points))
	return nil
}

// AddPoint adds one point to the plots. Invalid (NaN or infinite) points are ignored.
// It implements plots.Plotter.
func (pc *PlotConfig) AddPoint(pt plots.Point) {
	if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) || math.IsNaN(pt.Step) || math.IsInf(pt.Step, 0) {
		return
	}
	if pc.pointsWriter != nil {
		pc.pointsWriter <- pt
	}
	pc.points[pt.Step] = append(pc.points[pt.Step], pt)
}

// DynamicSampleDone implements plots.Plotter.
func (pc *PlotConfig) DynamicSampleDone(incomplete bool) {
	if !incomplete {
		pc.pointsAdded++
	}
}

// NumSamples returns the number of complete collection steps, including the ones loaded from a checkpoint.
func (pc *PlotConfig) NumSamples() int {
	return pc.pointsAdded
}

// Points collected so far.
func (pc *PlotConfig) Points() plots.Points {
	return pc.points
}

// Save draws one plot per metric type into dir, named "<metric_type>.png", and returns the files written.
func (pc *PlotConfig) Save(dir string) ([]string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	typeToNames := make(map[string][]string)
	for _, name := range pc.points.MetricsNames() {
		var metricType string
		pc.points.Map(func(p *plots.Point) {
			if p.MetricName == name {
				metricType = p.MetricType
			}
		})
		typeToNames[metricType] = append(typeToNames[metricType], name)
	}
	var files []string
	for _, metricType := range slices.Sorted(maps.Keys(typeToNames)) {
		curves := make(map[string]plotter.XYs)
		for _, name := range typeToNames[metricType] {
			steps, values := pc.points.Series(name)
			curves[name] = toXYs(steps, values)
		}
		fileName := filepath.Join(dir, fileNameFor(metricType))
		if err := SaveLines(fileName, metricType, "global step", metricType, true, curves); err != nil {
			return files, err
		}
		files = append(files, fileName)
	}
	return files, nil
}

// fileNameFor converts a metric type to a PNG file name.
func fileNameFor(metricType string) string {
	if metricType == "" {
		metricType = "metrics"
	}
	return strings.ReplaceAll(strings.ToLower(metricType), " ", "_") + ".png"
}

func toXYs(xs, ys []float64) plotter.XYs {
	xys := make(plotter.XYs, len(xs))
	for ii := range xs {
		xys[ii] = plotter.XY{X: xs[ii], Y: ys[ii]}
	}
	return xys
}

// SaveLines saves a PNG plot with one line per curve, in the order of their names.
// If logY is set and all values are positive, the y-axis uses a log scale.
func SaveLines(filePath, title, xLabel, yLabel string, logY bool, curves map[string]plotter.XYs) error {
	if len(curves) == 0 {
		return errors.Errorf("gonumplot.SaveLines(%q): no curves to plot", filePath)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	allPositive := logY
	for _, xys := range curves {
		for _, xy := range xys {
			allPositive = allPositive && xy.Y > 0
		}
	}
	if allPositive {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	for ii, name := range slices.Sorted(maps.Keys(curves)) {
		line, err := plotter.NewLine(curves[name])
		if err != nil {
			return errors.Wrapf(err, "gonumplot.SaveLines(%q): curve %q", filePath, name)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "gonumplot.SaveLines: failed to save %q", filePath)
	}
	return nil
}

// SaveSeries saves a PNG plot of time series, each indexed by its sample position.
func SaveSeries(filePath, title string, series map[string][]float64) error {
	curves := make(map[string]plotter.XYs, len(series))
	for name, values := range series {
		xs := make([]float64, len(values))
		for ii := range xs {
			xs[ii] = float64(ii)
		}
		curves[name] = toXYs(xs, values)
	}
	return SaveLines(filePath, title, "sample", "value", false, curves)
}
