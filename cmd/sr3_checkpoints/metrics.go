// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots/gonumplot"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics labels (short names) with their full description from file %q", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics reports.")
	flagPlot         = flag.String("plot", "",
		"Directory where to save one PNG plot per metric type. Use -metrics_names and -metrics_types to select the metrics.")
)

// metricsFilter selects points by metric name (or short name) and by metric type.
type metricsFilter struct {
	names *regexp.Regexp
	types []string
}

func newMetricsFilter(namesRegexp, typesList string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if namesRegexp != "" {
		var err error
		f.names, err = regexp.Compile(namesRegexp)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid metrics names regular expression %q", namesRegexp)
		}
	}
	if typesList != "" {
		f.types = strings.Split(typesList, ",")
	}
	return f, nil
}

func (f *metricsFilter) match(p plots.Point) bool {
	if f.names != nil && !f.names.MatchString(p.MetricName) && !f.names.MatchString(p.Short) {
		return false
	}
	return len(f.types) == 0 || slices.Contains(f.types, p.MetricType)
}

// loadMetrics loads the points of all checkpoints that match the filter. With more than one checkpoint,
// the metrics names are prefixed with the name of their checkpoint.
func loadMetrics(checkpointPaths, names []string, filter *metricsFilter) (plots.Points, error) {
	allPoints := make(plots.Points)
	for ii, checkpointPath := range checkpointPaths {
		rawPoints, err := plots.LoadPointsFromCheckpoint(checkpointPath)
		if err != nil {
			return nil, err
		}
		points := plots.NewPoints(rawPoints)
		points.Filter(filter.match)
		if len(checkpointPaths) > 1 {
			points.Map(func(p *plots.Point) {
				p.MetricName = names[ii] + ": " + p.MetricName
				p.Short = names[ii] + "/" + p.Short
			})
		}
		allPoints.Add(points)
	}
	return allPoints, nil
}

// Metrics prints and plots the metrics collected during training, as selected by the flags.
func Metrics(checkpointPaths, names []string) {
	filter := must.M1(newMetricsFilter(*flagMetricsNames, *flagMetricsTypes))
	points := must.M1(loadMetrics(checkpointPaths, names, filter))
	if len(points) == 0 {
		klog.Errorf("No metrics found in file %q in paths %v", plots.TrainingPlotFileName, checkpointPaths)
		return
	}
	if *flagMetricsLabels {
		fmt.Println(titleStyle.Render("Metrics Labels"))
		table := newPlainTable(true)
		table.Headers("Short", "MetricName", "MetricType")
		for _, row := range metricsLabels(points) {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}
	if *flagMetrics {
		fmt.Println(titleStyle.Render("Metrics"))
		fmt.Println(points.TableForMetrics())
	}
	if *flagPlot != "" {
		plotter := gonumplot.New()
		for _, p := range points.Extract() {
			plotter.AddPoint(p)
		}
		files := must.M1(plotter.Save(must.M1(fsutil.EnsureDir(*flagPlot))))
		fmt.Printf("Plots saved to %v\n", files)
	}
}

// metricsLabels returns the short name, name and type of each metric, sorted by type and name.
func metricsLabels(points plots.Points) [][]string {
	nameToPoint := make(map[string]plots.Point)
	points.Map(func(p *plots.Point) {
		nameToPoint[p.MetricName] = *p
	})
	rows := make([][]string, 0, len(nameToPoint))
	for _, name := range points.MetricsNames() {
		p := nameToPoint[name]
		rows = append(rows, []string{p.Short, p.MetricName, p.MetricType})
	}
	return rows
}
