// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for training and sampling from the command line:
// a progress bar, evaluation reports and the parsing of hyperparameters from flags.
package commandline

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
)

// ReportEval prints to the standard output the results of evaluating each of the datasets with trainer.Eval.
func ReportEval(trainer *train.Trainer, datasets ...train.Dataset) error {
	return FReportEval(os.Stdout, trainer, datasets...)
}

// FReportEval is like ReportEval, but writes the report to w. Each dataset is reset after evaluation.
func FReportEval(w io.Writer, trainer *train.Trainer, datasets ...train.Dataset) error {
	for _, ds := range datasets {
		metricsValues, err := trainer.Eval(ds)
		if err != nil {
			return errors.WithMessagef(err, "evaluating %q", ds.Name())
		}
		table := lgtable.New().
			Border(lipgloss.NormalBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		for metricIdx, metric := range trainer.EvalMetrics() {
			table.Row(fmt.Sprintf("%s (%s)", metric.Name(), metric.ShortName()), metric.PrettyPrint(metricsValues[metricIdx]))
		}
		if _, err = fmt.Fprintf(w, "Results on %s:\n%s\n", ds.Name(), table.String()); err != nil {
			return errors.Wrapf(err, "writing report")
		}
		ds.Reset()
	}
	return nil
}
