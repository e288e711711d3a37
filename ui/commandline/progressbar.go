// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the maximum time between updates of the progress bar.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider progressbar.ThemeUnicode for a prettier version, if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "sr3.ui.commandline.progressBar"

// maxUpdateFrequency is the minimum time between redraws of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

// guessedNumSteps is used for the bar length while the number of steps is not known (the first epoch of
// Loop.RunEpochs).
const guessedNumSteps = 1000

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progress bar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	// plain output is used when not writing to a terminal (e.g. output redirected to a log file):
	// the metrics are appended as a suffix to the progress bar line.
	plain  bool
	suffix string

	// lipgloss-based rich and asynchronous display for terminals.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// Write implements io.Writer, and appends the current suffix with metrics to each write of the
// enclosed progressbar.ProgressBar, so they are written in the same line.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	if _, err = io.WriteString(pBar.out, pBar.suffix); err != nil {
		return 0, err
	}
	return n, nil
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = guessedNumSteps
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	return nil
}

// stepsDescription returns the global step and the end of the loop, humanized.
func stepsDescription(loop *train.Loop) string {
	globalStep := humanize.Comma(loop.Trainer.GlobalStep())
	if loop.EndStep < 0 {
		return fmt.Sprintf("%s (epoch %d)", globalStep, loop.Epoch+1)
	}
	return fmt.Sprintf("%s of %s", globalStep, humanize.Comma(int64(loop.EndStep)))
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	// +1 because the current LoopStep is finished.
	amount := loop.LoopStep + 1 - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	if loop.EndStep >= 0 && loop.EndStep-loop.StartStep != pBar.numSteps {
		// Number of steps became known at the end of the first epoch.
		pBar.numSteps = loop.EndStep - loop.StartStep
		pBar.bar.ChangeMax(pBar.numSteps)
	}

	trainMetrics := loop.Trainer.TrainMetrics()
	if pBar.plain {
		parts := make([]string, 0, len(trainMetrics)+1)
		parts = append(parts, fmt.Sprintf(" [step=%d]", loop.LoopStep))
		for metricIdx, metricObj := range trainMetrics {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", metricObj.ShortName(), metricObj.PrettyPrint(metrics[metricIdx])))
		}
		pBar.suffix = strings.Join(parts, "") + "\n"
		_ = pBar.bar.Add(amount)

	} else {
		// Erases spurious characters from previous prints.
		pBar.suffix = "\033[J"
		update := progressBarUpdate{amount: amount}
		update.rows = append(update.rows,
			[2]string{"Global Step", stepsDescription(loop)},
			[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())})
		for metricIdx, metricObj := range trainMetrics {
			update.rows = append(update.rows, [2]string{metricObj.Name(), metricObj.PrettyPrint(metrics[metricIdx])})
		}
		if numEpochs := len(loop.EpochLosses); numEpochs > 0 {
			update.rows = append(update.rows, [2]string{
				fmt.Sprintf("Epoch #%d mean loss", numEpochs), fmt.Sprintf("%.4g", loop.EpochLosses[numEpochs-1])})
		}
		pBar.updates <- update
	}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		// The loop may be run again: restart the drawing goroutine.
		pBar.startAsyncUpdates()
	}
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// startAsyncUpdates starts the goroutine that draws the updates to the terminal, so training is not
// slowed down by a slow terminal (e.g. over a remote connection).
func (pBar *progressBar) startAsyncUpdates() {
	pBar.updates = make(chan progressBarUpdate, 100)
	pBar.linesPrinted = 0
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		for update := range pBar.updates {
			// Exhaust the updates in the buffer, keeping only the latest metrics.
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-pBar.updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}
			pBar.draw(update, amount)
			time.Sleep(maxUpdateFrequency)
		}
	}()
}

// draw replaces the previously drawn table and progress bar.
func (pBar *progressBar) draw(update progressBarUpdate, amount int) {
	pBar.statsTable.Data(lgtable.NewStringData())
	for _, row := range update.rows {
		pBar.statsTable.Row(row[0], row[1])
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		pBar.statsTable.Row(name, value)
	}
	pBar.termenv.HideCursor()
	if pBar.linesPrinted > 0 {
		pBar.termenv.CursorPrevLine(pBar.linesPrinted)
	}
	rendered := pBar.statsStyle.Render(pBar.statsTable.String())
	_, _ = fmt.Fprintln(pBar.out, rendered)
	_ = pBar.bar.Add(amount)
	_, _ = fmt.Fprintln(pBar.out)
	// Table lines plus the progress bar line.
	pBar.linesPrinted = strings.Count(rendered, "\n") + 2
	pBar.termenv.ShowCursor()
}

// AttachProgressBar creates a command-line progress bar and attaches it to the Loop, so that
// every time the Loop is run, it displays the progression, the train metrics and the mean loss
// of the last finished epoch.
//
// If the standard output is not a terminal, a plain progress bar line is printed on each update instead.
//
// Optionally, one can provide extraMetrics: functions called at every update of the progress bar
// returning a name (title) and a value to include in the print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            os.Stdout,
		plain:          !term.IsTerminal(int(os.Stdout.Fd())),
		extraMetricFns: extraMetrics,
	}
	if !pBar.plain {
		pBar.termenv = termenv.NewOutput(pBar.out)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.startAsyncUpdates()
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during the loop, and at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
