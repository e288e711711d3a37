// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gaf converts the time series of a CSV file (one per row) to images: Gramian angular summation and
// difference fields (GASF and GADF), Markov transition field (MTF) and spectrogram.
//
// It also plots each series rescaled to [-1, 1] along with the series decoded from its GASF, which
// should be identical.
//
// The spectrogram hyperparameters (stft_window_size, stft_hop, stft_log_scale) and csv_has_header are
// given with -set, see sr3.CreateDefaultContext.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors/images"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/gaf"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/datasets"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/sr3"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/commandline"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/ui/plots/gonumplot"
)

var (
	flagData      = flag.String("data", "", "CSV file with one time series per row.")
	flagOutput    = flag.String("output", "", "Directory where to save the images. Defaults to the directory of -data.")
	flagNum       = flag.Int("num", 1, "Number of series (the first rows) to convert. 0 converts all of them.")
	flagMaxLength = flag.Int("max_length", gaf.MaxLength, "Series are truncated to this length before encoding.")
	flagNumBins   = flag.Int("bins", gaf.DefaultNumBins, "Number of quantile bins of the Markov transition field.")
)

func main() {
	ctx := sr3.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagData == "" {
		klog.Fatal("-data must be given")
	}
	_ = check1(commandline.ParseContextSettings(ctx, *settings))
	config := check1(sr3.NewConfig(ctx, *flagData, nil))
	allSeries := check1(datasets.LoadSeriesCSV(config.DataPath, context.GetParamOr(ctx, sr3.ParamCSVHasHeader, false)))
	if *flagNum > 0 && len(allSeries) > *flagNum {
		allSeries = allSeries[:*flagNum]
	}
	outputDir := *flagOutput
	if outputDir == "" {
		outputDir = filepath.Dir(config.DataPath)
	}
	outputDir = check1(fsutil.EnsureDir(outputDir))

	gasf := gaf.NewEncoder().MaxLength(*flagMaxLength).NumBins(*flagNumBins)
	gadf := gaf.NewEncoder().MaxLength(*flagMaxLength).Method(gaf.Difference)
	stft := config.STFT()
	toImage := images.ToImage()
	save := func(t *tensors.Tensor, toImage *images.ToImageConfig, name string, idx int) {
		filePath := filepath.Join(outputDir, fmt.Sprintf("%s_%04d.png", name, idx))
		check(imaging.Save(toImage.Single(t), filePath))
		info := check1(os.Stat(filePath))
		fmt.Printf("\t%s: %s %s\n", filePath, t.Shape(), humanize.Bytes(uint64(info.Size())))
	}
	for idx, series := range allSeries {
		fmt.Printf("Series #%d, length %d:\n", idx, len(series))
		field := check1(gasf.Encode(series))
		save(field, toImage, "gasf", idx)
		save(check1(gadf.Encode(series)), toImage, "gadf", idx)
		save(check1(gasf.MarkovTransitionField(series)), images.ToImage().Range(0, 1), "mtf", idx)
		if spectrogram, err := stft.Spectrogram(series); err != nil {
			klog.Warningf("series #%d: no spectrogram: %v", idx, err)
		} else {
			save(spectrogram, toImage, "spectrogram", idx)
		}

		// Round trip.
		decoded := check1(gaf.Decode(field))
		rescaled := gaf.Rescale(series[:len(decoded)])
		plotPath := filepath.Join(outputDir, fmt.Sprintf("roundtrip_%04d.png", idx))
		check(gonumplot.SaveSeries(plotPath, fmt.Sprintf("Series #%d", idx), map[string][]float64{
			"rescaled": rescaled,
			"decoded":  decoded,
		}))
		fmt.Printf("\t%s: max round trip error %.3g\n", plotPath, maxAbsDiff(rescaled, decoded))
	}
}

func maxAbsDiff(a, b []float64) float64 {
	var maxDiff float64
	for ii := range a {
		maxDiff = max(maxDiff, abs(a[ii]-b[ii]))
	}
	return maxDiff
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
