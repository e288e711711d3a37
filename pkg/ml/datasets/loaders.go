// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/internal/workerspool"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors/images"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
)

// ImageSuffixes are the file suffixes considered images by LoadImages.
var ImageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// LoadImages reads all images in dir (see ImageSuffixes), converts them to grayscale, resizes
// them to size x size and returns them as tensors shaped [1, size, size] with values in [-1, 1].
//
// Images are decoded in parallel. The results are sorted by file name.
func LoadImages(dir string, size int) ([]*tensors.Tensor, error) {
	if size <= 0 {
		return nil, errors.Errorf("datasets.LoadImages(%q): invalid size %d", dir, size)
	}
	files, err := fsutil.ListFiles(dir, ImageSuffixes...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("datasets.LoadImages(%q): no image files found", dir)
	}
	toTensor := images.ToTensor().Resize(size, size)
	results := make([]*tensors.Tensor, len(files))
	errs := make([]error, len(files))
	workerspool.New().ForEach(len(files), func(ii int) {
		img, err := imaging.Open(files[ii])
		if err != nil {
			errs[ii] = errors.Wrapf(err, "failed to read image %q", files[ii])
			return
		}
		results[ii] = toTensor.Single(img)
	})
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("loaded %d images from %q", len(results), dir)
	return results, nil
}

// LoadSeriesCSV reads a CSV file of numeric values, where each row is one time series. All rows have
// the same length (the number of columns). If hasHeader is true, the first line is skipped.
//
// It returns an error if any value is missing or not a number.
func LoadSeriesCSV(filePath string, hasHeader bool) ([][]float64, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(hasHeader),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse CSV %q", filePath)
	}
	numRows, numCols := df.Dims()
	if numRows == 0 || numCols == 0 {
		return nil, errors.Errorf("CSV %q has no data", filePath)
	}
	allSeries := make([][]float64, numRows)
	for row := range numRows {
		allSeries[row] = make([]float64, numCols)
	}
	for col := range numCols {
		values := df.Col(df.Names()[col]).Float()
		for row, v := range values {
			if math.IsNaN(v) {
				return nil, errors.Errorf("CSV %q: invalid or missing value in row %d, column %d", filePath, row, col)
			}
			allSeries[row][col] = v
		}
	}
	return allSeries, nil
}
