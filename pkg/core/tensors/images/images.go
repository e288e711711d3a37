// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images provides several functions to transform images back and
// forth from tensors.
//
// Tensors are laid out channels first, `[channels, height, width]`, and values are mapped
// to the range `[MinValue, MaxValue]`, by default `[-1, 1]` which is what the diffusion models expect.
package images

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
)

// ToTensorConfig holds the configuration returned by the ToTensor function. Once
// configured, use Single or Batch to actually convert.
type ToTensorConfig struct {
	channels         int
	minValue         float64
	maxValue         float64
	width, height    int
	resampleStrategy imaging.ResampleFilter
}

// ToTensor converts an image (or batch) to a tensor.
//
// It returns a configuration object that can be further configured. Once set, use Single or Batch
// methods to convert an image or a batch of images.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{
		channels:         1,
		minValue:         -1,
		maxValue:         1,
		resampleStrategy: imaging.Lanczos,
	}
}

// RGB configures the conversion to keep the 3 color channels. The default is to convert to grayscale,
// with 1 channel.
func (tt *ToTensorConfig) RGB() *ToTensorConfig {
	tt.channels = 3
	return tt
}

// Range sets the values the darkest and brightest pixel are mapped to. Default is `[-1, 1]`.
func (tt *ToTensorConfig) Range(minValue, maxValue float64) *ToTensorConfig {
	tt.minValue, tt.maxValue = minValue, maxValue
	return tt
}

// Resize images to the given size before conversion. If either is 0, the aspect ratio is preserved.
func (tt *ToTensorConfig) Resize(width, height int) *ToTensorConfig {
	tt.width, tt.height = width, height
	return tt
}

// Single converts the given img to a tensor shaped `[channels, height, width]`.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	if tt.width > 0 || tt.height > 0 {
		img = imaging.Resize(img, tt.width, tt.height, tt.resampleStrategy)
	}
	var nrgba *image.NRGBA
	if tt.channels == 1 {
		nrgba = imaging.Grayscale(img)
	} else {
		nrgba = imaging.Clone(img)
	}
	size := nrgba.Bounds().Size()
	t := tensors.Zeros(tt.channels, size.Y, size.X)
	flat := t.Flat()
	planeSize := size.X * size.Y
	scale := (tt.maxValue - tt.minValue) / 255.0
	for y := range size.Y {
		for x := range size.X {
			offset := nrgba.PixOffset(x, y)
			pix := nrgba.Pix[offset : offset+3]
			for c := range tt.channels {
				flat[c*planeSize+y*size.X+x] = tt.minValue + float64(pix[c])*scale
			}
		}
	}
	return t
}

// Batch converts the given images to a tensor shaped `[batch_size, channels, height, width]`.
//
// It panics if the images have different sizes: use Resize to normalize them.
func (tt *ToTensorConfig) Batch(images []image.Image) *tensors.Tensor {
	examples := make([]*tensors.Tensor, len(images))
	for ii, img := range images {
		examples[ii] = tt.Single(img)
	}
	batch, err := tensors.Stack(examples)
	if err != nil {
		exceptions.Panicf("images.ToTensor().Batch(): %v", err)
	}
	return batch
}

// ToImageConfig holds the configuration returned by the ToImage function. Once
// configured, use Single or Batch to actually convert a tensor to image(s).
type ToImageConfig struct {
	minValue, maxValue float64
}

// ToImage returns a configuration that can be used to convert tensors to images.
// Use Single or Batch to convert single images or batch of images at once.
//
// Values outside the range are clipped.
func ToImage() *ToImageConfig {
	return &ToImageConfig{minValue: -1, maxValue: 1}
}

// Range sets the values that map to the darkest and brightest pixel. Default is `[-1, 1]`.
func (ti *ToImageConfig) Range(minValue, maxValue float64) *ToImageConfig {
	ti.minValue, ti.maxValue = minValue, maxValue
	return ti
}

// Single converts the given 3D tensor shaped as `[channels, height, width]` to an image.
// Channels must be 1 (grayscale) or 3 (RGB).
//
// It panics in case of error.
func (ti *ToImageConfig) Single(t *tensors.Tensor) image.Image {
	if t.Rank() != 3 || (t.Dim(0) != 1 && t.Dim(0) != 3) {
		exceptions.Panicf("invalid tensor shape %s for images.ToImage conversion, must be [1|3, height, width]",
			t.Shape())
	}
	channels, height, width := t.Dim(0), t.Dim(1), t.Dim(2)
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	flat := t.Flat()
	planeSize := width * height
	for y := range height {
		for x := range width {
			var rgb [3]uint8
			for c := range 3 {
				srcC := c
				if channels == 1 {
					srcC = 0
				}
				rgb[c] = ti.toUint8(flat[srcC*planeSize+y*width+x])
			}
			img.SetNRGBA(x, y, color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
		}
	}
	return img
}

// Batch converts the given 4D tensor shaped as `[batch_size, channels, height, width]` to images.
func (ti *ToImageConfig) Batch(t *tensors.Tensor) []image.Image {
	if t.Rank() != 4 {
		exceptions.Panicf("invalid tensor shape %s for images.ToImage().Batch conversion, must be rank-4",
			t.Shape())
	}
	images := make([]image.Image, t.Dim(0))
	for ii := range images {
		images[ii] = ti.Single(t.Example(ii))
	}
	return images
}

func (ti *ToImageConfig) toUint8(v float64) uint8 {
	v = (v - ti.minValue) / (ti.maxValue - ti.minValue) * 255.0
	v = math.Round(v)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Grid tiles the images given in rows, each shaped `[channels, height, width]`, into one tensor shaped
// `[channels, len(rows)*height, maxCols*width]`. Missing cells in shorter rows are filled with fill.
//
// All images must have the same shape.
func Grid(rows [][]*tensors.Tensor, fill float64) (*tensors.Tensor, error) {
	var first *tensors.Tensor
	maxCols := 0
	for _, row := range rows {
		maxCols = max(maxCols, len(row))
		if first == nil && len(row) > 0 {
			first = row[0]
		}
	}
	if first == nil {
		return nil, errors.New("images.Grid: no images given")
	}
	if err := first.Shape().CheckRank(3); err != nil {
		return nil, errors.WithMessage(err, "images.Grid requires images shaped [channels, height, width]")
	}
	channels, height, width := first.Dim(0), first.Dim(1), first.Dim(2)
	grid := tensors.FromScalarAndDimensions(fill, channels, len(rows)*height, maxCols*width)
	gridFlat := grid.Flat()
	gridWidth := maxCols * width
	for rowIdx, row := range rows {
		for colIdx, img := range row {
			if err := img.Shape().CheckDims(channels, height, width); err != nil {
				return nil, errors.WithMessagef(err, "images.Grid: image at row %d, column %d", rowIdx, colIdx)
			}
			flat := img.Flat()
			for c := range channels {
				for y := range height {
					src := flat[(c*height+y)*width : (c*height+y+1)*width]
					dst := (c*len(rows)*height+rowIdx*height+y)*gridWidth + colIdx*width
					copy(gridFlat[dst:dst+width], src)
				}
			}
		}
	}
	return grid, nil
}
