// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestTensorToFromImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := range 3 {
		for x := range 4 {
			v := uint8(x*60 + y)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	gray := ToTensor().Single(img)
	require.NoError(t, gray.Shape().CheckDims(1, 3, 4))
	require.InDelta(t, -1.0, gray.At(0, 0, 0), 1e-9)

	back := ToImage().Single(gray)
	require.Equal(t, img.Bounds(), back.Bounds())
	for y := range 3 {
		for x := range 4 {
			r0, _, _, _ := img.At(x, y).RGBA()
			r1, _, _, _ := back.At(x, y).RGBA()
			require.Equal(t, r0>>8, r1>>8, "pixel (%d, %d)", x, y)
		}
	}

	rgb := ToTensor().RGB().Range(0, 1).Single(img)
	require.NoError(t, rgb.Shape().CheckDims(3, 3, 4))
	require.InDelta(t, 180.0/255.0, rgb.At(2, 0, 3), 1e-9)

	resized := ToTensor().Resize(2, 0).Batch([]image.Image{img, img})
	require.NoError(t, resized.Shape().CheckDims(2, 1, -1, 2))
	require.Len(t, ToImage().Batch(resized), 2)
}

func TestToImageClips(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float64{-5, 5}, 1, 1, 2)
	img := ToImage().Single(x)
	r, _, _, _ := img.At(0, 0).RGBA()
	require.Equal(t, uint32(0), r>>8)
	r, _, _, _ = img.At(1, 0).RGBA()
	require.Equal(t, uint32(255), r>>8)
	require.Panics(t, func() { _ = ToImage().Single(tensors.Zeros(2, 2, 2)) })
}

func TestGrid(t *testing.T) {
	a := tensors.FromScalarAndDimensions(1, 1, 2, 2)
	b := tensors.FromScalarAndDimensions(-1, 1, 2, 2)
	grid, err := Grid([][]*tensors.Tensor{{a, b}, {b}}, 0)
	require.NoError(t, err)
	require.NoError(t, grid.Shape().CheckDims(1, 4, 4))
	require.Equal(t, []float64{
		1, 1, -1, -1,
		1, 1, -1, -1,
		-1, -1, 0, 0,
		-1, -1, 0, 0,
	}, grid.Flat())

	_, err = Grid([][]*tensors.Tensor{{a, tensors.Zeros(1, 3, 2)}}, 0)
	require.Error(t, err)
	_, err = Grid(nil, 0)
	require.Error(t, err)
}
