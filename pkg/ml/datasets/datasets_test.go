// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
)

// indexedPairs creates n pairs shaped [1, 2, 2], where clean is filled with the index and noisy with -index.
func indexedPairs(n int) []Pair {
	pairs := make([]Pair, n)
	for ii := range pairs {
		pairs[ii] = Pair{
			Clean: tensors.FromScalarAndDimensions(float64(ii), 1, 2, 2),
			Noisy: tensors.FromScalarAndDimensions(-float64(ii), 1, 2, 2),
		}
	}
	return pairs
}

// readAll reads the dataset until io.EOF, and returns the indices of the examples (recovered from the clean
// values) of each batch.
func readAll(t *testing.T, mds *InMemoryDataset) (batches [][]int) {
	for {
		_, inputs, labels, err := mds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		clean, noisy := labels[0], inputs[0]
		require.Equal(t, 4, clean.Rank())
		var indices []int
		for ii := range clean.Dim(0) {
			idx := clean.At(ii, 0, 0, 0)
			require.Equal(t, -idx, noisy.At(ii, 0, 1, 1), "noisy and clean must come from the same pair")
			indices = append(indices, int(idx))
		}
		batches = append(batches, indices)
	}
}

func TestAddGaussianNoise(t *testing.T) {
	rng := rand.New(context.NewSource(1))
	clean := tensors.FromScalarAndDimensions(0.5, 1, 100, 100)
	noisy := AddGaussianNoise(rng, clean, 0, DefaultNoiseStd)
	assert.Equal(t, 0.5, clean.At(0, 3, 7), "clean must not be modified")
	diffs := make([]float64, noisy.Size())
	for ii, v := range noisy.Flat() {
		diffs[ii] = v - 0.5
	}
	mean, std := stat.MeanStdDev(diffs, nil)
	assert.InDelta(t, 0.0, mean, 0.01)
	assert.InDelta(t, DefaultNoiseStd, std, 0.01)

	// Same seed, same noise.
	pairs1 := MakePairs(rand.New(context.NewSource(7)), []*tensors.Tensor{clean}, 0.2, 0.1)
	pairs2 := MakePairs(rand.New(context.NewSource(7)), []*tensors.Tensor{clean}, 0.2, 0.1)
	assert.True(t, pairs1[0].Noisy.Equal(pairs2[0].Noisy))
	assert.Same(t, clean, pairs1[0].Clean)
}

func TestSplit(t *testing.T) {
	pairs := indexedPairs(100)
	trainPairs, validationPairs, err := Split(pairs, DefaultTestSize, DefaultSplitSeed)
	require.NoError(t, err)
	assert.Len(t, trainPairs, 80)
	assert.Len(t, validationPairs, 20)

	var indices []int
	for _, p := range append(slices.Clone(trainPairs), validationPairs...) {
		indices = append(indices, int(p.Clean.At(0, 0, 0)))
	}
	slices.Sort(indices)
	for ii, idx := range indices {
		require.Equal(t, ii, idx, "split must be a partition of the examples")
	}

	// Deterministic given the seed.
	trainPairs2, _, err := Split(pairs, DefaultTestSize, DefaultSplitSeed)
	require.NoError(t, err)
	for ii := range trainPairs {
		require.Same(t, trainPairs[ii].Clean, trainPairs2[ii].Clean)
	}

	// Rounding up of the validation split.
	trainPairs, validationPairs, err = Split(indexedPairs(3), 0.2, 0)
	require.NoError(t, err)
	assert.Len(t, trainPairs, 2)
	assert.Len(t, validationPairs, 1)

	_, _, err = Split(pairs, 0, 1)
	require.Error(t, err)
	_, _, err = Split(pairs, 1, 1)
	require.Error(t, err)
	_, _, err = Split(indexedPairs(1), 0.5, 1)
	require.Error(t, err)
}

func TestInMemory(t *testing.T) {
	mds, err := InMemory("indexed", indexedPairs(10))
	require.NoError(t, err)
	assert.Equal(t, 10, mds.NumExamples())
	assert.Equal(t, "ind", mds.ShortName())
	assert.Equal(t, []int{1, 2, 2}, mds.ExampleShape().Dimensions)
	assert.Equal(t, uintptr(2*10*4*8), mds.Memory())

	// Sequential, incomplete batches.
	mds.BatchSize(4, false)
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, readAll(t, mds))
	assert.Empty(t, readAll(t, mds), "exhausted dataset must keep returning io.EOF until Reset")
	mds.Reset()
	assert.Len(t, readAll(t, mds), 3)

	// Drop incomplete batch.
	mds.BatchSize(4, true).Reset()
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, readAll(t, mds))

	// Shuffle: every example is seen once per epoch, order changes between epochs.
	mds.BatchSize(10, false).WithSeed(3).Shuffle().Reset()
	epoch1 := readAll(t, mds)
	require.Len(t, epoch1, 1)
	mds.Reset()
	epoch2 := readAll(t, mds)
	require.Len(t, epoch2, 1)
	assert.NotEqual(t, epoch1[0], epoch2[0])
	sorted := slices.Sorted(slices.Values(epoch1[0]))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sorted)

	// Same seed, same shuffle.
	other := mds.Copy().BatchSize(10, false).WithSeed(3).Shuffle()
	other.Reset()
	mds.WithSeed(3).Reset()
	assert.Equal(t, readAll(t, mds), readAll(t, other))

	// Infinite loops over epochs.
	infinite := mds.Copy().BatchSize(3, true).Infinite(true)
	for range 10 {
		_, inputs, _, err := infinite.Yield()
		require.NoError(t, err)
		require.Equal(t, 3, inputs[0].Dim(0))
	}

	// Not batched: examples are yielded unbatched.
	single := mds.Copy()
	_, inputs, labels, err := single.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, inputs[0].Shape().Dimensions)
	assert.Equal(t, 0.0, labels[0].At(0, 0, 0))
	labels[0].Set(100, 0, 0, 0)
	assert.Equal(t, 0.0, mds.Pair(0).Clean.At(0, 0, 0), "yielded tensors must not alias the data")
}

func TestInMemoryErrors(t *testing.T) {
	_, err := InMemory("empty", nil)
	require.Error(t, err)

	pairs := indexedPairs(3)
	pairs[1].Noisy = tensors.Zeros(1, 3, 3)
	_, err = InMemory("mismatch", pairs)
	require.Error(t, err)

	pairs = indexedPairs(3)
	pairs[2].Noisy = nil
	_, err = InMemory("missing", pairs)
	require.Error(t, err)

	_, err = InMemory("rank", []Pair{{Clean: tensors.Zeros(2, 2), Noisy: tensors.Zeros(2, 2)}})
	require.Error(t, err)
}

func TestInMemoryFromDatasetAndTake(t *testing.T) {
	source, err := InMemory("source", indexedPairs(7))
	require.NoError(t, err)
	source.BatchSize(3, false)

	mds, err := InMemoryFromDataset(source)
	require.NoError(t, err)
	assert.Equal(t, 7, mds.NumExamples())
	assert.Equal(t, "sou", mds.ShortName())
	for ii := range 7 {
		assert.Equal(t, float64(ii), mds.Pair(ii).Clean.At(0, 1, 0))
	}

	mds.BatchSize(2, false)
	taken := Take(mds, 2)
	assert.Equal(t, "source [Take 2]", taken.Name())
	count := 0
	for {
		_, _, _, err := taken.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
	taken.Reset()
	_, _, labels, err := taken.Yield()
	require.NoError(t, err)
	assert.Equal(t, 0.0, labels[0].At(0, 0, 0, 0))
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	for ii, gray := range []uint8{0, 255} {
		img := image.NewGray(image.Rect(0, 0, 8, 6))
		for y := range 6 {
			for x := range 8 {
				img.SetGray(x, y, color.Gray{Y: gray})
			}
		}
		require.NoError(t, imaging.Save(img, filepath.Join(dir, []string{"a.png", "b.png"}[ii])))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o644))

	loaded, err := LoadImages(dir, 4)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, []int{1, 4, 4}, loaded[0].Shape().Dimensions)
	assert.InDelta(t, -1.0, loaded[0].At(0, 2, 2), 1e-6)
	assert.InDelta(t, 1.0, loaded[1].At(0, 2, 2), 1e-6)

	_, err = LoadImages(t.TempDir(), 4)
	require.Error(t, err, "no images")
	_, err = LoadImages(dir, 0)
	require.Error(t, err)
}

func TestLoadSeriesCSV(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "series.csv")
	require.NoError(t, os.WriteFile(filePath, []byte("t0,t1,t2\n1,2,3\n4.5,-5,6\n"), 0o644))
	allSeries, err := LoadSeriesCSV(filePath, true)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4.5, -5, 6}}, allSeries)

	require.NoError(t, os.WriteFile(filePath, []byte("1,2\n3,x\n"), 0o644))
	_, err = LoadSeriesCSV(filePath, false)
	require.Error(t, err)

	_, err = LoadSeriesCSV(filepath.Join(dir, "missing.csv"), false)
	require.Error(t, err)
}
