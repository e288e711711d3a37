// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/train"
)

// InMemoryDataset is a train.Dataset of Pair examples held in memory.
//
// It supports batching, shuffling and looping, and can be duplicated with Copy (only one copy of the
// underlying data is used).
//
// Each Yield returns the noisy tensor as the single input and the clean tensor as the single label.
// If batching, they are shaped [batch_size, C, H, W], otherwise [C, H, W].
type InMemoryDataset struct {
	// name of the dataset.
	name      string
	shortName string

	// pairs holds the data, shared among copies: it is never modified.
	pairs []Pair

	// exampleShape is the shape of each clean and noisy tensor.
	exampleShape shapes.Shape

	// muSampling serializes the sampling information, all the member variables below.
	muSampling sync.Mutex

	// batchSize to yield. If set to 0 yields only one result at a time.
	batchSize int

	// dropIncompleteBatch, when there are not enough remaining examples in the epoch.
	dropIncompleteBatch bool

	// next record to be sampled. If shuffle is given, this is an index in shuffle.
	//
	// If it is set to -1, it means the dataset has been exhausted already.
	next int

	// shuffle holds the current shuffle if Shuffle was selected.
	shuffle []int

	// infinite sets whether to loop indefinitely.
	infinite bool

	// rng used when shuffling, allows for deterministic random datasets.
	rng *rand.Rand
}

// InMemory creates a dataset with the given pairs. All clean and noisy tensors must have the same
// rank-3 shape [C, H, W]. The pairs slice is not copied, and it must not be modified afterward.
//
// Returns a `InMemoryDataset`, that is initially not shuffled and not batched. You can configure how you want to
// use it with the other configuration methods.
func InMemory(name string, pairs []Pair) (*InMemoryDataset, error) {
	if len(pairs) == 0 {
		return nil, errors.Errorf("datasets.InMemory(%q): no examples given", name)
	}
	if pairs[0].Clean == nil {
		return nil, errors.Errorf("datasets.InMemory(%q): example #0 has no clean tensor", name)
	}
	exampleShape := pairs[0].Clean.Shape()
	if err := exampleShape.CheckRank(3); err != nil {
		return nil, errors.WithMessagef(err, "datasets.InMemory(%q): examples must be shaped [channels, height, width]", name)
	}
	for ii, pair := range pairs {
		if pair.Clean == nil || pair.Noisy == nil {
			return nil, errors.Errorf("datasets.InMemory(%q): example #%d is missing its clean or noisy tensor", name, ii)
		}
		if !pair.Clean.Shape().Equal(exampleShape) || !pair.Noisy.Shape().Equal(exampleShape) {
			return nil, errors.Errorf("datasets.InMemory(%q): example #%d has shapes clean=%s, noisy=%s, but example #0 is shaped %s",
				name, ii, pair.Clean.Shape(), pair.Noisy.Shape(), exampleShape)
		}
	}
	mds := &InMemoryDataset{
		pairs:        pairs,
		exampleShape: exampleShape,
		rng:          rand.New(context.NewSource(time.Now().UnixNano())),
	}
	mds.SetName(name)
	return mds, nil
}

// InMemoryFromDataset reads the whole contents of ds into memory. The dataset ds must yield batches
// (inputs[0] noisy, labels[0] clean) shaped [batch_size, C, H, W], as InMemoryDataset does.
func InMemoryFromDataset(ds train.Dataset) (*InMemoryDataset, error) {
	var pairs []Pair
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading dataset %q", ds.Name())
		}
		if len(inputs) < 1 || len(labels) < 1 {
			return nil, errors.Errorf("dataset %q yielded %d inputs and %d labels, wanted the noisy input and clean label",
				ds.Name(), len(inputs), len(labels))
		}
		noisy, clean := inputs[0], labels[0]
		if err = clean.Shape().CheckRank(4); err != nil {
			return nil, errors.WithMessagef(err, "dataset %q must yield batches", ds.Name())
		}
		if !noisy.Shape().Equal(clean.Shape()) {
			return nil, errors.Errorf("dataset %q yielded noisy batch shaped %s and clean batch shaped %s",
				ds.Name(), noisy.Shape(), clean.Shape())
		}
		for ii := range clean.Dim(0) {
			pairs = append(pairs, Pair{Clean: clean.Example(ii), Noisy: noisy.Example(ii)})
		}
	}
	mds, err := InMemory(ds.Name(), pairs)
	if err != nil {
		return nil, err
	}
	mds.shortName = train.ShortName(ds)
	return mds, nil
}

// Memory returns an approximation of the memory being used by the data, in bytes.
func (mds *InMemoryDataset) Memory() uintptr {
	return uintptr(2*len(mds.pairs)*mds.exampleShape.Size()) * 8
}

// NumExamples in the dataset.
func (mds *InMemoryDataset) NumExamples() int {
	return len(mds.pairs)
}

// ExampleShape returns the shape [C, H, W] of the clean and noisy tensors.
func (mds *InMemoryDataset) ExampleShape() shapes.Shape {
	return mds.exampleShape
}

// Pair returns the idx-th example, in the original (not shuffled) order. The tensors are shared, don't modify them.
func (mds *InMemoryDataset) Pair(idx int) Pair {
	return mds.pairs[idx]
}

// Copy returns a copy of the dataset. It uses the same underlying data -- so very little memory is used.
//
// The copy comes configured by default with sequential reading (not shuffled), non-looping, not batched and reset.
func (mds *InMemoryDataset) Copy() *InMemoryDataset {
	return &InMemoryDataset{
		name:         mds.name,
		shortName:    mds.shortName,
		pairs:        mds.pairs,
		exampleShape: mds.exampleShape,
		rng:          rand.New(context.NewSource(time.Now().UnixNano())),
	}
}

// Name implements `train.Dataset`
func (mds *InMemoryDataset) Name() string {
	return mds.name
}

// ShortName implements `train.HasShortName`
func (mds *InMemoryDataset) ShortName() string {
	return mds.shortName
}

// SetName sets the name of the dataset and optionally its ShortName, and returns the updated dataset.
func (mds *InMemoryDataset) SetName(name string, shortName ...string) *InMemoryDataset {
	mds.name = name
	if len(shortName) > 0 {
		mds.shortName = shortName[0]
	} else {
		mds.shortName = name[:min(3, len(name))]
	}
	return mds
}

// String implements fmt.Stringer.
func (mds *InMemoryDataset) String() string {
	return fmt.Sprintf("InMemoryDataset(%q, %d examples shaped %s)", mds.name, len(mds.pairs), mds.exampleShape)
}

// Reset implements `train.Dataset`
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()

	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// indicesNextYield retrieve the indices for the next Yield call.
func (mds *InMemoryDataset) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 {
		return // dataset already exhausted.
	}
	n := mds.batchSize
	if n <= 0 {
		n = 1
	}
	numExamples := len(mds.pairs)
	indices = make([]int, 0, n)
	for mds.next < numExamples && len(indices) < n {
		if len(mds.shuffle) > 0 {
			indices = append(indices, mds.shuffle[mds.next])
		} else {
			indices = append(indices, mds.next)
		}
		mds.next++
	}
	if len(indices) < n && mds.dropIncompleteBatch {
		// Drop the incomplete batch.
		indices = nil
	}
	if mds.next >= numExamples {
		mds.next = -1
	}
	return
}

// Yield implements `train.Dataset`.
//
// Returns next batch's noisy input and clean label, or single example if BatchSize is set to 0.
func (mds *InMemoryDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		if !mds.infinite {
			// Dataset is already exhausted.
			err = io.EOF
			return
		}

		// If looping infinitely, automatically Reset and pull new indices.
		mds.Reset()
		indices = mds.indicesNextYield()
		if len(indices) == 0 {
			klog.Errorf("%s configured for infinite loop, but Reset failed to generate new examples: is the batch size larger than the dataset?", mds)
			err = io.EOF
			return
		}
	}

	spec = mds
	if mds.batchSize == 0 {
		pair := mds.pairs[indices[0]]
		inputs = []*tensors.Tensor{pair.Noisy.Clone()}
		labels = []*tensors.Tensor{pair.Clean.Clone()}
		return
	}
	dims := append([]int{len(indices)}, mds.exampleShape.Dimensions...)
	noisy, clean := tensors.Zeros(dims...), tensors.Zeros(dims...)
	for ii, idx := range indices {
		noisy.SetExample(ii, mds.pairs[idx].Noisy)
		clean.SetExample(ii, mds.pairs[idx].Clean)
	}
	inputs = []*tensors.Tensor{noisy}
	labels = []*tensors.Tensor{clean}
	return
}

// Shuffle configures the InMemoryDataset to shuffle the order of the data.
//
// At each call to Reset() it is reshuffled. It happens automatically if dataset is configured to Loop.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.shuffleLocked()
	return mds
}

// shuffleLocked shuffles dataset yield order. It assumed muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	if mds.shuffle == nil {
		mds.shuffle = make([]int, len(mds.pairs))
	}
	for ii := range mds.shuffle {
		mds.shuffle[ii] = ii
	}
	mds.rng.Shuffle(len(mds.shuffle), func(i, j int) {
		mds.shuffle[i], mds.shuffle[j] = mds.shuffle[j], mds.shuffle[i]
	})
}

// BatchSize configures the InMemoryDataset to return batches of the given size. dropIncompleteBatch is set to true,
// it will simply drop examples if there are not enough to fill a batch -- this can only happen on the last
// batch of an epoch. Otherwise, it will return a partially filled batch.
//
// If `n` is set to 0, it reverts back to yielding one example at a time.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = n
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// WithSeed sets the seed of the random number generator used for shuffling. This allows for repeatable
// deterministic shuffling. The default is to seed with the current nanosecond time.
//
// If dataset is configured with Shuffle, this re-shuffles the dataset immediately.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) WithSeed(seed int64) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rand.New(context.NewSource(seed))
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// Infinite sets whether the dataset should loop indefinitely. The default is `infinite = false`, which
// causes the dataset to going through the data only once before returning io.EOF.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.infinite = infinite
	return mds
}
