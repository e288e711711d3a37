// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// channelsAxis returns the channels axis of an image tensor: 0 for `[C,H,W]` and 1 for `[B,C,H,W]`.
func channelsAxis(t *Tensor) (int, error) {
	switch t.Rank() {
	case 3:
		return 0, nil
	case 4:
		return 1, nil
	default:
		return 0, errors.Errorf("image tensor must be rank-3 [C,H,W] or rank-4 [B,C,H,W], got shape %s", t.shape)
	}
}

// ConcatChannels concatenates the tensors along the channels axis. They must all be either
// `[C_i,H,W]` or `[B,C_i,H,W]`, with matching batch and spatial dimensions.
func ConcatChannels(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("ConcatChannels requires at least one tensor")
	}
	axis, err := channelsAxis(parts[0])
	if err != nil {
		return nil, err
	}
	dims := parts[0].shape.Clone().Dimensions
	totalChannels := 0
	for ii, part := range parts {
		if part.Rank() != len(dims) {
			return nil, errors.Errorf("ConcatChannels: tensor #%d has shape %s, incompatible with %s",
				ii, part.shape, parts[0].shape)
		}
		for a, dim := range part.shape.Dimensions {
			if a != axis && dim != dims[a] {
				return nil, errors.Errorf("ConcatChannels: tensor #%d has shape %s, incompatible with %s",
					ii, part.shape, parts[0].shape)
			}
		}
		totalChannels += part.shape.Dimensions[axis]
	}
	dims[axis] = totalChannels
	output := Zeros(dims...)

	// Each "outer" slice (1 for [C,H,W], B for [B,C,H,W]) is the concatenation of the contiguous
	// channel blocks of each part.
	numOuter := 1
	if axis == 1 {
		numOuter = dims[0]
	}
	pos := 0
	for outer := range numOuter {
		for _, part := range parts {
			blockSize := part.Size() / numOuter
			copy(output.flat[pos:pos+blockSize], part.flat[outer*blockSize:(outer+1)*blockSize])
			pos += blockSize
		}
	}
	return output, nil
}

// SplitChannels splits an image tensor (`[C,H,W]` or `[B,C,H,W]`) into contiguous groups of channels
// with the given sizes, which must sum up to the number of channels.
func SplitChannels(t *Tensor, sizes ...int) ([]*Tensor, error) {
	axis, err := channelsAxis(t)
	if err != nil {
		return nil, err
	}
	channels := t.shape.Dimensions[axis]
	sum := 0
	for _, s := range sizes {
		if s <= 0 {
			return nil, errors.Errorf("SplitChannels(%v): sizes must be positive", sizes)
		}
		sum += s
	}
	if sum != channels {
		return nil, errors.Errorf("SplitChannels(%v): sizes sum to %d, but tensor %s has %d channels",
			sizes, sum, t.shape, channels)
	}
	numOuter := 1
	if axis == 1 {
		numOuter = t.shape.Dimensions[0]
	}
	channelSize := t.Size() / numOuter / channels
	parts := make([]*Tensor, len(sizes))
	for ii, s := range sizes {
		dims := t.shape.Clone().Dimensions
		dims[axis] = s
		parts[ii] = Zeros(dims...)
	}
	pos := 0
	for outer := range numOuter {
		for ii, s := range sizes {
			blockSize := s * channelSize
			copy(parts[ii].flat[outer*blockSize:(outer+1)*blockSize], t.flat[pos:pos+blockSize])
			pos += blockSize
		}
	}
	return parts, nil
}

// Stack creates a batch tensor `[B, ...]` out of the given examples, which must all have the same shape.
func Stack(examples []*Tensor) (*Tensor, error) {
	if len(examples) == 0 {
		return nil, errors.New("Stack requires at least one example")
	}
	shape := examples[0].shape
	dims := append([]int{len(examples)}, shape.Dimensions...)
	output := Zeros(dims...)
	exampleSize := shape.Size()
	for ii, example := range examples {
		if !example.shape.Equal(shape) {
			return nil, errors.Errorf("Stack: example #%d has shape %s, but example #0 has shape %s",
				ii, example.shape, shape)
		}
		copy(output.flat[ii*exampleSize:], example.flat)
	}
	return output, nil
}

// Example returns a copy of the idx-th example of a batch tensor `[B, ...]`.
func (t *Tensor) Example(idx int) *Tensor {
	if t.Rank() < 1 {
		exceptions.Panicf("Tensor.Example(%d) on a scalar tensor", idx)
	}
	batchSize := t.shape.Dimensions[0]
	if idx < 0 || idx >= batchSize {
		exceptions.Panicf("Tensor.Example(%d) out-of-bounds for batch size %d", idx, batchSize)
	}
	example := Zeros(t.shape.Dimensions[1:]...)
	exampleSize := example.Size()
	copy(example.flat, t.flat[idx*exampleSize:(idx+1)*exampleSize])
	return example
}

// SetExample copies example into the idx-th position of a batch tensor `[B, ...]`.
func (t *Tensor) SetExample(idx int, example *Tensor) {
	if err := example.shape.CheckDims(t.shape.Dimensions[1:]...); err != nil {
		exceptions.Panicf("Tensor.SetExample(%d): %v", idx, err)
	}
	exampleSize := example.Size()
	copy(t.flat[idx*exampleSize:(idx+1)*exampleSize], example.flat)
}

// Map returns a new tensor with fn applied to each element.
func (t *Tensor) Map(fn func(v float64) float64) *Tensor {
	output := ZerosLike(t)
	for ii, v := range t.flat {
		output.flat[ii] = fn(v)
	}
	return output
}

// Mean returns the average of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.flat) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.flat {
		sum += v
	}
	return sum / float64(len(t.flat))
}
