// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense row-major multidimensional array of float64.
//
// Tensors are used to hold images and spectrograms shaped `[channels, height, width]`, batches of them
// shaped `[batch_size, channels, height, width]`, and the weights of the models.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions(value float64, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions(data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and sets the flattened values with the given data, converted to float64.
//     Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
// A Tensor is not safe for concurrent mutation. Read-only sharing across goroutines is fine.
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"golang.org/x/exp/constraints"
)

// Tensor is a dense multidimensional array of float64 values, stored in row-major order.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// Number is the set of Go types that can be converted to a Tensor.
type Number interface {
	constraints.Integer | constraints.Float
}

// FromShape returns a zero-initialized Tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]float64, shape.Size()),
	}
}

// Zeros returns a zero-initialized Tensor with the given dimensions.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dimensions...))
}

// ZerosLike returns a zero-initialized Tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return FromShape(t.shape)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values
// given in `data`, converted to float64. The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T Number](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	for ii, v := range data {
		t.flat[ii] = float64(v)
	}
	return t
}

// Shape returns the shape of the tensor. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank returns the number of axes of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Dim returns the dimension of the given axis, see shapes.Shape.Dim.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Flat returns the underlying flat data, in row-major order. Changes to it change the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape: t.shape.Clone(),
		flat:  slices.Clone(t.flat),
	}
}

// CopyFrom copies the values of other into t. Shapes must be equal, otherwise it panics.
func (t *Tensor) CopyFrom(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("Tensor.CopyFrom: shape mismatch %s != %s", t.shape, other.shape)
	}
	copy(t.flat, other.flat)
}

// Reshape returns a tensor sharing the same data, with new dimensions of the same size.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): size %d doesn't match tensor %s size %d",
			dimensions, shape.Size(), t.shape, t.Size())
	}
	return &Tensor{shape: shape, flat: t.flat}
}

// offset of the element at the given indices.
func (t *Tensor) offset(indices []int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("tensor of shape %s indexed with %d indices", t.shape, len(indices))
	}
	offset := 0
	for axis, idx := range indices {
		dim := t.shape.Dimensions[axis]
		if idx < 0 || idx >= dim {
			exceptions.Panicf("index %d out-of-bounds for axis %d of shape %s", idx, axis, t.shape)
		}
		offset = offset*dim + idx
	}
	return offset
}

// At returns the value at the given indices. It panics for invalid indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.flat[t.offset(indices)]
}

// Set the value at the given indices. It panics for invalid indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.flat[t.offset(indices)] = value
}

// Equal checks whether t == other: same shape and exactly the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// InDelta checks whether Abs(t - other) <= delta for every element.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-other.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// IsFinite returns false if any of the values is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// TensorStringMaxElements is the maximum number of elements printed by Tensor.String.
var TensorStringMaxElements = 16

// String implements fmt.Stringer with a summary of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor%s{", t.shape)
	n := min(len(t.flat), TensorStringMaxElements)
	for ii := range n {
		if ii > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%.4g", t.flat[ii])
	}
	if n < len(t.flat) {
		_, _ = fmt.Fprintf(&sb, ", ... (%d more)", len(t.flat)-n)
	}
	sb.WriteString("}")
	return sb.String()
}
