// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the dimensions of a dense float64 tensor (see package tensors). Images and
// spectrograms are shaped `[channels, height, width]`, and batches of them
// `[batch_size, channels, height, width]`.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multidimensional Tensor in one of its axes.
//
// ## Asserts
//
// There is no compile-time checking of tensor shapes, so validation happens at runtime. This
// package provides two variations of it: `CheckDims` returns an error, `AssertDims` panics.
// A `-1` (UncheckedAxis) means the dimension is not checked:
//
//	if err := shapes.CheckDims(x, -1, height, width); err != nil {
//		return err
//	}
package shapes

import (
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape represents the shape of a Tensor.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any dimension is <= 0.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension <= 0", dimensions)
		}
	}
	return s
}

// Ok returns whether this is a valid Shape: the zero value Shape{} is a valid scalar.
func (s Shape) Ok() bool {
	for _, dim := range s.Dimensions {
		if dim <= 0 {
			return false
		}
	}
	return true
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return "(scalar)"
	}
	return fmt.Sprintf("%v", s.Dimensions)
}

// Size returns the number of elements needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store a float64 array of the given shape, in bytes.
func (s Shape) Memory() uintptr {
	return 8 * uintptr(s.Size())
}

// Equal compares two shapes for equality.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Strides returns the row-major strides for each axis, in number of elements.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// GobSerialize shape in binary format.
func (s Shape) GobSerialize(encoder *gob.Encoder) error {
	if err := encoder.Encode(s.Dimensions); err != nil {
		return errors.Wrapf(err, "failed to serialize Shape %s", s)
	}
	return nil
}

// GobDeserialize a Shape. Returns new Shape or an error.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	err = decoder.Decode(&s.Dimensions)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Shape")
		return
	}
	if !s.Ok() {
		err = errors.Errorf("deserialized invalid shape %v", s.Dimensions)
	}
	return
}
