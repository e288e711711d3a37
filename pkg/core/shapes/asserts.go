// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// UncheckedAxis is a wildcard dimension for CheckDims and AssertDims.
const UncheckedAxis = int(-1)

// HasShape is implemented by Shape itself and by tensors.Tensor.
type HasShape interface {
	Shape() Shape
}

// CheckRank returns an error if the shape is not of the given rank.
func (s Shape) CheckRank(rank int) error {
	if got := s.Rank(); got != rank {
		return errors.Errorf("shape %s is rank %d, expected rank %d", s, got, rank)
	}
	return nil
}

// CheckDims returns an error if the shape doesn't have exactly the given dimensions.
// Axes whose wanted dimension is UncheckedAxis only need to exist.
func (s Shape) CheckDims(dimensions ...int) error {
	if err := s.CheckRank(len(dimensions)); err != nil {
		return errors.WithMessagef(err, "expected dimensions %v", dimensions)
	}
	for axis, want := range dimensions {
		if got := s.Dimensions[axis]; want != UncheckedAxis && got != want {
			return errors.Errorf("shape %s: axis #%d is %d, expected dimensions %v", s, axis, got, dimensions)
		}
	}
	return nil
}

// AssertRank is like CheckRank, but panics with the error.
func (s Shape) AssertRank(rank int) {
	if err := s.CheckRank(rank); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// AssertDims is like CheckDims, but panics with the error.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// CheckRank of a shaped object, see Shape.CheckRank.
func CheckRank(shaped HasShape, rank int) error { return shaped.Shape().CheckRank(rank) }

// CheckDims of a shaped object, see Shape.CheckDims.
func CheckDims(shaped HasShape, dimensions ...int) error { return shaped.Shape().CheckDims(dimensions...) }

// AssertRank of a shaped object, see Shape.AssertRank.
func AssertRank(shaped HasShape, rank int) { shaped.Shape().AssertRank(rank) }

// AssertDims of a shaped object, see Shape.AssertDims.
func AssertDims(shaped HasShape, dimensions ...int) { shaped.Shape().AssertDims(dimensions...) }
