// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable holds a value that persists across training steps and sampling runs: the weights of the
// denoiser and the state of the optimizer. It's defined in a scope in a Context.
//
// Variables are created with Context.VariableWithShape or Context.VariableWithValue.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by optimizers.
	Trainable bool

	value *tensors.Tensor
}

func (v *Variable) clone() *Variable {
	return &Variable{
		ctx:       v.ctx,
		name:      v.name,
		scope:     v.scope,
		Trainable: v.Trainable,
		value:     v.value.Clone(),
	}
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	return v.name
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	return v.scope
}

// ScopeAndName is a convenience function that returns the combined scope and name of the variable.
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.scope, v.name)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	return fmt.Sprintf("%s%s", v.ScopeAndName(), v.Shape())
}

// Shape of the variable.
func (v *Variable) Shape() shapes.Shape {
	return v.value.Shape()
}

// Value returns the tensor holding the variable value. It is owned by the variable: updates to it
// are updates to the variable.
func (v *Variable) Value() *tensors.Tensor {
	return v.value
}

// SetValue copies the given value into the variable. It returns an error if the shapes differ.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if !value.Shape().Equal(v.Shape()) {
		return errors.Errorf("variable %q has shape %s, cannot set value with shape %s",
			v.ScopeAndName(), v.Shape(), value.Shape())
	}
	v.value.CopyFrom(value)
	return nil
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}
