// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package denoiser

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Activation is an enum for the supported activation functions of the hidden layer.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationLeakyRelu
	ActivationTanh
	ActivationSigmoid
	ActivationSwish
)

// leakyReluSlope for negative values of ActivationLeakyRelu.
const leakyReluSlope = 0.01

var activationNames = map[Activation]string{
	ActivationNone:      "none",
	ActivationRelu:      "relu",
	ActivationLeakyRelu: "leaky_relu",
	ActivationTanh:      "tanh",
	ActivationSigmoid:   "sigmoid",
	ActivationSwish:     "swish",
}

// String implements fmt.Stringer.
func (a Activation) String() string {
	if name, found := activationNames[a]; found {
		return name
	}
	return "unknown"
}

// ParseActivation converts an activation name (e.g. "leaky_relu") to its Activation. "silu" is an alias to "swish".
func ParseActivation(name string) (Activation, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "silu" {
		return ActivationSwish, nil
	}
	for a, aName := range activationNames {
		if aName == name {
			return a, nil
		}
	}
	return ActivationNone, errors.Errorf("unknown activation %q", name)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// apply returns the activation of x.
func (a Activation) apply(x float64) float64 {
	switch a {
	case ActivationRelu:
		return max(x, 0)
	case ActivationLeakyRelu:
		if x < 0 {
			return leakyReluSlope * x
		}
		return x
	case ActivationTanh:
		return math.Tanh(x)
	case ActivationSigmoid:
		return sigmoid(x)
	case ActivationSwish:
		return x * sigmoid(x)
	default:
		return x
	}
}

// derivative returns the derivative of the activation at x.
func (a Activation) derivative(x float64) float64 {
	switch a {
	case ActivationRelu:
		if x > 0 {
			return 1
		}
		return 0
	case ActivationLeakyRelu:
		if x < 0 {
			return leakyReluSlope
		}
		return 1
	case ActivationTanh:
		y := math.Tanh(x)
		return 1 - y*y
	case ActivationSigmoid:
		s := sigmoid(x)
		return s * (1 - s)
	case ActivationSwish:
		s := sigmoid(x)
		return s + x*s*(1-s)
	default:
		return 1
	}
}
