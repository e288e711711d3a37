// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diffusion

import (
	"fmt"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
)

// InvalidScheduleError is returned when a ScheduleConfig violates its constraints:
// NumSteps >= 1, 0 < BetaStart < BetaEnd < 1 and a known ScheduleKind.
type InvalidScheduleError struct {
	Config ScheduleConfig
	Reason string
}

// Error implements error.
func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid diffusion schedule %s: %s", e.Config, e.Reason)
}

// ShapeMismatchError is returned when a Predictor output doesn't have the shape of the
// diffusion state, or when the conditioning input has an unexpected shape.
type ShapeMismatchError struct {
	Step          int
	Expected, Got shapes.Shape
	Description   string
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("diffusion step %d: %s: expected shape %s, got %s", e.Step, e.Description, e.Expected, e.Got)
}

// NumericInstabilityError is returned when a reverse step produces non-finite values.
type NumericInstabilityError struct {
	Step   int
	Reason string
}

// Error implements error.
func (e *NumericInstabilityError) Error() string {
	return fmt.Sprintf("diffusion step %d: numeric instability: %s", e.Step, e.Reason)
}
