// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package diffusion implements the numerical core of a conditional Gaussian diffusion model (SR3 style):
// the noise schedule, the forward (noising) process used for training and the reverse process
// (Sampler) that denoises a conditioning input with an opaque noise Predictor.
//
// Steps are 1-based: step t ∈ [1, NumSteps], and t == 0 refers to the clean signal.
package diffusion

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"gonum.org/v1/gonum/floats"
)

// ScheduleKind defines how the betas are interpolated between BetaStart and BetaEnd.
type ScheduleKind string

const (
	// ScheduleLinear interpolates β linearly.
	ScheduleLinear ScheduleKind = "linear"

	// ScheduleQuad interpolates √β linearly, and then squares it.
	ScheduleQuad ScheduleKind = "quad"
)

// ScheduleKinds lists the known kinds.
var ScheduleKinds = []ScheduleKind{ScheduleLinear, ScheduleQuad}

// ParseScheduleKind converts a name (case-insensitive) to a ScheduleKind.
// It returns an *InvalidScheduleError for unknown names.
func ParseScheduleKind(name string) (ScheduleKind, error) {
	kind := ScheduleKind(strings.ToLower(strings.TrimSpace(name)))
	if slices.Contains(ScheduleKinds, kind) {
		return kind, nil
	}
	return kind, &InvalidScheduleError{
		Config: ScheduleConfig{Kind: kind},
		Reason: fmt.Sprintf("unknown schedule kind %q, valid values are %q", name, ScheduleKinds),
	}
}

// ScheduleConfig holds the parameters of a noise schedule.
type ScheduleConfig struct {
	BetaStart, BetaEnd float64
	NumSteps           int
	Kind               ScheduleKind
}

var (
	// DefaultScheduleConfig is used for images.
	DefaultScheduleConfig = ScheduleConfig{BetaStart: 0.0001, BetaEnd: 0.02, NumSteps: 100, Kind: ScheduleQuad}

	// SpectrogramScheduleConfig is used for spectrograms: few steps, and a much noisier end.
	SpectrogramScheduleConfig = ScheduleConfig{BetaStart: 0.0001, BetaEnd: 0.5, NumSteps: 10, Kind: ScheduleQuad}

	// SchedulePresets by name, see ParamPreset.
	SchedulePresets = map[string]ScheduleConfig{
		"default":     DefaultScheduleConfig,
		"spectrogram": SpectrogramScheduleConfig,
	}
)

// String implements fmt.Stringer.
func (c ScheduleConfig) String() string {
	return fmt.Sprintf("{kind=%s, beta_start=%g, beta_end=%g, num_steps=%d}", c.Kind, c.BetaStart, c.BetaEnd, c.NumSteps)
}

// Validate returns an *InvalidScheduleError if the configuration is invalid.
func (c ScheduleConfig) Validate() error {
	if c.NumSteps < 1 {
		return &InvalidScheduleError{Config: c, Reason: "num_steps must be >= 1"}
	}
	// Negated comparisons also catch NaNs.
	if !(c.BetaStart > 0) || !(c.BetaEnd < 1) {
		return &InvalidScheduleError{Config: c, Reason: "betas must be in the open interval (0, 1)"}
	}
	if !(c.BetaStart < c.BetaEnd) {
		return &InvalidScheduleError{Config: c, Reason: "beta_start must be < beta_end"}
	}
	if !slices.Contains(ScheduleKinds, c.Kind) {
		return &InvalidScheduleError{Config: c, Reason: fmt.Sprintf("unknown schedule kind %q", c.Kind)}
	}
	return nil
}

// Context parameters read by ScheduleConfigFromContext.
const (
	ParamBetaStart = "diffusion_beta_start"
	ParamBetaEnd   = "diffusion_beta_end"
	ParamNumSteps  = "diffusion_num_steps"
	ParamSchedule  = "diffusion_schedule"

	// ParamPreset selects one of SchedulePresets in ScheduleBuilder.FromContext. If set, the other
	// schedule parameters are ignored. Empty by default.
	ParamPreset = "diffusion_preset"
)

// ScheduleConfigFromContext reads the schedule configuration from the context parameters
// ParamBetaStart, ParamBetaEnd, ParamNumSteps and ParamSchedule.
// Missing parameters take their value from DefaultScheduleConfig.
func ScheduleConfigFromContext(ctx *context.Context) ScheduleConfig {
	// Unknown kinds are kept as is, and reported by NewSchedule.
	kind, _ := ParseScheduleKind(context.GetParamOr(ctx, ParamSchedule, string(DefaultScheduleConfig.Kind)))
	return ScheduleConfig{
		BetaStart: context.GetParamOr(ctx, ParamBetaStart, DefaultScheduleConfig.BetaStart),
		BetaEnd:   context.GetParamOr(ctx, ParamBetaEnd, DefaultScheduleConfig.BetaEnd),
		NumSteps:  context.GetParamOr(ctx, ParamNumSteps, DefaultScheduleConfig.NumSteps),
		Kind:      kind,
	}
}

// Schedule is the immutable sequence β_1..β_T and its derived quantities.
// It is safe for concurrent use.
type Schedule struct {
	config ScheduleConfig

	// Indexed by t-1.
	betas, alphaBars, posteriorVariances []float64
}

// NewSchedule builds the schedule for the given configuration.
// It returns an *InvalidScheduleError if the configuration is invalid, or if the cumulative
// alpha_bar underflows to 0 before the last step.
func NewSchedule(config ScheduleConfig) (*Schedule, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	n := config.NumSteps
	s := &Schedule{
		config:             config,
		betas:              make([]float64, n),
		alphaBars:          make([]float64, n),
		posteriorVariances: make([]float64, n),
	}
	switch config.Kind {
	case ScheduleLinear:
		interpolate(s.betas, config.BetaStart, config.BetaEnd)
	case ScheduleQuad:
		interpolate(s.betas, math.Sqrt(config.BetaStart), math.Sqrt(config.BetaEnd))
		for ii, v := range s.betas {
			s.betas[ii] = v * v
		}
	}

	prevAlphaBar := 1.0
	for ii, beta := range s.betas {
		alphaBar := prevAlphaBar * (1 - beta)
		if !(alphaBar > 0 && alphaBar < prevAlphaBar) {
			return nil, &InvalidScheduleError{Config: config,
				Reason: fmt.Sprintf("alpha_bar underflows at step %d, use fewer steps or smaller betas", ii+1)}
		}
		s.alphaBars[ii] = alphaBar
		s.posteriorVariances[ii] = beta * (1 - prevAlphaBar) / max(1-alphaBar, MinDenominator)
		prevAlphaBar = alphaBar
	}
	return s, nil
}

// interpolate fills values with evenly spaced points from start to end, both included.
// A single value is set to start.
func interpolate(values []float64, start, end float64) {
	if len(values) == 1 {
		values[0] = start
		return
	}
	floats.Span(values, start, end)
}

// ScheduleBuilder configures a Schedule, starting from DefaultScheduleConfig.
// Call Done to build it.
type ScheduleBuilder struct {
	config ScheduleConfig
	err    error
}

// BuildSchedule starts the configuration of a Schedule.
//
// Example:
//
//	schedule, err := diffusion.BuildSchedule().BetaEnd(0.5).NumSteps(10).Done()
func BuildSchedule() *ScheduleBuilder {
	return &ScheduleBuilder{config: DefaultScheduleConfig}
}

// FromConfig replaces the whole configuration.
func (b *ScheduleBuilder) FromConfig(config ScheduleConfig) *ScheduleBuilder {
	b.config = config
	return b
}

// FromContext reads the configuration from the context, see ScheduleConfigFromContext.
// If ParamPreset is set, the named preset is used instead.
func (b *ScheduleBuilder) FromContext(ctx *context.Context) *ScheduleBuilder {
	presetName := context.GetParamOr(ctx, ParamPreset, "")
	if presetName == "" {
		b.config = ScheduleConfigFromContext(ctx)
		return b
	}
	preset, found := SchedulePresets[presetName]
	if !found {
		b.err = &InvalidScheduleError{
			Config: b.config,
			Reason: fmt.Sprintf("unknown %s %q, valid values are %q", ParamPreset, presetName,
				slices.Sorted(maps.Keys(SchedulePresets))),
		}
		return b
	}
	b.config = preset
	return b
}

// BetaStart sets β_1.
func (b *ScheduleBuilder) BetaStart(beta float64) *ScheduleBuilder {
	b.config.BetaStart = beta
	return b
}

// BetaEnd sets β_T.
func (b *ScheduleBuilder) BetaEnd(beta float64) *ScheduleBuilder {
	b.config.BetaEnd = beta
	return b
}

// NumSteps sets T.
func (b *ScheduleBuilder) NumSteps(numSteps int) *ScheduleBuilder {
	b.config.NumSteps = numSteps
	return b
}

// Kind sets the interpolation curve.
func (b *ScheduleBuilder) Kind(kind ScheduleKind) *ScheduleBuilder {
	b.config.Kind = kind
	return b
}

// Done builds the Schedule, see NewSchedule.
func (b *ScheduleBuilder) Done() (*Schedule, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewSchedule(b.config)
}

// Config used to build the schedule.
func (s *Schedule) Config() ScheduleConfig { return s.config }

// NumSteps returns T.
func (s *Schedule) NumSteps() int { return len(s.betas) }

// String implements fmt.Stringer.
func (s *Schedule) String() string {
	return fmt.Sprintf("Schedule%s", s.config)
}

func (s *Schedule) checkStep(t int) {
	if t < 1 || t > len(s.betas) {
		exceptions.Panicf("diffusion step %d out of range [1, %d]", t, len(s.betas))
	}
}

// Beta returns β_t, for t ∈ [1, NumSteps].
func (s *Schedule) Beta(t int) float64 {
	s.checkStep(t)
	return s.betas[t-1]
}

// Betas returns a copy of β_1..β_T.
func (s *Schedule) Betas() []float64 {
	return slices.Clone(s.betas)
}

// AlphaBar returns ᾱ_t = Π_{s≤t}(1-β_s), for t ∈ [0, NumSteps]. AlphaBar(0) = 1.
func (s *Schedule) AlphaBar(t int) float64 {
	if t == 0 {
		return 1
	}
	s.checkStep(t)
	return s.alphaBars[t-1]
}

// AlphaBars returns a copy of ᾱ_1..ᾱ_T.
func (s *Schedule) AlphaBars() []float64 {
	return slices.Clone(s.alphaBars)
}

// PosteriorVariance returns β̃_t = β_t(1-ᾱ_{t-1})/(1-ᾱ_t), the variance of q(x_{t-1}|x_t, x_0).
// PosteriorVariance(1) is 0.
func (s *Schedule) PosteriorVariance(t int) float64 {
	s.checkStep(t)
	return s.posteriorVariances[t-1]
}

// NoiseLevel returns √ᾱ_t, the signal ratio of the diffusion state at step t.
// It is given to the Predictor models as conditioning of the step.
func (s *Schedule) NoiseLevel(t int) float64 {
	return math.Sqrt(s.AlphaBar(t))
}
