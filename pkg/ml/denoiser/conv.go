// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package denoiser implements a trainable noise predictor for the conditional diffusion model.
//
// Conv is a small convolutional network: the input channels (conditioning and diffusion state) are
// extended with one constant channel holding the noise level √ᾱ_t of the step, followed by a
// "same" padded KxK convolution, an activation and a 1x1 convolution to the output channels.
// With ParamHiddenChannels set to 0 it is a single KxK convolution.
//
// Gradients are derived analytically, so Conv can be trained with train.Trainer. It implements
// diffusion.Predictor for sampling.
package denoiser

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/internal/workerspool"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/diffusion"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
)

const (
	// Scope where the denoiser variables are created.
	Scope = "denoiser"

	// ParamKernelSize is the context hyperparameter with the size of the convolution kernel. It must be odd.
	// The default is 3.
	ParamKernelSize = "denoiser_kernel_size"

	// ParamHiddenChannels is the context hyperparameter with the number of channels of the hidden layer.
	// If set to 0 the denoiser is a single convolution. The default is 16.
	ParamHiddenChannels = "denoiser_hidden_channels"

	// ParamActivation is the context hyperparameter with the activation of the hidden layer, see ParseActivation.
	// The default is "relu".
	ParamActivation = "denoiser_activation"
)

// Conv is the convolutional noise predictor. Create it with New.
//
// Predict is safe for concurrent use, as long as the variables are not being trained at the same time.
// Forward and Backward are not: Backward uses the activations of the last Forward call.
type Conv struct {
	schedule   *diffusion.Schedule
	channels   int
	hidden     int
	kernelSize int
	activation Activation

	// inputConv is the KxK convolution, outputConv the optional 1x1 convolution.
	inputConv, outputConv convVars

	pool *workerspool.Pool

	muCache sync.Mutex
	cache   *activations
}

// convVars are the variables of one convolution: weights shaped [out, in, k, k] and biases shaped [out].
type convVars struct {
	weights, biases *context.Variable
	in, out, k      int
}

// activations of a batch, kept by Forward for Backward.
type activations struct {
	input  *tensors.Tensor // [B, 2C+1, H, W]
	pre    *tensors.Tensor // [B, F, H, W], hidden layer before activation.
	hidden *tensors.Tensor // [B, F, H, W], hidden layer after activation.
}

// New creates (or loads, if a checkpoint is attached to ctx) the denoiser variables for examples with the
// given number of channels, configured by the context hyperparameters ParamKernelSize, ParamHiddenChannels
// and ParamActivation.
//
// The variables are created under the Scope sub-scope of ctx.
func New(ctx *context.Context, schedule *diffusion.Schedule, channels int) (*Conv, error) {
	if schedule == nil {
		return nil, errors.New("denoiser.New: schedule is nil")
	}
	if channels < 1 {
		return nil, errors.Errorf("denoiser.New: channels must be >= 1, got %d", channels)
	}
	kernelSize := context.GetParamOr(ctx, ParamKernelSize, 3)
	if kernelSize < 1 || kernelSize%2 == 0 {
		return nil, errors.Errorf("denoiser.New: %s must be a positive odd number, got %d", ParamKernelSize, kernelSize)
	}
	hidden := context.GetParamOr(ctx, ParamHiddenChannels, 16)
	if hidden < 0 {
		return nil, errors.Errorf("denoiser.New: %s must be >= 0, got %d", ParamHiddenChannels, hidden)
	}
	activation, err := ParseActivation(context.GetParamOr(ctx, ParamActivation, "relu"))
	if err != nil {
		return nil, errors.WithMessagef(err, "denoiser.New: invalid %s", ParamActivation)
	}

	c := &Conv{
		schedule:   schedule,
		channels:   channels,
		hidden:     hidden,
		kernelSize: kernelSize,
		activation: activation,
		pool:       workerspool.New(),
	}
	ctx = ctx.In(Scope)
	inChannels := 2*channels + 1
	if hidden == 0 {
		c.inputConv = newConvVars(ctx.In("conv_0"), inChannels, channels, kernelSize)
	} else {
		c.inputConv = newConvVars(ctx.In("conv_0"), inChannels, hidden, kernelSize)
		c.outputConv = newConvVars(ctx.In("conv_1"), hidden, channels, 1)
	}
	return c, nil
}

func newConvVars(ctx *context.Context, in, out, k int) convVars {
	return convVars{
		weights: ctx.VariableWithShape("weights", shapes.Make(out, in, k, k), context.HeNormalInitializer()),
		biases:  ctx.VariableWithShape("biases", shapes.Make(out), context.ZeroInitializer),
		in:      in,
		out:     out,
		k:       k,
	}
}

// String implements fmt.Stringer.
func (c *Conv) String() string {
	if c.hidden == 0 {
		return fmt.Sprintf("denoiser.Conv(channels=%d, kernel=%d)", c.channels, c.kernelSize)
	}
	return fmt.Sprintf("denoiser.Conv(channels=%d, kernel=%d, hidden=%d, activation=%s)",
		c.channels, c.kernelSize, c.hidden, c.activation)
}

// Channels returns the number of channels C of the examples: inputs have 2*C channels, outputs C.
func (c *Conv) Channels() int { return c.channels }

// SetParallelism sets the maximum number of examples of a batch processed concurrently by Forward and
// Backward. 0 disables parallelism. The default is runtime.NumCPU().
func (c *Conv) SetParallelism(n int) *Conv {
	c.pool.SetMaxParallelism(n)
	return c
}

// TrainableVariables implements train.Model.
func (c *Conv) TrainableVariables() []*context.Variable {
	vars := []*context.Variable{c.inputConv.weights, c.inputConv.biases}
	if c.hidden > 0 {
		vars = append(vars, c.outputConv.weights, c.outputConv.biases)
	}
	return vars
}

// NumParameters returns the number of scalar parameters of the model.
func (c *Conv) NumParameters() int {
	var n int
	for _, v := range c.TrainableVariables() {
		n += v.Shape().Size()
	}
	return n
}

// checkInput verifies x is shaped [B, 2C, H, W] and the steps are valid.
func (c *Conv) checkInput(x *tensors.Tensor, steps []int) error {
	if x == nil {
		return errors.New("denoiser: nil input")
	}
	if err := x.Shape().CheckRank(4); err != nil {
		return errors.WithMessagef(err, "%s: input must be shaped [batch_size, 2*channels, height, width]", c)
	}
	if x.Dim(1) != 2*c.channels {
		return errors.Errorf("%s: input must have %d channels (conditioning and state), got shape %s",
			c, 2*c.channels, x.Shape())
	}
	if x.Dim(0) == 0 {
		return errors.Errorf("%s: empty batch", c)
	}
	if len(steps) != x.Dim(0) {
		return errors.Errorf("%s: got %d steps for a batch of %d examples", c, len(steps), x.Dim(0))
	}
	for _, t := range steps {
		if t < 1 || t > c.schedule.NumSteps() {
			return errors.Errorf("%s: step %d out of range [1, %d]", c, t, c.schedule.NumSteps())
		}
	}
	return nil
}

// withNoiseLevel returns x extended with one channel filled with the noise level of each example.
func (c *Conv) withNoiseLevel(x *tensors.Tensor, steps []int) *tensors.Tensor {
	batchSize, height, width := x.Dim(0), x.Dim(2), x.Dim(3)
	level := tensors.Zeros(batchSize, 1, height, width)
	flat := level.Flat()
	planeSize := height * width
	for b, t := range steps {
		noiseLevel := c.schedule.NoiseLevel(t)
		for ii := range planeSize {
			flat[b*planeSize+ii] = noiseLevel
		}
	}
	input, _ := tensors.ConcatChannels(x, level)
	return input
}

// forwardExample computes the output of one example: input is [2C+1, H, W] and output [C, H, W].
// If there is a hidden layer, pre and hidden ([F, H, W]) are also filled.
func (c *Conv) forwardExample(input, pre, hidden, output []float64, height, width int) {
	if c.hidden == 0 {
		c.inputConv.forward(input, output, height, width)
		return
	}
	c.inputConv.forward(input, pre, height, width)
	for ii, v := range pre {
		hidden[ii] = c.activation.apply(v)
	}
	c.outputConv.forward(hidden, output, height, width)
}

// Forward implements train.Model. It keeps the activations for the following Backward call.
func (c *Conv) Forward(x *tensors.Tensor, steps []int) (*tensors.Tensor, error) {
	if err := c.checkInput(x, steps); err != nil {
		return nil, err
	}
	batchSize, height, width := x.Dim(0), x.Dim(2), x.Dim(3)
	acts := &activations{input: c.withNoiseLevel(x, steps)}
	output := tensors.Zeros(batchSize, c.channels, height, width)
	if c.hidden > 0 {
		acts.pre = tensors.Zeros(batchSize, c.hidden, height, width)
		acts.hidden = tensors.Zeros(batchSize, c.hidden, height, width)
	}
	inSize := c.inputConv.in * height * width
	outSize := c.channels * height * width
	hiddenSize := c.hidden * height * width
	c.pool.ForEach(batchSize, func(b int) {
		var pre, hidden []float64
		if c.hidden > 0 {
			pre = acts.pre.Flat()[b*hiddenSize : (b+1)*hiddenSize]
			hidden = acts.hidden.Flat()[b*hiddenSize : (b+1)*hiddenSize]
		}
		c.forwardExample(acts.input.Flat()[b*inSize:(b+1)*inSize], pre, hidden,
			output.Flat()[b*outSize:(b+1)*outSize], height, width)
	})
	c.muCache.Lock()
	c.cache = acts
	c.muCache.Unlock()
	return output, nil
}

// Backward implements train.Model: it returns the gradients of the TrainableVariables, given the gradient
// with respect to the output of the last Forward call.
func (c *Conv) Backward(gradOutput *tensors.Tensor) ([]*tensors.Tensor, error) {
	c.muCache.Lock()
	acts := c.cache
	c.cache = nil
	c.muCache.Unlock()
	if acts == nil {
		return nil, errors.Errorf("%s: Backward called without a previous Forward", c)
	}
	batchSize, height, width := acts.input.Dim(0), acts.input.Dim(2), acts.input.Dim(3)
	if err := gradOutput.Shape().CheckDims(batchSize, c.channels, height, width); err != nil {
		return nil, errors.WithMessagef(err, "%s: gradient of the output", c)
	}
	inSize := c.inputConv.in * height * width
	outSize := c.channels * height * width
	hiddenSize := c.hidden * height * width

	// Gradients of each example are accumulated separately, and summed at the end.
	vars := c.TrainableVariables()
	perExample := make([][]*tensors.Tensor, batchSize)
	c.pool.ForEach(batchSize, func(b int) {
		grads := make([]*tensors.Tensor, len(vars))
		for ii, v := range vars {
			grads[ii] = tensors.FromShape(v.Shape())
		}
		input := acts.input.Flat()[b*inSize : (b+1)*inSize]
		gradOut := gradOutput.Flat()[b*outSize : (b+1)*outSize]
		if c.hidden == 0 {
			c.inputConv.backward(input, gradOut, grads[0].Flat(), grads[1].Flat(), height, width)
			perExample[b] = grads
			return
		}
		pre := acts.pre.Flat()[b*hiddenSize : (b+1)*hiddenSize]
		hidden := acts.hidden.Flat()[b*hiddenSize : (b+1)*hiddenSize]
		c.outputConv.backward(hidden, gradOut, grads[2].Flat(), grads[3].Flat(), height, width)
		gradHidden := make([]float64, hiddenSize)
		c.outputConv.backwardInput(gradOut, gradHidden, height, width)
		for ii, v := range pre {
			gradHidden[ii] *= c.activation.derivative(v)
		}
		c.inputConv.backward(input, gradHidden, grads[0].Flat(), grads[1].Flat(), height, width)
		perExample[b] = grads
	})

	grads := perExample[0]
	for _, exampleGrads := range perExample[1:] {
		for ii, g := range exampleGrads {
			sum := grads[ii].Flat()
			for jj, v := range g.Flat() {
				sum[jj] += v
			}
		}
	}
	return grads, nil
}

// Predict implements diffusion.Predictor: x is shaped [2C, H, W], and it returns the predicted noise shaped [C, H, W].
func (c *Conv) Predict(x *tensors.Tensor, step int) (*tensors.Tensor, error) {
	if x == nil {
		return nil, errors.New("denoiser: nil input")
	}
	if err := x.Shape().CheckRank(3); err != nil {
		return nil, errors.WithMessagef(err, "%s: input must be shaped [2*channels, height, width]", c)
	}
	height, width := x.Dim(1), x.Dim(2)
	batch := x.Reshape(1, x.Dim(0), height, width)
	steps := []int{step}
	if err := c.checkInput(batch, steps); err != nil {
		return nil, err
	}
	input := c.withNoiseLevel(batch, steps)
	output := tensors.Zeros(c.channels, height, width)
	var pre, hidden []float64
	if c.hidden > 0 {
		pre = make([]float64, c.hidden*height*width)
		hidden = make([]float64, c.hidden*height*width)
	}
	c.forwardExample(input.Flat(), pre, hidden, output.Flat(), height, width)
	return output, nil
}

// validRange returns the range of output positions [start, end) along an axis of size n for which the
// input position (output + shift) is within bounds.
func validRange(n, shift int) (start, end int) {
	return max(0, -shift), min(n, n-shift)
}

// forward computes the "same" padded convolution of input [in, H, W] into output [out, H, W].
func (cv *convVars) forward(input, output []float64, height, width int) {
	weights, biases := cv.weights.Value().Flat(), cv.biases.Value().Flat()
	planeSize := height * width
	pad := cv.k / 2
	for co := range cv.out {
		outPlane := output[co*planeSize : (co+1)*planeSize]
		for ii := range outPlane {
			outPlane[ii] = biases[co]
		}
		for ci := range cv.in {
			inPlane := input[ci*planeSize : (ci+1)*planeSize]
			for ky := range cv.k {
				dy := ky - pad
				yStart, yEnd := validRange(height, dy)
				for kx := range cv.k {
					dx := kx - pad
					xStart, xEnd := validRange(width, dx)
					w := weights[((co*cv.in+ci)*cv.k+ky)*cv.k+kx]
					for y := yStart; y < yEnd; y++ {
						outRow := outPlane[y*width : (y+1)*width]
						inRow := inPlane[(y+dy)*width : (y+dy+1)*width]
						for x := xStart; x < xEnd; x++ {
							outRow[x] += w * inRow[x+dx]
						}
					}
				}
			}
		}
	}
}

// backward accumulates the gradients of the weights and biases, given the input of the convolution and
// the gradient of its output.
func (cv *convVars) backward(input, gradOutput, gradWeights, gradBiases []float64, height, width int) {
	planeSize := height * width
	pad := cv.k / 2
	for co := range cv.out {
		gradPlane := gradOutput[co*planeSize : (co+1)*planeSize]
		for _, g := range gradPlane {
			gradBiases[co] += g
		}
		for ci := range cv.in {
			inPlane := input[ci*planeSize : (ci+1)*planeSize]
			for ky := range cv.k {
				dy := ky - pad
				yStart, yEnd := validRange(height, dy)
				for kx := range cv.k {
					dx := kx - pad
					xStart, xEnd := validRange(width, dx)
					var sum float64
					for y := yStart; y < yEnd; y++ {
						gradRow := gradPlane[y*width : (y+1)*width]
						inRow := inPlane[(y+dy)*width : (y+dy+1)*width]
						for x := xStart; x < xEnd; x++ {
							sum += gradRow[x] * inRow[x+dx]
						}
					}
					gradWeights[((co*cv.in+ci)*cv.k+ky)*cv.k+kx] += sum
				}
			}
		}
	}
}

// backwardInput accumulates into gradInput the gradient of the convolution input, given the gradient of its output.
func (cv *convVars) backwardInput(gradOutput, gradInput []float64, height, width int) {
	weights := cv.weights.Value().Flat()
	planeSize := height * width
	pad := cv.k / 2
	for co := range cv.out {
		gradPlane := gradOutput[co*planeSize : (co+1)*planeSize]
		for ci := range cv.in {
			gradInPlane := gradInput[ci*planeSize : (ci+1)*planeSize]
			for ky := range cv.k {
				dy := ky - pad
				yStart, yEnd := validRange(height, dy)
				for kx := range cv.k {
					dx := kx - pad
					xStart, xEnd := validRange(width, dx)
					w := weights[((co*cv.in+ci)*cv.k+ky)*cv.k+kx]
					for y := yStart; y < yEnd; y++ {
						gradRow := gradPlane[y*width : (y+1)*width]
						gradInRow := gradInPlane[(y+dy)*width : (y+dy+1)*width]
						for x := xStart; x < xEnd; x++ {
							gradInRow[x+dx] += w * gradRow[x]
						}
					}
				}
			}
		}
	}
}
