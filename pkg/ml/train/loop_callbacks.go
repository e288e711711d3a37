// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
)

// NTimesDuringLoop calls fn on at most n steps spread evenly over the run, plus always on its last step.
//
// While the end of the run is unknown (first epoch of RunEpochs) it calls fn after 128, 256, 512, ... steps,
// so it may be called more than n times.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("NTimesDuringLoop(n=%d): n must be > 0", n)
	}
	var calls int
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, func(loop *Loop, metrics []float64) error {
		done := loop.LoopStep - loop.StartStep + 1
		switch {
		case loop.EndStep < 0:
			if done < 128<<calls {
				return nil
			}
		case loop.LoopStep < loop.EndStep-1:
			interval := float64(loop.EndStep-loop.StartStep) / float64(n)
			if interval > 1 && float64(calls)*interval > float64(done) {
				return nil
			}
		}
		calls++
		return fn(loop, metrics)
	})
}

// EveryNSteps calls fn once every n steps of the loop. It is not called at the end of the loop,
// unless the last step happens to be a multiple of n.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(n=%d): n must be > 0", n)
	}
	var count int
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, func(loop *Loop, metrics []float64) error {
		count++
		if count%n != 0 {
			return nil
		}
		return fn(loop, metrics)
	})
}

// PeriodicCallback calls fn whenever at least period has passed since its previous call (or since the
// first step). The time spent in fn itself is not counted.
//
// If callOnEnd is set, fn is also called at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	var last time.Time
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, func(loop *Loop, metrics []float64) error {
		if last.IsZero() {
			last = time.Now()
			return nil
		}
		if time.Since(last) < period {
			return nil
		}
		err := fn(loop, metrics)
		last = time.Now()
		return err
	})
	if callOnEnd {
		loop.OnEnd(fullName, priority, OnEndFn(fn))
	}
}

// ExponentialCallback calls fn at steps whose spacing grows geometrically: the first call is startStep steps
// after the start, and each following interval is factor times the previous one. It is used to collect
// plot points and monitor samples often early in the training, when things change fast.
//
// For instance with startStep=100 and factor=1.2 it is called at steps 100, 220, 364, ...
//
// If callOnEnd is set, fn is also called at the end of the loop.
func ExponentialCallback(loop *Loop, startStep int, factor float64, callOnEnd bool,
	name string, priority Priority, fn OnStepFn) {
	if startStep <= 0 || !(factor > 1) {
		exceptions.Panicf("ExponentialCallback(startStep=%d, factor=%g): startStep must be > 0 and factor > 1",
			startStep, factor)
	}
	var next, interval int
	advance := func() {
		next += interval
		interval = int(math.Round(float64(interval) * factor))
	}
	fullName := fmt.Sprintf("ExponentialCallback(%d, %g): %s", startStep, factor, name)
	loop.OnStep(fullName, priority, func(loop *Loop, metrics []float64) error {
		if interval == 0 {
			// First call: skip the schedule up to where the run starts.
			interval = startStep
			for next <= loop.StartStep {
				advance()
			}
		}
		if loop.LoopStep < next {
			return nil
		}
		advance()
		return fn(loop, metrics)
	})
	if callOnEnd {
		loop.OnEnd(fullName, priority, OnEndFn(fn))
	}
}

// BestEpochTracker keeps track of the epoch with the lowest mean loss during Loop.RunEpochs.
type BestEpochTracker struct {
	BestLoss  float64
	BestEpoch int
}

// TrackBestEpoch registers a BestEpochTracker on the loop. If onImproved is not nil, it is called at the end
// of every epoch that improves on the best loss so far.
func TrackBestEpoch(loop *Loop, name string, priority Priority, onImproved OnEpochEndFn) *BestEpochTracker {
	tracker := &BestEpochTracker{BestLoss: math.Inf(1), BestEpoch: -1}
	loop.OnEpochEnd("TrackBestEpoch: "+name, priority, func(loop *Loop, epoch int, meanLoss float64) error {
		if !(meanLoss < tracker.BestLoss) {
			return nil
		}
		tracker.BestLoss, tracker.BestEpoch = meanLoss, epoch
		if onImproved == nil {
			return nil
		}
		return onImproved(loop, epoch, meanLoss)
	})
	return tracker
}
