// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ForEach(t *testing.T) {
	const numTasks = 50
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New().SetMaxParallelism(parallelism)
		var running, maxRunning atomic.Int32
		results := make([]int, numTasks)
		pool.ForEach(numTasks, func(i int) {
			current := running.Add(1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			runtime.Gosched()
			results[i] = i * i
			running.Add(-1)
		})
		for i, v := range results {
			require.Equal(t, i*i, v, "parallelism=%d, task %d", parallelism, i)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}

func TestPool_Config(t *testing.T) {
	pool := New()
	assert.Equal(t, runtime.NumCPU(), pool.MaxParallelism())
	assert.True(t, pool.IsEnabled())
	assert.False(t, pool.SetMaxParallelism(0).IsEnabled())
	assert.True(t, pool.SetMaxParallelism(-1).IsUnlimited())
}
