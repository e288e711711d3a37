// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedParams(t *testing.T) {
	p := scoped.New("/")
	p.Set("/", "x", 10)
	p.Set("/", "y", 20)
	p.Set("/", "z", 40)
	p.Set("/a", "y", 30)
	p.Set("/a/b", "x", 100)

	value, found := p.Get("/a/b", "x")
	require.True(t, found)
	assert.Equal(t, 100, value)

	value, found = p.Get("/a/b", "y")
	require.True(t, found)
	assert.Equal(t, 30, value)

	value, found = p.Get("/a/b", "z")
	require.True(t, found)
	assert.Equal(t, 40, value)

	_, found = p.Get("/a/b", "w")
	assert.False(t, found)

	value, found = p.Get("/d/e/f", "z")
	require.True(t, found)
	assert.Equal(t, 40, value)

	type entry struct {
		scope, key string
		value int
	}
	var got []entry
	p.Enumerate(func(scope, key string, value any) {
		got = append(got, entry{scope, key, value.(int)})
	})
	assert.Equal(t, []entry{
		{"/", "x", 10}, {"/", "y", 20}, {"/", "z", 40},
		{"/a", "y", 30}, {"/a/b", "x", 100},
	}, got)
	assert.Equal(t, 5, p.Len())

	clone := p.Clone()
	p.Delete("/a/b", "x")
	value, _ = p.Get("/a/b", "x")
	assert.Equal(t, 10, value)
	value, _ = clone.Get("/a/b", "x")
	assert.Equal(t, 100, value)
}
