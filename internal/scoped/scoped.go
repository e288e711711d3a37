// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string to any data type that is "scoped".
package scoped

import (
	"maps"
	"slices"
	"strings"
)

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "/": { "batch_size": 32, "learning_rate": 1e-3 }
//	Scope: "/denoiser": { "learning_rate": 1e-4 }
//
//	Params.Get("/denoiser", "learning_rate") -> 1e-4
//	Params.Get("/denoiser", "batch_size") -> 32
//	Params.Get("/denoiser", "w") -> Not found.
//
// The separator (usually "/") separates parts of the scope path, and the root scope is the
// separator itself. Every scope name must start with the separator.
//
// The run context uses Params to store the hyperparameters (see `Context.GetParam` and `Context.SetParam`).
type Params struct {
	Separator  string
	scopeToMap map[string]map[string]any
}

// New creates an empty Params.
func New(scopeSeparator string) *Params {
	return &Params{
		Separator:  scopeSeparator,
		scopeToMap: make(map[string]map[string]any),
	}
}

// Clone returns a copy of the Params. Values themselves are not deep-copied.
func (p *Params) Clone() *Params {
	newParams := New(p.Separator)
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = maps.Clone(dataMap)
	}
	return newParams
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Delete removes the key from the given scope (parent scopes are not affected).
func (p *Params) Delete(scope, key string) {
	dataMap, found := p.scopeToMap[scope]
	if !found {
		return
	}
	delete(dataMap, key)
	if len(dataMap) == 0 {
		delete(p.scopeToMap, scope)
	}
}

// parentScope returns the parent of scope, and false if scope is already the root.
func (p *Params) parentScope(scope string) (string, bool) {
	if scope == p.Separator || scope == "" {
		return "", false
	}
	idx := strings.LastIndex(scope, p.Separator)
	if idx <= 0 {
		return p.Separator, true
	}
	return scope[:idx], true
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("/a/b", "myKey") will search for "myKey" in scopes "/a/b", "/a" and "/"
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if dataMap, ok := p.scopeToMap[scope]; ok {
			if value, found = dataMap[key]; found {
				return
			}
		}
		var hasParent bool
		scope, hasParent = p.parentScope(scope)
		if !hasParent {
			return nil, false
		}
	}
}

// Len returns the total number of key/values stored, across all scopes.
func (p *Params) Len() (n int) {
	for _, dataMap := range p.scopeToMap {
		n += len(dataMap)
	}
	return
}

// Enumerate enumerates all parameters stored, sorted by scope and then key, and calls the given closure with
// them.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	scopes := slices.Sorted(maps.Keys(p.scopeToMap))
	for _, scope := range scopes {
		keyValues := p.scopeToMap[scope]
		keys := slices.Sorted(maps.Keys(keyValues))
		for _, key := range keys {
			fn(scope, key, keyValues[key])
		}
	}
}
