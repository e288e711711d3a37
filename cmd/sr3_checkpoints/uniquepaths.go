// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// minimalUniquePaths returns for each path the shortest name that distinguishes it from the others:
// the path component where it differs, or "first...last" differing components if there are more.
// A single path is named by its base name.
func minimalUniquePaths(paths ...string) []string {
	splitPaths := make([][]string, len(paths))
	for ii, p := range paths {
		splitPaths[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, components := range splitPaths {
		var diffIndexes []int
		for jj, otherComponents := range splitPaths {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(otherComponents)) {
				if components[k] != otherComponents[k] && !slices.Contains(diffIndexes, k) {
					diffIndexes = append(diffIndexes, k)
				}
			}
		}
		slices.Sort(diffIndexes)
		switch len(diffIndexes) {
		case 0:
			names[ii] = components[len(components)-1]
		case 1:
			names[ii] = components[diffIndexes[0]]
		default:
			names[ii] = components[diffIndexes[0]] + "..." + components[diffIndexes[len(diffIndexes)-1]]
		}
	}
	return names
}
