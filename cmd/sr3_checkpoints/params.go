// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
)

type scopeKey struct{ Scope, Key string }

// Params prints the hyperparameters of the checkpoints, one column per checkpoint. Rows where
// the values differ are highlighted.
func Params(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := newTableWithReds(true)
	headers := []string{"Scope", "Name", "Type"}
	if len(names) == 1 {
		headers = append(headers, "Value")
	} else {
		headers = append(headers, names...)
	}
	table.Table.Headers(headers...)
	for _, row := range paramsRows(ctxs) {
		table.Row(!isAllEqual(row[3:]), row...)
	}
	fmt.Println(table.Table.Render())
}

// paramsRows returns one row per parameter set in any of the contexts: scope, key, type and the
// value in each context (empty if not set). Rows are sorted by scope and key.
func paramsRows(ctxs []*context.Context) [][]string {
	seen := make(map[scopeKey]bool)
	var scopeKeys []scopeKey
	for _, ctx := range ctxs {
		ctx.EnumerateParams(func(scope, key string, _ any) {
			sk := scopeKey{Scope: scope, Key: key}
			if !seen[sk] {
				seen[sk] = true
				scopeKeys = append(scopeKeys, sk)
			}
		})
	}
	slices.SortFunc(scopeKeys, func(a, b scopeKey) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})

	rows := make([][]string, 0, len(scopeKeys))
	for _, sk := range scopeKeys {
		row := make([]string, 3+len(ctxs))
		row[0], row[1] = sk.Scope, sk.Key
		for ii, ctx := range ctxs {
			value, found := ctx.InAbsPath(sk.Scope).GetParam(sk.Key)
			if !found {
				continue
			}
			if row[2] == "" {
				row[2] = fmt.Sprintf("%T", value)
			}
			row[3+ii] = fmt.Sprintf("%v", value)
		}
		rows = append(rows, row)
	}
	return rows
}
