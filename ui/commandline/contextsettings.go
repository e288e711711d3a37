// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/ml/context"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/support/fsutil"
)

// DefaultSettingsFlag is the name of the flag created by CreateContextSettingsFlag if none is given.
const DefaultSettingsFlag = "set"

// ParseContextSettings parses settings, typically the value of the flag created by CreateContextSettingsFlag,
// into hyperparameters of ctx. The format is a list of "param=value" separated by ";".
// E.g.: "diffusion_num_steps=1000;optimizer_adam_learning_rate=1e-4".
//
// Each parameter must already be set with a default value in the root scope of ctx: the default value
// also defines the type the string is parsed to. A parameter can be set in a sub-scope with an absolute path,
// e.g. "/denoiser/activation_x=swish".
//
// An element "file:<path>" reads settings from the file, one or more per line, and lines starting
// with "#" are ignored.
//
// For integer types "_" can be used as a digit separator, like in Go: 1_000_000 = 1000000.
//
// It returns the list of parameter paths set, in order.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return nil, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set parameter %q: scoped parameters must use an absolute path (starting with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errors.Errorf("can't set parameter %q: %q is not a known parameter in the root scope",
			paramPath, paramName)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
			if err != nil {
				return nil, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr to the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](withoutDigitSeparators(valueStr))
	case int32:
		return parseJSON[int32](withoutDigitSeparators(valueStr))
	case int64:
		return parseJSON[int64](withoutDigitSeparators(valueStr))
	case uint64:
		return parseJSON[uint64](withoutDigitSeparators(valueStr))
	case float64:
		return parseJSON[float64](valueStr)
	case float32:
		return parseJSON[float32](valueStr)
	case bool:
		return parseJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	default:
		return nil, errors.Errorf("don't know how to parse parameters of type %T", defaultValue)
	}
}

func withoutDigitSeparators(valueStr string) string {
	return strings.ReplaceAll(valueStr, "_", "")
}

func parseJSON[T any](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, errors.WithStack(err)
}

func parseList[T any](valueStr string, isInteger bool) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, len(parts))
	for ii, part := range parts {
		if isInteger {
			part = withoutDigitSeparators(part)
		}
		v, err := parseJSON[T](strings.TrimSpace(part))
		if err != nil {
			return nil, errors.WithMessagef(err, "element #%d", ii)
		}
		values[ii] = v
	}
	return values, nil
}

// CreateContextSettingsFlag creates a string flag named flagName (DefaultSettingsFlag if empty), whose
// usage lists the parameters defined in the root scope of ctx and their default values.
//
// It must be called before flag.Parse(). Example:
//
//	func main() {
//		ctx := createDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
//		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
//		...
//	}
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = DefaultSettingsFlag
	}
	parts := []string{fmt.Sprintf(
		`Set context hyperparameters, as a list of "param=value" separated by ";". `+
			`Parameters in sub-scopes can be set with an absolute path, using %q as scope separator. `+
			`An element "file:<path>" reads the settings from a file, with new-lines working as ";" `+
			`and lines starting with "#" ignored. Available parameters:`,
		context.ScopeSeparator)}
	var rootParams []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		rootParams = append(rootParams, fmt.Sprintf("%q: default value is %v", key, value))
	})
	slices.Sort(rootParams)
	parts = append(parts, rootParams...)
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-prints all hyperparameters of ctx, one per line.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", context.JoinScope(scope, key), value, value))
	})
	slices.Sort(parts)
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints only the hyperparameters in paramsSet, as returned by
// ParseContextSettings.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
