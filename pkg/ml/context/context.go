// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context holds the state of a training
// or sampling run -- hyperparameters, model variables (weights) and the random number generator --
// and is passed explicitly to the functions that need them, instead of using global state.
package context

import (
	"encoding"
	"fmt"
	"iter"
	"maps"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/internal/scoped"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/shapes"
	"github.com/piedeboer96/conditional-diffusion-ecg-signal-denoising/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Context organizes information shared by the components of a run: the noise schedule and sampler
// read their configuration from it, the denoiser stores its weights in it, the trainer and the
// optimizer store their state in it, and checkpoints save and restore it.
//
// The Context organizes 2 types of information:
//
//  1. Variables: model variables or weights, and also optimizer state.
//  2. Parameters: hyperparameters and also any arbitrary information that
//     needs sharing among the components using the Context.
//
// Both are organized in "scopes". The Context object is actually a thin wrapper that
// contains the current scope (similar to a current directory) and a link to the actual data. One can change
// scopes by using Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context. E.g:
//
//	func main() {
//		ctx := context.New()
//		ctx.SetParam("learning_rate", 1e-3)
//		...
//	}
//
//	func NewModel(ctx *context.Context) {
//		ctx = ctx.In("denoiser")  // Variables created here will be in the scope "/denoiser".
//		...
//	}
//
// A Context is not safe for concurrent mutation: variables and parameters should be set up before
// the context is shared among goroutines, which then should only read from it.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// data is shared among all references to the same Context.
	data *contextData
}

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData is the shared data among contexts with different scopes.
type contextData struct {
	params *scoped.Params

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// loader, if set, is called to check whether there is a previous value of a variable to use.
	loader Loader

	// runID uniquely identifies the run that created this context.
	runID uuid.UUID

	// rng is created lazily from ParamInitialSeed, see Context.RNG.
	rng *rand.Rand
}

// Loader can be implemented by any library providing loading of variables for
// Context. Loader implementations need to provide values on demand -- as variables are created.
//
// An example of a loader is in package checkpoints.
type Loader interface {
	// LoadVariable tries to load the variable pointed by its scope and name.
	// If it's not found, returns false, and initialization continues as usual.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)
}

const (
	// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
	ScopeSeparator = "/"

	// RootScope is the scope at the very root.
	RootScope = ScopeSeparator
)

// New returns an empty context, associated with freshly created data, and a new run ID.
func New() *Context {
	return &Context{
		scope: RootScope,
		data: &contextData{
			params:       scoped.New(ScopeSeparator),
			variablesMap: make(map[string]scopedVariableMap),
			runID:        uuid.New(),
		},
	}
}

// Clone does a deep copy of the context: variables values are cloned, parameters are copied.
// The loader is not copied, and the clone gets a new run ID.
func (ctx *Context) Clone() *Context {
	newCtx := New()
	newCtx.scope = ctx.scope
	newCtx.data.params = ctx.data.params.Clone()
	for v := range ctx.IterVariables() {
		newV := v.clone()
		newV.ctx = newCtx
		newCtx.setVariable(newV)
	}
	return newCtx
}

// RunID returns the unique identifier of the run that created this context.
// Checkpoints record it, so one can tell apart checkpoints of different runs.
func (ctx *Context) RunID() uuid.UUID {
	return ctx.data.runID
}

// SetRunID sets the run identifier, typically when resuming a run from a checkpoint.
func (ctx *Context) SetRunID(id uuid.UUID) {
	ctx.data.runID = id
}

// JoinScope and name into a single string.
// If scope is empty, name is returned.
// See also SplitScope.
func JoinScope(scope, name string) string {
	if strings.HasSuffix(scope, ScopeSeparator) {
		return scope + name
	}
	if scope == "" {
		return name
	}
	return fmt.Sprintf("%s%s%s", scope, ScopeSeparator, name)
}

// SplitScope splits the scope from the name for a combined string, typically created by JoinScope.
// If there is no scope configured, scope is set to "".
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// InAbsPath returns a new reference to the Context with the given absolute scope. It should start and have each
// element separated by ScopeSeparator. Use RootScope for the root scope.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	return &Context{scope: scopePath, data: ctx.data}
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// MustGetParam is like GetParam, but panics if the parameter is not found, or if it cannot be converted to T.
//
// It tries to cast the value to the given type. If it fails, it tries to convert the
// value to the given type (so an `int` will be converted to a `float64` transparently).
// Strings are converted to types implementing encoding.TextUnmarshaler.
func MustGetParam[T any](ctx *Context, key string) T {
	var t T
	valueAny, found := ctx.GetParam(key)
	if !found {
		exceptions.Panicf("parameter %q (of type %T) not found in scope %q (and its parents)", key, t, ctx.Scope())
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(t)
	valuePtr := reflect.New(typeOfT)
	if valuePtr.Type().Implements(textUnmarshalerType) && v.Kind() == reflect.String {
		if err := valuePtr.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(v.String())); err != nil {
			exceptions.Panicf("parameter %q: can't UnmarshalText %q to %s: %v", key, v.String(), typeOfT, err)
		}
		return valuePtr.Elem().Interface().(T)
	}
	if !v.IsValid() || !v.CanConvert(typeOfT) {
		exceptions.Panicf("MustGetParam/GetParamOr[%T](ctx, %q): ctx(scope=%q)[%q]=(%T) %#v, and cannot be converted to %T",
			t, key, ctx.Scope(), key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found or the key is set to nil, it returns the given default value.
//
// Conversion follows the same rules as MustGetParam.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	return MustGetParam[T](ctx, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
//
// Note: parameters are saved in checkpoints using Json encoding. This works well for
// `string`, `float64`, `int` and `bool`, but other types may be restored with a different type.
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// SetParams sets a collection of parameters in the current scope.
func (ctx *Context) SetParams(keyValues map[string]any) {
	for key, value := range keyValues {
		ctx.data.params.Set(ctx.scope, key, value)
	}
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// Loader returns the current loader, or nil if none is set.
func (ctx *Context) Loader() Loader {
	return ctx.data.loader
}

// SetLoader configures the loader to use when creating variables. See Loader.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// VariableWithShape returns the variable with the given name in the current scope. If it doesn't exist yet,
// it is created: with the value provided by the Loader, if there is one, or by calling initializer otherwise.
//
// If the variable already exists (or is loaded) with a different shape, it panics.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape, initializer VariableInitializer) *Variable {
	if v := ctx.GetVariable(name); v != nil {
		if !v.Shape().Equal(shape) {
			exceptions.Panicf("variable %q in scope %q exists with shape %s, but requested shape %s",
				name, ctx.scope, v.Shape(), shape)
		}
		return v
	}
	var value *tensors.Tensor
	if ctx.data.loader != nil {
		if loaded, found := ctx.data.loader.LoadVariable(ctx, ctx.scope, name); found {
			if !loaded.Shape().Equal(shape) {
				exceptions.Panicf("loaded variable %q in scope %q has shape %s, but requested shape %s",
					name, ctx.scope, loaded.Shape(), shape)
			}
			value = loaded
		}
	}
	if value == nil {
		if initializer == nil {
			initializer = ZeroInitializer
		}
		value = initializer(ctx, shape)
	}
	v := &Variable{ctx: ctx, scope: ctx.scope, name: name, Trainable: true, value: value}
	ctx.setVariable(v)
	return v
}

// VariableWithValue returns the variable with the given name in the current scope, creating it with the given
// value (or the one provided by the Loader) if it doesn't exist yet.
func (ctx *Context) VariableWithValue(name string, value *tensors.Tensor) *Variable {
	return ctx.VariableWithShape(name, value.Shape(), func(_ *Context, _ shapes.Shape) *tensors.Tensor {
		return value.Clone()
	})
}

func (ctx *Context) setVariable(v *Variable) {
	vars, found := ctx.data.variablesMap[v.scope]
	if !found {
		vars = make(scopedVariableMap)
		ctx.data.variablesMap[v.scope] = vars
	}
	vars[v.name] = v
}

// GetVariableByScopeAndName returns the variable with the given scope and name, or nil if it doesn't exist.
func (ctx *Context) GetVariableByScopeAndName(scope, name string) *Variable {
	vars, found := ctx.data.variablesMap[scope]
	if !found {
		return nil
	}
	return vars[name]
}

// GetVariable returns the variable in the current scope, or nil if it doesn't exist.
func (ctx *Context) GetVariable(name string) *Variable {
	return ctx.GetVariableByScopeAndName(ctx.scope, name)
}

// DeleteVariable removes the variable with the given scope and name. It is a no-op if it doesn't exist.
func (ctx *Context) DeleteVariable(scope, name string) {
	vars, found := ctx.data.variablesMap[scope]
	if !found {
		return
	}
	delete(vars, name)
	if len(vars) == 0 {
		delete(ctx.data.variablesMap, scope)
	}
}

// IterVariables iterates over all variables in all scopes, sorted by scope and name.
func (ctx *Context) IterVariables() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		scopes := slices.Sorted(maps.Keys(ctx.data.variablesMap))
		for _, scope := range scopes {
			vars := ctx.data.variablesMap[scope]
			names := slices.Sorted(maps.Keys(vars))
			for _, name := range names {
				if !yield(vars[name]) {
					return
				}
			}
		}
	}
}

// IterVariablesInScope iterates over the variables in the current scope and its sub-scopes.
func (ctx *Context) IterVariablesInScope() iter.Seq[*Variable] {
	return func(yield func(*Variable) bool) {
		for v := range ctx.IterVariables() {
			if v.scope == ctx.scope || ctx.scope == RootScope ||
				strings.HasPrefix(v.scope, ctx.scope+ScopeSeparator) {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// NumVariables returns the number of variables in the context.
func (ctx *Context) NumVariables() (n int) {
	for _, vars := range ctx.data.variablesMap {
		n += len(vars)
	}
	return
}

// NumParameters returns the summed size of all trainable variables, that is, the number of trainable
// scalar values.
func (ctx *Context) NumParameters() (n int) {
	for v := range ctx.IterVariables() {
		if v.Trainable {
			n += v.Shape().Size()
		}
	}
	return
}

// Memory returns the total number of bytes used by the variables values.
func (ctx *Context) Memory() (memory uintptr) {
	for v := range ctx.IterVariables() {
		memory += v.Shape().Memory()
	}
	return
}

// CheckVariablesFinite returns an error naming the first variable with a NaN or infinite value.
func (ctx *Context) CheckVariablesFinite() error {
	for v := range ctx.IterVariables() {
		if !v.value.IsFinite() {
			return errors.Errorf("variable %q has non-finite values", v.ScopeAndName())
		}
	}
	return nil
}
