// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression is the eval<T> boundary: every input/output
// template, condition, and iterable expression in an act statement
// passes through here. A single compile-and-cache evaluator backs all
// of it, genericized over the expected return type instead of being
// hardcoded to bool.
package expression

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tombee/acts/pkg/acterr"
)

// Evaluator compiles and caches expr-lang programs keyed by source text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator returns a ready-to-use Evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// builtins are merged into every evaluation env; they match the helper
// surface actual workflow expressions lean on most: membership, length,
// and safe-navigation-style presence checks.
var builtins = map[string]any{
	"has": func(m map[string]any, key string) bool {
		_, ok := m[key]
		return ok
	},
	"includes": func(haystack []any, needle any) bool {
		for _, v := range haystack {
			if v == needle {
				return true
			}
		}
		return false
	},
	"length": func(v any) int {
		switch x := v.(type) {
		case string:
			return len(x)
		case []any:
			return len(x)
		case map[string]any:
			return len(x)
		default:
			return 0
		}
	},
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	env := make(map[string]any, len(builtins))
	for k, v := range builtins {
		env[k] = v
	}
	program, err := expr.Compile(source, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, &acterr.ScriptError{Expr: source, Cause: err}
	}

	e.mu.Lock()
	e.cache[source] = program
	e.mu.Unlock()
	return program, nil
}

// Eval compiles (or reuses the cached compile of) source, runs it
// against vars merged with the builtin helpers, and type-asserts the
// result to T.
func Eval[T any](e *Evaluator, source string, vars map[string]any) (T, error) {
	var zero T
	program, err := e.compile(source)
	if err != nil {
		return zero, err
	}

	env := make(map[string]any, len(vars)+len(builtins))
	for k, v := range builtins {
		env[k] = v
	}
	for k, v := range vars {
		env[k] = v
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return zero, &acterr.ScriptError{Expr: source, Cause: err}
	}
	typed, ok := result.(T)
	if !ok {
		return zero, &acterr.ScriptError{Expr: source, Cause: errNotType{want: zero}}
	}
	return typed, nil
}

type errNotType struct{ want any }

func (e errNotType) Error() string { return "result does not match expected type" }
