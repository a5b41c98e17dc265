// Copyright 2021 FerretDB Inc.
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

// Package expr implements the engine's expression compiler (spec §4.3):
// expression trees are lowered once, at pipeline build time, into Go
// closures, so that re-evaluating an expression on every delta never
// re-walks the tree. Every operator spec.md lists must be covered here;
// an operator the compiler does not recognize is reported to the
// [FallbackTracker] and fails compilation, rather than being silently
// approximated, and the driver counts it (spec §6, §7, §8).
package expr

import (
	"fmt"

	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

// Evaluator is a compiled expression: a closure over the expression tree
// that evaluates against a document. root is the document $$ROOT/$$CURRENT
// resolve to; for every expression in this engine's scope the two are the
// same document (spec has no $map/$filter sub-scoping), but both names are
// kept to document intent.
type Evaluator func(root *types.Document) (any, error)

// FallbackTracker receives one call every time the compiler meets an
// unrecognized operator name, for which it has no compiled closure; the
// compilation then fails with an error (spec §6 "getFallbackCount", §8
// "Zero fallback").
type FallbackTracker interface {
	IncFallback(operator string)
}

// Compiler lowers expression trees to [Evaluator] closures.
type Compiler struct {
	fallback FallbackTracker
}

// NewCompiler returns a Compiler that reports fallbacks to tracker.
func NewCompiler(tracker FallbackTracker) *Compiler {
	return &Compiler{fallback: tracker}
}

// Compile lowers expr (a value already decoded into the engine's document
// model: string, *types.Document, *types.Array, or a scalar) into an
// [Evaluator].
func (c *Compiler) Compile(expr any) (Evaluator, error) {
	switch e := expr.(type) {
	case string:
		return c.compileString(e)
	case *types.Document:
		return c.compileDocument(e)
	case *types.Array:
		return c.compileArrayLiteral(e)
	case nil, types.ValueKind:
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "nil expression", "")
	default:
		// Scalars (int64, float64, bool) and types.Null evaluate to themselves.
		return func(*types.Document) (any, error) { return expr, nil }, nil
	}
}

// compileString handles field paths ("$a.b"), $$ROOT, $$CURRENT, and plain
// string literals (spec §4.3 "Field access").
func (c *Compiler) compileString(s string) (Evaluator, error) {
	switch {
	case s == "$$ROOT" || s == "$$CURRENT":
		return func(root *types.Document) (any, error) { return root, nil }, nil
	case len(s) > 1 && s[0] == '$':
		path := s[1:]
		return func(root *types.Document) (any, error) {
			return root.GetByPath(path), nil
		}, nil
	default:
		return func(*types.Document) (any, error) { return s, nil }, nil
	}
}

// compileArrayLiteral compiles each element so that array literals used as
// plain values (e.g. inside $concatArrays' arguments, or a $project value
// that happens to be an array) still resolve any nested field paths.
func (c *Compiler) compileArrayLiteral(a *types.Array) (Evaluator, error) {
	elems := make([]Evaluator, a.Len())

	for i := 0; i < a.Len(); i++ {
		ev, err := c.Compile(a.Get(i))
		if err != nil {
			return nil, err
		}

		elems[i] = ev
	}

	return func(root *types.Document) (any, error) {
		out := types.MakeArray(len(elems))

		for _, ev := range elems {
			v, err := ev(root)
			if err != nil {
				return nil, err
			}

			if err := out.Append(normalize(v)); err != nil {
				return nil, err
			}
		}

		return out, nil
	}, nil
}

// compileDocument compiles a document expression: either a single-key
// operator invocation ("$add": [...]), or a literal document whose fields
// are themselves compiled (so {a: 1, b: "$x"} works as a $project/$addFields
// value or a $group _id spec).
func (c *Compiler) compileDocument(d *types.Document) (Evaluator, error) {
	if d.Len() == 1 {
		key := d.Command()

		if len(key) > 0 && key[0] == '$' {
			val, _ := d.Get(key)

			return c.compileOperator(key, val)
		}
	}

	fields := make([]string, 0, d.Len())
	evals := make([]Evaluator, 0, d.Len())

	for _, k := range d.Keys() {
		v, _ := d.Get(k)

		ev, err := c.Compile(v)
		if err != nil {
			return nil, err
		}

		fields = append(fields, k)
		evals = append(evals, ev)
	}

	return func(root *types.Document) (any, error) {
		out := types.MakeDocument(len(fields))

		for i, f := range fields {
			v, err := evals[i](root)
			if err != nil {
				return nil, err
			}

			if err := out.Set(f, normalize(v)); err != nil {
				return nil, err
			}
		}

		return out, nil
	}, nil
}

// compileOperator dispatches a single-key operator document to its builder,
// or to the fallback path if the operator name is unrecognized.
func (c *Compiler) compileOperator(name string, arg any) (Evaluator, error) {
	build, ok := registry[name]
	if !ok {
		if c.fallback != nil {
			c.fallback.IncFallback(name)
		}

		return nil, ivmerrors.New(
			ivmerrors.ErrCodeInvalidStageSpec,
			fmt.Sprintf("unsupported expression operator %q", name),
			name,
		)
	}

	return build(c, arg)
}

// compileArgs normalizes an operator's raw argument into a compiled
// argument list: an *types.Array becomes one Evaluator per element; any
// other value becomes a single-element list. Exported to sibling files via
// the unexported method name (same package).
func (c *Compiler) compileArgs(arg any) ([]Evaluator, error) {
	if a, ok := arg.(*types.Array); ok {
		out := make([]Evaluator, a.Len())

		for i := 0; i < a.Len(); i++ {
			ev, err := c.Compile(a.Get(i))
			if err != nil {
				return nil, err
			}

			out[i] = ev
		}

		return out, nil
	}

	ev, err := c.Compile(arg)
	if err != nil {
		return nil, err
	}

	return []Evaluator{ev}, nil
}

// normalize maps a raw Go value coming out of an operator implementation
// (which may use plain int/float literals for convenience) to the engine's
// value model.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// builder is the signature every operator implementation registers under
// its MongoDB-style name. arg is the operator's raw, not-yet-compiled
// argument (an *types.Array for multi-arg operators, a *types.Document for
// operators like $cond that also accept a named-field form, or a scalar/
// string for single-argument operators); builders call back into c to
// compile whatever sub-expressions they need.
type builder func(c *Compiler, arg any) (Evaluator, error)

// registry holds every operator spec.md §4.3 requires, populated by the
// init() functions in this package's sibling files (arithmetic.go, logic.go,
// strings.go, arrays.go, date.go).
var registry = map[string]builder{}

// register adds name to the compiled operator registry. It panics on
// duplicate registration, which would indicate a programming error, not a
// runtime condition.
func register(name string, b builder) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("expr: operator %q already registered", name))
	}

	registry[name] = b
}

// asNumberArg converts v to float64 for operators that take a numeric
// position argument (array indices, slice lengths, date components),
// returning an evaluation error instead of panicking on a non-numeric input.
func asNumberArg(op string, v any) (float64, error) {
	if !types.IsNumber(v) {
		return 0, ivmerrors.New(
			ivmerrors.ErrCodeTypeMismatch,
			fmt.Sprintf("%s requires a numeric operand, got %s", op, types.KindOf(v)),
			op,
		)
	}

	return types.AsFloat64(v), nil
}

// arg0 evaluates the first compiled argument, defaulting to Missing if the
// operator was invoked with no arguments at all.
func arg0(args []Evaluator, root *types.Document) (any, error) {
	if len(args) == 0 {
		return types.Missing, nil
	}

	return args[0](root)
}

func argAt(args []Evaluator, i int, root *types.Document) (any, error) {
	if i >= len(args) {
		return types.Missing, nil
	}

	return args[i](root)
}
