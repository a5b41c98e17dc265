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

package expr

import (
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

func init() {
	register("$eq", buildComparison(func(c int) bool { return c == 0 }))
	register("$ne", buildComparison(func(c int) bool { return c != 0 }))
	register("$gt", buildComparison(func(c int) bool { return c > 0 }))
	register("$gte", buildComparison(func(c int) bool { return c >= 0 }))
	register("$lt", buildComparison(func(c int) bool { return c < 0 }))
	register("$lte", buildComparison(func(c int) bool { return c <= 0 }))
	register("$and", buildLogical(true))
	register("$or", buildLogical(false))
	register("$not", buildNot)
	register("$cond", buildCond)
	register("$ifNull", buildIfNull)
}

func truthy(v any) bool {
	switch types.KindOf(v) {
	case types.KindMissing, types.KindNull:
		return false
	case types.KindBool:
		return v.(bool)
	default:
		return true
	}
}

func buildComparison(pred func(c int) bool) builder {
	return func(c *Compiler, arg any) (Evaluator, error) {
		args, err := c.compileArgs(arg)
		if err != nil {
			return nil, err
		}

		return func(root *types.Document) (any, error) {
			av, err := argAt(args, 0, root)
			if err != nil {
				return nil, err
			}

			bv, err := argAt(args, 1, root)
			if err != nil {
				return nil, err
			}

			return pred(types.Compare(av, bv)), nil
		}, nil
	}
}

// buildLogical builds $and ($and=true) and $or ($and=false). Both
// short-circuit and, per spec §4.3, return a bool.
func buildLogical(isAnd bool) builder {
	return func(c *Compiler, arg any) (Evaluator, error) {
		args, err := c.compileArgs(arg)
		if err != nil {
			return nil, err
		}

		return func(root *types.Document) (any, error) {
			for _, a := range args {
				v, err := a(root)
				if err != nil {
					return nil, err
				}

				if truthy(v) != isAnd {
					return !isAnd, nil
				}
			}

			return isAnd, nil
		}, nil
	}
}

func buildNot(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		v, err := arg0(args, root)
		if err != nil {
			return nil, err
		}

		return !truthy(v), nil
	}, nil
}

// buildCond compiles $cond, which accepts either a 3-element array
// [if, then, else] or a {if, then, else} document (spec §4.3).
func buildCond(c *Compiler, arg any) (Evaluator, error) {
	var ifE, thenE, elseE Evaluator

	switch a := arg.(type) {
	case *types.Array:
		if a.Len() != 3 {
			return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$cond requires exactly 3 arguments", "$cond")
		}

		var err error

		if ifE, err = c.Compile(a.Get(0)); err != nil {
			return nil, err
		}

		if thenE, err = c.Compile(a.Get(1)); err != nil {
			return nil, err
		}

		if elseE, err = c.Compile(a.Get(2)); err != nil {
			return nil, err
		}
	case *types.Document:
		for _, field := range []struct {
			key string
			dst *Evaluator
		}{
			{"if", &ifE}, {"then", &thenE}, {"else", &elseE},
		} {
			v, ok := a.Get(field.key)
			if !ok {
				return nil, ivmerrors.New(
					ivmerrors.ErrCodeInvalidStageSpec,
					"$cond requires if, then, and else fields",
					"$cond",
				)
			}

			ev, err := c.Compile(v)
			if err != nil {
				return nil, err
			}

			*field.dst = ev
		}
	default:
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$cond requires an array or document argument", "$cond")
	}

	return func(root *types.Document) (any, error) {
		cond, err := ifE(root)
		if err != nil {
			return nil, err
		}

		if truthy(cond) {
			return thenE(root)
		}

		return elseE(root)
	}, nil
}

// buildIfNull compiles $ifNull: the first non-missing, non-null argument
// wins; the last argument is the fallback if all prior ones are nullish
// (spec §4.3).
func buildIfNull(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		var last any = types.Null

		for _, a := range args {
			v, err := a(root)
			if err != nil {
				return nil, err
			}

			last = v

			k := types.KindOf(v)
			if k != types.KindMissing && k != types.KindNull {
				return v, nil
			}
		}

		return last, nil
	}, nil
}
