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
	"fmt"

	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

func init() {
	register("$size", buildSize)
	register("$arrayElemAt", buildArrayElemAt)
	register("$concatArrays", buildConcatArrays)
	register("$slice", buildSlice)
	register("$in", buildIn)
	register("$isArray", buildIsArray)
}

func toArrayArg(op string, v any) (*types.Array, error) {
	a, ok := v.(*types.Array)
	if !ok {
		return nil, ivmerrors.New(
			ivmerrors.ErrCodeTypeMismatch,
			fmt.Sprintf("%s requires an array operand, got %s", op, types.KindOf(v)),
			op,
		)
	}

	return a, nil
}

func buildSize(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		v, err := arg0(args, root)
		if err != nil {
			return nil, err
		}

		a, err := toArrayArg("$size", v)
		if err != nil {
			return nil, err
		}

		return int64(a.Len()), nil
	}, nil
}

// buildArrayElemAt compiles $arrayElemAt. An out-of-bounds index resolves to
// Null, not Missing, and is not an error (spec §4.3 "OOB → null").
func buildArrayElemAt(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		av, err := argAt(args, 0, root)
		if err != nil {
			return nil, err
		}

		a, err := toArrayArg("$arrayElemAt", av)
		if err != nil {
			return nil, err
		}

		iv, err := argAt(args, 1, root)
		if err != nil {
			return nil, err
		}

		n, err := asNumberArg("$arrayElemAt", iv)
		if err != nil {
			return nil, err
		}

		idx := int(n)
		if idx < 0 {
			idx += a.Len()
		}

		if idx < 0 || idx >= a.Len() {
			return types.Null, nil
		}

		return a.Get(idx), nil
	}, nil
}

func buildConcatArrays(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		out := types.MakeArray(0)

		for _, ev := range args {
			v, err := ev(root)
			if err != nil {
				return nil, err
			}

			a, err := toArrayArg("$concatArrays", v)
			if err != nil {
				return nil, err
			}

			for i := 0; i < a.Len(); i++ {
				if err := out.Append(a.Get(i)); err != nil {
					return nil, err
				}
			}
		}

		return out, nil
	}, nil
}

// buildSlice compiles both the 2-arg ($slice: [array, n]) and 3-arg
// ($slice: [array, start, n]) forms (spec §4.3).
func buildSlice(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		av, err := argAt(args, 0, root)
		if err != nil {
			return nil, err
		}

		a, err := toArrayArg("$slice", av)
		if err != nil {
			return nil, err
		}

		n := a.Len()

		var start, count int

		if len(args) >= 3 {
			sv, err := argAt(args, 1, root)
			if err != nil {
				return nil, err
			}

			nv, err := argAt(args, 2, root)
			if err != nil {
				return nil, err
			}

			sn, err := asNumberArg("$slice", sv)
			if err != nil {
				return nil, err
			}

			cn, err := asNumberArg("$slice", nv)
			if err != nil {
				return nil, err
			}

			start = int(sn)
			count = int(cn)
		} else {
			nv, err := argAt(args, 1, root)
			if err != nil {
				return nil, err
			}

			cn, err := asNumberArg("$slice", nv)
			if err != nil {
				return nil, err
			}

			count = int(cn)

			if count < 0 {
				start = n + count
				count = -count
			}
		}

		if start < 0 {
			start = n + start
		}

		if start < 0 {
			start = 0
		}

		if start > n {
			start = n
		}

		end := start + count
		if count < 0 || end > n {
			end = n
		}

		if end < start {
			end = start
		}

		out := types.MakeArray(end - start)

		for i := start; i < end; i++ {
			if err := out.Append(a.Get(i)); err != nil {
				return nil, err
			}
		}

		return out, nil
	}, nil
}

func buildIn(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		needle, err := argAt(args, 0, root)
		if err != nil {
			return nil, err
		}

		hv, err := argAt(args, 1, root)
		if err != nil {
			return nil, err
		}

		a, err := toArrayArg("$in", hv)
		if err != nil {
			return nil, err
		}

		for i := 0; i < a.Len(); i++ {
			if types.Equal(a.Get(i), needle) {
				return true, nil
			}
		}

		return false, nil
	}, nil
}

func buildIsArray(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		v, err := arg0(args, root)
		if err != nil {
			return nil, err
		}

		_, ok := v.(*types.Array)

		return ok, nil
	}, nil
}
