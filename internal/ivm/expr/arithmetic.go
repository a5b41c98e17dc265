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
	"math"

	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

func init() {
	register("$add", buildVariadicNumeric("$add", 0, func(acc, v float64) float64 { return acc + v }))
	register("$multiply", buildVariadicNumeric("$multiply", 1, func(acc, v float64) float64 { return acc * v }))
	register("$subtract", buildBinaryNumeric("$subtract", func(a, b float64) (float64, error) { return a - b, nil }))
	register("$divide", buildBinaryNumeric("$divide", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, ivmerrors.New(ivmerrors.ErrCodeDivideByZero, "$divide by zero", "$divide")
		}

		return a / b, nil
	}))
	register("$mod", buildBinaryNumeric("$mod", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, ivmerrors.New(ivmerrors.ErrCodeDivideByZero, "$mod by zero", "$mod")
		}

		return math.Mod(a, b), nil
	}))
	register("$abs", buildUnaryNumeric("$abs", math.Abs))
	register("$ceil", buildUnaryNumeric("$ceil", math.Ceil))
	register("$floor", buildUnaryNumeric("$floor", math.Floor))
	register("$round", buildUnaryNumeric("$round", math.Round))
	register("$sqrt", buildUnaryNumeric("$sqrt", math.Sqrt))
}

// toNumber requires v to be an int64 or float64, per spec §4.3's numeric
// operators; anything else is an evaluation error (spec §7), not a panic.
func toNumber(op string, v any) (float64, bool, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	default:
		return 0, false, ivmerrors.New(
			ivmerrors.ErrCodeTypeMismatch,
			fmt.Sprintf("%s requires numeric operands, got %s", op, types.KindOf(v)),
			op,
		)
	}
}

// resultValue returns r as an int64 when the operation's inputs were all
// integral and the result is exact, otherwise as a float64 ("integer
// operands yield integer results when exact; division always yields
// double", spec §4.3).
func resultValue(r float64, allInt bool) any {
	if allInt && r == math.Trunc(r) && !math.IsInf(r, 0) {
		return int64(r)
	}

	return r
}

func buildUnaryNumeric(op string, fn func(float64) float64) builder {
	return func(c *Compiler, arg any) (Evaluator, error) {
		args, err := c.compileArgs(arg)
		if err != nil {
			return nil, err
		}

		return func(root *types.Document) (any, error) {
			v, err := arg0(args, root)
			if err != nil {
				return nil, err
			}

			n, isInt, err := toNumber(op, v)
			if err != nil {
				return nil, err
			}

			r := fn(n)

			// $abs/$ceil/$floor/$round preserve integral-ness; $sqrt never does.
			preserveInt := isInt && op != "$sqrt"

			return resultValue(r, preserveInt), nil
		}, nil
	}
}

func buildBinaryNumeric(op string, fn func(a, b float64) (float64, error)) builder {
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

			a, aInt, err := toNumber(op, av)
			if err != nil {
				return nil, err
			}

			b, bInt, err := toNumber(op, bv)
			if err != nil {
				return nil, err
			}

			r, err := fn(a, b)
			if err != nil {
				return nil, err
			}

			if op == "$divide" {
				return r, nil
			}

			return resultValue(r, aInt && bInt), nil
		}, nil
	}
}

func buildVariadicNumeric(op string, identity float64, fn func(acc, v float64) float64) builder {
	return func(c *Compiler, arg any) (Evaluator, error) {
		args, err := c.compileArgs(arg)
		if err != nil {
			return nil, err
		}

		return func(root *types.Document) (any, error) {
			acc := identity
			allInt := true

			for _, a := range args {
				v, err := a(root)
				if err != nil {
					return nil, err
				}

				n, isInt, err := toNumber(op, v)
				if err != nil {
					return nil, err
				}

				allInt = allInt && isInt
				acc = fn(acc, n)
			}

			return resultValue(acc, allInt), nil
		}, nil
	}
}
