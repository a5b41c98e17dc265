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
	"strings"

	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

func init() {
	register("$toUpper", buildUnaryString(strings.ToUpper))
	register("$toLower", buildUnaryString(strings.ToLower))
	register("$trim", buildUnaryString(strings.TrimSpace))
	register("$concat", buildConcat)
	register("$split", buildSplit)
	register("$strLen", buildStrLen)
	register("$substr", buildSubstr)
}

func toStringArg(op string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", ivmerrors.New(
			ivmerrors.ErrCodeTypeMismatch,
			fmt.Sprintf("%s requires a string operand, got %s", op, types.KindOf(v)),
			op,
		)
	}

	return s, nil
}

func buildUnaryString(fn func(string) string) builder {
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

			s, err := toStringArg("string operator", v)
			if err != nil {
				return nil, err
			}

			return fn(s), nil
		}, nil
	}
}

func buildConcat(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		var b strings.Builder

		for _, a := range args {
			v, err := a(root)
			if err != nil {
				return nil, err
			}

			s, err := toStringArg("$concat", v)
			if err != nil {
				return nil, err
			}

			b.WriteString(s)
		}

		return b.String(), nil
	}, nil
}

func buildSplit(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		sv, err := argAt(args, 0, root)
		if err != nil {
			return nil, err
		}

		dv, err := argAt(args, 1, root)
		if err != nil {
			return nil, err
		}

		s, err := toStringArg("$split", sv)
		if err != nil {
			return nil, err
		}

		delim, err := toStringArg("$split", dv)
		if err != nil {
			return nil, err
		}

		parts := strings.Split(s, delim)
		out := types.MakeArray(len(parts))

		for _, p := range parts {
			if err := out.Append(p); err != nil {
				return nil, err
			}
		}

		return out, nil
	}, nil
}

func buildStrLen(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		v, err := arg0(args, root)
		if err != nil {
			return nil, err
		}

		s, err := toStringArg("$strLen", v)
		if err != nil {
			return nil, err
		}

		return int64(len(s)), nil
	}, nil
}

// buildSubstr compiles $substr(string, start, length). A negative or
// out-of-range start/length clamps to the string's bounds rather than
// erroring, matching MongoDB's lenient behavior.
func buildSubstr(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		sv, err := argAt(args, 0, root)
		if err != nil {
			return nil, err
		}

		s, err := toStringArg("$substr", sv)
		if err != nil {
			return nil, err
		}

		startV, err := argAt(args, 1, root)
		if err != nil {
			return nil, err
		}

		lenV, err := argAt(args, 2, root)
		if err != nil {
			return nil, err
		}

		startN, err := asNumberArg("$substr", startV)
		if err != nil {
			return nil, err
		}

		lenN, err := asNumberArg("$substr", lenV)
		if err != nil {
			return nil, err
		}

		start := int(startN)
		if start < 0 {
			start = 0
		}

		if start > len(s) {
			start = len(s)
		}

		length := int(lenN)
		if length < 0 || start+length > len(s) {
			length = len(s) - start
		}

		return s[start : start+length], nil
	}, nil
}
