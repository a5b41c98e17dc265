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
	"time"

	"github.com/viewstream/ivm/internal/ivm/types"
)

// This engine has no dedicated date value kind (an Open Question, resolved
// in DESIGN.md): a date is an int64 holding milliseconds since the Unix
// epoch, the same representation MongoDB uses on the wire for BSON dates.
// $month is not among spec.md's required operators; it is supplemental,
// added so that a pipeline can group on the calendar month of a date field.
func init() {
	register("$month", buildMonth)
}

func buildMonth(c *Compiler, arg any) (Evaluator, error) {
	args, err := c.compileArgs(arg)
	if err != nil {
		return nil, err
	}

	return func(root *types.Document) (any, error) {
		v, err := arg0(args, root)
		if err != nil {
			return nil, err
		}

		n, err := asNumberArg("$month", v)
		if err != nil {
			return nil, err
		}

		t := time.UnixMilli(int64(n)).UTC()

		return int64(t.Month()), nil
	}, nil
}
