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

package types

import "golang.org/x/exp/constraints"

// ClampNonNegative returns n if it is non-negative, else the zero value.
// $limit/$skip/$topK accept their size argument as whatever numeric BSON
// type the caller used (int32, int64, double); callers normalize to a
// signed Go integer first and clamp here rather than erroring, matching
// MongoDB's own tolerance of a negative count meaning "none".
func ClampNonNegative[T constraints.Integer](n T) T {
	if n < 0 {
		return 0
	}

	return n
}

// MinInt returns the smaller of a and b.
func MinInt[T constraints.Integer](a, b T) T {
	if a < b {
		return a
	}

	return b
}
