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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewstream/ivm/internal/util/must"
)

// TestCompare tests edge cases of the comparison, including the cross-kind
// total order spec §3 implies (every value kind must compare against every
// other).
func TestCompare(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		a        any
		b        any
		expected int
	}{
		"IntLessThanDouble":   {a: int64(1), b: float64(2), expected: -1},
		"IntEqualsDouble":     {a: int64(2), b: float64(2), expected: 0},
		"NullEqualsNull":      {a: Null, b: Null, expected: 0},
		"MissingEqualsItself": {a: Missing, b: Missing, expected: 0},
		"NullLessThanInt":     {a: Null, b: int64(0), expected: -1},
		"MissingLessThanNull": {a: Missing, b: Null, expected: -1},
		"StringGreaterThanInt": {
			a: "a", b: int64(100), expected: 1,
		},
		"BoolGreaterThanString": {
			a: true, b: "z", expected: 1,
		},
		"FalseLessThanTrue": {a: false, b: true, expected: -1},
		"DocLessThanArray": {
			a: must.NotFail(NewDocument("a", int64(1))),
			b: must.NotFail(NewArray(int64(1))),
			expected: -1,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, Compare(tc.a, tc.b))
		})
	}
}

// TestEqualMissingVsNull asserts spec §4.3: "missing ... compares equal to
// itself and unequal to null".
func TestEqualMissingVsNull(t *testing.T) {
	t.Parallel()

	require.True(t, Equal(Missing, Missing))
	require.False(t, Equal(Missing, Null))
	require.False(t, Equal(Null, Missing))
}

func TestCompareForSortTreatsMissingAsNull(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, CompareForSort(Missing, Null, Ascending))
	require.Equal(t, 1, CompareForSort(int64(1), Null, Ascending))
	require.Equal(t, -1, CompareForSort(int64(1), Null, Descending))
}

func TestHashValueStableAndDiscriminating(t *testing.T) {
	t.Parallel()

	a := must.NotFail(NewDocument("x", int64(1), "y", "hi"))
	b := must.NotFail(NewDocument("x", int64(1), "y", "hi"))
	c := must.NotFail(NewDocument("x", int64(2), "y", "hi"))

	require.Equal(t, HashValue(a), HashValue(b))
	require.NotEqual(t, HashValue(a), HashValue(c))

	// Key order must not affect the hash (spec §3: field order is never
	// semantically significant).
	d := must.NotFail(NewDocument("y", "hi", "x", int64(1)))
	require.Equal(t, HashValue(a), HashValue(d))
}
