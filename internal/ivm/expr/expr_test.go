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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/util/must"
)

// fakeTracker counts IncFallback calls without needing the engine package,
// keeping this test free of an import cycle.
type fakeTracker struct {
	calls []string
}

func (f *fakeTracker) IncFallback(operator string) {
	f.calls = append(f.calls, operator)
}

func compileAndRun(t *testing.T, tracker FallbackTracker, exprDoc any, root *types.Document) (any, error) {
	t.Helper()

	c := NewCompiler(tracker)

	ev, err := c.Compile(exprDoc)
	require.NoError(t, err)

	return ev(root)
}

func TestFieldAccess(t *testing.T) {
	t.Parallel()

	root := must.NotFail(types.NewDocument(
		"a", must.NotFail(types.NewDocument("b", int64(5))),
		"xs", must.NotFail(types.NewArray(int64(1), int64(2))),
	))

	for name, tc := range map[string]struct {
		expr     any
		expected any
	}{
		"Root":       {expr: "$$ROOT", expected: root},
		"Current":    {expr: "$$CURRENT", expected: root},
		"NestedPath": {expr: "$a.b", expected: int64(5)},
		"ArrayIndex": {expr: "$xs.1", expected: int64(2)},
		"Missing":    {expr: "$nope", expected: types.Missing},
		"Literal":    {expr: "plainstring", expected: "plainstring"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			v, err := compileAndRun(t, nil, tc.expr, root)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, v)
		})
	}
}

func TestArithmeticIntPreservation(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$add", must.NotFail(types.NewArray(int64(1), int64(2))))), root)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = compileAndRun(t, nil, must.NotFail(types.NewDocument("$add", must.NotFail(types.NewArray(int64(1), float64(2))))), root)
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)
}

func TestDivideByZero(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	_, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$divide", must.NotFail(types.NewArray(int64(4), int64(0))))), root)
	assert.Error(t, err)
}

func TestModByZero(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	_, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$mod", must.NotFail(types.NewArray(int64(4), int64(0))))), root)
	assert.Error(t, err)
}

func TestLogicalShortCircuit(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$and", must.NotFail(types.NewArray(true, false, true)))), root)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = compileAndRun(t, nil, must.NotFail(types.NewDocument("$or", must.NotFail(types.NewArray(false, true, false)))), root)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestCondArrayForm(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$cond", must.NotFail(types.NewArray(true, "yes", "no")))), root)
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}

func TestCondDocumentForm(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	condArg := must.NotFail(types.NewDocument("if", false, "then", "yes", "else", "no"))

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$cond", condArg)), root)
	require.NoError(t, err)
	assert.Equal(t, "no", v)
}

func TestIfNullSkipsMissingAndNull(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument(
		"$ifNull", must.NotFail(types.NewArray("$nope", types.Null, "fallback")),
	)), root)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestArrayElemAtOutOfBoundsReturnsNull(t *testing.T) {
	t.Parallel()

	root := must.NotFail(types.NewDocument("xs", must.NotFail(types.NewArray(int64(1), int64(2)))))

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument(
		"$arrayElemAt", must.NotFail(types.NewArray("$xs", int64(5))),
	)), root)
	require.NoError(t, err)
	assert.Equal(t, types.Null, v)
}

func TestArrayElemAtNegativeIndex(t *testing.T) {
	t.Parallel()

	root := must.NotFail(types.NewDocument("xs", must.NotFail(types.NewArray(int64(1), int64(2), int64(3)))))

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument(
		"$arrayElemAt", must.NotFail(types.NewArray("$xs", int64(-1))),
	)), root)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestSliceTwoArgForm(t *testing.T) {
	t.Parallel()

	root := must.NotFail(types.NewDocument("xs", must.NotFail(types.NewArray(int64(1), int64(2), int64(3), int64(4)))))

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument(
		"$slice", must.NotFail(types.NewArray("$xs", int64(2))),
	)), root)
	require.NoError(t, err)

	a, ok := v.(*types.Array)
	require.True(t, ok)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, int64(1), a.Get(0))
}

func TestSliceThreeArgForm(t *testing.T) {
	t.Parallel()

	root := must.NotFail(types.NewDocument("xs", must.NotFail(types.NewArray(int64(1), int64(2), int64(3), int64(4)))))

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument(
		"$slice", must.NotFail(types.NewArray("$xs", int64(1), int64(2))),
	)), root)
	require.NoError(t, err)

	a, ok := v.(*types.Array)
	require.True(t, ok)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, int64(2), a.Get(0))
	assert.Equal(t, int64(3), a.Get(1))
}

func TestStringOperators(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$toUpper", "hi")), root)
	require.NoError(t, err)
	assert.Equal(t, "HI", v)

	v, err = compileAndRun(t, nil, must.NotFail(types.NewDocument(
		"$concat", must.NotFail(types.NewArray("a", "b", "c")),
	)), root)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

func TestMonthExtractsCalendarMonth(t *testing.T) {
	t.Parallel()

	root := types.MakeDocument(0)

	// 2024-03-15T00:00:00Z.
	v, err := compileAndRun(t, nil, must.NotFail(types.NewDocument("$month", int64(1710460800000))), root)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestUnknownOperatorFallsBack(t *testing.T) {
	t.Parallel()

	tracker := &fakeTracker{}

	_, err := NewCompiler(tracker).Compile(must.NotFail(types.NewDocument("$unheardOf", int64(1))))
	require.Error(t, err)
	assert.Equal(t, []string{"$unheardOf"}, tracker.calls)
}

func TestDocumentLiteralCompilesEachField(t *testing.T) {
	t.Parallel()

	root := must.NotFail(types.NewDocument("x", int64(7)))

	literal := must.NotFail(types.NewDocument("copy", "$x", "fixed", int64(1)))

	v, err := compileAndRun(t, nil, literal, root)
	require.NoError(t, err)

	d, ok := v.(*types.Document)
	require.True(t, ok)
	assert.Equal(t, int64(7), d.GetByPath("copy"))
	assert.Equal(t, int64(1), d.GetByPath("fixed"))
}
