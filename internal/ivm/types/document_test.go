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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewstream/ivm/internal/util/must"
)

func TestDocumentGetSet(t *testing.T) {
	t.Parallel()

	doc := must.NotFail(NewDocument("a", int64(1), "b", "hi"))

	require.Equal(t, 2, doc.Len())
	require.Equal(t, []string{"a", "b"}, doc.Keys())

	v, ok := doc.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	_, ok = doc.Get("missing")
	assert.False(t, ok)
}

func TestDocumentGetByPath(t *testing.T) {
	t.Parallel()

	inner := must.NotFail(NewDocument("c", int64(5)))
	arr := must.NotFail(NewArray(int64(10), int64(20), int64(30)))
	doc := must.NotFail(NewDocument("a", inner, "xs", arr))

	for name, tc := range map[string]struct {
		path     string
		expected any
	}{
		"NestedField":    {path: "a.c", expected: int64(5)},
		"ArrayIndex":     {path: "xs.1", expected: int64(20)},
		"MissingField":   {path: "a.z", expected: Missing},
		"MissingArray":   {path: "xs.99", expected: Missing},
		"NonObjectIndex": {path: "a.c.d", expected: Missing},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, doc.GetByPath(tc.path))
		})
	}
}

func TestDocumentSetByPath(t *testing.T) {
	t.Parallel()

	doc := MakeDocument(0)
	require.NoError(t, doc.SetByPath("a.b.c", int64(7)))

	assert.Equal(t, int64(7), doc.GetByPath("a.b.c"))

	a, ok := doc.Get("a")
	require.True(t, ok)
	_, isDoc := a.(*Document)
	assert.True(t, isDoc)
}

func TestDocumentRemove(t *testing.T) {
	t.Parallel()

	doc := must.NotFail(NewDocument("a", int64(1), "b", int64(2), "c", int64(3)))
	doc.Remove("b")

	assert.Equal(t, []string{"a", "c"}, doc.Keys())
	_, ok := doc.Get("b")
	assert.False(t, ok)
}

func TestDocumentDeepCopyIsIndependent(t *testing.T) {
	t.Parallel()

	inner := must.NotFail(NewDocument("x", int64(1)))
	doc := must.NotFail(NewDocument("nested", inner))

	cp := doc.DeepCopy()
	require.NoError(t, cp.SetByPath("nested.x", int64(99)))

	assert.Equal(t, int64(1), doc.GetByPath("nested.x"))
	assert.Equal(t, int64(99), cp.GetByPath("nested.x"))
}

func TestDocumentCommand(t *testing.T) {
	t.Parallel()

	doc := must.NotFail(NewDocument("$match", int64(1)))
	assert.Equal(t, "$match", doc.Command())

	assert.Equal(t, "", MakeDocument(0).Command())
}

func TestNilDocumentIsSafe(t *testing.T) {
	t.Parallel()

	var doc *Document

	assert.Equal(t, 0, doc.Len())
	assert.Nil(t, doc.Keys())
	_, ok := doc.Get("a")
	assert.False(t, ok)
}
