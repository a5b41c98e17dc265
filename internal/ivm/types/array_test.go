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

func TestArrayAppendAndGet(t *testing.T) {
	t.Parallel()

	a := MakeArray(0)
	require.NoError(t, a.Append(int64(1)))
	require.NoError(t, a.Append("two"))

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, int64(1), a.Get(0))
	assert.Equal(t, "two", a.Get(1))
}

func TestArrayDeepCopyIsIndependent(t *testing.T) {
	t.Parallel()

	inner := must.NotFail(NewDocument("x", int64(1)))
	a := must.NotFail(NewArray(inner))

	cp := a.DeepCopy()
	require.NoError(t, cp.Get(0).(*Document).SetByPath("x", int64(99)))

	assert.Equal(t, int64(1), a.Get(0).(*Document).GetByPath("x"))
	assert.Equal(t, int64(99), cp.Get(0).(*Document).GetByPath("x"))
}

func TestArrayRejectsUnsupportedValue(t *testing.T) {
	t.Parallel()

	a := MakeArray(0)
	err := a.Append(struct{}{})
	assert.Error(t, err)
}
