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

package ivm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/viewstream/ivm/internal/ivm/types"
)

func names(t *testing.T, out []bson.D, field string) []any {
	t.Helper()

	out2 := make([]any, len(out))
	for i, d := range out {
		out2[i] = d.Map()[field]
	}

	return out2
}

func TestSortOrdersByKey(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	for _, n := range []string{"carl", "alice", "bob"} {
		_, err := e.AddDocument(bson.D{{Key: "name", Value: n}})
		require.NoError(t, err)
	}

	out, err := e.Execute([]bson.D{
		{{Key: "$sort", Value: bson.D{{Key: "name", Value: int32(1)}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob", "carl"}, names(t, out, "name"))
}

func TestSortDescending(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	for _, n := range []string{"a", "c", "b"} {
		_, err := e.AddDocument(bson.D{{Key: "name", Value: n}})
		require.NoError(t, err)
	}

	out, err := e.Execute([]bson.D{
		{{Key: "$sort", Value: bson.D{{Key: "name", Value: int32(-1)}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"c", "b", "a"}, names(t, out, "name"))
}

func TestLimitKeepsFirstNAndTracksWindowChanges(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	ids := make([]types.RowID, 0, 5)

	for i := 0; i < 5; i++ {
		r, err := e.AddDocument(bson.D{{Key: "n", Value: int32(i)}})
		require.NoError(t, err)

		ids = append(ids, r)
	}

	p, err := e.Build([]bson.D{{{Key: "$limit", Value: int32(2)}}})
	require.NoError(t, err)

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []any{int64(0), int64(1)}, names(t, out, "n"))

	// Removing the current first row must pull row 2 into the window.
	require.NoError(t, e.RemoveDocument(ids[0]))

	out, err = p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []any{int64(1), int64(2)}, names(t, out, "n"))
}

func TestSkipDropsFirstN(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	for i := 0; i < 4; i++ {
		_, err := e.AddDocument(bson.D{{Key: "n", Value: int32(i)}})
		require.NoError(t, err)
	}

	out, err := e.Execute([]bson.D{{{Key: "$skip", Value: int32(2)}}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []any{int64(2), int64(3)}, names(t, out, "n"))
}

func TestTopKFusesSortAndLimit(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	for _, n := range []int32{5, 1, 3, 4, 2} {
		_, err := e.AddDocument(bson.D{{Key: "n", Value: n}})
		require.NoError(t, err)
	}

	out, err := e.Execute([]bson.D{
		{{Key: "$sort", Value: bson.D{{Key: "n", Value: int32(1)}}}},
		{{Key: "$limit", Value: int32(3)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, names(t, out, "n"))
}

func TestCountYieldsNoRowWhenEmpty(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	out, err := e.Execute([]bson.D{{{Key: "$count", Value: "total"}}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCountTracksActiveSetSize(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id1, err := e.AddDocument(bson.D{{Key: "n", Value: int32(1)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "n", Value: int32(2)}})
	require.NoError(t, err)

	p, err := e.Build([]bson.D{{{Key: "$count", Value: "total"}}})
	require.NoError(t, err)

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Map()["total"])

	require.NoError(t, e.RemoveDocument(id1))

	out, err = p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].Map()["total"])
}
