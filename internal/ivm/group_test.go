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
)

// TestGroupRevokesContributionOnRemoveWithoutEmptyingGroup covers the case
// a sole-member-group removal can't exercise: removing one row out of a
// multi-row group must revoke exactly that row's contribution from the
// accumulator, not just leave the group's remaining members untouched.
func TestGroupRevokesContributionOnRemoveWithoutEmptyingGroup(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id1, err := e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "qty", Value: int32(1)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "qty", Value: int32(2)}})
	require.NoError(t, err)

	p, err := e.Build([]bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}},
		}}},
	})
	require.NoError(t, err)

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].Map()["total"])

	require.NoError(t, e.RemoveDocument(id1))

	out, err = p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Map()["total"])
}

// TestGroupMinMaxRevocation checks that $min/$max report the smallest and
// largest contributions, and that removing a contribution that is neither
// leaves both unchanged (spec §4.2 "Min/max revocation").
func TestGroupMinMaxRevocation(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id1, err := e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "qty", Value: int32(5)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "qty", Value: int32(2)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "qty", Value: int32(8)}})
	require.NoError(t, err)

	pipelineSpec := []bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "lowest", Value: bson.D{{Key: "$min", Value: "$qty"}}},
			{Key: "highest", Value: bson.D{{Key: "$max", Value: "$qty"}}},
		}}},
	}

	p, err := e.Build(pipelineSpec)
	require.NoError(t, err)

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Map()["lowest"])
	assert.Equal(t, int64(8), out[0].Map()["highest"])

	// qty=5 is not currently the min or the max; removing it should not
	// move either boundary.
	require.NoError(t, e.RemoveDocument(id1))

	out, err = p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(2), out[0].Map()["lowest"])
	assert.Equal(t, int64(8), out[0].Map()["highest"])
}

// TestGroupAddToSetDeduplicatesAcrossRows checks that two rows contributing
// the same value keep it present in the set until both are revoked (spec
// §4.2 accumulator semantics).
func TestGroupAddToSetDeduplicatesAcrossRows(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id1, err := e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "color", Value: "red"}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "color", Value: "red"}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "color", Value: "blue"}})
	require.NoError(t, err)

	pipelineSpec := []bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "colors", Value: bson.D{{Key: "$addToSet", Value: "$color"}}},
		}}},
	}

	p, err := e.Build(pipelineSpec)
	require.NoError(t, err)

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.ElementsMatch(t, bson.A{"red", "blue"}, out[0].Map()["colors"])

	// Removing one of the two "red" rows must not drop "red" from the set.
	require.NoError(t, e.RemoveDocument(id1))

	out, err = p.Snapshot()
	require.NoError(t, err)
	assert.ElementsMatch(t, bson.A{"red", "blue"}, out[0].Map()["colors"])
}

// TestGroupRevokesThroughUpstreamProject covers the cross-stage case: when
// $group sits downstream of a $project, removing a row must still let
// $group read the project's (about-to-be-invalidated) effective document to
// revoke its accumulator contribution.
func TestGroupRevokesThroughUpstreamProject(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id1, err := e.AddDocument(bson.D{{Key: "qty", Value: int32(2)}, {Key: "price", Value: int32(5)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "qty", Value: int32(1)}, {Key: "price", Value: int32(5)}})
	require.NoError(t, err)

	p, err := e.Build([]bson.D{
		{{Key: "$project", Value: bson.D{
			{Key: "total", Value: bson.D{{Key: "$multiply", Value: bson.A{"$qty", "$price"}}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "sum", Value: bson.D{{Key: "$sum", Value: "$total"}}},
		}}},
	})
	require.NoError(t, err)

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(15), out[0].Map()["sum"])

	require.NoError(t, e.RemoveDocument(id1))

	out, err = p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(5), out[0].Map()["sum"])
}

// TestGroupCountAccumulator exercises $count as a group accumulator
// (distinct from the top-level $count stage).
func TestGroupCountAccumulator(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	for i := 0; i < 3; i++ {
		_, err := e.AddDocument(bson.D{{Key: "cat", Value: "a"}})
		require.NoError(t, err)
	}

	out, err := e.Execute([]bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "n", Value: bson.D{{Key: "$count", Value: bson.D{}}}},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].Map()["n"])
}
