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

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/types"
)

// TestMatchExistsOperator covers the $exists-inside-$match scenario (spec
// §8 scenario 1): only documents that actually carry the field pass.
func TestMatchExistsOperator(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "name", Value: "a"}, {Key: "email", Value: "a@x.com"}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "name", Value: "b"}})
	require.NoError(t, err)

	out, err := e.Execute([]bson.D{
		{{Key: "$match", Value: bson.D{{Key: "email", Value: bson.D{{Key: "$exists", Value: true}}}}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Map()["name"])
}

// TestProjectInclusionAndComputedField covers spec §8 scenario 2: a
// $project that both includes a plain field and computes a new one.
func TestProjectInclusionAndComputedField(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "name", Value: "ada"}, {Key: "qty", Value: int32(2)}, {Key: "price", Value: int32(5)}})
	require.NoError(t, err)

	out, err := e.Execute([]bson.D{
		{{Key: "$project", Value: bson.D{
			{Key: "name", Value: int32(1)},
			{Key: "total", Value: bson.D{{Key: "$multiply", Value: bson.A{"$qty", "$price"}}}},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	m := out[0].Map()
	assert.Equal(t, "ada", m["name"])
	assert.Equal(t, int64(10), m["total"])
	_, hasPrice := m["price"]
	assert.False(t, hasPrice)
}

// TestUnwindPreserveNullAndEmptyArrays covers spec §8 scenario 3.
func TestUnwindPreserveNullAndEmptyArrays(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "tags", Value: bson.A{"a", "b"}}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "tags", Value: bson.A{}}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "other", Value: int32(1)}})
	require.NoError(t, err)

	out, err := e.Execute([]bson.D{
		{{Key: "$unwind", Value: bson.D{
			{Key: "path", Value: "$tags"},
			{Key: "preserveNullAndEmptyArrays", Value: true},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 4) // "a", "b", plus one each for the empty-array and missing-field docs.
}

// TestUnwindWithoutPreserveDropsEmpty checks the complementary branch: an
// empty array or missing field drops the row when preserve is unset.
func TestUnwindWithoutPreserveDropsEmpty(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "tags", Value: bson.A{"a"}}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "tags", Value: bson.A{}}})
	require.NoError(t, err)

	out, err := e.Execute([]bson.D{
		{{Key: "$unwind", Value: "$tags"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

// TestGroupAndSortIncrementalRoundTrip covers spec §8 scenario 4: a
// $group followed by $sort stays correct as documents are added and then
// removed, ending equal to the pre-insert state (the Round-trip invariant).
func TestGroupAndSortIncrementalRoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "cat", Value: "fruit"}, {Key: "qty", Value: int32(3)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "fruit"}, {Key: "qty", Value: int32(2)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "veg"}, {Key: "qty", Value: int32(1)}})
	require.NoError(t, err)

	pipelineSpec := []bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: int32(1)}}}},
	}

	before, err := e.Execute(pipelineSpec)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, "fruit", before[0].Map()["_id"])
	assert.Equal(t, int64(5), before[0].Map()["total"])
	assert.Equal(t, "veg", before[1].Map()["_id"])

	newID, err := e.AddDocument(bson.D{{Key: "cat", Value: "bread"}, {Key: "qty", Value: int32(4)}})
	require.NoError(t, err)

	mid, err := e.Execute(pipelineSpec)
	require.NoError(t, err)
	require.Len(t, mid, 3)

	require.NoError(t, e.RemoveDocument(newID))

	after, err := e.Execute(pipelineSpec)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// TestGroupInPlaceUpdateMovesDocumentBetweenGroups is the Open Question
// resolution scenario: updating a document's grouped-by field must revoke
// it from its old group and reapply it to the new one.
func TestGroupInPlaceUpdateMovesDocumentBetweenGroups(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id, err := e.AddDocument(bson.D{{Key: "cat", Value: "fruit"}, {Key: "qty", Value: int32(3)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "veg"}, {Key: "qty", Value: int32(1)}})
	require.NoError(t, err)

	pipelineSpec := []bson.D{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$cat"},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}},
		}}},
	}

	p, err := e.Build(pipelineSpec)
	require.NoError(t, err)

	require.NoError(t, e.UpdateDocument(id, bson.D{{Key: "cat", Value: "veg"}, {Key: "qty", Value: int32(3)}}))

	out, err := p.Snapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "veg", out[0].Map()["_id"])
	assert.Equal(t, int64(4), out[0].Map()["total"])
}

// TestArrayElemAtOutOfBoundsIsNullNotError covers spec §8 scenario 5.
func TestArrayElemAtOutOfBoundsIsNullNotError(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "xs", Value: bson.A{int32(1), int32(2)}}})
	require.NoError(t, err)

	out, err := e.Execute([]bson.D{
		{{Key: "$project", Value: bson.D{
			{Key: "third", Value: bson.D{{Key: "$arrayElemAt", Value: bson.A{"$xs", int32(5)}}}},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Map()["third"])
}

// TestProjectThenGroupCrossesStageBoundary covers spec §8 scenario 6: a
// field computed by an upstream $project is visible to a downstream
// $group.
func TestProjectThenGroupCrossesStageBoundary(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "qty", Value: int32(2)}, {Key: "price", Value: int32(5)}})
	require.NoError(t, err)

	_, err = e.AddDocument(bson.D{{Key: "qty", Value: int32(1)}, {Key: "price", Value: int32(5)}})
	require.NoError(t, err)

	out, err := e.Execute([]bson.D{
		{{Key: "$project", Value: bson.D{
			{Key: "total", Value: bson.D{{Key: "$multiply", Value: bson.A{"$qty", "$price"}}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "sum", Value: bson.D{{Key: "$sum", Value: "$total"}}},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(15), out[0].Map()["sum"])
}

// TestEquivalenceOfIncrementalAndFromScratch checks the Equivalence
// invariant (spec §8): the result after a run of incremental document
// mutations equals the result of building the same pipeline from scratch
// over the final document set.
func TestEquivalenceOfIncrementalAndFromScratch(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	id1, err := e.AddDocument(bson.D{{Key: "cat", Value: "a"}, {Key: "qty", Value: int32(1)}})
	require.NoError(t, err)

	id2, err := e.AddDocument(bson.D{{Key: "cat", Value: "b"}, {Key: "qty", Value: int32(2)}})
	require.NoError(t, err)

	pipelineSpec := []bson.D{
		{{Key: "$match", Value: bson.D{{Key: "qty", Value: bson.D{{Key: "$gt", Value: int32(0)}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "cat", Value: int32(1)}}}},
	}

	p, err := e.Build(pipelineSpec)
	require.NoError(t, err)

	require.NoError(t, e.UpdateDocument(id1, bson.D{{Key: "cat", Value: "c"}, {Key: "qty", Value: int32(9)}}))
	require.NoError(t, e.RemoveDocument(id2))

	_, err = e.AddDocument(bson.D{{Key: "cat", Value: "aa"}, {Key: "qty", Value: int32(4)}})
	require.NoError(t, err)

	incremental, err := p.Snapshot()
	require.NoError(t, err)

	fresh := NewEngine(Config{})

	for _, r := range e.active.Slice() {
		doc, ok := e.lookupDoc(r)
		require.True(t, ok)

		_, err := fresh.AddDocument(doc)
		require.NoError(t, err)
	}

	fromScratch, err := fresh.Execute(pipelineSpec)
	require.NoError(t, err)

	assert.Equal(t, fromScratch, incremental)
}

// TestZeroFallbackForFullySupportedPipeline asserts spec §8's "Zero
// fallback" invariant: a pipeline built entirely from documented operators
// never increments the fallback counter.
func TestZeroFallbackForFullySupportedPipeline(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}})
	require.NoError(t, err)

	_, err = e.Execute([]bson.D{
		{{Key: "$project", Value: bson.D{{Key: "sum", Value: bson.D{{Key: "$add", Value: bson.A{"$a", "$b"}}}}}}},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, e.GetFallbackCount())
}

// TestFallbackCounterIncrementsOnUnknownOperator exercises the opposite
// side of the same invariant: a pipeline referencing an operator the
// compiler does not know about is reported at build time, rather than
// being silently ignored. The build itself fails (there is no evaluator
// for the field), but the fallback counter still records the event.
func TestFallbackCounterIncrementsOnUnknownOperator(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{})

	_, err := e.AddDocument(bson.D{{Key: "a", Value: int32(1)}})
	require.NoError(t, err)

	_, err = e.Execute([]bson.D{
		{{Key: "$project", Value: bson.D{{Key: "x", Value: bson.D{{Key: "$unsupportedOp", Value: "$a"}}}}}},
	})
	require.Error(t, err)

	assert.Equal(t, 1, e.GetFallbackCount())
}

// TestCacheConsistencyAfterMutations asserts spec §8's cache-consistency
// invariant via the optional stage.CacheInspectable interface: after a run
// of adds, updates, and removes, a transforming stage's cached rowId set
// exactly equals its active set.
func TestCacheConsistencyAfterMutations(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{EnableOptimizer: pointer.ToBool(false)})

	ids := make([]int64, 0, 5)

	for i := 0; i < 5; i++ {
		r, err := e.AddDocument(bson.D{{Key: "n", Value: int32(i)}})
		require.NoError(t, err)

		ids = append(ids, int64(r))
	}

	p, err := e.Build([]bson.D{
		{{Key: "$project", Value: bson.D{{Key: "doubled", Value: bson.D{{Key: "$multiply", Value: bson.A{"$n", int32(2)}}}}}}},
	})
	require.NoError(t, err)

	require.NoError(t, e.RemoveDocument(types.RowID(ids[0])))
	require.NoError(t, e.UpdateDocument(types.RowID(ids[1]), bson.D{{Key: "n", Value: int32(99)}}))

	inspectable, ok := p.chain[0].(stage.CacheInspectable)
	require.True(t, ok, "$project must implement CacheInspectable")

	assert.ElementsMatch(t, p.chain[0].Active().Slice(), inspectable.CachedRowIDs())
}
