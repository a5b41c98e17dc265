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

package stages

import (
	"sort"

	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

// sortKeySpec is one field of a compiled $sort/$topK sort key.
type sortKeySpec struct {
	path  string
	order types.SortOrder
}

// compileSortSpec parses a {field: 1, field2: -1, ...} document into an
// ordered list of sort keys (spec §4.2 "$sort": "Sort key derived from
// upstream effective document"). Unlike $project/$group fields, sort keys
// name plain field paths, not compiled expressions.
func compileSortSpec(doc *types.Document) ([]sortKeySpec, error) {
	if doc.Len() == 0 {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$sort requires at least one key", "$sort")
	}

	keys := make([]sortKeySpec, 0, doc.Len())

	for _, k := range doc.Keys() {
		v, _ := doc.Get(k)

		order, err := sortOrderOf(k, v)
		if err != nil {
			return nil, err
		}

		keys = append(keys, sortKeySpec{path: k, order: order})
	}

	return keys, nil
}

func sortOrderOf(field string, v any) (types.SortOrder, error) {
	var n float64

	switch t := v.(type) {
	case int64:
		n = float64(t)
	case float64:
		n = t
	default:
		return 0, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "sort key must be 1 or -1", field)
	}

	if n < 0 {
		return types.Descending, nil
	}

	return types.Ascending, nil
}

// orderedRows maintains a set of rowIds in sorted order over a multi-key
// comparator, tie-broken by rowId for stability (spec §4.2 "$sort": "Maintains
// an order statistic over (sortKey(doc), rowId) tuples"). It backs both
// $sort (unbounded) and $topK (windowed to its first n).
type orderedRows struct {
	keys  []sortKeySpec
	order []types.RowID
	vals  map[types.RowID][]any
}

func newOrderedRows(keys []sortKeySpec) *orderedRows {
	return &orderedRows{keys: keys, vals: make(map[types.RowID][]any)}
}

// keyValues evaluates this container's sort keys against doc.
func (o *orderedRows) keyValues(doc *types.Document) []any {
	vals := make([]any, len(o.keys))

	for i, k := range o.keys {
		vals[i] = doc.GetByPath(k.path)
	}

	return vals
}

func (o *orderedRows) compare(a, b types.RowID) int {
	ka, kb := o.vals[a], o.vals[b]

	for i, spec := range o.keys {
		if c := types.CompareForSort(ka[i], kb[i], spec.order); c != 0 {
			return c
		}
	}

	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// insert adds r with the given already-evaluated sort key values.
func (o *orderedRows) insert(r types.RowID, vals []any) {
	o.vals[r] = vals

	idx := sort.Search(len(o.order), func(i int) bool { return o.compare(o.order[i], r) >= 0 })

	o.order = append(o.order, 0)
	copy(o.order[idx+1:], o.order[idx:])
	o.order[idx] = r
}

// remove deletes r, reporting whether it was present.
func (o *orderedRows) remove(r types.RowID) bool {
	idx := sort.Search(len(o.order), func(i int) bool { return o.compare(o.order[i], r) >= 0 })
	if idx >= len(o.order) || o.order[idx] != r {
		return false
	}

	o.order = append(o.order[:idx], o.order[idx+1:]...)
	delete(o.vals, r)

	return true
}

// slice returns every rowId in sorted order. Callers must not mutate it.
func (o *orderedRows) slice() []types.RowID { return o.order }

// window returns the first n rowIds in sorted order (all of them if n
// exceeds the set's size).
func (o *orderedRows) window(n int) []types.RowID {
	if n >= len(o.order) {
		return o.order
	}

	return o.order[:n]
}
