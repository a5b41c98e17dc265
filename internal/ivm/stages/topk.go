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
	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
	"github.com/viewstream/ivm/internal/util/lazyerrors"
)

// topKStage implements $topK(N, sortKey) (spec §4.2): a fused $sort+$limit,
// maintained as its own order statistic over every upstream row rather than
// a separate $sort stage plus a $limit window. A true bounded heap would
// only track candidates once N is known to be much smaller than the input;
// this keeps the full order (like $sort) for simplicity and because
// arbitrary removal of a current top-N member requires knowing the next
// candidate, which a size-N heap alone cannot answer without the full order.
//
// Unlike $sort, a topK's *own* active set is the window (size <= N), not a
// full passthrough; it emits the usual add/remove deltas for the window's
// actual membership changes.
type topKStage struct {
	n      int
	rows   *orderedRows
	active *types.ActiveSet
}

func newTopK(arg any) (stage.Stage, error) {
	doc, ok := arg.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$topK requires a document argument", "$topK")
	}

	nVal, ok := doc.Get("n")
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$topK requires an n field", "$topK")
	}

	n, err := parseCount("$topK", nVal)
	if err != nil {
		return nil, err
	}

	sortVal, ok := doc.Get("sortKey")
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$topK requires a sortKey field", "$topK")
	}

	sortDoc, ok := sortVal.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$topK sortKey must be a document", "$topK")
	}

	keys, err := compileSortSpec(sortDoc)
	if err != nil {
		return nil, err
	}

	return &topKStage{n: n, rows: newOrderedRows(keys), active: types.NewActiveSet()}, nil
}

func (s *topKStage) Hydrate(ctx *stage.Context) error {
	for _, r := range ctx.UpstreamActive.Slice() {
		doc, ok := ctx.Upstream(r)
		if !ok {
			return lazyerrors.Errorf("$topK: missing upstream document for rowId %d", r)
		}

		s.rows.insert(r, s.rows.keyValues(doc))
	}

	s.active = types.ActiveSetFromSlice(s.rows.window(s.n))

	return nil
}

func (s *topKStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		doc, ok := ctx.Upstream(d.RowID)
		if !ok {
			return lazyerrors.Errorf("$topK: missing upstream document for rowId %d", d.RowID)
		}

		s.rows.insert(d.RowID, s.rows.keyValues(doc))
	case types.Remove:
		s.rows.remove(d.RowID)
	default:
		return lazyerrors.Errorf("$topK: invalid delta sign %d", d.Sign)
	}

	newActive, err := diffWindow(s.active, s.rows.window(s.n), emit)
	if err != nil {
		return err
	}

	s.active = newActive

	return nil
}

func (s *topKStage) Active() *types.ActiveSet { return s.active }

func (s *topKStage) Transforms() bool { return false }

func (s *topKStage) EffectiveDocument(types.RowID) (*types.Document, bool) { return nil, false }
