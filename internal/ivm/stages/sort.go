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

// sortStage implements $sort (spec §4.2). It preserves upstream document
// identity: every rowId the upstream emits is forwarded downstream
// unchanged, since $sort is a permutation, not a filter. Order is not
// observable through deltas at all; it is exposed only via Active(), which
// downstream $limit/$skip/$topK stages read directly (spec: "Emits no
// downstream delta on its own (order is observed only via snapshot)").
type sortStage struct {
	rows   *orderedRows
	active *types.ActiveSet
}

func newSort(arg any) (stage.Stage, error) {
	doc, ok := arg.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$sort requires a document argument", "$sort")
	}

	keys, err := compileSortSpec(doc)
	if err != nil {
		return nil, err
	}

	return &sortStage{rows: newOrderedRows(keys), active: types.NewActiveSet()}, nil
}

func (s *sortStage) Hydrate(ctx *stage.Context) error {
	for _, r := range ctx.UpstreamActive.Slice() {
		doc, ok := ctx.Upstream(r)
		if !ok {
			return lazyerrors.Errorf("$sort: missing upstream document for rowId %d", r)
		}

		s.rows.insert(r, s.rows.keyValues(doc))
	}

	s.active = types.ActiveSetFromSlice(s.rows.slice())

	return nil
}

func (s *sortStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		doc, ok := ctx.Upstream(d.RowID)
		if !ok {
			return lazyerrors.Errorf("$sort: missing upstream document for rowId %d", d.RowID)
		}

		s.rows.insert(d.RowID, s.rows.keyValues(doc))
		s.active = types.ActiveSetFromSlice(s.rows.slice())

		return emit(d)
	case types.Remove:
		if !s.rows.remove(d.RowID) {
			return nil
		}

		s.active = types.ActiveSetFromSlice(s.rows.slice())

		return emit(d)
	default:
		return lazyerrors.Errorf("$sort: invalid delta sign %d", d.Sign)
	}
}

func (s *sortStage) Active() *types.ActiveSet { return s.active }

func (s *sortStage) Transforms() bool { return false }

func (s *sortStage) EffectiveDocument(types.RowID) (*types.Document, bool) { return nil, false }
