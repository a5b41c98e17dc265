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
	"strings"

	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
	"github.com/viewstream/ivm/internal/util/lazyerrors"
)

// countStage implements $count (SPEC_FULL.md §5, grounded on the teacher's
// handler/common/aggregations/stages/count.go): a single synthesized output
// row whose document is {field: <active-set size>}. Mirroring real
// aggregation behavior, the row exists only while the count is positive; an
// empty upstream yields zero output documents, not a {field: 0} one.
type countStage struct {
	field  string
	n      int
	rowID  types.RowID
	doc    *types.Document
	active *types.ActiveSet
}

func newCount(arg any) (stage.Stage, error) {
	field, ok := arg.(string)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "the count field must be a non-empty string", "$count")
	}

	if field == "" {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "the count field must be a non-empty string", "$count")
	}

	if strings.Contains(field, ".") {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "the count field cannot contain '.'", "$count")
	}

	if strings.HasPrefix(field, "$") {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "the count field cannot be a $-prefixed path", "$count")
	}

	return &countStage{
		field:  field,
		rowID:  types.RowID(types.HashValue(field)),
		active: types.NewActiveSet(),
	}, nil
}

func (s *countStage) rebuild() error {
	if s.n <= 0 {
		s.active.Remove(s.rowID)
		s.doc = nil

		return nil
	}

	doc, err := types.NewDocument(s.field, int64(s.n))
	if err != nil {
		return err
	}

	s.doc = doc
	s.active.Add(s.rowID)

	return nil
}

func (s *countStage) Hydrate(ctx *stage.Context) error {
	s.n = ctx.UpstreamActive.Len()

	return s.rebuild()
}

func (s *countStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	wasActive := s.active.Has(s.rowID)

	switch d.Sign {
	case types.Add:
		s.n++
	case types.Remove:
		s.n--
	default:
		return lazyerrors.Errorf("$count: invalid delta sign %d", d.Sign)
	}

	if err := s.rebuild(); err != nil {
		return err
	}

	nowActive := s.active.Has(s.rowID)

	switch {
	case !wasActive && nowActive:
		return emit(types.AddDelta(s.rowID))
	case wasActive && !nowActive:
		return emit(types.RemoveDelta(s.rowID))
	case wasActive && nowActive:
		if err := emit(types.RemoveDelta(s.rowID)); err != nil {
			return err
		}

		return emit(types.AddDelta(s.rowID))
	default:
		return nil
	}
}

func (s *countStage) Active() *types.ActiveSet { return s.active }

func (s *countStage) Transforms() bool { return true }

func (s *countStage) EffectiveDocument(r types.RowID) (*types.Document, bool) {
	if r != s.rowID || s.doc == nil {
		return nil, false
	}

	return s.doc, true
}
