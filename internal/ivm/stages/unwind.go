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

// unwindStage implements $unwind (spec §4.2): one synthetic rowId per array
// element, tagged by this stage's position so debug output can tell where a
// rowId originated (spec §3: "Stage-synthesized rows ... tagged by
// originating stage for debugging only").
type unwindStage struct {
	path                       string
	preserveNullAndEmptyArrays bool
	stageIndex                 int

	children map[types.RowID][]types.RowID      // parent -> its children, in element order
	parentOf map[types.RowID]types.RowID         // child -> parent
	docs     map[types.RowID]*types.Document     // child -> substituted document
	active   *types.ActiveSet
}

func newUnwind(arg any, stageIndex int) (stage.Stage, error) {
	var (
		path     string
		preserve bool
	)

	switch v := arg.(type) {
	case string:
		if len(v) < 2 || v[0] != '$' {
			return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$unwind path must start with '$'", "$unwind")
		}

		path = v[1:]
	case *types.Document:
		pv, ok := v.Get("path")
		if !ok {
			return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$unwind requires a path", "$unwind")
		}

		ps, ok := pv.(string)
		if !ok || len(ps) < 2 || ps[0] != '$' {
			return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$unwind path must start with '$'", "$unwind")
		}

		path = ps[1:]

		if pres, ok := v.Get("preserveNullAndEmptyArrays"); ok {
			b, _ := pres.(bool)
			preserve = b
		}
	default:
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$unwind requires a string or document argument", "$unwind")
	}

	return &unwindStage{
		path:                       path,
		preserveNullAndEmptyArrays: preserve,
		stageIndex:                 stageIndex,
		children:                   make(map[types.RowID][]types.RowID),
		parentOf:                   make(map[types.RowID]types.RowID),
		docs:                       make(map[types.RowID]*types.Document),
		active:                     types.NewActiveSet(),
	}, nil
}

// childRowID derives a stable synthetic rowId for the idx'th child of
// parent, scoped to this stage instance so two $unwind stages in the same
// pipeline never collide.
func (s *unwindStage) childRowID(parent types.RowID, idx int) types.RowID {
	key, _ := types.NewArray(int64(parent), int64(idx), int64(s.stageIndex))
	return types.RowID(types.HashValue(key))
}

// expand computes the substituted child documents for one parent document,
// per spec §4.2 "$unwind(path)".
func (s *unwindStage) expand(doc *types.Document) ([]*types.Document, error) {
	v := doc.GetByPath(s.path)

	switch kind := types.KindOf(v); kind {
	case types.KindArray:
		arr := v.(*types.Array)

		if arr.Len() == 0 {
			if s.preserveNullAndEmptyArrays {
				return []*types.Document{doc.DeepCopy()}, nil
			}

			return nil, nil
		}

		out := make([]*types.Document, arr.Len())

		for i := 0; i < arr.Len(); i++ {
			child := doc.DeepCopy()
			if err := child.SetByPath(s.path, arr.Get(i)); err != nil {
				return nil, err
			}

			out[i] = child
		}

		return out, nil
	case types.KindMissing, types.KindNull:
		if s.preserveNullAndEmptyArrays {
			return []*types.Document{doc.DeepCopy()}, nil
		}

		return nil, nil
	default:
		// A scalar field unwinds to a single document holding that scalar,
		// matching the common aggregation convention of treating it as a
		// one-element array.
		return []*types.Document{doc.DeepCopy()}, nil
	}
}

func (s *unwindStage) applyAdd(ctx *stage.Context, parent types.RowID, emit func(types.Delta) error) error {
	doc, ok := ctx.Upstream(parent)
	if !ok {
		return lazyerrors.Errorf("$unwind: missing upstream document for rowId %d", parent)
	}

	children, err := s.expand(doc)
	if err != nil {
		warnDropped(ctx.Log, "$unwind", err)
		return nil
	}

	ids := make([]types.RowID, len(children))

	for i, child := range children {
		cid := s.childRowID(parent, i)
		ids[i] = cid
		s.docs[cid] = child
		s.parentOf[cid] = parent
		s.active.Add(cid)

		if emit == nil {
			continue
		}

		if err := emit(types.AddDelta(cid)); err != nil {
			return err
		}
	}

	s.children[parent] = ids

	return nil
}

func (s *unwindStage) applyRemove(parent types.RowID, emit func(types.Delta) error) error {
	ids, ok := s.children[parent]
	if !ok {
		return nil
	}

	for _, cid := range ids {
		// Emit before invalidating: a downstream stage's Remove handling
		// may still need to read this stage's effective document for cid.
		if err := emit(types.RemoveDelta(cid)); err != nil {
			return err
		}

		delete(s.docs, cid)
		delete(s.parentOf, cid)
		s.active.Remove(cid)
	}

	delete(s.children, parent)

	return nil
}

func (s *unwindStage) Hydrate(ctx *stage.Context) error {
	for _, r := range ctx.UpstreamActive.Slice() {
		if err := s.applyAdd(ctx, r, nil); err != nil {
			return err
		}
	}

	return nil
}

func (s *unwindStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		return s.applyAdd(ctx, d.RowID, emit)
	case types.Remove:
		return s.applyRemove(d.RowID, emit)
	default:
		return lazyerrors.Errorf("$unwind: invalid delta sign %d", d.Sign)
	}
}

func (s *unwindStage) Active() *types.ActiveSet { return s.active }

func (s *unwindStage) Transforms() bool { return true }

func (s *unwindStage) EffectiveDocument(r types.RowID) (*types.Document, bool) {
	d, ok := s.docs[r]
	return d, ok
}

func (s *unwindStage) CachedRowIDs() []types.RowID {
	out := make([]types.RowID, 0, len(s.docs))
	for r := range s.docs {
		out = append(out, r)
	}

	return out
}
