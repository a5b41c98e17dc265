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

// ForeignAware is implemented by stages that consume a [ForeignSource]
// (currently only $lookup), letting the driver subscribe to foreign deltas
// once the whole pipeline has been hydrated.
type ForeignAware interface {
	Foreign() ForeignSource
}

// ForeignDeltaHandler is implemented by stages that react to deltas arriving
// from outside the upstream stage chain (spec §4.2 "$lookup ... updates
// local rows when the foreign side changes"). The driver routes a foreign
// delta into the stage and then continues ordinary delta propagation with
// whatever the handler emits.
type ForeignDeltaHandler interface {
	HandleForeignDelta(ctx *stage.Context, foreignRowID types.RowID, foreignDoc *types.Document, emit func(types.Delta) error) error
}

// lookupStage implements $lookup (spec §4.2): a left join by equality
// against a named secondary collection. foreignIndex mirrors the spec's
// "index foreignValue → [foreignRowId]"; local output is recomputed and
// diffed whenever the foreign side changes, since a single foreign row can
// affect an unbounded number of local rows sharing its join value.
type lookupStage struct {
	localField, foreignField, as string
	foreign                      ForeignSource

	foreignDocs  map[types.RowID]*types.Document
	foreignIndex map[int64][]types.RowID

	localDocs map[types.RowID]*types.Document
	outDocs   map[types.RowID]*types.Document
	active    *types.ActiveSet
}

func newLookup(arg any, sources map[string]ForeignSource) (stage.Stage, error) {
	doc, ok := arg.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$lookup requires a document argument", "$lookup")
	}

	from, err := requiredString(doc, "from", "$lookup")
	if err != nil {
		return nil, err
	}

	localField, err := requiredString(doc, "localField", "$lookup")
	if err != nil {
		return nil, err
	}

	foreignField, err := requiredString(doc, "foreignField", "$lookup")
	if err != nil {
		return nil, err
	}

	as, err := requiredString(doc, "as", "$lookup")
	if err != nil {
		return nil, err
	}

	src, ok := sources[from]
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "unregistered $lookup collection", from)
	}

	return &lookupStage{
		localField:   localField,
		foreignField: foreignField,
		as:           as,
		foreign:      src,
		foreignDocs:  make(map[types.RowID]*types.Document),
		foreignIndex: make(map[int64][]types.RowID),
		localDocs:    make(map[types.RowID]*types.Document),
		outDocs:      make(map[types.RowID]*types.Document),
		active:       types.NewActiveSet(),
	}, nil
}

func requiredString(doc *types.Document, key, stageName string) (string, error) {
	v, ok := doc.Get(key)
	if !ok {
		return "", ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, stageName+" requires "+key, stageName)
	}

	s, ok := v.(string)
	if !ok {
		return "", ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, stageName+"."+key+" must be a string", stageName)
	}

	return s, nil
}

func (s *lookupStage) Foreign() ForeignSource { return s.foreign }

func (s *lookupStage) indexForeign(r types.RowID, doc *types.Document) {
	s.foreignDocs[r] = doc
	h := types.HashValue(doc.GetByPath(s.foreignField))
	s.foreignIndex[h] = append(s.foreignIndex[h], r)
}

func (s *lookupStage) unindexForeign(r types.RowID) {
	old, ok := s.foreignDocs[r]
	if !ok {
		return
	}

	h := types.HashValue(old.GetByPath(s.foreignField))
	bucket := s.foreignIndex[h]

	for i, id := range bucket {
		if id == r {
			s.foreignIndex[h] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	delete(s.foreignDocs, r)
}

func (s *lookupStage) buildOutput(local *types.Document) (*types.Document, error) {
	out := local.DeepCopy()

	matches := types.MakeArray(0)

	v := local.GetByPath(s.localField)
	if types.KindOf(v) != types.KindMissing {
		for _, fr := range s.foreignIndex[types.HashValue(v)] {
			fdoc := s.foreignDocs[fr]
			if !types.Equal(fdoc.GetByPath(s.foreignField), v) {
				continue
			}

			if err := matches.Append(fdoc.DeepCopy()); err != nil {
				return nil, err
			}
		}
	}

	if err := out.SetByPath(s.as, matches); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *lookupStage) Hydrate(ctx *stage.Context) error {
	foreign, err := s.foreign.Hydrate()
	if err != nil {
		return lazyerrors.Error(err)
	}

	for r, doc := range foreign {
		s.indexForeign(r, doc)
	}

	for _, r := range ctx.UpstreamActive.Slice() {
		if err := s.applyAdd(ctx, r, nil); err != nil {
			return err
		}
	}

	return nil
}

func (s *lookupStage) applyAdd(ctx *stage.Context, r types.RowID, emit func(types.Delta) error) error {
	doc, ok := ctx.Upstream(r)
	if !ok {
		return lazyerrors.Errorf("$lookup: missing upstream document for rowId %d", r)
	}

	out, err := s.buildOutput(doc)
	if err != nil {
		warnDropped(ctx.Log, "$lookup", err)
		return nil
	}

	s.localDocs[r] = doc
	s.outDocs[r] = out
	s.active.Add(r)

	if emit == nil {
		return nil
	}

	return emit(types.AddDelta(r))
}

func (s *lookupStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		return s.applyAdd(ctx, d.RowID, emit)
	case types.Remove:
		if _, ok := s.localDocs[d.RowID]; !ok {
			return nil
		}

		// Emit before invalidating: a downstream stage's Remove handling
		// may still need to read this stage's effective document for
		// d.RowID.
		if err := emit(types.RemoveDelta(d.RowID)); err != nil {
			return err
		}

		delete(s.localDocs, d.RowID)
		delete(s.outDocs, d.RowID)
		s.active.Remove(d.RowID)

		return nil
	default:
		return lazyerrors.Errorf("$lookup: invalid delta sign %d", d.Sign)
	}
}

// HandleForeignDelta reacts to a change on the foreign side: every local row
// is re-evaluated and, if its joined output actually changed, revoked then
// reapplied (same shape as $group's in-place update).
func (s *lookupStage) HandleForeignDelta(
	ctx *stage.Context, foreignRowID types.RowID, foreignDoc *types.Document, emit func(types.Delta) error,
) error {
	s.unindexForeign(foreignRowID)

	if foreignDoc != nil {
		s.indexForeign(foreignRowID, foreignDoc)
	}

	for _, r := range s.active.Slice() {
		local := s.localDocs[r]

		out, err := s.buildOutput(local)
		if err != nil {
			warnDropped(ctx.Log, "$lookup", err)
			continue
		}

		if types.Equal(out, s.outDocs[r]) {
			continue
		}

		if err := emit(types.RemoveDelta(r)); err != nil {
			return err
		}

		s.outDocs[r] = out

		if err := emit(types.AddDelta(r)); err != nil {
			return err
		}
	}

	return nil
}

func (s *lookupStage) Active() *types.ActiveSet { return s.active }

func (s *lookupStage) Transforms() bool { return true }

func (s *lookupStage) EffectiveDocument(r types.RowID) (*types.Document, bool) {
	d, ok := s.outDocs[r]
	return d, ok
}

func (s *lookupStage) CachedRowIDs() []types.RowID {
	out := make([]types.RowID, 0, len(s.outDocs))
	for r := range s.outDocs {
		out = append(out, r)
	}

	return out
}
