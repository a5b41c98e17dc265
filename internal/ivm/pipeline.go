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
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/viewstream/ivm/internal/ivm/bsonconv"
	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/stages"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
	"github.com/viewstream/ivm/internal/util/lazyerrors"
	"github.com/viewstream/ivm/internal/util/logging"
)

// Pipeline is a built, hydrated, and continuously maintained chain of
// stages over an [Engine]'s document store (spec §4.5 "pipeline driver").
// Every subsequent AddDocument/RemoveDocument/UpdateDocument call on the
// owning Engine feeds this Pipeline a delta via ingestDelta until it is
// closed.
type Pipeline struct {
	engine *Engine

	specs  []stages.Spec
	chain  []stage.Stage
	ctxs   []*stage.Context
	log    *zap.Logger
	trace  bool
	closed bool

	poisoned error
}

// parsePipelineSpec converts a raw bson-shaped pipeline ([]bson.D is the
// canonical shape mongo-driver callers already build; bson.A/[]bson.M/
// []map[string]any/[]any are accepted for convenience) into an ordered
// list of stage specs (spec §6 "Pipeline specification").
func parsePipelineSpec(raw any) ([]stages.Spec, error) {
	docs, err := toStageDocs(raw)
	if err != nil {
		return nil, err
	}

	specs := make([]stages.Spec, len(docs))

	for i, doc := range docs {
		if doc.Len() != 1 {
			return nil, ivmerrors.New(
				ivmerrors.ErrCodeInvalidStageSpec,
				fmt.Sprintf("pipeline stage %d must have exactly one key", i),
				"",
			)
		}

		kind := doc.Command()
		if !strings.HasPrefix(kind, "$") {
			return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "stage key must be $-prefixed", kind)
		}

		arg, _ := doc.Get(kind)
		specs[i] = stages.Spec{Kind: kind, Arg: arg}
	}

	return specs, nil
}

func toStageDocs(raw any) ([]*types.Document, error) {
	var elems []any

	switch v := raw.(type) {
	case []bson.D:
		elems = make([]any, len(v))
		for i, d := range v {
			elems[i] = d
		}
	case bson.A:
		elems = []any(v)
	case []bson.M:
		elems = make([]any, len(v))
		for i, d := range v {
			elems[i] = d
		}
	case []map[string]any:
		elems = make([]any, len(v))
		for i, d := range v {
			elems[i] = d
		}
	case []any:
		elems = v
	default:
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, fmt.Sprintf("unsupported pipeline shape %T", raw), "")
	}

	out := make([]*types.Document, len(elems))

	for i, e := range elems {
		doc, err := bsonconv.ToDocument(e)
		if err != nil {
			return nil, ivmerrors.New(
				ivmerrors.ErrCodeInvalidStageSpec,
				fmt.Sprintf("pipeline stage %d: %v", i, err),
				"",
			)
		}

		out[i] = doc
	}

	return out, nil
}

// build constructs and hydrates the stage chain from specs (already
// optimized), wiring each stage's [stage.Context] so Upstream forwards
// through non-transforming stages to the nearest document-transforming
// one, bottoming out at the engine's raw document store (spec §3
// "Effective document").
func (e *Engine) build(specs []stages.Spec) (*Pipeline, error) {
	p := &Pipeline{
		engine: e,
		specs:  specs,
		chain:  make([]stage.Stage, len(specs)),
		ctxs:   make([]*stage.Context, len(specs)),
		log:    logging.WithName(e.cfg.logger(), "pipeline"),
		trace:  e.cfg.traceDeltas(),
	}

	compiler := e.compiler

	for i, spec := range specs {
		st, err := stages.New(spec, i, compiler, e.foreignSources)
		if err != nil {
			return nil, err
		}

		p.chain[i] = st
	}

	for i := range p.chain {
		p.ctxs[i] = &stage.Context{
			Index:          i,
			UpstreamActive: p.upstreamActive(i),
			Upstream:       p.upstreamDoc(i),
			Log:            p.log.Named(fmt.Sprintf("%d:%s", i, specs[i].Kind)),
			Fallback:       e,
		}
	}

	for i, st := range p.chain {
		if err := st.Hydrate(p.ctxs[i]); err != nil {
			return nil, lazyerrors.Error(err)
		}
	}

	for i, st := range p.chain {
		fa, ok := st.(stages.ForeignAware)
		if !ok {
			continue
		}

		idx := i

		fa.Foreign().Subscribe(func(r types.RowID, doc *types.Document) {
			p.handleForeignDelta(idx, r, doc)
		})
	}

	return p, nil
}

// upstreamActive returns the stable active-set pointer that stage i's
// context should read: the raw store's for stage 0, else the previous
// stage's own active set.
func (p *Pipeline) upstreamActive(i int) *types.ActiveSet {
	if i == 0 {
		return p.engine.active
	}

	return p.chain[i-1].Active()
}

// upstreamDoc returns stage i's Upstream lookup closure: the nearest
// upstream transforming stage's EffectiveDocument, forwarding through any
// number of non-transforming stages, bottoming out at the raw store.
func (p *Pipeline) upstreamDoc(i int) func(types.RowID) (*types.Document, bool) {
	for j := i - 1; j >= 0; j-- {
		if p.chain[j].Transforms() {
			st := p.chain[j]
			return st.EffectiveDocument
		}
	}

	return p.engine.lookupDoc
}

// ingestDelta routes d through the stage chain starting at stage 0, each
// stage's emitted deltas becoming the next stage's input (spec §4.5).
func (p *Pipeline) ingestDelta(d types.Delta) error {
	if p.poisoned != nil {
		return p.poisoned
	}

	if err := p.ingestAt(0, d); err != nil {
		p.poisoned = ivmerrors.New(ivmerrors.ErrCodePoisoned, err.Error(), "")
		return p.poisoned
	}

	return nil
}

func (p *Pipeline) ingestAt(stageIdx int, d types.Delta) error {
	if stageIdx >= len(p.chain) {
		return nil
	}

	if p.trace {
		p.log.Debug("delta", zap.Int("stage", stageIdx), zap.Int64("rowId", int64(d.RowID)), zap.Int8("sign", int8(d.Sign)))
	}

	err := p.chain[stageIdx].ApplyDelta(p.ctxs[stageIdx], d, func(out types.Delta) error {
		return p.ingestAt(stageIdx+1, out)
	})

	if m := p.engine.cfg.Metrics; m != nil {
		m.setActive(stageIdx, p.specs[stageIdx].Kind, p.chain[stageIdx].Active().Len())
	}

	return err
}

// handleForeignDelta routes a push notification from a $lookup stage's
// ForeignSource into that stage's HandleForeignDelta, then continues
// ordinary downstream propagation with whatever it emits.
func (p *Pipeline) handleForeignDelta(stageIdx int, foreignRowID types.RowID, foreignDoc *types.Document) {
	if p.poisoned != nil {
		return
	}

	handler, ok := p.chain[stageIdx].(stages.ForeignDeltaHandler)
	if !ok {
		return
	}

	err := handler.HandleForeignDelta(p.ctxs[stageIdx], foreignRowID, foreignDoc, func(out types.Delta) error {
		return p.ingestAt(stageIdx+1, out)
	})
	if err != nil {
		p.poisoned = ivmerrors.New(ivmerrors.ErrCodePoisoned, err.Error(), "")
	}
}

// Snapshot materializes the terminal stage's current active set through
// getEffectiveDocument, as bson.D results in the order the terminal stage
// exposes them (spec §4.5 "execute").
func (p *Pipeline) Snapshot() ([]bson.D, error) {
	if p.poisoned != nil {
		return nil, p.poisoned
	}

	if len(p.chain) == 0 {
		out := make([]bson.D, 0, p.engine.active.Len())

		for _, r := range p.engine.active.Slice() {
			doc, ok := p.engine.lookupDoc(r)
			if !ok {
				continue
			}

			out = append(out, bsonconv.FromDocument(doc))
		}

		return out, nil
	}

	terminal := len(p.chain) - 1
	rows := p.chain[terminal].Active().Slice()
	out := make([]bson.D, 0, len(rows))

	for _, r := range rows {
		doc, ok := p.upstreamEffective(terminal, r)
		if !ok {
			continue
		}

		out = append(out, bsonconv.FromDocument(doc))
	}

	return out, nil
}

// upstreamEffective returns stage i's effective document for r, forwarding
// through non-transforming stages exactly like upstreamDoc does for the
// stage *after* i.
func (p *Pipeline) upstreamEffective(i int, r types.RowID) (*types.Document, bool) {
	for j := i; j >= 0; j-- {
		if p.chain[j].Transforms() {
			return p.chain[j].EffectiveDocument(r)
		}
	}

	return p.engine.lookupDoc(r)
}

// Close stops a Pipeline from receiving further deltas from its Engine.
func (p *Pipeline) Close() {
	p.closed = true
}
