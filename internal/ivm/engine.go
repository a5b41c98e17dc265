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

// Package ivm implements the incremental view maintenance engine: the
// pipeline driver that builds, optimizes, hydrates, and continuously
// maintains aggregation pipelines over an in-memory document store (spec
// §1, §4.5, §6 "External interfaces"). The engine is single-threaded
// cooperative (spec §5): one operation is in flight at a time on a given
// Engine, and callers must not share an Engine across goroutines without
// their own synchronization.
package ivm

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/viewstream/ivm/internal/ivm/bsonconv"
	"github.com/viewstream/ivm/internal/ivm/expr"
	"github.com/viewstream/ivm/internal/ivm/stages"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
	"github.com/viewstream/ivm/internal/util/logging"
)

// Engine owns a mutable document store and every [Pipeline] built from it
// (spec §6 "createEngine() -> Engine"). Document mutations made through
// AddDocument/RemoveDocument/UpdateDocument are fanned out as deltas to
// every open Pipeline.
type Engine struct {
	cfg Config
	log *zap.Logger

	docs   map[types.RowID]*types.Document
	active *types.ActiveSet
	nextID int64

	compiler       *expr.Compiler
	foreignSources map[string]stages.ForeignSource

	pipelines []*Pipeline

	fallbackCount int
}

// NewEngine creates an empty Engine (spec §6 "createEngine").
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:            cfg,
		log:            logging.WithName(cfg.logger(), "engine"),
		docs:           make(map[types.RowID]*types.Document),
		active:         types.NewActiveSet(),
		foreignSources: make(map[string]stages.ForeignSource),
	}

	e.compiler = expr.NewCompiler(e)

	return e
}

// IncFallback implements [expr.FallbackTracker] / [stage.FallbackTracker]:
// every uncovered expression operator increments the engine-wide debug
// counter (spec §6 "getFallbackCount") and, if configured, the prometheus
// counter.
func (e *Engine) IncFallback(operator string) {
	e.fallbackCount++

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncFallback(operator)
	}

	e.log.Warn("expression operator not supported by the compiler", zap.String("operator", operator))
}

// ResetFallbackTracking zeroes the fallback counter (spec §6).
func (e *Engine) ResetFallbackTracking() {
	e.fallbackCount = 0
}

// GetFallbackCount returns the number of fallback events since the last
// reset (spec §6, §8 "Zero fallback").
func (e *Engine) GetFallbackCount() int {
	return e.fallbackCount
}

// RegisterForeignSource makes src available to any $lookup stage whose
// `from` equals name, for pipelines built after this call.
func (e *Engine) RegisterForeignSource(name string, src stages.ForeignSource) {
	e.foreignSources[name] = src
}

func (e *Engine) lookupDoc(r types.RowID) (*types.Document, bool) {
	d, ok := e.docs[r]
	return d, ok
}

// AddDocument converts doc (a bson.D/bson.M/map[string]any/*types.Document)
// into the engine's document model, assigns it a fresh rowId, and fans out
// a +rowId delta to every live Pipeline (spec §6 "Engine.addDocument").
func (e *Engine) AddDocument(doc any) (types.RowID, error) {
	converted, err := bsonconv.ToDocument(doc)
	if err != nil {
		return 0, err
	}

	e.nextID++
	r := types.RowID(e.nextID)

	e.insert(r, converted)

	return r, nil
}

func (e *Engine) insert(r types.RowID, doc *types.Document) {
	e.docs[r] = doc
	e.active.Add(r)

	for _, p := range e.pipelines {
		if p.closed {
			continue
		}

		_ = p.ingestDelta(types.AddDelta(r))
	}
}

// RemoveDocument deletes rowId from the store and fans out a -rowId delta
// to every live Pipeline (spec §6 "Engine.removeDocument").
func (e *Engine) RemoveDocument(r types.RowID) error {
	if _, ok := e.docs[r]; !ok {
		return ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "unknown rowId", "")
	}

	e.remove(r)

	return nil
}

func (e *Engine) remove(r types.RowID) {
	// Deltas must reach every stage-0 while the document is still resolvable
	// via lookupDoc: a $group (or any other stage reading the upstream
	// effective document on Remove) needs the pre-removal value to revoke
	// its contribution. Invalidate the store entry only once every pipeline
	// has observed the delta.
	for _, p := range e.pipelines {
		if p.closed {
			continue
		}

		_ = p.ingestDelta(types.RemoveDelta(r))
	}

	delete(e.docs, r)
	e.active.Remove(r)
}

// UpdateDocument replaces rowId's document in place, implemented as
// -rowId followed by +rowId with the same identity (spec §3 "Lifecycle",
// §6: "the last implemented as -rowId then +rowId").
func (e *Engine) UpdateDocument(r types.RowID, doc any) error {
	if _, ok := e.docs[r]; !ok {
		return ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "unknown rowId", "")
	}

	converted, err := bsonconv.ToDocument(doc)
	if err != nil {
		return err
	}

	e.remove(r)
	e.insert(r, converted)

	return nil
}

// Build parses and optimizes pipelineSpec, constructs and hydrates its
// stage chain over the engine's current document set, and registers the
// result to keep receiving deltas from future document mutations. Use
// Execute for the common case of wanting only the initial snapshot.
func (e *Engine) Build(pipelineSpec any) (*Pipeline, error) {
	specs, err := parsePipelineSpec(pipelineSpec)
	if err != nil {
		return nil, err
	}

	if e.cfg.enableOptimizer() {
		specs = optimize(specs)
	}

	p, err := e.build(specs)
	if err != nil {
		return nil, err
	}

	e.pipelines = append(e.pipelines, p)

	for i, st := range p.chain {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.setActive(i, specs[i].Kind, st.Active().Len())
		}
	}

	return p, nil
}

// Execute builds, optimizes, and hydrates pipelineSpec, then returns the
// terminal stage's current output (spec §6 "Engine.execute"). The built
// Pipeline remains registered and is kept incrementally up to date by
// later AddDocument/RemoveDocument/UpdateDocument calls.
func (e *Engine) Execute(pipelineSpec any) ([]bson.D, error) {
	p, err := e.Build(pipelineSpec)
	if err != nil {
		return nil, err
	}

	return p.Snapshot()
}

// Aggregate is a convenience wrapper: a fresh engine, bulk-inserting docs,
// executing pipelineSpec once, and discarding the engine (spec §6
// "Engine.aggregate"). cfg configures the throwaway engine.
func Aggregate(cfg Config, docs []any, pipelineSpec any) ([]bson.D, error) {
	e := NewEngine(cfg)

	for _, d := range docs {
		if _, err := e.AddDocument(d); err != nil {
			return nil, err
		}
	}

	return e.Execute(pipelineSpec)
}
