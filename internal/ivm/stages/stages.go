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

// Package stages implements one concrete [stage.Stage] per pipeline
// operator kind (spec §4.2, §9: "tagged variant with one branch per stage
// kind").
package stages

import (
	"errors"

	"go.uber.org/zap"

	"github.com/viewstream/ivm/internal/ivm/expr"
	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

// errEvaluationDropped is returned internally when an expression fails to
// evaluate for one row. Every caller translates it into "do nothing for
// this delta" rather than propagating it (spec §7: evaluation errors drop
// the offending delta; they never fail the pipeline).
var errEvaluationDropped = errors.New("stages: evaluation error, delta dropped")

// Spec is a single parsed pipeline stage: its $-prefixed command name and
// its raw, not-yet-compiled argument.
type Spec struct {
	Kind string
	Arg  any
}

// ForeignSource is how $lookup resolves its named secondary collection
// (SPEC_FULL.md §5): the embedding application hydrates the foreign side
// and feeds it foreign deltas, rather than $lookup owning a second engine.
type ForeignSource interface {
	// Hydrate returns every currently active foreign document, keyed by
	// its own rowId space (disjoint from the local pipeline's).
	Hydrate() (map[types.RowID]*types.Document, error)

	// Subscribe registers a callback invoked for every foreign delta; doc
	// is nil for a removal.
	Subscribe(onDelta func(r types.RowID, doc *types.Document))
}

// New dispatches a parsed stage spec to its implementation. index is the
// stage's position in the pipeline (used to tag $unwind's synthesized
// rowIds, spec §3). compiler is the owning engine's, shared by every
// pipeline built on it, so fallback counting is engine-wide (spec §6
// getFallbackCount).
// foreignSources resolves $lookup's `from` name and may be nil if the
// pipeline has no $lookup stage.
func New(spec Spec, index int, compiler *expr.Compiler, foreignSources map[string]ForeignSource) (stage.Stage, error) {
	switch spec.Kind {
	case "$match":
		return newMatch(spec.Arg)
	case "$project":
		return newProjectLike(spec.Arg, compiler, false)
	case "$addFields":
		return newProjectLike(spec.Arg, compiler, true)
	case "$group":
		return newGroup(spec.Arg, compiler)
	case "$sort":
		return newSort(spec.Arg)
	case "$limit":
		return newLimit(spec.Arg)
	case "$skip":
		return newSkip(spec.Arg)
	case "$topK":
		return newTopK(spec.Arg)
	case "$unwind":
		return newUnwind(spec.Arg, index)
	case "$lookup":
		return newLookup(spec.Arg, foreignSources)
	case "$count":
		return newCount(spec.Arg)
	default:
		return nil, ivmerrors.New(ivmerrors.ErrCodeUnknownStage, "unknown pipeline stage", spec.Kind)
	}
}

// isOperatorDoc reports whether d is a single-key, $-prefixed operator
// document, as opposed to a literal value or a nested inclusion spec.
func isOperatorDoc(d *types.Document) bool {
	if d.Len() == 0 {
		return false
	}

	for _, k := range d.Keys() {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}

	return true
}

func warnDropped(log *zap.Logger, stageName string, err error) {
	if log != nil {
		log.Warn("dropping delta after evaluation error", zap.String("stage", stageName), zap.Error(err))
	}
}
