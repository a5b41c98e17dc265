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

// Package stage defines the operator protocol every pipeline stage
// implements (spec §4.1): hydrate, applyDelta, and effective-document
// exposure. It is a separate package from internal/ivm/stages so that the
// driver (internal/ivm) and the stage implementations (internal/ivm/stages)
// can both depend on the protocol without depending on each other.
package stage

import (
	"go.uber.org/zap"

	"github.com/viewstream/ivm/internal/ivm/types"
)

// Context is handed to every protocol call. It exposes exactly what spec
// §4.1 says a stage may consult: the upstream active set and a pull-based
// lookup of the nearest upstream transforming stage's effective document.
// A stage must never read anything else.
type Context struct {
	// Index is this stage's position in the pipeline.
	Index int

	// UpstreamActive is the active set of the stage immediately before
	// this one (or the raw document store's active set for stage 0).
	UpstreamActive *types.ActiveSet

	// Upstream resolves rowId to the effective document the nearest
	// upstream transforming stage exposes for it (spec §3 "Effective
	// document"; forwards through non-transforming stages).
	Upstream func(r types.RowID) (*types.Document, bool)

	// Log is a stage-scoped logger, named by stage kind and index.
	Log *zap.Logger

	// Fallback receives IncFallback calls for any expression operator this
	// stage's compiled path does not cover (spec §6, §7, §8).
	Fallback FallbackTracker
}

// FallbackTracker is satisfied by the driver's debug counters and by
// internal/ivm/expr.FallbackTracker — kept as a separate, identical
// interface here so this package does not need to import internal/ivm/expr.
type FallbackTracker interface {
	IncFallback(operator string)
}

// Stage is the contract every pipeline operator satisfies (spec §4.1).
// Implementations live in internal/ivm/stages, one concrete type per stage
// kind (spec §9: "tagged variant with one branch per stage kind").
type Stage interface {
	// Hydrate bulk-installs this stage's state from ctx.UpstreamActive,
	// populating its own active set.
	Hydrate(ctx *Context) error

	// ApplyDelta reacts to one upstream delta. For every downstream delta
	// it produces, it must call emit, which synchronously drives the rest
	// of the pipeline before returning — this lets a stage observe its
	// own still-current effective document for one downstream delta
	// before changing it for the next (needed by $group's revoke-then-
	// reapply handling of a document that changes group in place).
	ApplyDelta(ctx *Context, d types.Delta, emit func(types.Delta) error) error

	// Active returns this stage's current active set, in output order.
	// The returned pointer is stable for the stage's lifetime; its
	// contents change as deltas are applied.
	Active() *types.ActiveSet

	// Transforms reports whether this stage exposes its own effective
	// document. $match, $sort, $limit, $skip, and $topK do not (spec
	// §4.1); the pipeline forwards through them to the nearest upstream
	// transformer.
	Transforms() bool

	// EffectiveDocument returns the transformed document for a rowId
	// known to be in this stage's active set. Only called when
	// Transforms() is true.
	EffectiveDocument(r types.RowID) (*types.Document, bool)
}

// CacheInspectable is an optional interface a transforming stage can
// implement to let tests verify the cache-consistency property (spec §8):
// the set of rowIds with a cached effective document exactly matches the
// stage's active set.
type CacheInspectable interface {
	CachedRowIDs() []types.RowID
}
