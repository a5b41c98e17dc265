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
	"strings"

	"github.com/viewstream/ivm/internal/ivm/stages"
	"github.com/viewstream/ivm/internal/ivm/types"
)

// optimize runs the three rewrites of spec §4.4 once, at build time, over a
// cloned copy of specs. The input is never mutated.
func optimize(specs []stages.Spec) []stages.Spec {
	out := cloneSpecs(specs)

	out = fuseSortLimit(out)
	out = pushdownMatch(out)
	out = tightenProjections(out)

	return out
}

func cloneSpecs(specs []stages.Spec) []stages.Spec {
	out := make([]stages.Spec, len(specs))
	copy(out, specs)

	return out
}

// fuseSortLimit rewrites an adjacent ($sort, $limit(N)) pair into a single
// $topK(N, sortKey), saving the full order statistic $sort alone would
// maintain (spec §4.4.3).
func fuseSortLimit(specs []stages.Spec) []stages.Spec {
	out := make([]stages.Spec, 0, len(specs))

	for i := 0; i < len(specs); i++ {
		if i+1 < len(specs) && specs[i].Kind == "$sort" && specs[i+1].Kind == "$limit" {
			topK := types.MakeDocument(2)
			_ = topK.Set("n", specs[i+1].Arg)
			_ = topK.Set("sortKey", specs[i].Arg)

			out = append(out, stages.Spec{Kind: "$topK", Arg: topK})
			i++

			continue
		}

		out = append(out, specs[i])
	}

	return out
}

// pushdownMatch moves a $match stage as far before a run of immediately
// preceding $project/$addFields stages as every field the predicate reads
// allows, one field-disjoint stage at a time (spec §4.4.2). Each $match is
// walked all the way back to its fixpoint within this single call (rather
// than one swap per call), so a pipeline this has already run over is left
// unchanged by a second pass (spec §8 "Idempotent optimization").
func pushdownMatch(specs []stages.Spec) []stages.Spec {
	out := cloneSpecs(specs)

	for i := 1; i < len(out); i++ {
		if out[i].Kind != "$match" {
			continue
		}

		needed := collectMatchFields(out[i].Arg)

		for j := i; j > 0; j-- {
			proj := out[j-1]

			if proj.Kind != "$project" && proj.Kind != "$addFields" {
				break
			}

			if !disjoint(needed, touchedFields(proj)) {
				break
			}

			out[j-1], out[j] = out[j], out[j-1]
		}
	}

	return out
}

// touchedFields returns the field names a $project/$addFields stage
// assigns to (its spec's top-level keys): names a downstream $match cannot
// safely read pre-transform.
func touchedFields(spec stages.Spec) map[string]bool {
	out := map[string]bool{}

	doc, ok := spec.Arg.(*types.Document)
	if !ok {
		return out
	}

	for _, k := range doc.Keys() {
		out[k] = true
	}

	return out
}

func disjoint(a, b map[string]bool) bool {
	for f := range a {
		if b[f] {
			return false
		}
	}

	return true
}

// collectMatchFields returns the top-level field names a $match predicate
// tests, descending through $and/$or.
func collectMatchFields(arg any) map[string]bool {
	out := map[string]bool{}
	collectMatchFieldsInto(arg, out)

	return out
}

func collectMatchFieldsInto(arg any, out map[string]bool) {
	doc, ok := arg.(*types.Document)
	if !ok {
		return
	}

	for _, k := range doc.Keys() {
		v, _ := doc.Get(k)

		if k == "$and" || k == "$or" {
			if arr, ok := v.(*types.Array); ok {
				for i := 0; i < arr.Len(); i++ {
					collectMatchFieldsInto(arr.Get(i), out)
				}
			}

			continue
		}

		out[topLevelField(k)] = true
	}
}

func topLevelField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}

	return path
}

// tightenProjections narrows a non-terminal, inclusion-only $project
// stage's field list to the fields actually referenced by every later
// stage (spec §4.4.1). It never touches the terminal stage, never touches
// $addFields (which merges rather than restricts), and never removes a
// computed (expression-valued) field - only plain `{field: 1}` markers,
// which keeps the rewrite provably safe without a full dataflow pass over
// every operator's expression tree.
func tightenProjections(specs []stages.Spec) []stages.Spec {
	if len(specs) == 0 {
		return specs
	}

	out := cloneSpecs(specs)

	needed := map[string]bool{}
	allNeeded := true

	for i := len(out) - 1; i >= 0; i-- {
		spec := out[i]

		if i != len(out)-1 && spec.Kind == "$project" {
			if doc, ok := spec.Arg.(*types.Document); ok {
				out[i] = stages.Spec{Kind: "$project", Arg: tightenOneProjection(doc, needed, allNeeded)}
			}
		}

		read := referencedFields(spec)

		if producesFixedOutput(spec.Kind) {
			needed = read
			allNeeded = false
		} else {
			for f := range read {
				needed[f] = true
			}
			// allNeeded unchanged: passthrough stages still need whatever
			// was needed after them, in addition to what they read themselves.
		}
	}

	return out
}

// producesFixedOutput reports whether a stage's output field set is fully
// determined by its own spec, independent of whatever was needed further
// downstream (so the backward accumulation should reset rather than union).
func producesFixedOutput(kind string) bool {
	switch kind {
	case "$project", "$group":
		return true
	default:
		return false
	}
}

func tightenOneProjection(doc *types.Document, needed map[string]bool, allNeeded bool) *types.Document {
	if allNeeded {
		return doc
	}

	out := types.MakeDocument(doc.Len())

	for _, k := range doc.Keys() {
		v, _ := doc.Get(k)

		if isPlainInclusionMarker(v) && k != "_id" && !needed[topLevelField(k)] {
			continue
		}

		_ = out.Set(k, v)
	}

	return out
}

func isPlainInclusionMarker(v any) bool {
	switch n := v.(type) {
	case int64:
		return n == 1
	case bool:
		return n
	default:
		return false
	}
}

// referencedFields returns the input field names a stage's own spec reads,
// used to seed the backward accumulation in tightenProjections.
func referencedFields(spec stages.Spec) map[string]bool {
	out := map[string]bool{}

	switch spec.Kind {
	case "$match":
		for f := range collectMatchFields(spec.Arg) {
			out[f] = true
		}
	case "$sort":
		if doc, ok := spec.Arg.(*types.Document); ok {
			for _, k := range doc.Keys() {
				out[topLevelField(k)] = true
			}
		}
	case "$topK":
		if doc, ok := spec.Arg.(*types.Document); ok {
			if sk, ok := doc.Get("sortKey"); ok {
				if sd, ok := sk.(*types.Document); ok {
					for _, k := range sd.Keys() {
						out[topLevelField(k)] = true
					}
				}
			}
		}
	case "$lookup":
		if doc, ok := spec.Arg.(*types.Document); ok {
			if lf, ok := doc.Get("localField"); ok {
				if s, ok := lf.(string); ok {
					out[topLevelField(s)] = true
				}
			}
		}
	case "$unwind", "$project", "$addFields", "$group":
		collectExprFieldsInto(spec.Arg, out)
	default:
		// $limit, $skip, $count read no document fields.
	}

	return out
}

// collectExprFieldsInto walks an expression/spec tree collecting every
// "$field.path" string value's top-level field name. Document keys are not
// themselves treated as references (they are output field names in
// $project/$addFields/$group value maps); plain-inclusion $project keys are
// handled separately by tightenOneProjection / touchedFields.
func collectExprFieldsInto(v any, out map[string]bool) {
	switch val := v.(type) {
	case string:
		if len(val) > 1 && val[0] == '$' && val[1] != '$' {
			out[topLevelField(val[1:])] = true
		}
	case *types.Document:
		for _, k := range val.Keys() {
			fv, _ := val.Get(k)
			collectExprFieldsInto(fv, out)
		}
	case *types.Array:
		for i := 0; i < val.Len(); i++ {
			collectExprFieldsInto(val.Get(i), out)
		}
	}
}
