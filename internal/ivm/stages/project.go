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

	"github.com/viewstream/ivm/internal/ivm/expr"
	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
	"github.com/viewstream/ivm/internal/util/lazyerrors"
)

type fieldSpecKind int

const (
	fieldInclude fieldSpecKind = iota
	fieldExclude
	fieldExpr
)

type projectedField struct {
	key  string
	kind fieldSpecKind
	eval expr.Evaluator
}

type rawField struct {
	key   string
	value any
}

// flattenProjectSpec turns nested inclusion documents ({a: {b: 1}}) into
// dotted-path fields ("a.b": 1), per spec §4.2 "nested specs ... descend
// recursively". A nested document that is itself an operator expression
// (e.g. {$multiply: [...]}) is left alone; only plain nested documents are
// descended into.
func flattenProjectSpec(prefix string, d *types.Document) ([]rawField, error) {
	out := make([]rawField, 0, d.Len())

	for _, k := range d.Keys() {
		v, _ := d.Get(k)

		full := k
		if prefix != "" {
			full = prefix + "." + k
		}

		if nd, ok := v.(*types.Document); ok && !isOperatorDoc(nd) {
			sub, err := flattenProjectSpec(full, nd)
			if err != nil {
				return nil, err
			}

			out = append(out, sub...)

			continue
		}

		out = append(out, rawField{key: full, value: v})
	}

	return out, nil
}

// classify reports whether v is a literal 1/true (include) or 0/false
// (exclude) projection flag, as opposed to a value to be compiled as an
// expression.
func classify(v any) (fieldSpecKind, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return fieldInclude, true
		}

		return fieldExclude, true
	case int64:
		if n == 1 {
			return fieldInclude, true
		}

		if n == 0 {
			return fieldExclude, true
		}
	case float64:
		if n == 1 {
			return fieldInclude, true
		}

		if n == 0 {
			return fieldExclude, true
		}
	}

	return fieldExpr, false
}

// projectStage implements both $project and $addFields (spec §4.2;
// SPEC_FULL.md §5 distinguishes their semantics via the merge flag).
type projectStage struct {
	fields    []projectedField
	merge     bool // true for $addFields: never drops existing fields.
	exclusion bool // true for $project in exclusion-only mode.
	excludeID bool

	docs   map[types.RowID]*types.Document
	active *types.ActiveSet
}

func newProjectLike(arg any, compiler *expr.Compiler, merge bool) (stage.Stage, error) {
	name := "$project"
	if merge {
		name = "$addFields"
	}

	doc, ok := arg.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, name+" requires a document argument", name)
	}

	raw, err := flattenProjectSpec("", doc)
	if err != nil {
		return nil, err
	}

	base := &projectStage{
		docs:   make(map[types.RowID]*types.Document),
		active: types.NewActiveSet(),
		merge:  merge,
	}

	if merge {
		fields := make([]projectedField, 0, len(raw))

		for _, rf := range raw {
			ev, err := compiler.Compile(rf.value)
			if err != nil {
				return nil, err
			}

			fields = append(fields, projectedField{key: rf.key, kind: fieldExpr, eval: ev})
		}

		base.fields = fields

		return base, nil
	}

	var (
		fields     []projectedField
		hasInclude bool
		hasExclude bool
	)

	for _, rf := range raw {
		kind, isFlag := classify(rf.value)

		if rf.key == "_id" {
			if isFlag && kind == fieldExclude {
				base.excludeID = true
				continue
			}

			if isFlag {
				continue // "_id": 1 is the default behavior already.
			}

			ev, err := compiler.Compile(rf.value)
			if err != nil {
				return nil, err
			}

			fields = append(fields, projectedField{key: rf.key, kind: fieldExpr, eval: ev})

			continue
		}

		if !isFlag {
			hasInclude = true

			ev, err := compiler.Compile(rf.value)
			if err != nil {
				return nil, err
			}

			fields = append(fields, projectedField{key: rf.key, kind: fieldExpr, eval: ev})

			continue
		}

		if kind == fieldInclude {
			hasInclude = true
			fields = append(fields, projectedField{key: rf.key, kind: fieldInclude})
		} else {
			hasExclude = true
			fields = append(fields, projectedField{key: rf.key, kind: fieldExclude})
		}
	}

	if hasInclude && hasExclude {
		return nil, ivmerrors.New(ivmerrors.ErrCodeMixedProjection, "$project cannot mix inclusion and exclusion", "$project")
	}

	base.fields = fields
	base.exclusion = hasExclude && !hasInclude

	return base, nil
}

func removeByPath(d *types.Document, path string) {
	idx := strings.IndexByte(path, '.')
	if idx < 0 {
		d.Remove(path)
		return
	}

	head, rest := path[:idx], path[idx+1:]

	v, ok := d.Get(head)
	if !ok {
		return
	}

	nd, ok := v.(*types.Document)
	if !ok {
		return
	}

	removeByPath(nd, rest)
}

func (s *projectStage) transformDoc(root *types.Document) (*types.Document, error) {
	if s.merge {
		out := root.DeepCopy()

		for _, f := range s.fields {
			v, err := f.eval(root)
			if err != nil {
				return nil, err
			}

			if err := out.SetByPath(f.key, v); err != nil {
				return nil, err
			}
		}

		return out, nil
	}

	if s.exclusion {
		out := root.DeepCopy()

		if s.excludeID {
			out.Remove("_id")
		}

		for _, f := range s.fields {
			removeByPath(out, f.key)
		}

		return out, nil
	}

	out := types.MakeDocument(len(s.fields) + 1)

	if !s.excludeID {
		if idv, ok := root.Get("_id"); ok {
			if err := out.Set("_id", idv); err != nil {
				return nil, err
			}
		}
	}

	for _, f := range s.fields {
		switch f.kind {
		case fieldInclude:
			v := root.GetByPath(f.key)
			if types.KindOf(v) == types.KindMissing {
				continue
			}

			if err := out.SetByPath(f.key, v); err != nil {
				return nil, err
			}
		case fieldExpr:
			v, err := f.eval(root)
			if err != nil {
				return nil, err
			}

			if err := out.SetByPath(f.key, v); err != nil {
				return nil, err
			}
		case fieldExclude:
			// Handled by the exclusion-mode branch above; unreachable
			// in inclusion mode.
		}
	}

	return out, nil
}

func (s *projectStage) name() string {
	if s.merge {
		return "$addFields"
	}

	return "$project"
}

func (s *projectStage) applyAdd(ctx *stage.Context, r types.RowID) error {
	root, ok := ctx.Upstream(r)
	if !ok {
		return lazyerrors.Errorf("%s: missing upstream document for rowId %d", s.name(), r)
	}

	out, err := s.transformDoc(root)
	if err != nil {
		warnDropped(ctx.Log, s.name(), err)
		return errEvaluationDropped
	}

	s.docs[r] = out
	s.active.Add(r)

	return nil
}

func (s *projectStage) Hydrate(ctx *stage.Context) error {
	for _, r := range ctx.UpstreamActive.Slice() {
		if err := s.applyAdd(ctx, r); err != nil {
			if err == errEvaluationDropped {
				continue
			}

			return err
		}
	}

	return nil
}

func (s *projectStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		err := s.applyAdd(ctx, d.RowID)
		if err == errEvaluationDropped {
			return nil
		}

		if err != nil {
			return err
		}

		return emit(d)
	case types.Remove:
		if _, ok := s.docs[d.RowID]; !ok {
			return nil
		}

		// Emit downstream before invalidating the cache entry: a
		// downstream stage's own Remove handling may still need to read
		// this stage's effective document for d.RowID (e.g. $group
		// revoking its accumulator contribution).
		if err := emit(d); err != nil {
			return err
		}

		delete(s.docs, d.RowID)
		s.active.Remove(d.RowID)

		return nil
	default:
		return lazyerrors.Errorf("%s: invalid delta sign %d", s.name(), d.Sign)
	}
}

func (s *projectStage) Active() *types.ActiveSet { return s.active }

func (s *projectStage) Transforms() bool { return true }

func (s *projectStage) EffectiveDocument(r types.RowID) (*types.Document, bool) {
	d, ok := s.docs[r]
	return d, ok
}

func (s *projectStage) CachedRowIDs() []types.RowID {
	out := make([]types.RowID, 0, len(s.docs))
	for r := range s.docs {
		out = append(out, r)
	}

	return out
}
