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

// predicate is a compiled $match query: a boolean test over a document.
// It is deliberately a different shape than expr.Evaluator — query
// operator documents ({field: {$gt: 5}}) are not expressions, and $exists
// is valid only here (spec §4.3 "Existence: $exists (inside $match only)").
type predicate func(doc *types.Document) (bool, error)

func conjunction(preds []predicate) predicate {
	return func(doc *types.Document) (bool, error) {
		for _, p := range preds {
			ok, err := p(doc)
			if err != nil {
				return false, err
			}

			if !ok {
				return false, nil
			}
		}

		return true, nil
	}
}

func disjunction(preds []predicate) predicate {
	return func(doc *types.Document) (bool, error) {
		for _, p := range preds {
			ok, err := p(doc)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	}
}

func compilePredicate(query *types.Document) (predicate, error) {
	preds := make([]predicate, 0, query.Len())

	for _, k := range query.Keys() {
		v, _ := query.Get(k)

		switch k {
		case "$and", "$or":
			arr, ok := v.(*types.Array)
			if !ok {
				return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, k+" requires an array of query documents", k)
			}

			sub := make([]predicate, arr.Len())

			for i := 0; i < arr.Len(); i++ {
				d, ok := arr.Get(i).(*types.Document)
				if !ok {
					return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, k+" elements must be documents", k)
				}

				p, err := compilePredicate(d)
				if err != nil {
					return nil, err
				}

				sub[i] = p
			}

			if k == "$and" {
				preds = append(preds, conjunction(sub))
			} else {
				preds = append(preds, disjunction(sub))
			}
		default:
			fp, err := compileFieldPredicate(k, v)
			if err != nil {
				return nil, err
			}

			preds = append(preds, fp)
		}
	}

	return conjunction(preds), nil
}

func compileFieldPredicate(field string, spec any) (predicate, error) {
	specDoc, ok := spec.(*types.Document)
	if !ok || !isOperatorDoc(specDoc) {
		return func(doc *types.Document) (bool, error) {
			return types.Equal(doc.GetByPath(field), spec), nil
		}, nil
	}

	ops := make([]predicate, 0, specDoc.Len())

	for _, opKey := range specDoc.Keys() {
		opVal, _ := specDoc.Get(opKey)

		p, err := compileFieldOperator(field, opKey, opVal)
		if err != nil {
			return nil, err
		}

		ops = append(ops, p)
	}

	return conjunction(ops), nil
}

func compileFieldOperator(field, opKey string, opVal any) (predicate, error) {
	switch opKey {
	case "$eq":
		return fieldCompare(field, opVal, func(c int) bool { return c == 0 }), nil
	case "$ne":
		return fieldCompare(field, opVal, func(c int) bool { return c != 0 }), nil
	case "$gt":
		return fieldCompare(field, opVal, func(c int) bool { return c > 0 }), nil
	case "$gte":
		return fieldCompare(field, opVal, func(c int) bool { return c >= 0 }), nil
	case "$lt":
		return fieldCompare(field, opVal, func(c int) bool { return c < 0 }), nil
	case "$lte":
		return fieldCompare(field, opVal, func(c int) bool { return c <= 0 }), nil
	case "$exists":
		want, _ := opVal.(bool)

		return func(doc *types.Document) (bool, error) {
			exists := types.KindOf(doc.GetByPath(field)) != types.KindMissing

			return exists == want, nil
		}, nil
	case "$in":
		arr, ok := opVal.(*types.Array)
		if !ok {
			return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$in requires an array", field)
		}

		return func(doc *types.Document) (bool, error) {
			v := doc.GetByPath(field)

			for i := 0; i < arr.Len(); i++ {
				if types.Equal(v, arr.Get(i)) {
					return true, nil
				}
			}

			return false, nil
		}, nil
	default:
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "unsupported query operator", opKey)
	}
}

func fieldCompare(field string, want any, pred func(c int) bool) predicate {
	return func(doc *types.Document) (bool, error) {
		return pred(types.Compare(doc.GetByPath(field), want)), nil
	}
}

// matchStage is a stateless, non-transforming stage (spec §4.2 "$match").
type matchStage struct {
	pred   predicate
	active *types.ActiveSet
}

func newMatch(arg any) (stage.Stage, error) {
	doc, ok := arg.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$match requires a document argument", "$match")
	}

	pred, err := compilePredicate(doc)
	if err != nil {
		return nil, err
	}

	return &matchStage{pred: pred, active: types.NewActiveSet()}, nil
}

func (s *matchStage) Hydrate(ctx *stage.Context) error {
	for _, r := range ctx.UpstreamActive.Slice() {
		doc, ok := ctx.Upstream(r)
		if !ok {
			return lazyerrors.Errorf("$match: missing upstream document for rowId %d", r)
		}

		ok2, err := s.pred(doc)
		if err != nil {
			warnDropped(ctx.Log, "$match", err)
			continue
		}

		if ok2 {
			s.active.Add(r)
		}
	}

	return nil
}

func (s *matchStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		doc, ok := ctx.Upstream(d.RowID)
		if !ok {
			return lazyerrors.Errorf("$match: missing upstream document for rowId %d", d.RowID)
		}

		matched, err := s.pred(doc)
		if err != nil {
			warnDropped(ctx.Log, "$match", err)
			return nil
		}

		if !matched {
			return nil
		}

		s.active.Add(d.RowID)

		return emit(d)
	case types.Remove:
		if !s.active.Remove(d.RowID) {
			return nil
		}

		return emit(d)
	default:
		return lazyerrors.Errorf("$match: invalid delta sign %d", d.Sign)
	}
}

func (s *matchStage) Active() *types.ActiveSet { return s.active }

func (s *matchStage) Transforms() bool { return false }

func (s *matchStage) EffectiveDocument(types.RowID) (*types.Document, bool) { return nil, false }
