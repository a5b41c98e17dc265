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
	"math"
	"sort"

	"github.com/viewstream/ivm/internal/ivm/expr"
	"github.com/viewstream/ivm/internal/ivm/stage"
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
	"github.com/viewstream/ivm/internal/util/lazyerrors"
)

// accumulator is a $group accumulator that can both absorb and revoke a
// single row's contribution (spec §4.2: "Each accumulator must be
// incrementally updateable: apply(+value) and apply(-value) are both
// required").
type accumulator interface {
	Add(r types.RowID, v any) error
	Remove(r types.RowID, v any) error
	Value() any
}

func numericOperand(op string, v any) (float64, bool, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), true, nil
	case float64:
		return n, false, nil
	default:
		return 0, false, ivmerrors.New(ivmerrors.ErrCodeTypeMismatch, op+" requires a numeric operand", op)
	}
}

func resultNumeric(v float64, allInt bool) any {
	if allInt && v == math.Trunc(v) && !math.IsInf(v, 0) {
		return int64(v)
	}

	return v
}

type sumAccumulator struct {
	sum        float64
	floatCount int
}

func (a *sumAccumulator) Add(_ types.RowID, v any) error {
	n, isInt, err := numericOperand("$sum", v)
	if err != nil {
		return err
	}

	a.sum += n
	if !isInt {
		a.floatCount++
	}

	return nil
}

func (a *sumAccumulator) Remove(_ types.RowID, v any) error {
	n, isInt, err := numericOperand("$sum", v)
	if err != nil {
		return err
	}

	a.sum -= n
	if !isInt {
		a.floatCount--
	}

	return nil
}

func (a *sumAccumulator) Value() any { return resultNumeric(a.sum, a.floatCount == 0) }

type avgAccumulator struct {
	sum   float64
	count int64
}

func (a *avgAccumulator) Add(_ types.RowID, v any) error {
	n, _, err := numericOperand("$avg", v)
	if err != nil {
		return err
	}

	a.sum += n
	a.count++

	return nil
}

func (a *avgAccumulator) Remove(_ types.RowID, v any) error {
	n, _, err := numericOperand("$avg", v)
	if err != nil {
		return err
	}

	a.sum -= n
	a.count--

	return nil
}

func (a *avgAccumulator) Value() any {
	if a.count == 0 {
		return types.Null
	}

	return a.sum / float64(a.count)
}

// minMaxAccumulator keeps a sorted multiset of contributions so that a
// revocation can remove exactly one occurrence of a value (spec §4.2
// "Min/max revocation: $min/$max keep a sorted multiset of contributions").
type minMaxAccumulator struct {
	isMax         bool
	contributions []any
}

func (a *minMaxAccumulator) indexOf(v any) int {
	return sort.Search(len(a.contributions), func(i int) bool {
		return types.Compare(a.contributions[i], v) >= 0
	})
}

func (a *minMaxAccumulator) Add(_ types.RowID, v any) error {
	i := a.indexOf(v)
	a.contributions = append(a.contributions, nil)
	copy(a.contributions[i+1:], a.contributions[i:])
	a.contributions[i] = v

	return nil
}

func (a *minMaxAccumulator) Remove(_ types.RowID, v any) error {
	i := a.indexOf(v)
	if i >= len(a.contributions) || !types.Equal(a.contributions[i], v) {
		return ivmerrors.New(ivmerrors.ErrCodeNonDecrementable, "cannot revoke a contribution that was never added", "")
	}

	a.contributions = append(a.contributions[:i], a.contributions[i+1:]...)

	return nil
}

func (a *minMaxAccumulator) Value() any {
	if len(a.contributions) == 0 {
		return types.Null
	}

	if a.isMax {
		return a.contributions[len(a.contributions)-1]
	}

	return a.contributions[0]
}

// firstLastAccumulator backs both $first and $last: it tracks contributing
// rowIds in arrival order so that revoking a non-boundary contribution
// never disturbs the reported value.
type firstLastAccumulator struct {
	last  bool
	order []types.RowID
	vals  map[types.RowID]any
}

func newFirstLastAccumulator(last bool) *firstLastAccumulator {
	return &firstLastAccumulator{last: last, vals: make(map[types.RowID]any)}
}

func (a *firstLastAccumulator) Add(r types.RowID, v any) error {
	if _, ok := a.vals[r]; !ok {
		a.order = append(a.order, r)
	}

	a.vals[r] = v

	return nil
}

func (a *firstLastAccumulator) Remove(r types.RowID, _ any) error {
	if _, ok := a.vals[r]; !ok {
		return ivmerrors.New(ivmerrors.ErrCodeNonDecrementable, "cannot revoke a contribution that was never added", "")
	}

	delete(a.vals, r)

	for i, id := range a.order {
		if id == r {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	return nil
}

func (a *firstLastAccumulator) Value() any {
	if len(a.order) == 0 {
		return types.Null
	}

	if a.last {
		return a.vals[a.order[len(a.order)-1]]
	}

	return a.vals[a.order[0]]
}

// pushAccumulator keeps every contribution, in arrival order.
type pushAccumulator struct {
	order []types.RowID
	vals  map[types.RowID]any
}

func newPushAccumulator() *pushAccumulator {
	return &pushAccumulator{vals: make(map[types.RowID]any)}
}

func (a *pushAccumulator) Add(r types.RowID, v any) error {
	if _, ok := a.vals[r]; !ok {
		a.order = append(a.order, r)
	}

	a.vals[r] = v

	return nil
}

func (a *pushAccumulator) Remove(r types.RowID, _ any) error {
	if _, ok := a.vals[r]; !ok {
		return ivmerrors.New(ivmerrors.ErrCodeNonDecrementable, "$push cannot revoke a contribution that was never added", "")
	}

	delete(a.vals, r)

	for i, id := range a.order {
		if id == r {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	return nil
}

func (a *pushAccumulator) Value() any {
	out := types.MakeArray(len(a.order))

	for _, r := range a.order {
		_ = out.Append(a.vals[r])
	}

	return out
}

type setEntry struct {
	r types.RowID
	v any
}

// addToSetAccumulator tracks distinct values with multiplicity so that two
// different rows contributing the same value keep it present until both
// are revoked.
type addToSetAccumulator struct {
	buckets map[int64][]setEntry
}

func newAddToSetAccumulator() *addToSetAccumulator {
	return &addToSetAccumulator{buckets: make(map[int64][]setEntry)}
}

func (a *addToSetAccumulator) Add(r types.RowID, v any) error {
	h := types.HashValue(v)
	a.buckets[h] = append(a.buckets[h], setEntry{r: r, v: v})

	return nil
}

func (a *addToSetAccumulator) Remove(r types.RowID, v any) error {
	h := types.HashValue(v)
	bucket := a.buckets[h]

	for i, e := range bucket {
		if e.r == r {
			a.buckets[h] = append(bucket[:i], bucket[i+1:]...)
			return nil
		}
	}

	return ivmerrors.New(ivmerrors.ErrCodeNonDecrementable, "$addToSet cannot revoke a contribution that was never added", "")
}

func (a *addToSetAccumulator) Value() any {
	out := types.MakeArray(0)

	for _, bucket := range a.buckets {
		seen := make([]any, 0, len(bucket))

		for _, e := range bucket {
			dup := false

			for _, sv := range seen {
				if types.Equal(sv, e.v) {
					dup = true
					break
				}
			}

			if dup {
				continue
			}

			seen = append(seen, e.v)
			_ = out.Append(e.v)
		}
	}

	return out
}

type countAccumulator struct{ n int64 }

func (a *countAccumulator) Add(types.RowID, any) error    { a.n++; return nil }
func (a *countAccumulator) Remove(types.RowID, any) error { a.n--; return nil }
func (a *countAccumulator) Value() any                    { return a.n }

func newAccumulator(op string) accumulator {
	switch op {
	case "$sum":
		return &sumAccumulator{}
	case "$avg":
		return &avgAccumulator{}
	case "$min":
		return &minMaxAccumulator{isMax: false}
	case "$max":
		return &minMaxAccumulator{isMax: true}
	case "$first":
		return newFirstLastAccumulator(false)
	case "$last":
		return newFirstLastAccumulator(true)
	case "$push":
		return newPushAccumulator()
	case "$addToSet":
		return newAddToSetAccumulator()
	case "$count":
		return &countAccumulator{}
	default:
		panic("stages: unknown accumulator " + op)
	}
}

type groupAccumSpec struct {
	outField string
	op       string
	arg      expr.Evaluator
}

func compileAccumSpec(outField string, v any, compiler *expr.Compiler) (groupAccumSpec, error) {
	d, ok := v.(*types.Document)
	if !ok || d.Len() != 1 {
		return groupAccumSpec{}, ivmerrors.New(
			ivmerrors.ErrCodeInvalidStageSpec, "$group field must be a single-accumulator document", outField,
		)
	}

	op := d.Command()

	switch op {
	case "$count":
		return groupAccumSpec{outField: outField, op: op}, nil
	case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push", "$addToSet":
		argVal, _ := d.Get(op)

		ev, err := compiler.Compile(argVal)
		if err != nil {
			return groupAccumSpec{}, err
		}

		return groupAccumSpec{outField: outField, op: op, arg: ev}, nil
	default:
		return groupAccumSpec{}, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "unsupported group accumulator", op)
	}
}

// groupState is the per-key bucket: its accumulators and the set of
// upstream rowIds currently contributing to it.
type groupState struct {
	key     any
	accs    []accumulator
	members map[types.RowID]bool
}

// groupStage implements $group (spec §4.2). A group's rowId is the stable
// hash of its key; an upstream row that changes which group it belongs to,
// or changes an existing group's values, is reflected downstream as a
// revoke-then-reapply delta pair rather than a silent in-place mutation
// (spec §9 Open Question, generalized here — see DESIGN.md).
type groupStage struct {
	idEval expr.Evaluator
	specs  []groupAccumSpec

	groups   map[types.RowID]*groupState
	rowGroup map[types.RowID]types.RowID
	docs     map[types.RowID]*types.Document
	active   *types.ActiveSet
}

func newGroup(arg any, compiler *expr.Compiler) (stage.Stage, error) {
	doc, ok := arg.(*types.Document)
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$group requires a document argument", "$group")
	}

	idVal, ok := doc.Get("_id")
	if !ok {
		return nil, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, "$group requires an _id expression", "$group")
	}

	idEval, err := compiler.Compile(idVal)
	if err != nil {
		return nil, err
	}

	var specs []groupAccumSpec

	for _, k := range doc.Keys() {
		if k == "_id" {
			continue
		}

		v, _ := doc.Get(k)

		spec, err := compileAccumSpec(k, v, compiler)
		if err != nil {
			return nil, err
		}

		specs = append(specs, spec)
	}

	return &groupStage{
		idEval:   idEval,
		specs:    specs,
		groups:   make(map[types.RowID]*groupState),
		rowGroup: make(map[types.RowID]types.RowID),
		docs:     make(map[types.RowID]*types.Document),
		active:   types.NewActiveSet(),
	}, nil
}

func (s *groupStage) computeFields(ctx *stage.Context, r types.RowID) (any, []any, error) {
	root, ok := ctx.Upstream(r)
	if !ok {
		return nil, nil, lazyerrors.Errorf("$group: missing upstream document for rowId %d", r)
	}

	key, err := s.idEval(root)
	if err != nil {
		return nil, nil, err
	}

	values := make([]any, len(s.specs))

	for i, spec := range s.specs {
		if spec.op == "$count" {
			continue
		}

		v, err := spec.arg(root)
		if err != nil {
			return nil, nil, err
		}

		values[i] = v
	}

	return key, values, nil
}

func (s *groupStage) buildDoc(key any, accs []accumulator) (*types.Document, error) {
	out := types.MakeDocument(len(s.specs) + 1)

	if err := out.Set("_id", key); err != nil {
		return nil, err
	}

	for i, spec := range s.specs {
		if err := out.Set(spec.outField, accs[i].Value()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (s *groupStage) newGroupState(key any) *groupState {
	gs := &groupState{key: key, members: make(map[types.RowID]bool)}
	gs.accs = make([]accumulator, len(s.specs))

	for i, spec := range s.specs {
		gs.accs[i] = newAccumulator(spec.op)
	}

	return gs
}

func (s *groupStage) Hydrate(ctx *stage.Context) error {
	for _, r := range ctx.UpstreamActive.Slice() {
		key, values, err := s.computeFields(ctx, r)
		if err != nil {
			warnDropped(ctx.Log, "$group", err)
			continue
		}

		groupID := types.RowID(types.HashValue(key))

		gs, ok := s.groups[groupID]
		if !ok {
			gs = s.newGroupState(key)
			s.groups[groupID] = gs
		}

		for i, spec := range s.specs {
			if err := gs.accs[i].Add(r, values[i]); err != nil {
				warnDropped(ctx.Log, "$group."+spec.op, err)
			}
		}

		gs.members[r] = true
		s.rowGroup[r] = groupID
	}

	for id, gs := range s.groups {
		doc, err := s.buildDoc(gs.key, gs.accs)
		if err != nil {
			return err
		}

		s.docs[id] = doc
		s.active.Add(id)
	}

	return nil
}

func (s *groupStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	switch d.Sign {
	case types.Add:
		return s.applyAdd(ctx, d.RowID, emit)
	case types.Remove:
		return s.applyRemove(ctx, d.RowID, emit)
	default:
		return lazyerrors.Errorf("$group: invalid delta sign %d", d.Sign)
	}
}

func (s *groupStage) applyAdd(ctx *stage.Context, r types.RowID, emit func(types.Delta) error) error {
	key, values, err := s.computeFields(ctx, r)
	if err != nil {
		warnDropped(ctx.Log, "$group", err)
		return nil
	}

	groupID := types.RowID(types.HashValue(key))

	gs, existed := s.groups[groupID]
	if !existed {
		gs = s.newGroupState(key)
		s.groups[groupID] = gs
	}

	wasActive := s.active.Has(groupID)

	for i, spec := range s.specs {
		if err := gs.accs[i].Add(r, values[i]); err != nil {
			warnDropped(ctx.Log, "$group."+spec.op, err)
		}
	}

	gs.members[r] = true
	s.rowGroup[r] = groupID

	doc, err := s.buildDoc(gs.key, gs.accs)
	if err != nil {
		return err
	}

	if !wasActive {
		s.docs[groupID] = doc
		s.active.Add(groupID)

		return emit(types.AddDelta(groupID))
	}

	// The group is already visible downstream: revoke then reapply so
	// downstream stages observe an explicit delta pair reflecting the
	// new value, instead of an invisible in-place mutation.
	if err := emit(types.RemoveDelta(groupID)); err != nil {
		return err
	}

	s.docs[groupID] = doc

	return emit(types.AddDelta(groupID))
}

func (s *groupStage) applyRemove(ctx *stage.Context, r types.RowID, emit func(types.Delta) error) error {
	groupID, ok := s.rowGroup[r]
	if !ok {
		return lazyerrors.Errorf("$group: removing row %d not tracked in any group", r)
	}

	gs, ok := s.groups[groupID]
	if !ok {
		return lazyerrors.Errorf("$group: row %d references unknown group %d", r, groupID)
	}

	// The upstream cache entry for r is still present at this point (the
	// driver invalidates it only after this call returns), so the
	// original contribution can be recomputed for revocation.
	_, values, err := s.computeFields(ctx, r)
	if err != nil {
		warnDropped(ctx.Log, "$group", err)
	} else {
		for i, spec := range s.specs {
			if err := gs.accs[i].Remove(r, values[i]); err != nil {
				warnDropped(ctx.Log, "$group."+spec.op, err)
			}
		}
	}

	delete(gs.members, r)
	delete(s.rowGroup, r)

	if len(gs.members) == 0 {
		// Emit before invalidating: a downstream stage's Remove handling
		// may still need to read this group's effective document for
		// groupID.
		if err := emit(types.RemoveDelta(groupID)); err != nil {
			return err
		}

		delete(s.groups, groupID)
		delete(s.docs, groupID)
		s.active.Remove(groupID)

		return nil
	}

	doc, err := s.buildDoc(gs.key, gs.accs)
	if err != nil {
		return err
	}

	if err := emit(types.RemoveDelta(groupID)); err != nil {
		return err
	}

	s.docs[groupID] = doc

	return emit(types.AddDelta(groupID))
}

func (s *groupStage) Active() *types.ActiveSet { return s.active }

func (s *groupStage) Transforms() bool { return true }

func (s *groupStage) EffectiveDocument(r types.RowID) (*types.Document, bool) {
	d, ok := s.docs[r]
	return d, ok
}

func (s *groupStage) CachedRowIDs() []types.RowID {
	out := make([]types.RowID, 0, len(s.docs))
	for r := range s.docs {
		out = append(out, r)
	}

	return out
}
