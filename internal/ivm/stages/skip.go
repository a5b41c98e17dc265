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
	"github.com/viewstream/ivm/internal/util/lazyerrors"
)

// skipStage implements $skip(K) (spec §4.2): the dual of $limit, keeping
// every rowId ranked >= K in the upstream ordered active set.
type skipStage struct {
	k      int
	active *types.ActiveSet
}

func newSkip(arg any) (stage.Stage, error) {
	k, err := parseCount("$skip", arg)
	if err != nil {
		return nil, err
	}

	return &skipStage{k: k, active: types.NewActiveSet()}, nil
}

func (s *skipStage) window(ctx *stage.Context) []types.RowID {
	upstream := ctx.UpstreamActive.Slice()
	if s.k >= len(upstream) {
		return nil
	}

	return upstream[s.k:]
}

func (s *skipStage) Hydrate(ctx *stage.Context) error {
	s.active = types.ActiveSetFromSlice(s.window(ctx))

	return nil
}

func (s *skipStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	if d.Sign != types.Add && d.Sign != types.Remove {
		return lazyerrors.Errorf("$skip: invalid delta sign %d", d.Sign)
	}

	window := s.window(ctx)

	// On a Remove, the upstream active set may still hold the departing row
	// (the raw store and transforming stages drop it only after the delta
	// has propagated), so the window is taken from the other rows.
	if d.Sign == types.Remove && ctx.UpstreamActive.Has(d.RowID) {
		rest := make([]types.RowID, 0, ctx.UpstreamActive.Len())

		for _, r := range ctx.UpstreamActive.Slice() {
			if r != d.RowID {
				rest = append(rest, r)
			}
		}

		window = nil
		if s.k < len(rest) {
			window = rest[s.k:]
		}
	}

	newActive, err := diffWindow(s.active, window, emit)
	if err != nil {
		return err
	}

	s.active = newActive

	return nil
}

func (s *skipStage) Active() *types.ActiveSet { return s.active }

func (s *skipStage) Transforms() bool { return false }

func (s *skipStage) EffectiveDocument(types.RowID) (*types.Document, bool) { return nil, false }
