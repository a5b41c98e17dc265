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

// limitStage implements $limit(N) (spec §4.2): the first N rowIds of the
// upstream ordered active set. It preserves document identity and never
// implements EffectiveDocument, forwarding to the nearest upstream
// transformer instead.
type limitStage struct {
	n      int
	active *types.ActiveSet
}

func newLimit(arg any) (stage.Stage, error) {
	n, err := parseCount("$limit", arg)
	if err != nil {
		return nil, err
	}

	return &limitStage{n: n, active: types.NewActiveSet()}, nil
}

func (s *limitStage) window(ctx *stage.Context) []types.RowID {
	upstream := ctx.UpstreamActive.Slice()
	if len(upstream) > s.n {
		return upstream[:s.n]
	}

	return upstream
}

func (s *limitStage) Hydrate(ctx *stage.Context) error {
	s.active = types.ActiveSetFromSlice(s.window(ctx))

	return nil
}

func (s *limitStage) ApplyDelta(ctx *stage.Context, d types.Delta, emit func(types.Delta) error) error {
	if d.Sign != types.Add && d.Sign != types.Remove {
		return lazyerrors.Errorf("$limit: invalid delta sign %d", d.Sign)
	}

	window := s.window(ctx)

	// On a Remove, the upstream active set may still hold the departing row
	// (the raw store and transforming stages drop it only after the delta
	// has propagated), so the window is taken from the other rows.
	if d.Sign == types.Remove && ctx.UpstreamActive.Has(d.RowID) {
		window = make([]types.RowID, 0, s.n)

		for _, r := range ctx.UpstreamActive.Slice() {
			if len(window) == s.n {
				break
			}

			if r != d.RowID {
				window = append(window, r)
			}
		}
	}

	newActive, err := diffWindow(s.active, window, emit)
	if err != nil {
		return err
	}

	s.active = newActive

	return nil
}

func (s *limitStage) Active() *types.ActiveSet { return s.active }

func (s *limitStage) Transforms() bool { return false }

func (s *limitStage) EffectiveDocument(types.RowID) (*types.Document, bool) { return nil, false }
