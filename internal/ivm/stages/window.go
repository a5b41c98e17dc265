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
	"github.com/viewstream/ivm/internal/ivm/types"
	"github.com/viewstream/ivm/internal/ivmerrors"
)

// parseCount extracts a non-negative window size from a $limit/$skip/$topK
// argument, which may arrive as any of the numeric BSON kinds.
func parseCount(name string, arg any) (int, error) {
	var n int64

	switch v := arg.(type) {
	case int64:
		n = v
	case float64:
		n = int64(v)
	default:
		return 0, ivmerrors.New(ivmerrors.ErrCodeInvalidStageSpec, name+" requires a numeric argument", name)
	}

	return int(types.ClampNonNegative(n)), nil
}

// diffWindow reconciles a stage's previous active window against a freshly
// computed one, emitting exactly the removes and adds needed to bring
// downstream state in line, and returns the new active set in the window's
// order. Used by $limit, $skip, and $topK: recomputing the whole window from
// the (already up to date) upstream active set on every delta is simpler
// than maintaining incremental eviction bookkeeping, at the cost of doing
// O(window) work per delta instead of O(1).
func diffWindow(old *types.ActiveSet, window []types.RowID, emit func(types.Delta) error) (*types.ActiveSet, error) {
	newSet := make(map[types.RowID]bool, len(window))
	for _, r := range window {
		newSet[r] = true
	}

	for _, r := range old.Slice() {
		if newSet[r] {
			continue
		}

		if err := emit(types.RemoveDelta(r)); err != nil {
			return nil, err
		}
	}

	oldSet := make(map[types.RowID]bool, old.Len())
	for _, r := range old.Slice() {
		oldSet[r] = true
	}

	for _, r := range window {
		if oldSet[r] {
			continue
		}

		if err := emit(types.AddDelta(r)); err != nil {
			return nil, err
		}
	}

	return types.ActiveSetFromSlice(window), nil
}
