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

package types

import (
	"bytes"
	"hash/maphash"
	"math"
	"sort"
)

// typeOrder gives the canonical cross-type ordering used for $sort and
// comparison operators, in ascending order. It does not need to match any
// particular BSON implementation's ordering; it only needs to be total and
// stable.
func typeOrder(k ValueKind) int {
	switch k {
	case KindMissing:
		return 0
	case KindNull:
		return 1
	case KindInt, KindDouble:
		return 2
	case KindString:
		return 3
	case KindDocument:
		return 4
	case KindArray:
		return 5
	case KindBool:
		return 6
	default:
		return 7
	}
}

// Compare returns -1, 0, or 1 if a is less than, equal to, or greater than
// b, using typeOrder to compare across kinds and a kind-appropriate
// comparison within a kind.
func Compare(a, b any) int {
	ka, kb := KindOf(a), KindOf(b)

	if oa, ob := typeOrder(ka), typeOrder(kb); oa != ob {
		return sign(oa - ob)
	}

	switch ka {
	case KindMissing, KindNull:
		return 0
	case KindInt, KindDouble:
		af, bf := AsFloat64(a), AsFloat64(b)

		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case KindString:
		as, bs := a.(string), b.(string)

		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	case KindBool:
		ab, bb := a.(bool), b.(bool)

		switch {
		case ab == bb:
			return 0
		case !ab && bb:
			return -1
		default:
			return 1
		}
	case KindArray:
		return compareArrays(a.(*Array), b.(*Array))
	case KindDocument:
		return compareDocuments(a.(*Document), b.(*Document))
	default:
		return 0
	}
}

func compareArrays(a, b *Array) int {
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}

	for i := 0; i < n; i++ {
		if c := Compare(a.Get(i), b.Get(i)); c != 0 {
			return c
		}
	}

	return sign(a.Len() - b.Len())
}

func compareDocuments(a, b *Document) int {
	if c := sign(a.Len() - b.Len()); c != 0 {
		return c
	}

	for _, k := range a.Keys() {
		bv, ok := b.Get(k)
		if !ok {
			return 1
		}

		av, _ := a.Get(k)
		if c := Compare(av, bv); c != 0 {
			return c
		}
	}

	return 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b are equal under $eq semantics. Missing
// equals itself and is unequal to Null (spec §4.3).
func Equal(a, b any) bool {
	return Compare(a, b) == 0 && KindOf(a) == KindOf(b)
}

// SortOrder is the direction of a $sort key: Ascending (1) or Descending (-1).
type SortOrder int

// Sort directions, matching MongoDB's 1/-1 convention.
const (
	Ascending  SortOrder = 1
	Descending SortOrder = -1
)

// CompareForSort compares a and b for the given sort order, treating
// Missing as Null (spec §4.2 "$sort": "Sort key derived from upstream
// effective document").
func CompareForSort(a, b any, order SortOrder) int {
	if KindOf(a) == KindMissing {
		a = Null
	}

	if KindOf(b) == KindMissing {
		b = Null
	}

	c := Compare(a, b)

	return c * int(order)
}

var hashSeed = maphash.MakeSeed()

// HashValue returns a stable hash of v, used to derive a $group stage's
// group rowId from its key (spec §4.2: "A group's rowId is the stable hash
// of its key").
func HashValue(v any) int64 {
	var buf bytes.Buffer

	writeHashable(&buf, v)

	var h maphash.Hash

	h.SetSeed(hashSeed)
	h.Write(buf.Bytes())

	sum := h.Sum64()

	// Clear the sign bit: rowIds are used as map keys and occasionally
	// compared, a negative value is harmless but this keeps debug output tidy.
	return int64(sum &^ (1 << 63))
}

func writeHashable(buf *bytes.Buffer, v any) {
	k := KindOf(v)
	buf.WriteByte(byte(k))

	switch k {
	case KindMissing, KindNull:
	case KindBool:
		if v.(bool) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt, KindDouble:
		buf.WriteString(formatFloat(AsFloat64(v)))
	case KindString:
		buf.WriteString(v.(string))
	case KindArray:
		a := v.(*Array)
		for i := 0; i < a.Len(); i++ {
			writeHashable(buf, a.Get(i))
		}
	case KindDocument:
		d := v.(*Document)
		keys := append([]string(nil), d.Keys()...)
		sort.Strings(keys)

		for _, key := range keys {
			buf.WriteString(key)

			val, _ := d.Get(key)
			writeHashable(buf, val)
		}
	}
}

func formatFloat(f float64) string {
	const hextable = "0123456789abcdef"

	bits := math.Float64bits(f)

	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hextable[bits&0xf]
		bits >>= 4
	}

	return string(b)
}
