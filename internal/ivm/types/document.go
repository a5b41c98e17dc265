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
	"fmt"
	"strconv"
	"strings"
)

// Document is an ordered mapping from field name to value (spec §3).
// Field order is preserved for output but never semantically significant
// to the engine itself.
type Document struct {
	keys []string
	m    map[string]any
}

// NewDocument creates a Document from alternating key/value pairs,
// mirroring the teacher's types.NewDocument(key, value, ...) builder.
func NewDocument(pairs ...any) (*Document, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("types.NewDocument: odd number of arguments")
	}

	doc := MakeDocument(len(pairs) / 2)

	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("types.NewDocument: invalid key type: %T", pairs[i])
		}

		if err := doc.Set(key, pairs[i+1]); err != nil {
			return nil, fmt.Errorf("types.NewDocument: %w", err)
		}
	}

	return doc, nil
}

// MakeDocument creates an empty Document with capacity for size fields.
func MakeDocument(size int) *Document {
	return &Document{
		keys: make([]string, 0, size),
		m:    make(map[string]any, size),
	}
}

// Len returns the number of fields; it is safe to call on a nil Document.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}

	return len(d.keys)
}

// Keys returns the field names in insertion order; it is safe to call on a
// nil Document.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}

	return d.keys
}

// Map returns the underlying field map; it is safe to call on a nil Document.
func (d *Document) Map() map[string]any {
	if d == nil {
		return nil
	}

	return d.m
}

// Has reports whether the document has the given top-level field.
func (d *Document) Has(key string) bool {
	if d == nil {
		return false
	}

	_, ok := d.m[key]

	return ok
}

// Get returns the value at key, or (Missing, false) if key is absent.
func (d *Document) Get(key string) (any, bool) {
	if d == nil {
		return Missing, false
	}

	v, ok := d.m[key]
	if !ok {
		return Missing, false
	}

	return v, true
}

// Set sets key to value, appending it if new. It returns an error if value
// is not a supported value kind.
func (d *Document) Set(key string, value any) error {
	if !isValidValue(value) {
		return fmt.Errorf("types.Document.Set: unsupported type: %T (%v)", value, value)
	}

	if _, ok := d.m[key]; !ok {
		d.keys = append(d.keys, key)
	}

	if d.m == nil {
		d.m = make(map[string]any)
	}

	d.m[key] = value

	return nil
}

// Remove deletes key from the document, if present.
func (d *Document) Remove(key string) {
	if d == nil {
		return
	}

	if _, ok := d.m[key]; !ok {
		return
	}

	delete(d.m, key)

	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Command returns the first key, mirroring the teacher's convention that a
// single-key stage/command document's key names the command.
func (d *Document) Command() string {
	if d.Len() == 0 {
		return ""
	}

	return d.keys[0]
}

// DeepCopy returns a deep copy of the document so that cached effective
// documents are never mutated by later in-place updates.
func (d *Document) DeepCopy() *Document {
	if d == nil {
		return nil
	}

	cp := MakeDocument(d.Len())

	for _, k := range d.keys {
		cp.keys = append(cp.keys, k)
		cp.m[k] = deepCopyValue(d.m[k])
	}

	return cp
}

func deepCopyValue(v any) any {
	switch v := v.(type) {
	case *Document:
		return v.DeepCopy()
	case *Array:
		return v.DeepCopy()
	default:
		return v
	}
}

func isValidValue(v any) bool {
	switch v.(type) {
	case nullType, bool, int64, float64, string, *Array, *Document:
		return true
	default:
		return false
	}
}

// GetByPath resolves a dot-separated path against the document, descending
// through nested documents and, transparently, numeric indices into
// arrays (spec §4.3 "$<path> ... array-index transparent"). It returns
// Missing when any segment is absent.
func (d *Document) GetByPath(path string) any {
	segments := strings.Split(path, ".")

	var cur any = d

	for _, seg := range segments {
		switch v := cur.(type) {
		case *Document:
			val, ok := v.Get(seg)
			if !ok {
				return Missing
			}

			cur = val
		case *Array:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= v.Len() {
				return Missing
			}

			cur = v.Get(idx)
		default:
			return Missing
		}
	}

	return cur
}

// SetByPath sets value at a dot-separated path, creating intermediate
// documents as needed. Array indices along the path are not created; they
// must already exist.
func (d *Document) SetByPath(path string, value any) error {
	segments := strings.Split(path, ".")

	cur := d

	for i, seg := range segments {
		if i == len(segments)-1 {
			return cur.Set(seg, value)
		}

		next, ok := cur.Get(seg)
		if !ok {
			nd := MakeDocument(1)
			if err := cur.Set(seg, nd); err != nil {
				return err
			}

			cur = nd

			continue
		}

		nd, ok := next.(*Document)
		if !ok {
			return fmt.Errorf("types.Document.SetByPath: %q is not a document", strings.Join(segments[:i+1], "."))
		}

		cur = nd
	}

	return nil
}

// String implements [fmt.Stringer] for debug output.
func (d *Document) String() string {
	var b strings.Builder

	b.WriteByte('{')

	for i, k := range d.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}

		fmt.Fprintf(&b, "%q: %v", k, d.m[k])
	}

	b.WriteByte('}')

	return b.String()
}
