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

// Package bsonconv converts between this engine's internal document model
// (internal/ivm/types) and the bson.D/bson.M/bson.A shapes an embedding
// application builds its pipelines and documents with (SPEC_FULL.md §3:
// "go.mongodb.org/mongo-driver/bson as the external pipeline/value
// representation"). Nothing in internal/ivm/stages or internal/ivm/expr
// imports mongo-driver directly; this package is the single seam.
package bsonconv

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/viewstream/ivm/internal/ivm/types"
)

// ToDocument converts a bson.D, bson.M, primitive.M, or map[string]any into
// a *types.Document. Field order is preserved for bson.D; map-keyed inputs
// get Go's map iteration order, which is unspecified and may differ from
// one call to the next; the engine never attaches meaning to field order.
func ToDocument(v any) (*types.Document, error) {
	switch d := v.(type) {
	case bson.D:
		out := types.MakeDocument(len(d))

		for _, e := range d {
			val, err := ToValue(e.Value)
			if err != nil {
				return nil, fmt.Errorf("bsonconv: field %q: %w", e.Key, err)
			}

			if err := out.Set(e.Key, val); err != nil {
				return nil, fmt.Errorf("bsonconv: field %q: %w", e.Key, err)
			}
		}

		return out, nil
	case bson.M:
		return mapToDocument(d)
	case primitive.M:
		return mapToDocument(bson.M(d))
	case map[string]any:
		return mapToDocument(d)
	case *types.Document:
		return d, nil
	case nil:
		return types.MakeDocument(0), nil
	default:
		return nil, fmt.Errorf("bsonconv: %T is not a document shape", v)
	}
}

func mapToDocument(m map[string]any) (*types.Document, error) {
	out := types.MakeDocument(len(m))

	for k, v := range m {
		val, err := ToValue(v)
		if err != nil {
			return nil, fmt.Errorf("bsonconv: field %q: %w", k, err)
		}

		if err := out.Set(k, val); err != nil {
			return nil, fmt.Errorf("bsonconv: field %q: %w", k, err)
		}
	}

	return out, nil
}

// ToValue converts a single bson-decoded value (or a pipeline spec literal
// built by hand with bson.D/bson.A/bson.M) into the engine's value model:
// nullType, bool, int64, float64, string, *types.Array, or *types.Document.
func ToValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return types.Null, nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		return val, nil
	case primitive.ObjectID:
		return val.Hex(), nil
	case primitive.DateTime:
		return int64(val), nil
	case time.Time:
		return val.UnixMilli(), nil
	case bson.D:
		return ToDocument(val)
	case bson.M:
		return ToDocument(val)
	case primitive.M:
		return ToDocument(val)
	case map[string]any:
		return ToDocument(val)
	case bson.A:
		return arrayToValue([]any(val))
	case primitive.A:
		return arrayToValue([]any(val))
	case []any:
		return arrayToValue(val)
	case *types.Document:
		return val, nil
	case *types.Array:
		return val, nil
	default:
		return nil, fmt.Errorf("bsonconv: unsupported value type %T", v)
	}
}

func arrayToValue(s []any) (*types.Array, error) {
	out := types.MakeArray(len(s))

	for i, elem := range s {
		v, err := ToValue(elem)
		if err != nil {
			return nil, fmt.Errorf("bsonconv: index %d: %w", i, err)
		}

		if err := out.Append(v); err != nil {
			return nil, fmt.Errorf("bsonconv: index %d: %w", i, err)
		}
	}

	return out, nil
}

// FromDocument converts a *types.Document back into a bson.D, preserving
// field order, for returning results to an embedding application.
func FromDocument(d *types.Document) bson.D {
	if d == nil {
		return nil
	}

	out := make(bson.D, 0, d.Len())

	for _, k := range d.Keys() {
		v, _ := d.Get(k)
		out = append(out, bson.E{Key: k, Value: FromValue(v)})
	}

	return out
}

// FromValue converts a single engine value back into a plain Go/bson value
// suitable for bson.Marshal or direct application use.
func FromValue(v any) any {
	if types.KindOf(v) == types.KindNull {
		return nil
	}

	switch val := v.(type) {
	case *types.Document:
		return FromDocument(val)
	case *types.Array:
		s := val.Slice()
		out := make(bson.A, len(s))

		for i, elem := range s {
			out[i] = FromValue(elem)
		}

		return out
	default:
		return v
	}
}
