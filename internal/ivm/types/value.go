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

// Package types implements the engine's document data model (spec §3):
// RowID, Document, Array, Delta, and the value kinds documents are built
// from. It is intentionally independent of any wire format; conversion
// to/from bson.D lives in internal/ivm/bsonconv.
package types

import "fmt"

// nullType is the type of [Null], the document model's explicit null value.
type nullType struct{}

// Null is the document model's explicit null value, distinct from Go's nil
// and from [Missing].
var Null = nullType{}

// missingType is the type of [Missing].
type missingType struct{}

// Missing represents the result of looking up a field that is not present
// in a document. Per spec §4.3, Missing compares equal to itself and
// unequal to Null.
var Missing = missingType{}

// ValueKind classifies the dynamic type of a document value for error
// messages and type-dispatch in the expression evaluator.
type ValueKind int

// Value kinds, ordered per spec §3's "values drawn from" list plus Missing.
const (
	KindMissing ValueKind = iota
	KindNull
	KindBool
	KindInt
	KindDouble
	KindString
	KindArray
	KindDocument
)

// String implements [fmt.Stringer].
func (k ValueKind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindDocument:
		return "document"
	default:
		return "invalid"
	}
}

// KindOf returns the [ValueKind] of v.
func KindOf(v any) ValueKind {
	switch v.(type) {
	case missingType:
		return KindMissing
	case nullType:
		return KindNull
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindDouble
	case string:
		return KindString
	case *Array:
		return KindArray
	case *Document:
		return KindDocument
	default:
		panic(fmt.Sprintf("types: unsupported value %T(%v)", v, v))
	}
}

// IsNumber reports whether v is an int64 or float64.
func IsNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	default:
		return false
	}
}

// AsFloat64 converts a numeric value to float64. It panics for non-numbers;
// callers must check [IsNumber] first.
func AsFloat64(v any) float64 {
	switch v := v.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		panic(fmt.Sprintf("types: AsFloat64: not a number: %T(%v)", v, v))
	}
}
