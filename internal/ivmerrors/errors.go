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

// Package ivmerrors defines the error kinds of the engine's error handling
// design (spec §7): specification errors, evaluation errors, and the
// fatal "pipeline poisoned" internal invariant violation.
package ivmerrors

import "fmt"

// Code identifies the kind of a [*Error].
type Code int

// Error codes. Specification errors are raised synchronously at build
// time; evaluation errors are raised per-delta and cause the delta to be
// dropped rather than the pipeline to fail.
const (
	_ Code = iota

	// ErrCodeUnknownStage is raised for a pipeline stage key the engine does not implement.
	ErrCodeUnknownStage

	// ErrCodeInvalidStageSpec is raised for a malformed stage specification,
	// and by Engine.RemoveDocument/UpdateDocument for an unknown rowId.
	ErrCodeInvalidStageSpec

	// ErrCodeMixedProjection is raised when a $project spec mixes inclusion and exclusion.
	ErrCodeMixedProjection

	// ErrCodeTypeMismatch is raised when an expression is applied to a value of the wrong type.
	ErrCodeTypeMismatch

	// ErrCodeDivideByZero is raised by $divide and $mod on a zero divisor.
	ErrCodeDivideByZero

	// ErrCodeNonDecrementable is raised when a $group accumulator is asked to revoke a contribution it never received.
	ErrCodeNonDecrementable

	// ErrCodeBadFieldPath is raised for a malformed or unsupported field path.
	ErrCodeBadFieldPath

	// ErrCodePoisoned is raised for every operation on a pipeline that has
	// already suffered an internal invariant violation (spec §7: "fatal -
	// the pipeline is marked poisoned and every subsequent operation fails
	// until the engine is rebuilt").
	ErrCodePoisoned
)

// String implements [fmt.Stringer].
func (c Code) String() string {
	switch c {
	case ErrCodeUnknownStage:
		return "UnknownStage"
	case ErrCodeInvalidStageSpec:
		return "InvalidStageSpec"
	case ErrCodeMixedProjection:
		return "MixedProjection"
	case ErrCodeTypeMismatch:
		return "TypeMismatch"
	case ErrCodeDivideByZero:
		return "DivideByZero"
	case ErrCodeNonDecrementable:
		return "NonDecrementable"
	case ErrCodeBadFieldPath:
		return "BadFieldPath"
	case ErrCodePoisoned:
		return "Poisoned"
	default:
		return "Unknown"
	}
}

// Error represents a specification or evaluation error, carrying a stable
// [Code] so callers can branch on error kind without string matching.
type Error struct {
	code Code
	msg  string
	arg  string
}

// New returns a new [*Error] with the given code, message, and the
// pipeline/expression construct it was raised for (mirrors the teacher's
// NewCommandErrorMsgWithArgument three-argument shape).
func New(code Code, msg, arg string) error {
	return &Error{code: code, msg: msg, arg: arg}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.arg == "" {
		return fmt.Sprintf("%s: %s", e.code, e.msg)
	}

	return fmt.Sprintf("%s: %s (%s)", e.code, e.msg, e.arg)
}

// Code returns the error's code.
func (e *Error) Code() Code {
	return e.code
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
