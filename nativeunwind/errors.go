// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package nativeunwind defines the failure taxonomy shared by the native
// unwinder packages. Every decode step reports failures as one of the
// sentinel *Error values declared by the packages, so that returning an
// error never allocates.
package nativeunwind // import "go.opentelemetry.io/crashunwind/nativeunwind"

import "errors"

// Kind classifies the failure of one decode attempt.
type Kind uint8

const (
	// KindNone is reported for a nil error.
	KindNone Kind = iota
	// KindFormat is a malformed or unsupported table, record version or opcode.
	KindFormat
	// KindMemory is a failed read through the memory accessor.
	KindMemory
	// KindBounds is an out of range search, cursor or expression stack access.
	KindBounds
	// KindProgress is a decode that left the stack pointer and program counter unchanged.
	KindProgress
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFormat:
		return "format"
	case KindMemory:
		return "memory"
	case KindBounds:
		return "bounds"
	case KindProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Error is a classified decode failure.
type Error struct {
	kind Kind
	msg  string
}

// NewError creates a classified error. It is meant to be used for package
// level sentinel declarations.
func NewError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Kind returns the classification of e.
func (e *Error) Kind() Kind {
	return e.kind
}

// ErrEndOfStack reports that the current frame is the outermost one. It is
// not a failure: the unwind completes naturally.
var ErrEndOfStack = errors.New("end of stack")

// ErrNoProgress is returned when a decode left SP and PC unchanged.
var ErrNoProgress = NewError(KindProgress, "unwind step made no progress")

// KindOf classifies err. Errors not created by this package originate from
// memory accessors and are reported as KindMemory.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if ue, ok := err.(*Error); ok {
		return ue.kind
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.kind
	}
	return KindMemory
}
