// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfswrite

import "fmt"

// Kind is the write path's error taxonomy (spec §7). It is a value, not a
// distinct Go type per kind, so that callers compare with errors.Is against
// the sentinel Kind values below rather than type-switching.
type Kind int

const (
	_ Kind = iota
	KindOutOfMemory
	KindOutOfSpace
	KindDeviceError
	KindInvalidArgument
	KindConflict
	KindPending
	KindCorrupted
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out of memory"
	case KindOutOfSpace:
		return "out of space"
	case KindDeviceError:
		return "device error"
	case KindInvalidArgument:
		return "invalid argument"
	case KindConflict:
		return "conflict"
	case KindPending:
		return "pending"
	case KindCorrupted:
		return "corrupted"
	default:
		return "unknown error"
	}
}

// Error makes a bare Kind usable as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error wraps an underlying error with the operation that failed and its
// Kind, so that callers can both log a human message and make a routing
// decision with errors.Is(err, btrfswrite.KindOutOfSpace) etc.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeKind) work by comparing against a bare Kind
// value used as a sentinel, in addition to the usual *Error comparison.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func newErrf(kind Kind, op, format string, args ...any) *Error {
	return newErr(kind, op, fmt.Errorf(format, args...))
}

func errOutOfSpace(op string) error          { return newErr(KindOutOfSpace, op, nil) }
func errInvalidArgument(op, why string) error { return newErr(KindInvalidArgument, op, fmt.Errorf("%s", why)) }
func errDevice(op string, err error) error    { return newErr(KindDeviceError, op, err) }
func errCorrupted(op string, err error) error { return newErr(KindCorrupted, op, err) }
func errConflict(op string) error             { return newErr(KindConflict, op, nil) }

// errAlloc builds a Kind-tagged error for the chunk allocator, wrapping an
// optional underlying error with op/format context (spec §7 error
// taxonomy).
func errAlloc(op string, kind Kind, format string, args ...any) error {
	return newErrf(kind, op, format, args...)
}
