/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import "fmt"

// Code is the error taxonomy discriminant used throughout the zone
// management core in place of exceptions.
type Code int

const (
	CodeInvalid Code = iota + 1
	CodeNoMem
	CodeNotFound
	CodeMalformed
	CodeCorrupt
	CodeOutOfSpace
	CodeOutOfRange
	CodeAccessDenied
	CodeMismatch
	CodeFatal
	// CodeNoFreeName is not part of the spec's error table (§7) but is
	// named explicitly by the zonefile-sync sidecar-naming rule (§4.8):
	// the 10-attempt free-sidecar-name search exhausts itself.
	CodeNoFreeName
)

var codeNames = map[Code]string{
	CodeInvalid:      "invalid",
	CodeNoMem:        "no-mem",
	CodeNotFound:     "not-found",
	CodeMalformed:    "malformed",
	CodeCorrupt:      "corrupt",
	CodeOutOfSpace:   "out-of-space",
	CodeOutOfRange:   "out-of-range",
	CodeAccessDenied: "access-denied",
	CodeMismatch:     "mismatch",
	CodeFatal:        "fatal",
	CodeNoFreeName:   "no-free-name",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error wraps a Code with the operation that produced it and an optional
// underlying cause, the way the rest of the Go ecosystem wraps sentinel
// conditions rather than throwing.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a tagged error. err may be nil.
func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// IsCode reports whether err (or anything it wraps) carries the given Code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if ze, ok := err.(*Error); ok {
			if ze.Code == code {
				return true
			}
			err = ze.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
