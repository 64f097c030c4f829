package extraction

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedInput classifies every MalformedInputError.
	ErrMalformedInput = errors.New("malformed input")
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// MalformedKind classifies why the fast path could not parse an input.
type MalformedKind string

const (
	MalformedColumnCount MalformedKind = "column_count"
	MalformedEncoding    MalformedKind = "encoding"
	MalformedUnreadable  MalformedKind = "unreadable"
	MalformedEmpty       MalformedKind = "empty"
)

// MalformedInputError reports a file the fast path refused. Callers route it
// to the diagnostic path; it never becomes a check failure.
type MalformedInputError struct {
	Kind MalformedKind
	// Line is the 1-based physical line (or sheet row) where parsing stopped, if known.
	Line int
	Err  error
}

func (e *MalformedInputError) Error() string {
	msg := fmt.Sprintf("malformed input (%s)", e.Kind)
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformedInput) match any classified error.
func (e *MalformedInputError) Is(target error) bool {
	return target == ErrMalformedInput
}

func malformed(kind MalformedKind, line int, err error) *MalformedInputError {
	return &MalformedInputError{Kind: kind, Line: line, Err: err}
}
