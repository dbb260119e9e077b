package gguf

import (
	"errors"
	"fmt"
)

// FormatError kinds.
var (
	ErrBadMagic           = errors.New("bad magic")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrTruncatedData      = errors.New("truncated data")
	ErrInvalidValueType   = errors.New("invalid value type")
	ErrInvalidLayout      = errors.New("invalid tensor layout")
)

// ErrMissingKey is returned by Metadata accessors for absent keys.
var ErrMissingKey = errors.New("missing metadata key")

// FormatError describes a malformed or unsupported container.
// errors.Is matches it against its Kind.
type FormatError struct {
	Kind   error
	Offset int64
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gguf: %v at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("gguf: %v at offset %d: %s", e.Kind, e.Offset, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Kind }

func formatErr(kind error, off int, format string, args ...any) *FormatError {
	return &FormatError{Kind: kind, Offset: int64(off), Detail: fmt.Sprintf(format, args...)}
}

// TypeError is returned when a metadata value is read as the wrong type.
type TypeError struct {
	Key  string
	Want string
	Got  ValueType
}

func (e *TypeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("gguf: value of type %s is not %s", e.Got, e.Want)
	}
	return fmt.Sprintf("gguf: %s: value of type %s is not %s", e.Key, e.Got, e.Want)
}
