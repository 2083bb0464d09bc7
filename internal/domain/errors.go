package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how callers should react to them.
type ErrorKind int

const (
	// KindValidation is bad or missing user input; re-prompt, nothing changed.
	KindValidation ErrorKind = iota + 1
	// KindInvariant means the engine reached a state it should never reach.
	KindInvariant
	// KindPersistence means storage is unavailable; the user may reload.
	KindPersistence
	// KindConfiguration is an empty or malformed condition catalog.
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvariant:
		return "invariant"
	case KindPersistence:
		return "persistence"
	case KindConfiguration:
		return "configuration"
	}
	return "unknown"
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrInvariant     = &Error{Kind: KindInvariant}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrConfiguration = &Error{Kind: KindConfiguration}
)

// Error is the domain error type.
type Error struct {
	Kind    ErrorKind
	Code    string // Machine-readable code, e.g. "fund_a_out_of_range"
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Validation creates a validation error.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Invariant creates an invariant violation.
func Invariant(code, message string) *Error {
	return &Error{Kind: KindInvariant, Code: code, Message: message}
}

// Persistence wraps a storage failure.
func Persistence(message string, cause error) *Error {
	return &Error{Kind: KindPersistence, Code: "storage_unavailable", Message: message, Cause: cause}
}

// Configuration creates a catalog/configuration error.
func Configuration(code, message string) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
