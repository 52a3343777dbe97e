package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	KindInputRejected          ErrorKind = "InputRejected"
	KindExtractionIncomplete   ErrorKind = "ExtractionIncomplete"
	KindLLMTransient           ErrorKind = "LLMTransient"
	KindLLMUnrecoverable       ErrorKind = "LLMUnrecoverable"
	KindVectorStoreUnavailable ErrorKind = "VectorStoreUnavailable"
	KindResourceLocked         ErrorKind = "ResourceLocked"
	KindAmendmentCancelled     ErrorKind = "AmendmentCancelled"
	KindFatal                  ErrorKind = "Fatal"
)

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError creates a classified error.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindFatal when none is found.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrorBody is the structured error shape reported to callers.
type ErrorBody struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// NewErrorBody builds the caller-facing error shape for err.
func NewErrorBody(err error) ErrorBody {
	return ErrorBody{Status: "error", Message: err.Error(), Kind: KindOf(err)}
}
