// Package apierrors defines the structured error shape returned on the
// HTTP/JSON surface (spec.md §7), and the sentinel kinds every other
// package constructs it from.
package apierrors

import (
	"fmt"
	"net/http"
)

// Kind is one of the CamelCase error codes named in spec.md §7.
type Kind string

const (
	InvalidParams           Kind = "InvalidParams"
	MissingParam            Kind = "MissingParameter"
	Duplicate               Kind = "Duplicate"
	NotFound                Kind = "NotFound"
	Unauthorized            Kind = "Unauthorized"
	PreconditionFailed      Kind = "PreconditionFailed"
	TransitionAlreadyExists Kind = "TransitionAlreadyExists"
	Transport               Kind = "Transport"
	Internal                Kind = "InternalError"
	InvalidUpdate           Kind = "InvalidUpdate"
)

var statusByKind = map[Kind]int{
	InvalidParams:           http.StatusUnprocessableEntity,
	MissingParam:            http.StatusUnprocessableEntity,
	Duplicate:               http.StatusConflict,
	NotFound:                http.StatusNotFound,
	Unauthorized:            http.StatusUnauthorized,
	PreconditionFailed:      http.StatusPreconditionFailed,
	TransitionAlreadyExists: http.StatusConflict,
	Transport:               http.StatusBadGateway,
	Internal:                http.StatusInternalServerError,
	InvalidUpdate:           http.StatusUnprocessableEntity,
}

// FieldError mirrors pkg/validation.FieldError without importing it,
// keeping apierrors free of a dependency on the validator.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is the structured error body: {"code","message","errors"?}.
// Companion carries extra JSON merged alongside for
// TransitionAlreadyExists ("together with the existing transition and
// configuration", spec.md §4.5 step 8).
type Error struct {
	KindVal   Kind         `json:"code"`
	Message   string       `json:"message"`
	Errors    []FieldError `json:"errors,omitempty"`
	Companion any          `json:"-"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.KindVal, e.Message) }

// Status returns the HTTP status code for e's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.KindVal]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a plain structured error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{KindVal: kind, Message: fmt.Sprintf(format, args...)}
}

// WithFields attaches field-level validation errors.
func WithFields(kind Kind, message string, fields []FieldError) *Error {
	return &Error{KindVal: kind, Message: message, Errors: fields}
}

// WithCompanion attaches the extra body required by
// TransitionAlreadyExists.
func WithCompanion(kind Kind, message string, companion any) *Error {
	return &Error{KindVal: kind, Message: message, Companion: companion}
}

func NotFoundf(format string, args ...any) *Error { return New(NotFound, format, args...) }
func Unauthorizedf(format string, args ...any) *Error { return New(Unauthorized, format, args...) }
func Internalf(format string, args ...any) *Error { return New(Internal, format, args...) }
