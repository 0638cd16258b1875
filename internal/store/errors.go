package store

import "errors"

// Error contract for every Store operation (spec.md §4.1).
var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: etag conflict")
	ErrDuplicate     = errors.New("store: unique constraint violated")
	ErrInvalidFilter = errors.New("store: invalid filter")
	ErrTransport     = errors.New("store: transport error")
)
