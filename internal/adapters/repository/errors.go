package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record already exists")
	ErrInvalid     = errors.New("invalid record")
	ErrUnsupported = errors.New("unsupported store driver")
)
