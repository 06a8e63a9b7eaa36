package app

import (
	"errors"
	"fmt"
)

// Sentinel kinds returned by the Service. The HTTP layer maps them to
// status codes.
var (
	ErrNotStarted       = errors.New("service not started")
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBackpressure     = errors.New("attempt queue full")

	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
)
