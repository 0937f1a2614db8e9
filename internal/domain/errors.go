package domain

import "errors"

// Sentinel errors for cache operations
var (
	// ErrRecordNotFound indicates no record exists for the requested key
	ErrRecordNotFound = errors.New("cache record not found")

	// ErrUnreachable indicates the remote resource could not be reached
	ErrUnreachable = errors.New("resource is unreachable")

	// ErrClosed indicates the component has been shut down
	ErrClosed = errors.New("cache is closed")
)
