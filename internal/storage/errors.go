package storage

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	ErrNotConnected = errors.New("storage not connected")
	ErrNotFound     = errors.New("resource not found")
)

// StorageError is the base type for storage operation failures.
type StorageError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ConnectionError reports a failure to reach the backing store.
type ConnectionError struct {
	StorageError
}

// NewConnectionError wraps a connection failure.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		StorageError: StorageError{
			Message: message,
			Code:    "CONNECTION_ERROR",
			Cause:   cause,
		},
	}
}

// QueryError reports a failed query against a reachable store.
type QueryError struct {
	StorageError
}

// NewQueryError wraps a query failure.
func NewQueryError(message string, cause error) *QueryError {
	return &QueryError{
		StorageError: StorageError{
			Message: message,
			Code:    "QUERY_ERROR",
			Cause:   cause,
		},
	}
}
