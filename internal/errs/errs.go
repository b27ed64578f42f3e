// Package errs defines the agent-wide error taxonomy. The sync engine keys
// its retry decisions off these types: validation failures are permanent,
// transient network failures halt the cycle without charging an attempt,
// and server errors retry with backoff up to the attempt ceiling.
package errs

import (
	"errors"
	"fmt"
)

// StorageError indicates a local persistence failure. The operation failed
// but the caller still holds the in-memory data; nothing was silently lost.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// ValidationError indicates a malformed payload. Retrying cannot succeed;
// the item is marked failed and requires user correction.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// TransientNetworkError indicates the remote is unreachable. The sync cycle
// halts and resumes on the next trigger; the item is not penalized.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string { return fmt.Sprintf("network unreachable: %v", e.Err) }
func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ServerError indicates a 5xx or timeout from the remote. Retried with
// backoff; counts toward the attempt ceiling.
type ServerError struct {
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error: %v", e.Err)
}
func (e *ServerError) Unwrap() error { return e.Err }

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransientNetwork reports whether err is (or wraps) a TransientNetworkError.
func IsTransientNetwork(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsServer reports whether err is (or wraps) a ServerError.
func IsServer(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
