package fridge

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation references an unknown localId.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when a local write would violate a uniqueness
// rule (barcode per catalog, one review per product).
var ErrAlreadyExists = errors.New("record already exists")

// ErrBlobNotFound is returned by a BlobStore when the key holds no value.
var ErrBlobNotFound = errors.New("blob not found")

// NetworkError is a transient remote failure. The record is left untouched
// and retried on the next pass.
type NetworkError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the bearer credential was rejected or is unusable.
// The engine does not retry it; the caller must refresh credentials.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConsistencyError is a logic fault in the local data, such as an updated
// record without a remote identifier. The record is skipped, never retried
// automatically.
type ConsistencyError struct {
	Kind    Kind
	LocalID string
	Reason  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent %s %s: %s", e.Kind, e.LocalID, e.Reason)
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConsistency reports whether err is (or wraps) a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
