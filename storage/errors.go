package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
	// ErrConflict is returned when a concurrent transaction won the write.
	ErrConflict = errors.New("transaction conflict")
)

// RetryableError marks a failure that may succeed if the whole operation
// is attempted again.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a *RetryableError. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or any error it wraps, is retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// WrapBatchError marks CAS failures returned from a batch as retryable.
func WrapBatchError(err error) error {
	if err != nil && errors.Is(err, ErrCASFailed) && !IsRetryable(err) {
		return Retryable(err)
	}
	return err
}
