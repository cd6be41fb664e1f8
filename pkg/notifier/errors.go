package notifier

import (
	"errors"
	"fmt"
)

// Source error kinds. The poller treats all of them the same way.
var (
	ErrUnavailable = errors.New("source unavailable")
	ErrRateLimited = errors.New("source rate limited")
	ErrNotFound    = errors.New("target not found")
)

// ValidationError reports user-correctable input.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Input, e.Reason)
}

// StorageError wraps an I/O failure in the subscription store.
type StorageError struct {
	Err error
	Op  string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SourceError is returned by source adapters. Kind is one of ErrUnavailable,
// ErrRateLimited or ErrNotFound.
type SourceError struct {
	Kind   error
	Err    error
	Target string
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %v", e.Target, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %v: %v", e.Target, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewSourceError builds a SourceError, defaulting Kind to ErrUnavailable.
func NewSourceError(target string, kind, err error) *SourceError {
	if kind == nil {
		kind = ErrUnavailable
	}
	return &SourceError{Target: target, Kind: kind, Err: err}
}

// DeliveryError reports that one recipient could not be reached.
type DeliveryError struct {
	Err       error
	ItemID    string
	Recipient Subscriber
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver item %s to %d: %v", e.ItemID, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
