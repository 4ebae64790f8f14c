package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a job of the same kind is already running.
	// It is a distinct terminal "not attempted" outcome, not a failure of
	// the operation itself, and is never retried by the guard.
	ErrBusy = errors.New("another job of this kind is already running")

	// ErrRepoNotAllowed is returned when a kernel update names a repository
	// outside the configured allow-list. Rejected before any I/O.
	ErrRepoNotAllowed = errors.New("repository is not in the allow-list")

	// ErrChecksumRequired is returned when checksum verification is required
	// but the release publishes no checksum. Verification is never silently
	// skipped.
	ErrChecksumRequired = errors.New("checksum not found in release assets")
)

// IntegrityError marks a fatal verification failure (checksum mismatch or a
// failed self-test). It is never auto-retried and never leaves a partially
// applied resource behind.
type IntegrityError struct {
	Stage string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed at %s: %v", e.Stage, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// NewIntegrityError wraps err as an integrity failure at the given stage.
func NewIntegrityError(stage string, err error) *IntegrityError {
	return &IntegrityError{Stage: stage, Err: err}
}

// IsIntegrityError reports whether err is (or wraps) an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
