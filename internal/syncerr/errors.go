// Package syncerr defines the error taxonomy shared by the synchronization core
// and the message log client.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient network error")
	ErrAuth       = errors.New("authentication failed")
	ErrConflict   = errors.New("idempotency key conflict")

	// ErrStaleEpoch rejects presence writes from a session older than the stored one.
	ErrStaleEpoch = errors.New("stale session epoch")
)

// ValidationError is returned before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransientError wraps a network or backend failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// AuthError forces session teardown.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + ErrAuth.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuth, e.Err} }

// ConflictError reports an idempotency key resubmitted with a different payload.
type ConflictError struct {
	IdempotencyKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key %s already used with a different payload", e.IdempotencyKey)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Auth wraps err as an AuthError.
func Auth(op string, err error) error {
	return &AuthError{Op: op, Err: err}
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
