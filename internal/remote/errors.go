package remote

import (
	"errors"
	"fmt"
)

// Push failures fall into three classes and the sync engine treats each
// differently: transient failures are retried with backoff, auth
// failures stop the whole cycle (every subsequent call would fail the
// same way), and validation failures burn a retry on just that entry
// because the payload itself is the problem.

// TransientError marks a failure worth retrying: network trouble,
// timeouts, server 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// AuthError marks a rejected credential. Not retryable until the user
// re-authenticates.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("unauthorized: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError marks a payload the server rejected as malformed.
// Retrying the same payload cannot succeed.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is worth retrying later.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// IsValidation reports whether the server rejected the payload itself.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
