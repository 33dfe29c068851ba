package workflow

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a mutating action is requested while another
// mutating call is still in flight for the same session. No two mutating
// calls may overlap; the caller retries after the pending one resolves.
var ErrBusy = errors.New("another action is in flight for this session")

// ErrNotAuthorized marks the sticky unauthorized admin state. There is no
// escalation path within a session.
var ErrNotAuthorized = errors.New("connected identity is not the election admin")

// ErrInvalidAddress rejects a malformed wallet address before any call is
// made.
var ErrInvalidAddress = errors.New("invalid wallet address")

// ErrEnrollmentMissing rejects voter registration when no biometric
// enrollment is on record. Registering anyway would produce a voter who can
// never pass verification.
var ErrEnrollmentMissing = errors.New("no biometric enrollment on record for address")

// GuardError reports an attempted transition whose precondition is false,
// e.g. voting before verifying or selecting a candidate out of range. A
// correctly gated UI never triggers one, but the checks stay because the
// ledger is the final arbiter and rejects independently.
type GuardError struct {
	Op     string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s not allowed: %s", e.Op, e.Reason)
}

func guardErr(op, reason string) error {
	return &GuardError{Op: op, Reason: reason}
}

// IsGuard reports whether err is a guard violation.
func IsGuard(err error) bool {
	var ge *GuardError
	return errors.As(err, &ge)
}

// VerificationFailedError wraps a failed biometric verification. Retryable
// is true only for service-unavailable failures, where the same sample may
// be resubmitted; a negative verdict needs a fresh sample.
type VerificationFailedError struct {
	Retryable bool
	Err       error
}

func (e *VerificationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %v", e.Err)
	}
	return "verification failed: biometric mismatch"
}

func (e *VerificationFailedError) Unwrap() error {
	return e.Err
}

// AmbiguousError reports a transport failure on a mutating call where the
// ledger outcome is unknown. The submitted transaction may still finalize,
// so the only safe follow-up is the re-check-before-retry rule, never a
// blind resubmission.
type AmbiguousError struct {
	Op  string
	Err error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s outcome unknown: %v", e.Op, e.Err)
}

func (e *AmbiguousError) Unwrap() error {
	return e.Err
}

// IsAmbiguous reports whether err left the ledger outcome unknown.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}
