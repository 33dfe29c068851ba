package verification

import (
	"context"
	"errors"
	"fmt"

	"election-workflow/models"
)

// Verdict is the outcome of a biometric match. A negative verdict is a
// definitive answer from the matcher, not an error.
type Verdict struct {
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
}

// Client is the contract boundary with the biometric verification service.
// Enroll records a reference sample for an identity; Verify matches a fresh
// sample against the enrolled one. Transport failures are reported as
// *UnavailableError and are distinct from negative verdicts: only transport
// failures may be retried with the same sample.
type Client interface {
	Enroll(ctx context.Context, id models.Identity, sample []byte) error
	Verify(ctx context.Context, id models.Identity, sample []byte) (Verdict, error)
	Enrolled(ctx context.Context, id models.Identity) (bool, error)
}

// ErrNotEnrolled is returned by Verify when the identity has no reference
// sample on record. Verifying again without a prior enrollment is pointless.
var ErrNotEnrolled = errors.New("identity is not enrolled")

// ErrEmptySample rejects zero-length biometric samples before any call is
// made.
var ErrEmptySample = errors.New("biometric sample is empty")

// UnavailableError wraps a transport-level failure talking to the
// verification service. The verdict is unknown; the caller may retry.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("verification service unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is a transport failure rather than a
// negative verdict.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
