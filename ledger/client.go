package ledger

import (
	"context"
	"errors"
	"fmt"

	"election-workflow/models"
)

// Client is the contract boundary with the authoritative election ledger.
// Reads are idempotent and may be retried freely. Every mutating call is
// attributed to the calling identity and either finalizes on the ledger or
// returns a *RejectionError carrying the ledger's reason. Any other error
// from a mutating call means the outcome is unknown: the transaction may
// still finalize after the error is observed, so callers must never retry
// blindly.
type Client interface {
	Admin(ctx context.Context) (models.Identity, error)
	Phase(ctx context.Context) (models.ElectionPhase, error)
	CandidateCount(ctx context.Context) (int, error)
	Candidate(ctx context.Context, index int) (models.Candidate, error)
	HasVoted(ctx context.Context, id models.Identity) (bool, error)
	Results(ctx context.Context) (names []string, counts []uint64, err error)

	RegisterVoter(ctx context.Context, from, voter models.Identity) error
	AddCandidate(ctx context.Context, from models.Identity, name string) error
	StartElection(ctx context.Context, from models.Identity) error
	EndElection(ctx context.Context, from models.Identity) error
	Vote(ctx context.Context, from models.Identity, candidateID int) error
}

// Reason identifies why the ledger rejected a mutating call.
type Reason string

const (
	ReasonNotAdmin          Reason = "caller is not the election admin"
	ReasonAlreadyRegistered Reason = "voter is already registered"
	ReasonNotRegistered     Reason = "voter is not registered"
	ReasonAlreadyVoted      Reason = "voter has already voted"
	ReasonNotStarted        Reason = "election has not started"
	ReasonNotActive         Reason = "election is not active"
	ReasonEnded             Reason = "election has ended"
	ReasonUnknownCandidate  Reason = "unknown candidate"
	ReasonEmptyName         Reason = "candidate name is empty"
)

// RejectionError is an authoritative, ledger-side precondition failure. The
// submitted call definitively did not take effect.
type RejectionError struct {
	Op     string
	Reason Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Op, e.Reason)
}

func reject(op string, reason Reason) error {
	return &RejectionError{Op: op, Reason: reason}
}

// IsRejection reports whether err is a ledger rejection, optionally matching
// one of the given reasons.
func IsRejection(err error, reasons ...Reason) bool {
	var rej *RejectionError
	if !errors.As(err, &rej) {
		return false
	}
	if len(reasons) == 0 {
		return true
	}
	for _, r := range reasons {
		if rej.Reason == r {
			return true
		}
	}
	return false
}
