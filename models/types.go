package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is the self-certifying wallet address of a participant, stored in
// its checksummed hex form so that equality checks are case-insensitive.
type Identity string

// ParseIdentity validates and normalizes a wallet address string.
func ParseIdentity(s string) (Identity, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid wallet address: %q", s)
	}
	return Identity(common.HexToAddress(s).Hex()), nil
}

// FromAddress converts a raw address into an Identity.
func FromAddress(addr common.Address) Identity {
	return Identity(addr.Hex())
}

func (id Identity) String() string {
	return string(id)
}

// Short returns the abbreviated display form, e.g. 0x1234...abcd.
func (id Identity) Short() string {
	s := string(id)
	if len(s) < 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

type Role int

const (
	RoleUnknown Role = iota
	RoleAdmin
	RoleVoter
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleVoter:
		return "voter"
	default:
		return "unknown"
	}
}

// ElectionPhase describes the ledger-owned lifecycle of an election. Phase
// transitions are monotonic: NotStarted -> Active -> Ended.
type ElectionPhase int

const (
	PhaseNotStarted ElectionPhase = iota
	PhaseActive
	PhaseEnded
)

func (p ElectionPhase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CanTransitionTo reports whether next is a legal successor of p. Phases
// never move backwards and Active cannot be skipped.
func (p ElectionPhase) CanTransitionTo(next ElectionPhase) bool {
	switch p {
	case PhaseNotStarted:
		return next == PhaseActive
	case PhaseActive:
		return next == PhaseEnded
	default:
		return false
	}
}

// Candidate is a ledger-owned ballot entry. The name is immutable after
// creation and the vote count only ever grows.
type Candidate struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	VoteCount uint64 `json:"vote_count"`
}

// VerificationRecord is the session-scoped cache of a biometric verdict. The
// authoritative record lives in the verification service; this copy never
// survives a session reset.
type VerificationRecord struct {
	Identity   Identity  `json:"identity"`
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at"`
}
