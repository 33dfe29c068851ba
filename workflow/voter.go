package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"election-workflow/event"
	"election-workflow/ledger"
	"election-workflow/models"
	"election-workflow/session"
	"election-workflow/verification"
)

// VoterState is the current position in the voter workflow.
type VoterState string

const (
	VoterDisconnected VoterState = "disconnected"
	VoterConnected    VoterState = "connected"
	VoterUnverified   VoterState = "unverified"
	VoterVerified     VoterState = "verified"
	VoterVoted        VoterState = "voted"
	VoterAlreadyVoted VoterState = "already_voted"
)

// Terminal reports whether no further voting action is possible from s.
func (s VoterState) Terminal() bool {
	return s == VoterVoted || s == VoterAlreadyVoted
}

const noSelection = -1

// VoterWorkflow drives one voter session through
// connect -> verify -> select -> vote. Every precondition is checked here
// before a call leaves the session, and checked again by the ledger, which
// remains the final arbiter. Mutating calls are serialized per session: a
// second one while the first is pending fails fast with ErrBusy. After an
// ambiguous vote failure the workflow re-checks hasVoted before anything is
// resubmitted; that rule is the guard against double votes caused by
// failures where the ledger outcome is unknown.
type VoterWorkflow struct {
	session  *session.Session
	ledger   ledger.Client
	verifier verification.Client
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *Metrics

	mu         sync.Mutex
	state      VoterState
	candidates []models.Candidate
	selected   int
	inFlight   bool
	// recheckBeforeRetry stays set from the first ambiguous failure until a
	// hasVoted read has been observed immediately before a resubmission.
	recheckBeforeRetry bool
	// gen is bumped on every session reset so operations that were in
	// flight across a reset cannot advance the new session's state.
	gen int
}

func NewVoterWorkflow(sess *session.Session, ledgerClient ledger.Client, verifier verification.Client, bus *event.Bus, metrics *Metrics, logger *slog.Logger) *VoterWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	w := &VoterWorkflow{
		session:  sess,
		ledger:   ledgerClient,
		verifier: verifier,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With("component", "voter_workflow", "session_id", sess.ID),
		state:    VoterDisconnected,
		selected: noSelection,
	}
	sess.OnReset(w.reset)
	return w
}

// Connect binds the wallet identity to the session. Allowed from
// Disconnected and, as the resume path after a session reset, from
// Connected.
func (w *VoterWorkflow) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state != VoterDisconnected && w.state != VoterConnected {
		w.mu.Unlock()
		return guardErr("connect", fmt.Sprintf("session already progressed to %s", w.state))
	}
	gen := w.gen
	w.inFlight = true
	w.mu.Unlock()
	defer w.release()

	if _, err := w.session.Connect(ctx); err != nil {
		return fmt.Errorf("wallet connection failed: %w", err)
	}

	w.transit(gen, VoterConnected)
	return nil
}

// CheckStatus queries the authoritative hasVoted flag and routes the session
// accordingly. A voter who already voted jumps straight to AlreadyVoted:
// re-verification buys nothing and must never reopen the ballot.
func (w *VoterWorkflow) CheckStatus(ctx context.Context) (VoterState, error) {
	w.mu.Lock()
	if w.state != VoterConnected {
		w.mu.Unlock()
		return w.state, guardErr("checkStatus", fmt.Sprintf("session is %s, expected connected", w.state))
	}
	id := w.session.Identity()
	gen := w.gen
	w.mu.Unlock()

	voted, err := w.ledger.HasVoted(ctx, id)
	if err != nil {
		return VoterConnected, fmt.Errorf("failed to query vote status: %w", err)
	}

	if voted {
		// Read-only candidate refresh for display; failure is logged, not
		// fatal.
		if err := w.refreshCandidates(ctx, gen); err != nil {
			w.logger.Warn("failed to load candidates", "error", err)
		}
		w.transit(gen, VoterAlreadyVoted)
		return VoterAlreadyVoted, nil
	}

	w.transit(gen, VoterUnverified)
	return VoterUnverified, nil
}

// Verify submits the biometric sample. A negative verdict and a transport
// failure both leave the session Unverified, but only the transport failure
// is retryable with the same sample.
func (w *VoterWorkflow) Verify(ctx context.Context, sample []byte) error {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state != VoterUnverified {
		w.mu.Unlock()
		return guardErr("verify", fmt.Sprintf("session is %s, expected unverified", w.state))
	}
	id := w.session.Identity()
	gen := w.gen
	w.inFlight = true
	w.mu.Unlock()
	defer w.release()

	verdict, err := w.verifier.Verify(ctx, id, sample)
	if err != nil {
		if verification.IsUnavailable(err) {
			w.metrics.verification("unavailable")
			return &VerificationFailedError{Retryable: true, Err: err}
		}
		w.metrics.verification("failed")
		return &VerificationFailedError{Retryable: false, Err: err}
	}
	if !verdict.Verified {
		w.metrics.verification("mismatch")
		w.logger.Info("biometric mismatch", "similarity", verdict.Similarity)
		return &VerificationFailedError{Retryable: false}
	}

	w.metrics.verification("verified")
	w.session.MarkVerified()

	if err := w.refreshCandidates(ctx, gen); err != nil {
		w.logger.Warn("failed to load candidates", "error", err)
	}

	w.transit(gen, VoterVerified)
	return nil
}

// Select records a local candidate choice. No external call is made.
func (w *VoterWorkflow) Select(candidateID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != VoterVerified {
		return guardErr("select", fmt.Sprintf("session is %s, expected verified", w.state))
	}
	if candidateID < 0 || candidateID >= len(w.candidates) {
		return guardErr("select", fmt.Sprintf("candidate id %d out of range [0,%d)", candidateID, len(w.candidates)))
	}

	w.selected = candidateID
	return nil
}

// Vote submits the single ledger-mutating vote transaction. On a confirmed
// rejection the selection is preserved and the session stays Verified. On an
// ambiguous failure the next action is always a hasVoted re-check — first
// immediately, and again at the top of any retry — because the failed
// submission may still finalize on the ledger.
func (w *VoterWorkflow) Vote(ctx context.Context) error {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state != VoterVerified {
		w.mu.Unlock()
		return guardErr("vote", fmt.Sprintf("session is %s, expected verified", w.state))
	}
	if w.selected == noSelection {
		w.mu.Unlock()
		return guardErr("vote", "no candidate selected")
	}
	if !w.session.Verified() {
		// The session cache was invalidated underneath us; force the voter
		// back through verification.
		w.mu.Unlock()
		return guardErr("vote", "session verification is no longer valid")
	}
	id := w.session.Identity()
	choice := w.selected
	gen := w.gen
	recheck := w.recheckBeforeRetry
	w.inFlight = true
	w.mu.Unlock()
	defer w.release()

	if recheck {
		voted, err := w.ledger.HasVoted(ctx, id)
		if err != nil {
			return fmt.Errorf("vote status re-check failed: %w", err)
		}
		if voted {
			// The earlier ambiguous attempt finalized after all.
			w.clearRecheck(gen)
			w.finishVoted(ctx, gen)
			return nil
		}
	}

	w.metrics.voteSubmitted()
	err := w.ledger.Vote(ctx, id, choice)
	switch {
	case err == nil:
		w.metrics.voteAccepted()
		w.clearRecheck(gen)
		w.finishVoted(ctx, gen)
		return nil

	case ledger.IsRejection(err):
		w.metrics.voteRejected()
		if ledger.IsRejection(err, ledger.ReasonAlreadyVoted) {
			w.transit(gen, VoterAlreadyVoted)
		}
		return fmt.Errorf("vote submission failed: %w", err)

	default:
		w.metrics.voteAmbiguous()
		w.logger.Warn("vote outcome unknown", "error", err)
		// Re-check right away: a timeout is not a rejection and the vote
		// may already be final.
		voted, cerr := w.ledger.HasVoted(ctx, id)
		if cerr == nil && voted {
			w.metrics.voteAccepted()
			w.clearRecheck(gen)
			w.finishVoted(ctx, gen)
			return nil
		}
		// Even a hasVoted=false observation here does not prove the
		// submission is dead, so the retry path re-checks again.
		w.mu.Lock()
		if gen == w.gen {
			w.recheckBeforeRetry = true
		}
		w.mu.Unlock()
		return &AmbiguousError{Op: "vote", Err: err}
	}
}

// RefreshCandidates re-reads the candidate list and tally. Read-only,
// idempotent, allowed from any connected state.
func (w *VoterWorkflow) RefreshCandidates(ctx context.Context) ([]models.Candidate, error) {
	w.mu.Lock()
	if w.state == VoterDisconnected {
		w.mu.Unlock()
		return nil, guardErr("refreshCandidates", "session is not connected")
	}
	gen := w.gen
	w.mu.Unlock()

	if err := w.refreshCandidates(ctx, gen); err != nil {
		return nil, err
	}
	return w.Candidates(), nil
}

// Accessors

func (w *VoterWorkflow) State() VoterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *VoterWorkflow) Candidates() []models.Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Candidate, len(w.candidates))
	copy(out, w.candidates)
	return out
}

func (w *VoterWorkflow) Selected() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selected
}

func (w *VoterWorkflow) Session() *session.Session {
	return w.session
}

// VoterStatus is a point-in-time snapshot of the workflow for presentation.
type VoterStatus struct {
	SessionID  string             `json:"session_id"`
	State      VoterState         `json:"state"`
	Identity   string             `json:"identity,omitempty"`
	Role       string             `json:"role"`
	Network    string             `json:"network,omitempty"`
	Verified   bool               `json:"verified"`
	Selected   int                `json:"selected"`
	Candidates []models.Candidate `json:"candidates,omitempty"`
}

func (w *VoterWorkflow) Status() VoterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return VoterStatus{
		SessionID:  w.session.ID,
		State:      w.state,
		Identity:   w.session.Identity().Short(),
		Role:       w.session.Role().String(),
		Network:    w.session.Network(),
		Verified:   w.session.Verified(),
		Selected:   w.selected,
		Candidates: w.candidates,
	}
}

// Internals

func (w *VoterWorkflow) release() {
	w.mu.Lock()
	w.inFlight = false
	w.mu.Unlock()
}

func (w *VoterWorkflow) clearRecheck(gen int) {
	w.mu.Lock()
	if gen == w.gen {
		w.recheckBeforeRetry = false
	}
	w.mu.Unlock()
}

func (w *VoterWorkflow) finishVoted(ctx context.Context, gen int) {
	if err := w.refreshCandidates(ctx, gen); err != nil {
		w.logger.Warn("failed to refresh tally after vote", "error", err)
	}
	w.transit(gen, VoterVoted)
}

func (w *VoterWorkflow) refreshCandidates(ctx context.Context, gen int) error {
	count, err := w.ledger.CandidateCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to read candidate count: %w", err)
	}
	candidates := make([]models.Candidate, 0, count)
	for i := 0; i < count; i++ {
		c, err := w.ledger.Candidate(ctx, i)
		if err != nil {
			return fmt.Errorf("failed to read candidate %d: %w", i, err)
		}
		candidates = append(candidates, c)
	}

	w.mu.Lock()
	if gen == w.gen {
		w.candidates = candidates
	}
	w.mu.Unlock()
	return nil
}

// transit moves the state machine unless the session has been reset since
// gen was captured.
func (w *VoterWorkflow) transit(gen int, to VoterState) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	from := w.state
	w.state = to
	w.mu.Unlock()

	if from == to {
		return
	}
	w.logger.Info("voter state changed", "from", string(from), "to", string(to))
	if w.bus != nil {
		w.bus.Publish(TypeVoterState, StateChange{
			SessionID: w.session.ID,
			From:      string(from),
			To:        string(to),
		})
	}
}

// reset drops everything derived from the previous identity. The session
// falls back to Connected; role and verification are re-derived, never
// carried over.
func (w *VoterWorkflow) reset() {
	w.mu.Lock()
	w.gen++
	from := w.state
	if w.state != VoterDisconnected {
		w.state = VoterConnected
	}
	to := w.state
	w.selected = noSelection
	w.candidates = nil
	w.recheckBeforeRetry = false
	w.mu.Unlock()

	w.metrics.sessionReset()
	w.logger.Info("session reset", "from", string(from), "to", string(to))
	if w.bus != nil && from != to {
		w.bus.Publish(TypeVoterState, StateChange{
			SessionID: w.session.ID,
			From:      string(from),
			To:        string(to),
		})
	}
}
