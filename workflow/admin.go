package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"election-workflow/event"
	"election-workflow/ledger"
	"election-workflow/models"
	"election-workflow/results"
	"election-workflow/session"
	"election-workflow/verification"
)

// AdminState is the current position in the admin workflow.
type AdminState string

const (
	AdminDisconnected AdminState = "disconnected"
	AdminConnected    AdminState = "connected"
	AdminAuthorized   AdminState = "authorized"
	AdminUnauthorized AdminState = "unauthorized"
)

// Policy holds behaviors that are deployment decisions rather than fixed
// rules.
type Policy struct {
	// AllowMidElectionCandidates permits addCandidate while the election is
	// already active. Off by default.
	AllowMidElectionCandidates bool
}

// AdminWorkflow drives one admin session through authority check and the
// four mutating election actions. Client-side guard checks are an
// optimization; the ledger re-validates every call. Unauthorized is sticky:
// once the connected identity fails the authority check there is no
// escalation path within the session.
type AdminWorkflow struct {
	session  *session.Session
	ledger   ledger.Client
	verifier verification.Client
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *Metrics
	policy   Policy

	mu       sync.Mutex
	state    AdminState
	inFlight bool
	gen      int
	final    results.Tally
}

func NewAdminWorkflow(sess *session.Session, ledgerClient ledger.Client, verifier verification.Client, bus *event.Bus, metrics *Metrics, policy Policy, logger *slog.Logger) *AdminWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AdminWorkflow{
		session:  sess,
		ledger:   ledgerClient,
		verifier: verifier,
		bus:      bus,
		metrics:  metrics,
		policy:   policy,
		logger:   logger.With("component", "admin_workflow", "session_id", sess.ID),
		state:    AdminDisconnected,
	}
	sess.OnReset(w.reset)
	return w
}

// Connect binds the wallet identity to the session.
func (w *AdminWorkflow) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state != AdminDisconnected && w.state != AdminConnected {
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

	w.transit(gen, AdminConnected)
	return nil
}

// AuthorityCheck compares the connected identity against the ledger-reported
// admin. A negative result is sticky for the session.
func (w *AdminWorkflow) AuthorityCheck(ctx context.Context) (bool, error) {
	w.mu.Lock()
	switch w.state {
	case AdminAuthorized:
		w.mu.Unlock()
		return true, nil
	case AdminUnauthorized:
		w.mu.Unlock()
		return false, ErrNotAuthorized
	case AdminDisconnected:
		w.mu.Unlock()
		return false, guardErr("authorityCheck", "session is not connected")
	}
	id := w.session.Identity()
	gen := w.gen
	w.mu.Unlock()

	admin, err := w.ledger.Admin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read admin address: %w", err)
	}

	if id != admin {
		w.transit(gen, AdminUnauthorized)
		return false, ErrNotAuthorized
	}

	w.transit(gen, AdminAuthorized)
	return true, nil
}

// EnrollVoter records a biometric reference sample for a voter address.
// Enrollment precedes on-ledger registration; without it the voter could
// never pass verification.
func (w *AdminWorkflow) EnrollVoter(ctx context.Context, address string, sample []byte) error {
	voter, err := models.ParseIdentity(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if _, _, err := w.begin("enrollVoter"); err != nil {
		return err
	}
	defer w.release()

	if err := w.verifier.Enroll(ctx, voter, sample); err != nil {
		w.recordAction("enrollVoter", "error")
		return fmt.Errorf("enrollment failed: %w", err)
	}

	w.recordAction("enrollVoter", "ok")
	w.logger.Info("voter enrolled", "voter", voter.Short())
	return nil
}

// RegisterVoter submits an on-ledger voter registration. It requires a
// well-formed address and an existing biometric enrollment.
func (w *AdminWorkflow) RegisterVoter(ctx context.Context, address string) error {
	voter, err := models.ParseIdentity(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	_, id, err := w.begin("registerVoter")
	if err != nil {
		return err
	}
	defer w.release()

	enrolled, err := w.verifier.Enrolled(ctx, voter)
	if err != nil {
		w.recordAction("registerVoter", "error")
		return fmt.Errorf("failed to check enrollment: %w", err)
	}
	if !enrolled {
		w.recordAction("registerVoter", "guard")
		return ErrEnrollmentMissing
	}

	if err := w.ledger.RegisterVoter(ctx, id, voter); err != nil {
		return w.mutationFailed("registerVoter", err)
	}

	w.recordAction("registerVoter", "ok")
	return nil
}

// AddCandidate submits a new ballot entry. Whether this is permitted after
// the election has started is a policy decision, not a fixed rule.
func (w *AdminWorkflow) AddCandidate(ctx context.Context, name string) error {
	if name == "" {
		return guardErr("addCandidate", "candidate name is empty")
	}

	_, id, err := w.begin("addCandidate")
	if err != nil {
		return err
	}
	defer w.release()

	phase, err := w.ledger.Phase(ctx)
	if err != nil {
		w.recordAction("addCandidate", "error")
		return fmt.Errorf("failed to read election phase: %w", err)
	}
	switch {
	case phase == models.PhaseEnded:
		w.recordAction("addCandidate", "guard")
		return guardErr("addCandidate", "election has ended")
	case phase == models.PhaseActive && !w.policy.AllowMidElectionCandidates:
		w.recordAction("addCandidate", "guard")
		return guardErr("addCandidate", "election is already active")
	}

	if err := w.ledger.AddCandidate(ctx, id, name); err != nil {
		return w.mutationFailed("addCandidate", err)
	}

	w.recordAction("addCandidate", "ok")
	return nil
}

// StartElection irreversibly opens the election.
func (w *AdminWorkflow) StartElection(ctx context.Context) error {
	_, id, err := w.begin("startElection")
	if err != nil {
		return err
	}
	defer w.release()

	phase, err := w.ledger.Phase(ctx)
	if err != nil {
		w.recordAction("startElection", "error")
		return fmt.Errorf("failed to read election phase: %w", err)
	}
	if phase != models.PhaseNotStarted {
		w.recordAction("startElection", "guard")
		return guardErr("startElection", fmt.Sprintf("election phase is %s", phase))
	}

	if err := w.ledger.StartElection(ctx, id); err != nil {
		return w.mutationFailed("startElection", err)
	}

	w.recordAction("startElection", "ok")
	return nil
}

// EndElection irreversibly closes the election and projects the final tally.
// The tally read is a retryable follow-up: its failure does not undo the
// phase transition and is reported as an unavailable tally, not an error.
func (w *AdminWorkflow) EndElection(ctx context.Context) (results.Tally, error) {
	gen, id, err := w.begin("endElection")
	if err != nil {
		return results.NoResults(), err
	}
	defer w.release()

	phase, err := w.ledger.Phase(ctx)
	if err != nil {
		w.recordAction("endElection", "error")
		return results.NoResults(), fmt.Errorf("failed to read election phase: %w", err)
	}
	if phase != models.PhaseActive {
		w.recordAction("endElection", "guard")
		return results.NoResults(), guardErr("endElection", fmt.Sprintf("election phase is %s", phase))
	}

	if err := w.ledger.EndElection(ctx, id); err != nil {
		return results.NoResults(), w.mutationFailed("endElection", err)
	}

	w.recordAction("endElection", "ok")

	tally, err := w.Results(ctx)
	if err != nil {
		w.logger.Warn("failed to read final tally", "error", err)
		return results.NoResults(), nil
	}

	w.mu.Lock()
	if gen == w.gen {
		w.final = tally
	}
	w.mu.Unlock()
	return tally, nil
}

// Results projects the current candidate/count pairs. Read-only and freely
// retryable.
func (w *AdminWorkflow) Results(ctx context.Context) (results.Tally, error) {
	names, counts, err := w.ledger.Results(ctx)
	if err != nil {
		return results.NoResults(), fmt.Errorf("failed to read results: %w", err)
	}
	return results.Project(names, counts), nil
}

// Accessors

func (w *AdminWorkflow) State() AdminState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *AdminWorkflow) FinalTally() results.Tally {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.final
}

func (w *AdminWorkflow) Session() *session.Session {
	return w.session
}

// Internals

// begin takes the in-flight slot for a mutating action, enforcing that the
// session is authorized first.
func (w *AdminWorkflow) begin(op string) (int, models.Identity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == AdminUnauthorized {
		return 0, "", ErrNotAuthorized
	}
	if w.state != AdminAuthorized {
		return 0, "", guardErr(op, fmt.Sprintf("session is %s, authority check required", w.state))
	}
	if w.inFlight {
		return 0, "", ErrBusy
	}
	w.inFlight = true
	return w.gen, w.session.Identity(), nil
}

func (w *AdminWorkflow) release() {
	w.mu.Lock()
	w.inFlight = false
	w.mu.Unlock()
}

// mutationFailed classifies a failed ledger mutation: an explicit rejection
// is authoritative, anything else leaves the outcome unknown.
func (w *AdminWorkflow) mutationFailed(op string, err error) error {
	if ledger.IsRejection(err) {
		w.recordAction(op, "rejected")
		return fmt.Errorf("%s failed: %w", op, err)
	}
	w.recordAction(op, "ambiguous")
	w.logger.Warn("admin action outcome unknown", "action", op, "error", err)
	return &AmbiguousError{Op: op, Err: err}
}

func (w *AdminWorkflow) recordAction(action, result string) {
	w.metrics.adminAction(action, result)
	if w.bus != nil {
		w.bus.Publish(TypeAdminAction, AdminActionEvent{
			SessionID: w.session.ID,
			Action:    action,
			Result:    result,
		})
	}
}

func (w *AdminWorkflow) transit(gen int, to AdminState) {
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
	w.logger.Info("admin state changed", "from", string(from), "to", string(to))
	if w.bus != nil {
		w.bus.Publish(TypeAdminState, StateChange{
			SessionID: w.session.ID,
			From:      string(from),
			To:        string(to),
		})
	}
}

// reset drops authorization on identity or network change; the new identity
// must pass its own authority check.
func (w *AdminWorkflow) reset() {
	w.mu.Lock()
	w.gen++
	from := w.state
	if w.state != AdminDisconnected {
		w.state = AdminConnected
	}
	to := w.state
	w.mu.Unlock()

	w.metrics.sessionReset()
	w.logger.Info("session reset", "from", string(from), "to", string(to))
	if w.bus != nil && from != to {
		w.bus.Publish(TypeAdminState, StateChange{
			SessionID: w.session.ID,
			From:      string(from),
			To:        string(to),
		})
	}
}
