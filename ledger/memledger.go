package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"election-workflow/models"
	"election-workflow/storage"
)

const snapshotName = "election"

// MemoryLedger is an in-process ledger with the same semantics the election
// contract enforces on chain: admin attribution, monotonic phases, duplicate
// registration and double-vote rejection. It backs development and testing;
// all guard checks in the workflows remain an optimization on top of the
// checks here.
type MemoryLedger struct {
	mu         sync.RWMutex
	admin      models.Identity
	phase      models.ElectionPhase
	candidates []models.Candidate
	registered map[models.Identity]bool
	voted      map[models.Identity]bool
	store      *storage.SnapshotStore
	logger     *slog.Logger
}

// electionSnapshot is the persisted form of the ledger state.
type electionSnapshot struct {
	Admin      models.Identity       `json:"admin"`
	Phase      models.ElectionPhase  `json:"phase"`
	Candidates []models.Candidate    `json:"candidates"`
	Registered []models.Identity     `json:"registered"`
	Voted      []models.Identity     `json:"voted"`
}

// NewMemoryLedger creates a ledger administered by admin. When store is
// non-nil, existing state is restored from it and every accepted mutation is
// snapshotted back.
func NewMemoryLedger(admin models.Identity, store *storage.SnapshotStore, logger *slog.Logger) (*MemoryLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &MemoryLedger{
		admin:      admin,
		phase:      models.PhaseNotStarted,
		registered: make(map[models.Identity]bool),
		voted:      make(map[models.Identity]bool),
		store:      store,
		logger:     logger.With("component", "ledger"),
	}

	if store != nil {
		var snap electionSnapshot
		found, err := store.Load(snapshotName, &snap)
		if err != nil {
			return nil, fmt.Errorf("failed to restore ledger snapshot: %w", err)
		}
		if found {
			l.admin = snap.Admin
			l.phase = snap.Phase
			l.candidates = snap.Candidates
			for _, id := range snap.Registered {
				l.registered[id] = true
			}
			for _, id := range snap.Voted {
				l.voted[id] = true
			}
			l.logger.Info("restored election state",
				"phase", l.phase.String(),
				"candidates", len(l.candidates),
				"registered", len(l.registered),
			)
		}
	}

	return l, nil
}

// Read operations

func (l *MemoryLedger) Admin(ctx context.Context) (models.Identity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.admin, nil
}

func (l *MemoryLedger) Phase(ctx context.Context) (models.ElectionPhase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.phase, nil
}

func (l *MemoryLedger) CandidateCount(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.candidates), nil
}

func (l *MemoryLedger) Candidate(ctx context.Context, index int) (models.Candidate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.candidates) {
		return models.Candidate{}, fmt.Errorf("candidate index %d out of range", index)
	}
	return l.candidates[index], nil
}

func (l *MemoryLedger) HasVoted(ctx context.Context, id models.Identity) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.voted[id], nil
}

func (l *MemoryLedger) IsRegistered(ctx context.Context, id models.Identity) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registered[id], nil
}

func (l *MemoryLedger) Results(ctx context.Context) ([]string, []uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, len(l.candidates))
	counts := make([]uint64, len(l.candidates))
	for i, c := range l.candidates {
		names[i] = c.Name
		counts[i] = c.VoteCount
	}
	return names, counts, nil
}

// Mutating operations

func (l *MemoryLedger) RegisterVoter(ctx context.Context, from, voter models.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from != l.admin {
		return reject("registerVoter", ReasonNotAdmin)
	}
	if l.phase == models.PhaseEnded {
		return reject("registerVoter", ReasonEnded)
	}
	if l.registered[voter] {
		return reject("registerVoter", ReasonAlreadyRegistered)
	}

	l.registered[voter] = true
	l.logger.Info("voter registered", "voter", voter.Short())
	return l.snapshotLocked()
}

func (l *MemoryLedger) AddCandidate(ctx context.Context, from models.Identity, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from != l.admin {
		return reject("addCandidate", ReasonNotAdmin)
	}
	if name == "" {
		return reject("addCandidate", ReasonEmptyName)
	}
	if l.phase == models.PhaseEnded {
		return reject("addCandidate", ReasonEnded)
	}

	l.candidates = append(l.candidates, models.Candidate{
		ID:   len(l.candidates),
		Name: name,
	})
	l.logger.Info("candidate added", "name", name, "id", len(l.candidates)-1)
	return l.snapshotLocked()
}

func (l *MemoryLedger) StartElection(ctx context.Context, from models.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from != l.admin {
		return reject("startElection", ReasonNotAdmin)
	}
	if !l.phase.CanTransitionTo(models.PhaseActive) {
		if l.phase == models.PhaseEnded {
			return reject("startElection", ReasonEnded)
		}
		return reject("startElection", ReasonNotActive)
	}

	l.phase = models.PhaseActive
	l.logger.Info("election started")
	return l.snapshotLocked()
}

func (l *MemoryLedger) EndElection(ctx context.Context, from models.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from != l.admin {
		return reject("endElection", ReasonNotAdmin)
	}
	if !l.phase.CanTransitionTo(models.PhaseEnded) {
		if l.phase == models.PhaseNotStarted {
			return reject("endElection", ReasonNotStarted)
		}
		return reject("endElection", ReasonEnded)
	}

	l.phase = models.PhaseEnded
	l.logger.Info("election ended")
	return l.snapshotLocked()
}

func (l *MemoryLedger) Vote(ctx context.Context, from models.Identity, candidateID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase != models.PhaseActive {
		if l.phase == models.PhaseEnded {
			return reject("vote", ReasonEnded)
		}
		return reject("vote", ReasonNotStarted)
	}
	if !l.registered[from] {
		return reject("vote", ReasonNotRegistered)
	}
	if l.voted[from] {
		return reject("vote", ReasonAlreadyVoted)
	}
	if candidateID < 0 || candidateID >= len(l.candidates) {
		return reject("vote", ReasonUnknownCandidate)
	}

	l.voted[from] = true
	l.candidates[candidateID].VoteCount++
	l.logger.Info("vote recorded", "candidate", l.candidates[candidateID].Name)
	return l.snapshotLocked()
}

func (l *MemoryLedger) snapshotLocked() error {
	if l.store == nil {
		return nil
	}
	snap := electionSnapshot{
		Admin:      l.admin,
		Phase:      l.phase,
		Candidates: l.candidates,
	}
	for id := range l.registered {
		snap.Registered = append(snap.Registered, id)
	}
	for id := range l.voted {
		snap.Voted = append(snap.Voted, id)
	}
	if err := l.store.Save(snapshotName, &snap); err != nil {
		return fmt.Errorf("failed to persist ledger state: %w", err)
	}
	return nil
}
