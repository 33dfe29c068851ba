package ledger

import (
	"context"
	"testing"

	"election-workflow/models"
	"election-workflow/storage"
)

const (
	adminAddr = "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"
	voterAddr = "0xAb8483F64d9C6d1EcF9b849Ae677dD3315835cb2"
	otherAddr = "0x4B20993Bc481177ec7E8f571ceCaE8A9e22C02db"
)

func mustIdentity(t *testing.T, s string) models.Identity {
	t.Helper()
	id, err := models.ParseIdentity(s)
	if err != nil {
		t.Fatalf("ParseIdentity(%q) error = %v", s, err)
	}
	return id
}

func newTestLedger(t *testing.T) (*MemoryLedger, models.Identity) {
	t.Helper()
	admin := mustIdentity(t, adminAddr)
	l, err := NewMemoryLedger(admin, nil, nil)
	if err != nil {
		t.Fatalf("NewMemoryLedger() error = %v", err)
	}
	return l, admin
}

func TestMemoryLedgerAdminAttribution(t *testing.T) {
	l, admin := newTestLedger(t)
	ctx := context.Background()
	voter := mustIdentity(t, voterAddr)
	other := mustIdentity(t, otherAddr)

	got, err := l.Admin(ctx)
	if err != nil || got != admin {
		t.Fatalf("Admin() = %s, %v, want %s", got, err, admin)
	}

	// Every admin-only mutation is rejected for a non-admin caller.
	if err := l.RegisterVoter(ctx, other, voter); !IsRejection(err, ReasonNotAdmin) {
		t.Errorf("RegisterVoter(non-admin) error = %v, want rejection (not admin)", err)
	}
	if err := l.AddCandidate(ctx, other, "Alice"); !IsRejection(err, ReasonNotAdmin) {
		t.Errorf("AddCandidate(non-admin) error = %v, want rejection (not admin)", err)
	}
	if err := l.StartElection(ctx, other); !IsRejection(err, ReasonNotAdmin) {
		t.Errorf("StartElection(non-admin) error = %v, want rejection (not admin)", err)
	}
	if err := l.EndElection(ctx, other); !IsRejection(err, ReasonNotAdmin) {
		t.Errorf("EndElection(non-admin) error = %v, want rejection (not admin)", err)
	}

	// Nothing took effect.
	if phase, _ := l.Phase(ctx); phase != models.PhaseNotStarted {
		t.Errorf("Phase() = %s, want %s", phase, models.PhaseNotStarted)
	}
	if count, _ := l.CandidateCount(ctx); count != 0 {
		t.Errorf("CandidateCount() = %d, want 0", count)
	}
}

func TestMemoryLedgerRegistration(t *testing.T) {
	l, admin := newTestLedger(t)
	ctx := context.Background()
	voter := mustIdentity(t, voterAddr)

	if err := l.RegisterVoter(ctx, admin, voter); err != nil {
		t.Fatalf("RegisterVoter() error = %v", err)
	}
	registered, err := l.IsRegistered(ctx, voter)
	if err != nil || !registered {
		t.Fatalf("IsRegistered() = %v, %v, want true, nil", registered, err)
	}

	if err := l.RegisterVoter(ctx, admin, voter); !IsRejection(err, ReasonAlreadyRegistered) {
		t.Errorf("duplicate RegisterVoter() error = %v, want rejection (already registered)", err)
	}
}

func TestMemoryLedgerPhaseTransitions(t *testing.T) {
	l, admin := newTestLedger(t)
	ctx := context.Background()

	// Ending before starting is rejected.
	if err := l.EndElection(ctx, admin); !IsRejection(err, ReasonNotStarted) {
		t.Errorf("EndElection() before start error = %v, want rejection (not started)", err)
	}

	if err := l.StartElection(ctx, admin); err != nil {
		t.Fatalf("StartElection() error = %v", err)
	}
	if phase, _ := l.Phase(ctx); phase != models.PhaseActive {
		t.Fatalf("Phase() = %s, want %s", phase, models.PhaseActive)
	}

	// Phases never move backwards or repeat.
	if err := l.StartElection(ctx, admin); !IsRejection(err) {
		t.Errorf("second StartElection() error = %v, want rejection", err)
	}

	if err := l.EndElection(ctx, admin); err != nil {
		t.Fatalf("EndElection() error = %v", err)
	}
	if phase, _ := l.Phase(ctx); phase != models.PhaseEnded {
		t.Fatalf("Phase() = %s, want %s", phase, models.PhaseEnded)
	}

	if err := l.StartElection(ctx, admin); !IsRejection(err, ReasonEnded) {
		t.Errorf("StartElection() after end error = %v, want rejection (ended)", err)
	}
	if err := l.EndElection(ctx, admin); !IsRejection(err, ReasonEnded) {
		t.Errorf("second EndElection() error = %v, want rejection (ended)", err)
	}
}

func TestMemoryLedgerVoteGuards(t *testing.T) {
	l, admin := newTestLedger(t)
	ctx := context.Background()
	voter := mustIdentity(t, voterAddr)
	other := mustIdentity(t, otherAddr)

	if err := l.AddCandidate(ctx, admin, "Alice"); err != nil {
		t.Fatalf("AddCandidate() error = %v", err)
	}
	if err := l.AddCandidate(ctx, admin, ""); !IsRejection(err, ReasonEmptyName) {
		t.Errorf("AddCandidate(\"\") error = %v, want rejection (empty name)", err)
	}
	if err := l.RegisterVoter(ctx, admin, voter); err != nil {
		t.Fatalf("RegisterVoter() error = %v", err)
	}

	// No vote before the election starts.
	if err := l.Vote(ctx, voter, 0); !IsRejection(err, ReasonNotStarted) {
		t.Errorf("Vote() before start error = %v, want rejection (not started)", err)
	}

	if err := l.StartElection(ctx, admin); err != nil {
		t.Fatalf("StartElection() error = %v", err)
	}

	if err := l.Vote(ctx, other, 0); !IsRejection(err, ReasonNotRegistered) {
		t.Errorf("Vote(unregistered) error = %v, want rejection (not registered)", err)
	}
	if err := l.Vote(ctx, voter, 5); !IsRejection(err, ReasonUnknownCandidate) {
		t.Errorf("Vote(bad candidate) error = %v, want rejection (unknown candidate)", err)
	}

	if err := l.Vote(ctx, voter, 0); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}
	voted, err := l.HasVoted(ctx, voter)
	if err != nil || !voted {
		t.Fatalf("HasVoted() = %v, %v, want true, nil", voted, err)
	}

	// One identity, one vote.
	if err := l.Vote(ctx, voter, 0); !IsRejection(err, ReasonAlreadyVoted) {
		t.Errorf("second Vote() error = %v, want rejection (already voted)", err)
	}

	if err := l.EndElection(ctx, admin); err != nil {
		t.Fatalf("EndElection() error = %v", err)
	}
	if err := l.RegisterVoter(ctx, admin, other); !IsRejection(err, ReasonEnded) {
		t.Errorf("RegisterVoter() after end error = %v, want rejection (ended)", err)
	}
	if err := l.AddCandidate(ctx, admin, "Late"); !IsRejection(err, ReasonEnded) {
		t.Errorf("AddCandidate() after end error = %v, want rejection (ended)", err)
	}
	if err := l.Vote(ctx, voter, 0); !IsRejection(err, ReasonEnded) {
		t.Errorf("Vote() after end error = %v, want rejection (ended)", err)
	}
}

func TestMemoryLedgerTallyConsistency(t *testing.T) {
	l, admin := newTestLedger(t)
	ctx := context.Background()

	for _, name := range []string{"Alice", "Bob"} {
		if err := l.AddCandidate(ctx, admin, name); err != nil {
			t.Fatalf("AddCandidate(%s) error = %v", name, err)
		}
	}
	voters := []models.Identity{
		mustIdentity(t, voterAddr),
		mustIdentity(t, otherAddr),
		mustIdentity(t, "0x78731D3Ca6b7E34aC0F824c42a7cC18A495cabaB"),
	}
	for _, v := range voters {
		if err := l.RegisterVoter(ctx, admin, v); err != nil {
			t.Fatalf("RegisterVoter() error = %v", err)
		}
	}
	if err := l.StartElection(ctx, admin); err != nil {
		t.Fatalf("StartElection() error = %v", err)
	}

	for i, v := range voters {
		if err := l.Vote(ctx, v, i%2); err != nil {
			t.Fatalf("Vote() error = %v", err)
		}
	}

	names, counts, err := l.Results(ctx)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(names) != 2 || len(counts) != 2 {
		t.Fatalf("Results() lengths = %d, %d, want 2, 2", len(names), len(counts))
	}
	// The sum of counts equals the number of voters marked voted.
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total != uint64(len(voters)) {
		t.Errorf("total votes = %d, want %d", total, len(voters))
	}
	if counts[0] != 2 || counts[1] != 1 {
		t.Errorf("counts = %v, want [2 1]", counts)
	}

	c, err := l.Candidate(ctx, 0)
	if err != nil || c.Name != "Alice" || c.VoteCount != 2 {
		t.Errorf("Candidate(0) = %+v, %v, want Alice with 2 votes", c, err)
	}
	if _, err := l.Candidate(ctx, 9); err == nil {
		t.Error("Candidate(9) error = nil, want out of range")
	}
}

func TestMemoryLedgerSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewSnapshotStore() error = %v", err)
	}

	admin := mustIdentity(t, adminAddr)
	voter := mustIdentity(t, voterAddr)
	ctx := context.Background()

	l, err := NewMemoryLedger(admin, store, nil)
	if err != nil {
		t.Fatalf("NewMemoryLedger() error = %v", err)
	}
	if err := l.AddCandidate(ctx, admin, "Alice"); err != nil {
		t.Fatalf("AddCandidate() error = %v", err)
	}
	if err := l.RegisterVoter(ctx, admin, voter); err != nil {
		t.Fatalf("RegisterVoter() error = %v", err)
	}
	if err := l.StartElection(ctx, admin); err != nil {
		t.Fatalf("StartElection() error = %v", err)
	}
	if err := l.Vote(ctx, voter, 0); err != nil {
		t.Fatalf("Vote() error = %v", err)
	}

	// A fresh ledger over the same store resumes where the first left off.
	restored, err := NewMemoryLedger(admin, store, nil)
	if err != nil {
		t.Fatalf("NewMemoryLedger(restore) error = %v", err)
	}

	if phase, _ := restored.Phase(ctx); phase != models.PhaseActive {
		t.Errorf("restored Phase() = %s, want %s", phase, models.PhaseActive)
	}
	voted, err := restored.HasVoted(ctx, voter)
	if err != nil || !voted {
		t.Errorf("restored HasVoted() = %v, %v, want true, nil", voted, err)
	}
	registered, err := restored.IsRegistered(ctx, voter)
	if err != nil || !registered {
		t.Errorf("restored IsRegistered() = %v, %v, want true, nil", registered, err)
	}
	c, err := restored.Candidate(ctx, 0)
	if err != nil || c.Name != "Alice" || c.VoteCount != 1 {
		t.Errorf("restored Candidate(0) = %+v, %v, want Alice with 1 vote", c, err)
	}

	// Double-vote rejection survives the restore.
	if err := restored.Vote(ctx, voter, 0); !IsRejection(err, ReasonAlreadyVoted) {
		t.Errorf("restored Vote() error = %v, want rejection (already voted)", err)
	}
}
