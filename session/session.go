package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"election-workflow/ledger"
	"election-workflow/models"
)

// networkNames maps known chain ids to display names.
var networkNames = map[string]string{
	"0x1":   "Ethereum Mainnet",
	"0x3":   "Ropsten Testnet",
	"0x4":   "Rinkeby Testnet",
	"0x5":   "Goerli Testnet",
	"0x2a":  "Kovan Testnet",
	"0x539": "Localhost",
}

// NetworkName returns a human-readable name for a chain id.
func NetworkName(chainID string) string {
	if name, ok := networkNames[chainID]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%s)", chainID)
}

// Session holds the connected identity and derived role for the lifetime of
// one browsing session. It is the only mutable state shared between the
// workflows and their presentation layer, and it is owned by exactly one
// session at a time. A change notification from the wallet provider
// invalidates everything derived from the previous identity: the new
// identity is an unauthenticated participant even if the old one had
// verified or voted.
type Session struct {
	ID string

	mu          sync.RWMutex
	provider    WalletProvider
	ledger      ledger.Client
	logger      *slog.Logger
	identity    models.Identity
	role        models.Role
	chainID     string
	connectedAt time.Time
	verified    bool
	verifiedAt  time.Time
	onReset     []func()
}

func New(provider WalletProvider, ledgerClient ledger.Client, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Session{
		ID:       id,
		provider: provider,
		ledger:   ledgerClient,
		logger:   logger.With("component", "session", "session_id", id),
		role:     models.RoleUnknown,
	}
}

// Connect binds the provider-supplied identity to the session and derives
// the role by comparing it against the ledger-reported admin address.
func (s *Session) Connect(ctx context.Context) (models.Identity, error) {
	if s.provider == nil {
		return "", ErrNoProvider
	}

	identity, err := s.provider.RequestIdentity(ctx)
	if err != nil {
		return "", err
	}

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		s.logger.Warn("failed to read chain id", "error", err)
	}

	role, err := s.deriveRole(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("failed to derive role: %w", err)
	}

	s.mu.Lock()
	s.identity = identity
	s.role = role
	s.chainID = chainID
	s.connectedAt = time.Now()
	s.verified = false
	s.verifiedAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info("session connected",
		"identity", identity.Short(),
		"role", role.String(),
		"network", NetworkName(chainID),
	)
	return identity, nil
}

func (s *Session) deriveRole(ctx context.Context, identity models.Identity) (models.Role, error) {
	admin, err := s.ledger.Admin(ctx)
	if err != nil {
		return models.RoleUnknown, err
	}
	if identity == admin {
		return models.RoleAdmin, nil
	}
	return models.RoleVoter, nil
}

// Watch consumes provider change notifications until ctx is done, applying
// each one to the session.
func (s *Session) Watch(ctx context.Context) {
	if s.provider == nil {
		return
	}
	changes := s.provider.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			s.ApplyChange(ctx, change)
		}
	}
}

// ApplyChange invalidates session state in response to a provider
// notification. On identity-changed the new identity is bound and the role
// re-derived; the verification cache is dropped in both cases. Registered
// reset hooks fire after the session state has been replaced.
func (s *Session) ApplyChange(ctx context.Context, change Change) {
	s.mu.Lock()
	switch change.Kind {
	case IdentityChanged:
		s.logger.Info("identity changed, invalidating session",
			"old", s.identity.Short(), "new", change.Identity.Short())
		s.identity = change.Identity
		s.role = models.RoleUnknown
	case NetworkChanged:
		s.logger.Info("network changed, invalidating session",
			"network", NetworkName(change.ChainID))
		s.chainID = change.ChainID
	}
	s.verified = false
	s.verifiedAt = time.Time{}
	identity := s.identity
	hooks := make([]func(), len(s.onReset))
	copy(hooks, s.onReset)
	s.mu.Unlock()

	// Role re-derivation is a best-effort read; a failure leaves the role
	// Unknown until the next connect.
	if change.Kind == IdentityChanged && identity != "" {
		if role, err := s.deriveRole(ctx, identity); err != nil {
			s.logger.Warn("failed to re-derive role after identity change", "error", err)
		} else {
			s.mu.Lock()
			s.role = role
			s.mu.Unlock()
		}
	}

	for _, hook := range hooks {
		hook()
	}
}

// OnReset registers a hook invoked whenever the session is invalidated.
func (s *Session) OnReset(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReset = append(s.onReset, fn)
}

func (s *Session) Identity() models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) Role() models.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != ""
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

func (s *Session) Network() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return NetworkName(s.chainID)
}

// Verified reports the session-scoped verification cache. It is an
// optimization only: after any reset the workflows must re-verify rather
// than trust a stale flag.
func (s *Session) Verified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified
}

func (s *Session) MarkVerified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = true
	s.verifiedAt = time.Now()
}

// Record returns the cached verification record for the bound identity.
func (s *Session) Record() models.VerificationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.VerificationRecord{
		Identity:   s.identity,
		Verified:   s.verified,
		VerifiedAt: s.verifiedAt,
	}
}
