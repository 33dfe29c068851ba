package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"election-workflow/models"
)

// Connection errors. A failed connect is terminal for the attempt only; the
// user may trigger another connect.
var (
	ErrNoProvider   = errors.New("no wallet provider available")
	ErrUserRejected = errors.New("wallet connection rejected by user")
)

// ChangeKind distinguishes the provider push notifications that invalidate a
// session.
type ChangeKind int

const (
	IdentityChanged ChangeKind = iota
	NetworkChanged
)

// Change is a push notification from the wallet provider.
type Change struct {
	Kind     ChangeKind
	Identity models.Identity // set for IdentityChanged
	ChainID  string          // set for NetworkChanged
}

// WalletProvider is the contract boundary with the external wallet. Changes
// delivers identity-changed and network-changed notifications for as long as
// the provider lives.
type WalletProvider interface {
	RequestIdentity(ctx context.Context) (models.Identity, error)
	ChainID(ctx context.Context) (string, error)
	Changes() <-chan Change
}

// KeyProvider is a development wallet backed by a locally held secp256k1
// key. It can be told to refuse connections and to emit change
// notifications, which makes it double as the test wallet.
type KeyProvider struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	identity models.Identity
	chainID  string
	reject   bool
	changes  chan Change
}

func NewKeyProvider(chainID string) (*KeyProvider, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate wallet key: %w", err)
	}
	return &KeyProvider{
		key:      key,
		identity: models.FromAddress(crypto.PubkeyToAddress(key.PublicKey)),
		chainID:  chainID,
		changes:  make(chan Change, 8),
	}, nil
}

func (p *KeyProvider) RequestIdentity(ctx context.Context) (models.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return "", ErrUserRejected
	}
	return p.identity, nil
}

func (p *KeyProvider) ChainID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID, nil
}

func (p *KeyProvider) Changes() <-chan Change {
	return p.changes
}

func (p *KeyProvider) Identity() models.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// SetReject makes subsequent connection attempts fail with ErrUserRejected.
func (p *KeyProvider) SetReject(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = reject
}

// SwitchAccount rotates to a freshly generated key and emits an
// identity-changed notification.
func (p *KeyProvider) SwitchAccount() (models.Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate wallet key: %w", err)
	}

	p.mu.Lock()
	p.key = key
	p.identity = models.FromAddress(crypto.PubkeyToAddress(key.PublicKey))
	id := p.identity
	p.mu.Unlock()

	p.changes <- Change{Kind: IdentityChanged, Identity: id}
	return id, nil
}

// SwitchNetwork changes the reported chain id and emits a network-changed
// notification.
func (p *KeyProvider) SwitchNetwork(chainID string) {
	p.mu.Lock()
	p.chainID = chainID
	p.mu.Unlock()

	p.changes <- Change{Kind: NetworkChanged, ChainID: chainID}
}

// StaticProvider always reports a fixed, externally supplied identity. It is
// the adapter for callers that bring their own address (the presentation
// layer holds no keys).
type StaticProvider struct {
	identity models.Identity
	chainID  string
	changes  chan Change
}

func NewStaticProvider(identity models.Identity, chainID string) *StaticProvider {
	return &StaticProvider{
		identity: identity,
		chainID:  chainID,
		changes:  make(chan Change),
	}
}

func (p *StaticProvider) RequestIdentity(ctx context.Context) (models.Identity, error) {
	if p.identity == "" {
		return "", ErrNoProvider
	}
	return p.identity, nil
}

func (p *StaticProvider) ChainID(ctx context.Context) (string, error) {
	return p.chainID, nil
}

func (p *StaticProvider) Changes() <-chan Change {
	return p.changes
}
