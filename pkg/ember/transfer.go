package ember

import (
	"context"
	"fmt"
	"sync"
)

// TokenBackend is the external token transfer primitive. Both calls move a
// fungible asset atomically between two token accounts; the engine invokes
// them only after its own ledger and book state is already consistent and
// treats failure as aborting the whole operation.
type TokenBackend interface {
	Transfer(ctx context.Context, asset AssetID, from, to AccountID, amount uint64) error
	TransferSigned(ctx context.Context, vaultAuthority AccountID, asset AssetID, from, to AccountID, amount uint64) error
}

// MemoryTokenBackend is a map-backed TokenBackend for tests and the
// standalone daemon.
type MemoryTokenBackend struct {
	mu       sync.RWMutex
	balances map[AssetID]map[AccountID]uint64
}

// NewMemoryTokenBackend creates an empty in-memory token backend.
func NewMemoryTokenBackend() *MemoryTokenBackend {
	return &MemoryTokenBackend{
		balances: make(map[AssetID]map[AccountID]uint64),
	}
}

// Mint credits freshly issued tokens to an account.
func (m *MemoryTokenBackend) Mint(asset AssetID, to AccountID, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[asset] == nil {
		m.balances[asset] = make(map[AccountID]uint64)
	}
	m.balances[asset][to] += amount
}

// Balance returns an account's holding of one asset.
func (m *MemoryTokenBackend) Balance(asset AssetID, account AccountID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[asset][account]
}

// Transfer moves amount between two accounts, all or nothing.
func (m *MemoryTokenBackend) Transfer(ctx context.Context, asset AssetID, from, to AccountID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := m.balances[asset]
	if accounts == nil || accounts[from] < amount {
		return fmt.Errorf("transfer %d of %s from %s: %w", amount, asset, from, ErrInsufficientFunds)
	}
	accounts[from] -= amount
	accounts[to] += amount
	return nil
}

// TransferSigned moves amount out of a vault on behalf of its authority.
func (m *MemoryTokenBackend) TransferSigned(ctx context.Context, vaultAuthority AccountID, asset AssetID, from, to AccountID, amount uint64) error {
	if vaultAuthority == "" {
		return fmt.Errorf("vault transfer without authority: %w", ErrUnauthorized)
	}
	return m.Transfer(ctx, asset, from, to, amount)
}
