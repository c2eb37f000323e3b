// 文件: pkg/perp/memory_repo.go
// 内存存储实现
//
// 【用途】
// 1. 单元测试 / 属性测试的测试替身
// 2. cmd/simulation 的仿真后端
// 所有读写持锁，Commit 在一把锁内整体生效，满足原子性契约

package perp

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore 纯内存 Store 实现
type MemoryStore struct {
	mu sync.RWMutex

	positions   map[PositionKey]Position
	denomStates map[string]DenomState
	realizedPnl map[PositionKey]PnlAmounts
	unlocks     map[string][]UnlockState
	shares      map[string]decimal.Decimal
	vault       VaultState
	cashFlow    CashFlow
}

// NewMemoryStore 空状态的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:   make(map[PositionKey]Position),
		denomStates: make(map[string]DenomState),
		realizedPnl: make(map[PositionKey]PnlAmounts),
		unlocks:     make(map[string][]UnlockState),
		shares:      make(map[string]decimal.Decimal),
		vault:       NewVaultState(),
		cashFlow:    ZeroCashFlow(),
	}
}

// =============================================================================
// 读
// =============================================================================

func (s *MemoryStore) GetPosition(_ context.Context, accountID, denom string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[PositionKey{AccountID: accountID, Denom: denom}]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for k, p := range s.positions {
		if k.AccountID == accountID {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByDenom(_ context.Context, denom string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for k, p := range s.positions {
		if k.Denom == denom {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CountPositionsByAccount(_ context.Context, accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.positions {
		if k.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetDenomState(_ context.Context, denom string) (*DenomState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.denomStates[denom]
	if !ok {
		return nil, ErrDenomNotFound
	}
	cp := ds
	return &cp, nil
}

func (s *MemoryStore) ListDenomStates(_ context.Context) ([]*DenomState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DenomState, 0, len(s.denomStates))
	for _, ds := range s.denomStates {
		cp := ds
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetRealizedPnl(_ context.Context, accountID, denom string) (PnlAmounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.realizedPnl[PositionKey{AccountID: accountID, Denom: denom}]
	if !ok {
		return ZeroPnlAmounts(), nil
	}
	return p, nil
}

func (s *MemoryStore) GetShares(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shares[accountID]
	if !ok {
		return decimal.Zero, nil
	}
	return sh, nil
}

func (s *MemoryStore) GetUnlocks(_ context.Context, accountID string) ([]UnlockState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	us := s.unlocks[accountID]
	out := make([]UnlockState, len(us))
	copy(out, us)
	return out, nil
}

func (s *MemoryStore) GetVaultState(_ context.Context) (VaultState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vault, nil
}

func (s *MemoryStore) GetGlobalCashFlow(_ context.Context) (CashFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cashFlow, nil
}

// =============================================================================
// 写
// =============================================================================

// Commit 一把锁内整体生效
func (s *MemoryStore) Commit(_ context.Context, cs *ChangeSet) error {
	if cs == nil || cs.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range cs.SetPositions {
		s.positions[PositionKey{AccountID: p.AccountID, Denom: p.Denom}] = p
	}
	for _, k := range cs.DeletePositions {
		delete(s.positions, k)
	}
	for _, ds := range cs.SetDenomStates {
		s.denomStates[ds.Denom] = ds
	}
	for _, rp := range cs.SetRealizedPnl {
		s.realizedPnl[PositionKey{AccountID: rp.AccountID, Denom: rp.Denom}] = rp.Amounts
	}
	for account, us := range cs.SetUnlocks {
		if len(us) == 0 {
			delete(s.unlocks, account)
			continue
		}
		cp := make([]UnlockState, len(us))
		copy(cp, us)
		s.unlocks[account] = cp
	}
	for account, sh := range cs.SetShares {
		if sh.IsZero() {
			delete(s.shares, account)
			continue
		}
		s.shares[account] = sh
	}
	if cs.VaultState != nil {
		s.vault = *cs.VaultState
	}
	if cs.GlobalCashFlow != nil {
		s.cashFlow = *cs.GlobalCashFlow
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
