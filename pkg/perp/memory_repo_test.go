// 文件: pkg/perp/memory_repo_test.go
// 内存存储实现测试

package perp

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/num"
)

func TestMemoryStorePositions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetPosition(ctx, "acct-1", "uatom")
	assert.ErrorIs(t, err, ErrPositionNotFound)

	pos := Position{
		AccountID: "acct-1",
		Denom:     "uatom",
		Size:      num.SignedUintFromInt64(100),
	}
	require.NoError(t, s.Commit(ctx, &ChangeSet{SetPositions: []Position{pos}}))

	got, err := s.GetPosition(ctx, "acct-1", "uatom")
	require.NoError(t, err)
	assert.Equal(t, "100", got.Size.String())

	// 读出来的是副本，改它不影响存储
	got.Size = num.SignedUintFromInt64(999)
	again, err := s.GetPosition(ctx, "acct-1", "uatom")
	require.NoError(t, err)
	assert.Equal(t, "100", again.Size.String())

	// 按账户/denom 列表与计数
	require.NoError(t, s.Commit(ctx, &ChangeSet{SetPositions: []Position{
		{AccountID: "acct-1", Denom: "uosmo", Size: num.SignedUintFromInt64(-5)},
		{AccountID: "acct-2", Denom: "uatom", Size: num.SignedUintFromInt64(7)},
	}}))
	byAcct, err := s.ListPositionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, byAcct, 2)
	byDenom, err := s.ListPositionsByDenom(ctx, "uatom")
	require.NoError(t, err)
	assert.Len(t, byDenom, 2)
	n, err := s.CountPositionsByAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 删除
	require.NoError(t, s.Commit(ctx, &ChangeSet{
		DeletePositions: []PositionKey{{AccountID: "acct-1", Denom: "uatom"}},
	}))
	_, err = s.GetPosition(ctx, "acct-1", "uatom")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestMemoryStoreDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// 账户级已实现 PnL 缺省全零而非报错
	pnl, err := s.GetRealizedPnl(ctx, "nobody", "uatom")
	require.NoError(t, err)
	assert.True(t, pnl.Pnl.IsZero())

	sh, err := s.GetShares(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, sh.IsZero())

	us, err := s.GetUnlocks(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, us)

	_, err = s.GetDenomState(ctx, "uatom")
	assert.ErrorIs(t, err, ErrDenomNotFound)
}

func TestMemoryStoreCommitAggregate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	vault := NewVaultState()
	vault.TotalShares = decimal.NewFromInt(100)
	cf := ZeroCashFlow()
	cf.OpeningFee = num.SignedUintFromInt64(3)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cs := &ChangeSet{
		SetDenomStates: []DenomState{NewDenomState("uatom",
			decimal.NewFromInt(3), decimal.NewFromInt(1_000_000), now)},
		SetShares:      map[string]decimal.Decimal{"lp-1": decimal.NewFromInt(100)},
		SetUnlocks:     map[string][]UnlockState{"lp-1": {{CreatedAt: now, CooldownEnd: now, Amount: decimal.NewFromInt(7)}}},
		VaultState:     &vault,
		GlobalCashFlow: &cf,
	}
	require.NoError(t, s.Commit(ctx, cs))

	ds, err := s.GetDenomState(ctx, "uatom")
	require.NoError(t, err)
	assert.Equal(t, "uatom", ds.Denom)

	gotVault, err := s.GetVaultState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", gotVault.TotalShares.String())

	gotCF, err := s.GetGlobalCashFlow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", gotCF.OpeningFee.String())

	us, err := s.GetUnlocks(ctx, "lp-1")
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "7", us[0].Amount.String())

	// 份额清零即删除条目
	require.NoError(t, s.Commit(ctx, &ChangeSet{
		SetShares: map[string]decimal.Decimal{"lp-1": decimal.Zero},
	}))
	sh, err := s.GetShares(ctx, "lp-1")
	require.NoError(t, err)
	assert.True(t, sh.IsZero())

	// 空解锁队列即删除
	require.NoError(t, s.Commit(ctx, &ChangeSet{
		SetUnlocks: map[string][]UnlockState{"lp-1": {}},
	}))
	us, err = s.GetUnlocks(ctx, "lp-1")
	require.NoError(t, err)
	assert.Empty(t, us)
}

func TestMemoryStoreEmptyCommit(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Commit(context.Background(), nil))
	assert.NoError(t, s.Commit(context.Background(), &ChangeSet{}))
}
