// 文件: pkg/perp/mysql_repo_test.go
// MySQL 存储集成测试 (需要本地 MySQL，不可用时跳过)

package perp

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"perpx.com/pkg/num"
)

const perpTestDSN = "root:123456@tcp(127.0.0.1:3307)/my_cex?charset=utf8mb4&parseTime=True&loc=Local"

func setupMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	db, err := gorm.Open(mysql.Open(perpTestDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("MySQL 不可用，跳过: %v", err)
	}
	store := NewMySQLStore(db)
	require.NoError(t, store.AutoMigrate())

	cleanup := func() {
		db.Exec("DELETE FROM perp_positions WHERE account_id LIKE 'it-%'")
		db.Exec("DELETE FROM perp_denom_states WHERE denom LIKE 'it-%'")
		db.Exec("DELETE FROM perp_realized_pnl WHERE account_id LIKE 'it-%'")
		db.Exec("DELETE FROM perp_unlocks WHERE account_id LIKE 'it-%'")
		db.Exec("DELETE FROM perp_shares WHERE account_id LIKE 'it-%'")
	}
	cleanup()
	t.Cleanup(cleanup)
	return store
}

func TestMySQLStorePositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupMySQLStore(t)

	now := time.Now().Truncate(time.Millisecond)
	pos := Position{
		AccountID:      "it-acct-1",
		Denom:          "it-atom",
		Size:           num.SignedUintFromInt64(-12345),
		EntryPrice:     decimal.RequireFromString("4200.5"),
		EntryExecPrice: decimal.RequireFromString("4200.966"),
		EntryAccruedFundingPerUnitInBaseDenom: num.MustSignedDecFromString("-1.5"),
		InitialSkew: num.SignedUintFromInt64(180),
		RealizedPnl: ZeroPnlAmounts(),
		OpenedAt:    now,
		UpdatedAt:   now,
	}
	pos.RealizedPnl.OpeningFee = num.SignedUintFromInt64(-11)
	pos.RealizedPnl.Pnl = num.SignedUintFromInt64(-11)

	require.NoError(t, store.Commit(ctx, &ChangeSet{SetPositions: []Position{pos}}))

	got, err := store.GetPosition(ctx, "it-acct-1", "it-atom")
	require.NoError(t, err)
	assert.Equal(t, "-12345", got.Size.String())
	assert.Equal(t, "4200.966", got.EntryExecPrice.String())
	assert.Equal(t, "-1.5", got.EntryAccruedFundingPerUnitInBaseDenom.String())
	assert.Equal(t, "180", got.InitialSkew.String())
	assert.Equal(t, "-11", got.RealizedPnl.OpeningFee.String())
	assert.Equal(t, now.UnixMilli(), got.OpenedAt.UnixMilli())

	// 唯一键冲突走覆盖更新
	pos.Size = num.SignedUintFromInt64(500)
	require.NoError(t, store.Commit(ctx, &ChangeSet{SetPositions: []Position{pos}}))
	got, err = store.GetPosition(ctx, "it-acct-1", "it-atom")
	require.NoError(t, err)
	assert.Equal(t, "500", got.Size.String())

	n, err := store.CountPositionsByAccount(ctx, "it-acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Commit(ctx, &ChangeSet{
		DeletePositions: []PositionKey{{AccountID: "it-acct-1", Denom: "it-atom"}},
	}))
	_, err = store.GetPosition(ctx, "it-acct-1", "it-atom")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestMySQLStoreDenomStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupMySQLStore(t)

	_, err := store.GetDenomState(ctx, "it-osmo")
	assert.ErrorIs(t, err, ErrDenomNotFound)

	now := time.Now().Truncate(time.Millisecond)
	ds := NewDenomState("it-osmo", decimal.NewFromInt(3), decimal.NewFromInt(1_000_000), now)
	ds.Enabled = true
	ds.LongOI = decimal.NewFromInt(100_000)
	ds.ShortOI = decimal.NewFromInt(40_000)
	ds.TotalEntryCost = num.SignedUintFromInt64(1050)
	ds.TotalEntryFunding = num.SignedUintFromInt64(-150)
	ds.CashFlow.OpeningFee = num.SignedUintFromInt64(8)
	ds.Funding.LastFundingRate = num.MustSignedDecFromString("0.3")
	ds.Funding.LastFundingAccruedPerUnitInBaseDenom = num.MustSignedDecFromString("-1.5")

	require.NoError(t, store.Commit(ctx, &ChangeSet{SetDenomStates: []DenomState{ds}}))

	got, err := store.GetDenomState(ctx, "it-osmo")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "100000", got.LongOI.String())
	assert.Equal(t, "40000", got.ShortOI.String())
	assert.Equal(t, "1050", got.TotalEntryCost.String())
	assert.Equal(t, "-150", got.TotalEntryFunding.String())
	assert.Equal(t, "8", got.CashFlow.OpeningFee.String())
	assert.Equal(t, "0.3", got.Funding.LastFundingRate.String())
	assert.Equal(t, "-1.5", got.Funding.LastFundingAccruedPerUnitInBaseDenom.String())
	assert.Equal(t, now.UnixMilli(), got.LastUpdated.UnixMilli())
}

func TestMySQLStoreAccountAggregates(t *testing.T) {
	ctx := context.Background()
	store := setupMySQLStore(t)

	// 缺省值
	pnl, err := store.GetRealizedPnl(ctx, "it-acct-2", "it-atom")
	require.NoError(t, err)
	assert.True(t, pnl.Pnl.IsZero())
	shares, err := store.GetShares(ctx, "it-acct-2")
	require.NoError(t, err)
	assert.True(t, shares.IsZero())

	amounts := ZeroPnlAmounts()
	amounts.PricePnl = num.SignedUintFromInt64(75)
	amounts.Pnl = num.SignedUintFromInt64(75)
	now := time.Now().Truncate(time.Millisecond)
	cs := &ChangeSet{
		SetRealizedPnl: []AccountPnl{{AccountID: "it-acct-2", Denom: "it-atom", Amounts: amounts}},
		SetShares:      map[string]decimal.Decimal{"it-acct-2": decimal.NewFromInt(1_000_000_000)},
		SetUnlocks: map[string][]UnlockState{"it-acct-2": {
			// 故意先放到期晚的，读回必须按 cooldown_end 升序
			{CreatedAt: now, CooldownEnd: now.Add(48 * time.Hour), Amount: decimal.NewFromInt(200)},
			{CreatedAt: now, CooldownEnd: now.Add(24 * time.Hour), Amount: decimal.NewFromInt(100)},
		}},
	}
	require.NoError(t, store.Commit(ctx, cs))

	pnl, err = store.GetRealizedPnl(ctx, "it-acct-2", "it-atom")
	require.NoError(t, err)
	assert.Equal(t, "75", pnl.PricePnl.String())

	shares, err = store.GetShares(ctx, "it-acct-2")
	require.NoError(t, err)
	assert.Equal(t, "1000000000", shares.String())

	unlocks, err := store.GetUnlocks(ctx, "it-acct-2")
	require.NoError(t, err)
	require.Len(t, unlocks, 2)
	assert.Equal(t, "100", unlocks[0].Amount.String())
	assert.Equal(t, "200", unlocks[1].Amount.String())

	// 覆盖写清空队列
	require.NoError(t, store.Commit(ctx, &ChangeSet{
		SetUnlocks: map[string][]UnlockState{"it-acct-2": {}},
	}))
	unlocks, err = store.GetUnlocks(ctx, "it-acct-2")
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}

func TestMySQLStoreSingletons(t *testing.T) {
	ctx := context.Background()
	store := setupMySQLStore(t)

	vault := NewVaultState()
	vault.TotalBalance = num.SignedUintFromInt64(1500)
	vault.TotalShares = decimal.NewFromInt(1_500_000_000)
	cf := ZeroCashFlow()
	cf.PricePnl = num.SignedUintFromInt64(-450012)

	require.NoError(t, store.Commit(ctx, &ChangeSet{VaultState: &vault, GlobalCashFlow: &cf}))

	gotVault, err := store.GetVaultState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1500", gotVault.TotalBalance.String())
	assert.Equal(t, "1500000000", gotVault.TotalShares.String())

	gotCF, err := store.GetGlobalCashFlow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "-450012", gotCF.PricePnl.String())
}
