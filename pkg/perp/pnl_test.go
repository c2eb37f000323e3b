// 文件: pkg/perp/pnl_test.go
// PnL / 手续费 / 协议费切分测试

package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/num"
)

func feeTestParams() *PerpParams {
	return &PerpParams{
		Denom:           "uatom",
		OpeningFeeRate:  decimal.RequireFromString("0.01"),
		ClosingFeeRate:  decimal.RequireFromString("0.01"),
		ProtocolFeeRate: decimal.Zero,
		SkewScale:       decimal.NewFromInt(1_000_000),
	}
}

func TestComputeFeesIncrease(t *testing.T) {
	params := feeTestParams()
	mod, err := ClassifyModification(num.ZeroSignedUint(), num.SignedUintFromInt64(100))
	require.NoError(t, err)

	opening, closing, err := ComputeFees(mod, num.ZeroSignedUint(),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)

	// exec = 10.0005, 费用 = ceil(100 * 10.0005 * 0.01) = 11，取负
	assert.Equal(t, "-11", opening.String())
	assert.True(t, closing.IsZero())
}

func TestComputeFeesDecrease(t *testing.T) {
	params := feeTestParams()
	mod, err := ClassifyModification(num.SignedUintFromInt64(100), num.ZeroSignedUint())
	require.NoError(t, err)

	opening, closing, err := ComputeFees(mod, num.SignedUintFromInt64(100),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)

	assert.True(t, opening.IsZero())
	assert.Equal(t, "-11", closing.String())
}

func TestComputeFeesPartialDecrease(t *testing.T) {
	// 部分减仓按被移除部分 old - new 收平仓费，
	// 执行价的 skew_after 是摘掉该部分之后的市场: 1000 - 400 = 600
	params := feeTestParams()
	params.SkewScale = decimal.NewFromInt(10_000)

	mod, err := ClassifyModification(num.SignedUintFromInt64(1000), num.SignedUintFromInt64(600))
	require.NoError(t, err)
	require.Equal(t, ModificationDecrease, mod.Kind)
	require.True(t, mod.Q.Equal(num.SignedUintFromInt64(400)), "Q=%s", mod.Q)

	opening, closing, err := ComputeFees(mod, num.SignedUintFromInt64(1000),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)

	assert.True(t, opening.IsZero())
	// exec = 10 * (1 + (1000+600)/20000) = 10.8, ceil(400 * 10.8 * 0.01) = 44
	assert.Equal(t, "-44", closing.String())
}

func TestComputeFeesFlip(t *testing.T) {
	// 空翻多: 旧仓在翻转前 skew 收平仓费，新仓在摘除旧仓后的 skew 收开仓费
	params := feeTestParams()
	mod, err := ClassifyModification(num.SignedUintFromInt64(-50), num.SignedUintFromInt64(100))
	require.NoError(t, err)
	require.Equal(t, ModificationFlip, mod.Kind)

	opening, closing, err := ComputeFees(mod, num.SignedUintFromInt64(-50),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)

	// 平仓腿: exec = 9.99975, ceil(50 * 9.99975 * 0.01) = 5
	assert.Equal(t, "-5", closing.String())
	// 开仓腿: 摘除旧仓后 skew = 0, exec = 10.0005, ceil(100 * 10.0005 * 0.01) = 11
	assert.Equal(t, "-11", opening.String())
}

func TestComputeFeesNone(t *testing.T) {
	params := feeTestParams()
	opening, closing, err := ComputeFees(
		PositionModification{Kind: ModificationNone},
		num.SignedUintFromInt64(100), decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)
	assert.True(t, opening.IsZero())
	assert.True(t, closing.IsZero())
}

func TestComputeFeesNeverPositive(t *testing.T) {
	// 费用分量恒 <= 0
	params := feeTestParams()
	sizes := []int64{1, -1, 1000, -1000, 999_999}
	for _, newSize := range sizes {
		mod, err := ClassifyModification(num.ZeroSignedUint(), num.SignedUintFromInt64(newSize))
		require.NoError(t, err)
		opening, closing, err := ComputeFees(mod, num.SignedUintFromInt64(-newSize/2),
			decimal.NewFromInt(7), decimal.NewFromInt(1), params)
		require.NoError(t, err)
		assert.False(t, opening.IsPositive(), "size=%d opening=%s", newSize, opening)
		assert.False(t, closing.IsPositive(), "size=%d closing=%s", newSize, closing)
	}
}

func TestComputePnlFreshOpen(t *testing.T) {
	// 新开仓没有存量盈亏，只收开仓腿的费
	params := feeTestParams()
	pos := &Position{Size: num.ZeroSignedUint()}
	funding := NewFunding(params.MaxFundingVelocity, params.SkewScale)
	mod, err := ClassifyModification(num.ZeroSignedUint(), num.SignedUintFromInt64(100))
	require.NoError(t, err)

	out, err := ComputePnl(pos, funding, num.ZeroSignedUint(),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params, mod)
	require.NoError(t, err)

	assert.True(t, out.PricePnl.IsZero())
	assert.True(t, out.AccruedFunding.IsZero())
	assert.Equal(t, "-11", out.OpeningFee.String())
	assert.Equal(t, "-11", out.Pnl.String())
}

func TestComputePnlBreakEven(t *testing.T) {
	// 无人交易、无资金费、查询口径: 盈亏必须为零
	params := feeTestParams()
	entryExec, err := OpeningExecutionPrice(num.ZeroSignedUint(), params.SkewScale,
		num.SignedUintFromInt64(100), decimal.NewFromInt(10))
	require.NoError(t, err)

	pos := &Position{
		Size:           num.SignedUintFromInt64(100),
		EntryExecPrice: entryExec,
		EntryAccruedFundingPerUnitInBaseDenom: num.ZeroSignedDec(),
	}
	funding := NewFunding(params.MaxFundingVelocity, params.SkewScale)

	out, err := ComputePnl(pos, funding, num.SignedUintFromInt64(100),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params,
		PositionModification{Kind: ModificationNone})
	require.NoError(t, err)
	assert.True(t, out.Pnl.IsZero(), "pnl=%s", out.Pnl)
}

func TestComputePnlFloorsPricePnl(t *testing.T) {
	params := feeTestParams()
	funding := NewFunding(params.MaxFundingVelocity, params.SkewScale)

	// 多头浮亏 -2.999955 向负无穷取整到 -3
	pos := &Position{
		Size:           num.SignedUintFromInt64(3),
		EntryExecPrice: decimal.NewFromInt(11),
		EntryAccruedFundingPerUnitInBaseDenom: num.ZeroSignedDec(),
	}
	out, err := ComputePnl(pos, funding, num.SignedUintFromInt64(3),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params,
		PositionModification{Kind: ModificationNone})
	require.NoError(t, err)
	assert.Equal(t, "-3", out.PricePnl.String())
}

func TestComputePnlFundingCost(t *testing.T) {
	// 指数下行 1.5，多头 100 付 150；空头 100 收 150
	params := feeTestParams()
	funding := NewFunding(params.MaxFundingVelocity, params.SkewScale)
	funding.LastFundingAccruedPerUnitInBaseDenom = num.MustSignedDecFromString("-1.5")

	long := &Position{
		Size:           num.SignedUintFromInt64(100),
		EntryExecPrice: decimal.NewFromInt(10),
		EntryAccruedFundingPerUnitInBaseDenom: num.ZeroSignedDec(),
	}
	out, err := ComputePnl(long, funding, num.SignedUintFromInt64(100),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params,
		PositionModification{Kind: ModificationNone})
	require.NoError(t, err)
	assert.Equal(t, "-150", out.AccruedFunding.String())

	short := &Position{
		Size:           num.SignedUintFromInt64(-100),
		EntryExecPrice: decimal.NewFromInt(10),
		EntryAccruedFundingPerUnitInBaseDenom: num.ZeroSignedDec(),
	}
	out, err = ComputePnl(short, funding, num.SignedUintFromInt64(-100),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params,
		PositionModification{Kind: ModificationNone})
	require.NoError(t, err)
	assert.Equal(t, "150", out.AccruedFunding.String())
}

func TestUnrealizedPnlValues(t *testing.T) {
	params := feeTestParams()
	params.ClosingFeeRate = decimal.RequireFromString("0.00075")
	funding := NewFunding(params.MaxFundingVelocity, params.SkewScale)
	funding.LastFundingAccruedPerUnitInBaseDenom = num.MustSignedDecFromString("-1.5")

	pos := &Position{
		Size:           num.SignedUintFromInt64(100),
		EntryExecPrice: decimal.NewFromInt(10),
		EntryAccruedFundingPerUnitInBaseDenom: num.ZeroSignedDec(),
	}
	out, err := UnrealizedPnlValues(pos, funding, num.SignedUintFromInt64(100),
		decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)

	// exit exec = 10.0005
	assert.Equal(t, "0.05", out.PricePnl.String())
	assert.Equal(t, "-150", out.AccruedFunding.String())
	// 预估平仓费 = -(100 * 10.0005 * 0.00075)，价值口径不取整
	assert.Equal(t, "-0.7500375", out.ClosingFee.String())
	assert.Equal(t, "-150.7000375", out.Pnl.String())
}

func TestUnrealizedPnlValuesZeroSize(t *testing.T) {
	params := feeTestParams()
	funding := NewFunding(params.MaxFundingVelocity, params.SkewScale)
	out, err := UnrealizedPnlValues(&Position{Size: num.ZeroSignedUint()}, funding,
		num.ZeroSignedUint(), decimal.NewFromInt(10), decimal.NewFromInt(1), params)
	require.NoError(t, err)
	assert.True(t, out.Pnl.IsZero())
}

func TestCarveProtocolFee(t *testing.T) {
	realized := PnlAmounts{
		PricePnl:       num.SignedUintFromInt64(100),
		AccruedFunding: num.SignedUintFromInt64(-20),
		OpeningFee:     num.SignedUintFromInt64(-10),
		ClosingFee:     num.SignedUintFromInt64(-8),
		Pnl:            num.SignedUintFromInt64(62),
	}

	total, vault, err := CarveProtocolFee(realized, decimal.RequireFromString("0.25"))
	require.NoError(t, err)

	// ceil(10*0.25) + ceil(8*0.25) = 3 + 2
	assert.Equal(t, "5", total.String())
	// 金库侧费用幅值缩小，价格盈亏/资金费不动
	assert.Equal(t, "-7", vault.OpeningFee.String())
	assert.Equal(t, "-6", vault.ClosingFee.String())
	assert.Equal(t, "100", vault.PricePnl.String())
	assert.Equal(t, "-20", vault.AccruedFunding.String())
	assert.Equal(t, "67", vault.Pnl.String())
}

func TestCarveProtocolFeeZeroRate(t *testing.T) {
	realized := PnlAmounts{
		OpeningFee: num.SignedUintFromInt64(-10),
		Pnl:        num.SignedUintFromInt64(-10),
	}
	total, vault, err := CarveProtocolFee(realized, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
	assert.True(t, vault.OpeningFee.Equal(realized.OpeningFee))
}
