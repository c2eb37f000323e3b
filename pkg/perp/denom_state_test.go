// 文件: pkg/perp/denom_state_test.go
// Denom 聚合状态测试: skew / OI / 累加器

package perp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/num"
)

func newTestDenomState() DenomState {
	return NewDenomState("uatom",
		decimal.NewFromInt(3), decimal.NewFromInt(1_000_000),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestSkew(t *testing.T) {
	ds := newTestDenomState()
	ds.LongOI = decimal.NewFromInt(300)
	ds.ShortOI = decimal.NewFromInt(500)

	skew, err := ds.Skew()
	require.NoError(t, err)
	assert.Equal(t, "-200", skew.String())
}

func TestOpenInterestTracking(t *testing.T) {
	ds := newTestDenomState()

	require.NoError(t, ds.IncreaseOpenInterest(num.SignedUintFromInt64(100)))
	require.NoError(t, ds.IncreaseOpenInterest(num.SignedUintFromInt64(-30)))
	assert.Equal(t, "100", ds.LongOI.String())
	assert.Equal(t, "30", ds.ShortOI.String())

	require.NoError(t, ds.DecreaseOpenInterest(num.SignedUintFromInt64(100)))
	require.NoError(t, ds.DecreaseOpenInterest(num.SignedUintFromInt64(-30)))
	assert.True(t, ds.LongOI.IsZero())
	assert.True(t, ds.ShortOI.IsZero())

	// OI 减成负数说明累加器失衡，立刻失败
	assert.ErrorIs(t, ds.DecreaseOpenInterest(num.SignedUintFromInt64(1)), num.ErrOverflow)
}

func TestApplyAccumulatorDelta(t *testing.T) {
	ds := newTestDenomState()
	index := num.MustSignedDecFromString("-1.5")

	// 开仓 100 @ 10.5
	require.NoError(t, ds.ApplyAccumulatorDelta(
		num.ZeroSignedUint(), decimal.Zero, num.ZeroSignedDec(),
		num.SignedUintFromInt64(100), decimal.RequireFromString("10.5"), index))
	assert.Equal(t, "1050", ds.TotalEntryCost.String())
	assert.Equal(t, "-150", ds.TotalEntryFunding.String())

	// 调整到 150 @ 10.6: 增量 = floor(150*10.6) - 1050 = 540
	require.NoError(t, ds.ApplyAccumulatorDelta(
		num.SignedUintFromInt64(100), decimal.RequireFromString("10.5"), index,
		num.SignedUintFromInt64(150), decimal.RequireFromString("10.6"), index))
	assert.Equal(t, "1590", ds.TotalEntryCost.String())
	assert.Equal(t, "-225", ds.TotalEntryFunding.String())

	// 平仓回到零: 累加器必须精确归零
	require.NoError(t, ds.ApplyAccumulatorDelta(
		num.SignedUintFromInt64(150), decimal.RequireFromString("10.6"), index,
		num.ZeroSignedUint(), decimal.Zero, num.ZeroSignedDec()))
	assert.True(t, ds.TotalEntryCost.IsZero())
	assert.True(t, ds.TotalEntryFunding.IsZero())
}

func TestRefreshFundingStampsLastUpdated(t *testing.T) {
	ds := newTestDenomState()
	ds.LongOI = decimal.NewFromInt(500_000)

	next := ds.LastUpdated.Add(24 * time.Hour)
	require.NoError(t, ds.RefreshFunding(decimal.NewFromInt(2), decimal.NewFromInt(1), next))

	assert.Equal(t, next, ds.LastUpdated)
	assert.Equal(t, "1.5", ds.Funding.LastFundingRate.String())
}

func TestValidateOpenInterest(t *testing.T) {
	params := &PerpParams{
		Denom:           "uatom",
		SkewScale:       decimal.NewFromInt(1_000_000),
		MaxLongOIValue:  decimal.NewFromInt(1500),
		MaxShortOIValue: decimal.NewFromInt(1500),
	}
	price := decimal.NewFromInt(10)

	t.Run("限额内", func(t *testing.T) {
		ds := newTestDenomState()
		err := ValidateOpenInterest(&ds, num.ZeroSignedUint(), num.SignedUintFromInt64(150), price, params)
		assert.NoError(t, err)
	})

	t.Run("多头超限", func(t *testing.T) {
		ds := newTestDenomState()
		err := ValidateOpenInterest(&ds, num.ZeroSignedUint(), num.SignedUintFromInt64(160), price, params)
		assert.ErrorIs(t, err, ErrLongOpenInterestReached)
	})

	t.Run("空头超限", func(t *testing.T) {
		ds := newTestDenomState()
		err := ValidateOpenInterest(&ds, num.ZeroSignedUint(), num.SignedUintFromInt64(-160), price, params)
		assert.ErrorIs(t, err, ErrShortOpenInterestReached)
	})

	t.Run("翻转先摘旧侧再挂新侧", func(t *testing.T) {
		// 空 100 翻多 140: 旧仓先从空侧摘掉，多侧价值 1400 <= 1500
		ds := newTestDenomState()
		ds.ShortOI = decimal.NewFromInt(100)
		err := ValidateOpenInterest(&ds,
			num.SignedUintFromInt64(-100), num.SignedUintFromInt64(140), price, params)
		assert.NoError(t, err)

		err = ValidateOpenInterest(&ds,
			num.SignedUintFromInt64(-100), num.SignedUintFromInt64(160), price, params)
		assert.ErrorIs(t, err, ErrLongOpenInterestReached)
	})

	t.Run("净敞口超限", func(t *testing.T) {
		netParams := &PerpParams{
			Denom:         "uatom",
			SkewScale:     decimal.NewFromInt(1_000_000),
			MaxNetOIValue: decimal.NewFromInt(500),
		}
		ds := newTestDenomState()
		ds.ShortOI = decimal.NewFromInt(20)
		// long 80 - short 20 = 净 60, 价值 600 > 500
		err := ValidateOpenInterest(&ds,
			num.ZeroSignedUint(), num.SignedUintFromInt64(80), price, netParams)
		assert.ErrorIs(t, err, ErrNetOpenInterestReached)
	})

	t.Run("零上限不设限", func(t *testing.T) {
		open := &PerpParams{Denom: "uatom", SkewScale: decimal.NewFromInt(1_000_000)}
		ds := newTestDenomState()
		err := ValidateOpenInterest(&ds,
			num.ZeroSignedUint(), num.SignedUintFromInt64(10_000_000), price, open)
		assert.NoError(t, err)
	})
}
