// 文件: pkg/perp/accounting_test.go
// 记账三口径测试: CashFlow / Balance / WithdrawalBalance

package perp

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpx.com/pkg/num"
)

func TestCashFlowAddRealized(t *testing.T) {
	// 现金流是交易员 PnL 的相反数
	realized := PnlAmounts{
		PricePnl:       num.SignedUintFromInt64(100),
		AccruedFunding: num.SignedUintFromInt64(-20),
		OpeningFee:     num.SignedUintFromInt64(-3),
		ClosingFee:     num.SignedUintFromInt64(-2),
		Pnl:            num.SignedUintFromInt64(75),
	}
	cf, err := ZeroCashFlow().AddRealized(realized)
	require.NoError(t, err)

	assert.Equal(t, "-100", cf.PricePnl.String())
	assert.Equal(t, "20", cf.AccruedFunding.String())
	assert.Equal(t, "3", cf.OpeningFee.String())
	assert.Equal(t, "2", cf.ClosingFee.String())

	total, err := cf.Total()
	require.NoError(t, err)
	assert.Equal(t, "-75", total.String())
}

func TestComputeBalanceNoUnrealized(t *testing.T) {
	// 无未实现敞口时 balance == cash_flow
	cf := CashFlow{
		PricePnl:       num.SignedUintFromInt64(-50),
		OpeningFee:     num.SignedUintFromInt64(10),
		ClosingFee:     num.SignedUintFromInt64(8),
		AccruedFunding: num.SignedUintFromInt64(5),
	}
	b, err := ComputeBalance(cf, ZeroPnlValues(), decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.True(t, b.PricePnl.Equal(cf.PricePnl))
	assert.True(t, b.OpeningFee.Equal(cf.OpeningFee))
	cfTotal, err := cf.Total()
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(cfTotal))
}

func TestComputeBalanceSubtractsUnrealized(t *testing.T) {
	cf := ZeroCashFlow()
	unrealized := PnlValues{
		PricePnl:       num.MustSignedDecFromString("50"), // 交易员浮盈 = 金库负债
		AccruedFunding: num.ZeroSignedDec(),
		ClosingFee:     num.MustSignedDecFromString("-4"), // 未来平仓费 = 金库未来收入
		Pnl:            num.MustSignedDecFromString("46"),
	}
	b, err := ComputeBalance(cf, unrealized, decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.Equal(t, "-50", b.PricePnl.String())
	assert.Equal(t, "4", b.ClosingFee.String())
	assert.Equal(t, "-46", b.Total.String())
}

func TestWithdrawalBalanceConservative(t *testing.T) {
	cf := ZeroCashFlow()

	// 交易员浮盈: 两个口径都必须扣减
	liability := PnlValues{
		PricePnl:       num.MustSignedDecFromString("50"),
		AccruedFunding: num.ZeroSignedDec(),
		ClosingFee:     num.ZeroSignedDec(),
		Pnl:            num.MustSignedDecFromString("50"),
	}
	wb, err := ComputeWithdrawalBalance(cf, liability, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "-50", wb.Total.String())

	// 交易员浮亏: balance 加回来，withdrawal 绝不加
	// (浮盈是金库还没收到的钱，不能让 LP 提走)
	gain := PnlValues{
		PricePnl:       num.MustSignedDecFromString("-50"),
		AccruedFunding: num.ZeroSignedDec(),
		ClosingFee:     num.ZeroSignedDec(),
		Pnl:            num.MustSignedDecFromString("-50"),
	}
	b, err := ComputeBalance(cf, gain, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "50", b.Total.String())

	wb, err = ComputeWithdrawalBalance(cf, gain, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, wb.Total.IsZero())

	// 未实现平仓费也不预先计入可提余额
	feeOnly := PnlValues{
		PricePnl:       num.ZeroSignedDec(),
		AccruedFunding: num.ZeroSignedDec(),
		ClosingFee:     num.MustSignedDecFromString("-4"),
		Pnl:            num.MustSignedDecFromString("-4"),
	}
	wb, err = ComputeWithdrawalBalance(cf, feeOnly, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, wb.Total.IsZero())
}

func TestWithdrawalNeverAboveBalanceInDebt(t *testing.T) {
	// 金库有未实现负债时，可提余额恒不高于全口径净值
	cf := CashFlow{
		PricePnl:       num.SignedUintFromInt64(200),
		OpeningFee:     num.SignedUintFromInt64(10),
		ClosingFee:     num.SignedUintFromInt64(10),
		AccruedFunding: num.ZeroSignedUint(),
	}
	unrealized := PnlValues{
		PricePnl:       num.MustSignedDecFromString("120"),
		AccruedFunding: num.MustSignedDecFromString("30"),
		ClosingFee:     num.MustSignedDecFromString("-5"),
		Pnl:            num.MustSignedDecFromString("145"),
	}
	acct, err := ComputeAccounting(cf, unrealized, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, acct.WithdrawalBalance.Total.Cmp(acct.Balance.Total) <= 0,
		"wb=%s balance=%s", acct.WithdrawalBalance.Total, acct.Balance.Total)
}

func TestToAmountsFloors(t *testing.T) {
	// 价值 -> 数量统一向下取整，合计独立换算
	v := PnlValues{
		PricePnl:       num.MustSignedDecFromString("10"),
		AccruedFunding: num.MustSignedDecFromString("-10"),
		ClosingFee:     num.MustSignedDecFromString("2"),
		Pnl:            num.MustSignedDecFromString("2"),
	}
	ua, err := v.ToAmounts(decimal.NewFromInt(3))
	require.NoError(t, err)

	assert.Equal(t, "3", ua.PricePnl.String())       // floor(10/3)
	assert.Equal(t, "-4", ua.AccruedFunding.String()) // floor(-10/3)
	assert.Equal(t, "0", ua.ClosingFee.String())      // floor(2/3)
	assert.Equal(t, "0", ua.Pnl.String())             // floor(2/3)，不是分量取整之和
}

func TestPnlAmountsAdd(t *testing.T) {
	a := PnlAmounts{
		PricePnl: num.SignedUintFromInt64(5),
		Pnl:      num.SignedUintFromInt64(5),
	}
	b := PnlAmounts{
		PricePnl: num.SignedUintFromInt64(-8),
		Pnl:      num.SignedUintFromInt64(-8),
	}
	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "-3", sum.PricePnl.String())
	assert.Equal(t, "-3", sum.Pnl.String())
}
