// 文件: pkg/perp/accounting.go
// 记账引擎: CashFlow / Balance / Accounting
//
// 【核心符号约定】
// CashFlow 的每个分量都是交易员 PnL 分量的相反数:
// 正数 = 金库收到钱 (交易员亏损)，负数 = 金库欠钱 (交易员盈利)
//
// 【三个口径】
// CashFlow          只含已实现部分 (平仓/调仓时结算进来)
// Balance           已实现 - 未实现 (全口径净值)
// WithdrawalBalance 保守口径: 未实现只有为正 (金库负债) 才扣减，
//                   未实现的浮盈绝不计入可提余额 (LP 保护的核心不变式)
//
// 【面试考点】为什么 withdrawal_balance 不对称?
// 答: 浮盈是金库"还没收到"的钱，计入可提余额等于让 LP 提走
//     一笔可能永远收不回的钱; 浮亏则是金库确定的潜在负债，
//     必须立刻从可提余额里扣掉。宁可少算资产，不可少算负债。

package perp

import (
	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

// =============================================================================
// PnlAmounts / PnlValues - 交易员视角的 PnL 分解
// =============================================================================

// PnlAmounts 以 base denom 数量计的 PnL 四分量 + 合计
// 费用分量恒 <= 0 (对交易员是成本)
type PnlAmounts struct {
	PricePnl       num.SignedUint `json:"price_pnl"`
	AccruedFunding num.SignedUint `json:"accrued_funding"`
	OpeningFee     num.SignedUint `json:"opening_fee"`
	ClosingFee     num.SignedUint `json:"closing_fee"`
	Pnl            num.SignedUint `json:"pnl"` // 四分量之和
}

// ZeroPnlAmounts 全零分解
func ZeroPnlAmounts() PnlAmounts {
	return PnlAmounts{
		PricePnl:       num.ZeroSignedUint(),
		AccruedFunding: num.ZeroSignedUint(),
		OpeningFee:     num.ZeroSignedUint(),
		ClosingFee:     num.ZeroSignedUint(),
		Pnl:            num.ZeroSignedUint(),
	}
}

// Add 分量逐项相加 (账户/denom 级别的累计已实现 PnL 用)
func (p PnlAmounts) Add(other PnlAmounts) (PnlAmounts, error) {
	var out PnlAmounts
	var err error
	if out.PricePnl, err = p.PricePnl.Add(other.PricePnl); err != nil {
		return PnlAmounts{}, err
	}
	if out.AccruedFunding, err = p.AccruedFunding.Add(other.AccruedFunding); err != nil {
		return PnlAmounts{}, err
	}
	if out.OpeningFee, err = p.OpeningFee.Add(other.OpeningFee); err != nil {
		return PnlAmounts{}, err
	}
	if out.ClosingFee, err = p.ClosingFee.Add(other.ClosingFee); err != nil {
		return PnlAmounts{}, err
	}
	if out.Pnl, err = p.Pnl.Add(other.Pnl); err != nil {
		return PnlAmounts{}, err
	}
	return out, nil
}

// PnlValues 以计价货币 (USD) 价值计的未实现 PnL 分量
// 进入记账引擎前需除以 base denom 价格换算成数量 (向下取整)
type PnlValues struct {
	PricePnl       num.SignedDecimal `json:"price_pnl"`
	AccruedFunding num.SignedDecimal `json:"accrued_funding"`
	ClosingFee     num.SignedDecimal `json:"closing_fee"`
	Pnl            num.SignedDecimal `json:"pnl"`
}

// ZeroPnlValues 全零价值分解
func ZeroPnlValues() PnlValues {
	return PnlValues{
		PricePnl:       num.ZeroSignedDec(),
		AccruedFunding: num.ZeroSignedDec(),
		ClosingFee:     num.ZeroSignedDec(),
		Pnl:            num.ZeroSignedDec(),
	}
}

// Add 价值分量逐项相加 (全局聚合用)
func (v PnlValues) Add(other PnlValues) (PnlValues, error) {
	var out PnlValues
	var err error
	if out.PricePnl, err = v.PricePnl.Add(other.PricePnl); err != nil {
		return PnlValues{}, err
	}
	if out.AccruedFunding, err = v.AccruedFunding.Add(other.AccruedFunding); err != nil {
		return PnlValues{}, err
	}
	if out.ClosingFee, err = v.ClosingFee.Add(other.ClosingFee); err != nil {
		return PnlValues{}, err
	}
	if out.Pnl, err = v.Pnl.Add(other.Pnl); err != nil {
		return PnlValues{}, err
	}
	return out, nil
}

// ToAmounts 价值换算为 base denom 数量，统一向下取整
// (对交易员保守: 浮盈向下、浮亏向下都让金库口径更稳)
func (v PnlValues) ToAmounts(baseDenomPrice decimal.Decimal) (unrealizedAmounts, error) {
	var out unrealizedAmounts
	var err error
	if out.PricePnl, err = floorDivValue(v.PricePnl, baseDenomPrice); err != nil {
		return unrealizedAmounts{}, err
	}
	if out.AccruedFunding, err = floorDivValue(v.AccruedFunding, baseDenomPrice); err != nil {
		return unrealizedAmounts{}, err
	}
	if out.ClosingFee, err = floorDivValue(v.ClosingFee, baseDenomPrice); err != nil {
		return unrealizedAmounts{}, err
	}
	// 合计独立换算，逐项换算的取整误差不回流到合计
	if out.Pnl, err = floorDivValue(v.Pnl, baseDenomPrice); err != nil {
		return unrealizedAmounts{}, err
	}
	return out, nil
}

// unrealizedAmounts 换算后的未实现分量 (记账引擎内部中间量)
type unrealizedAmounts struct {
	PricePnl       num.SignedUint
	AccruedFunding num.SignedUint
	ClosingFee     num.SignedUint
	Pnl            num.SignedUint
}

func floorDivValue(v num.SignedDecimal, baseDenomPrice decimal.Decimal) (num.SignedUint, error) {
	q, err := v.DivDec(baseDenomPrice)
	if err != nil {
		return num.SignedUint{}, err
	}
	return q.FloorToUint(), nil
}

// =============================================================================
// CashFlow - 已实现现金流 (金库视角)
// =============================================================================

// CashFlow 四个已实现分量，符号为交易员 PnL 的相反数
type CashFlow struct {
	PricePnl       num.SignedUint `json:"price_pnl"`
	OpeningFee     num.SignedUint `json:"opening_fee"`
	ClosingFee     num.SignedUint `json:"closing_fee"`
	AccruedFunding num.SignedUint `json:"accrued_funding"`
}

// ZeroCashFlow 全零现金流
func ZeroCashFlow() CashFlow {
	return CashFlow{
		PricePnl:       num.ZeroSignedUint(),
		OpeningFee:     num.ZeroSignedUint(),
		ClosingFee:     num.ZeroSignedUint(),
		AccruedFunding: num.ZeroSignedUint(),
	}
}

// Total 四分量之和
func (c CashFlow) Total() (num.SignedUint, error) {
	sum, err := c.PricePnl.Add(c.OpeningFee)
	if err != nil {
		return num.SignedUint{}, err
	}
	if sum, err = sum.Add(c.ClosingFee); err != nil {
		return num.SignedUint{}, err
	}
	return sum.Add(c.AccruedFunding)
}

// Add 分量逐项相加 (全局 = Σ per-denom)
func (c CashFlow) Add(other CashFlow) (CashFlow, error) {
	var out CashFlow
	var err error
	if out.PricePnl, err = c.PricePnl.Add(other.PricePnl); err != nil {
		return CashFlow{}, err
	}
	if out.OpeningFee, err = c.OpeningFee.Add(other.OpeningFee); err != nil {
		return CashFlow{}, err
	}
	if out.ClosingFee, err = c.ClosingFee.Add(other.ClosingFee); err != nil {
		return CashFlow{}, err
	}
	if out.AccruedFunding, err = c.AccruedFunding.Add(other.AccruedFunding); err != nil {
		return CashFlow{}, err
	}
	return out, nil
}

// AddRealized 把一笔交易员已实现 PnL 取反后并入现金流
// (协议费分成在调用前已经从费用分量里切走，见 pnl.go)
func (c CashFlow) AddRealized(realized PnlAmounts) (CashFlow, error) {
	var out CashFlow
	var err error
	if out.PricePnl, err = c.PricePnl.Add(realized.PricePnl.Neg()); err != nil {
		return CashFlow{}, err
	}
	if out.OpeningFee, err = c.OpeningFee.Add(realized.OpeningFee.Neg()); err != nil {
		return CashFlow{}, err
	}
	if out.ClosingFee, err = c.ClosingFee.Add(realized.ClosingFee.Neg()); err != nil {
		return CashFlow{}, err
	}
	if out.AccruedFunding, err = c.AccruedFunding.Add(realized.AccruedFunding.Neg()); err != nil {
		return CashFlow{}, err
	}
	return out, nil
}

// =============================================================================
// Balance / Accounting
// =============================================================================

// Balance CashFlow 扣掉未实现负债后的净值口径
type Balance struct {
	PricePnl       num.SignedUint `json:"price_pnl"`
	OpeningFee     num.SignedUint `json:"opening_fee"`
	ClosingFee     num.SignedUint `json:"closing_fee"`
	AccruedFunding num.SignedUint `json:"accrued_funding"`
	Total          num.SignedUint `json:"total"`
}

// Accounting 一个 denom (或全局) 的完整记账快照
type Accounting struct {
	CashFlow          CashFlow `json:"cash_flow"`
	Balance           Balance  `json:"balance"`
	WithdrawalBalance Balance  `json:"withdrawal_balance"`
}

// ComputeBalance 全口径净值
//
// balance.x = cash_flow.x - unrealized.x
// (未实现是交易员视角，对金库是负债，所以用减法)
// opening_fee 没有未实现对应项: 开仓费在开仓时即已实现
func ComputeBalance(cf CashFlow, unrealized PnlValues, baseDenomPrice decimal.Decimal) (Balance, error) {
	ua, err := unrealized.ToAmounts(baseDenomPrice)
	if err != nil {
		return Balance{}, err
	}

	var b Balance
	if b.PricePnl, err = cf.PricePnl.Sub(ua.PricePnl); err != nil {
		return Balance{}, err
	}
	if b.AccruedFunding, err = cf.AccruedFunding.Sub(ua.AccruedFunding); err != nil {
		return Balance{}, err
	}
	if b.ClosingFee, err = cf.ClosingFee.Sub(ua.ClosingFee); err != nil {
		return Balance{}, err
	}
	b.OpeningFee = cf.OpeningFee

	if b.Total, err = sumBalance(b); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// ComputeWithdrawalBalance 保守口径净值
//
// 未实现分量只在为正 (金库负债) 时扣减: 扣 max(0, unrealized)
// 未实现浮盈 (负数) 绝不加回来
// closing_fee 只取已实现现金流，未来的平仓费不预先计入可提余额
func ComputeWithdrawalBalance(cf CashFlow, unrealized PnlValues, baseDenomPrice decimal.Decimal) (Balance, error) {
	ua, err := unrealized.ToAmounts(baseDenomPrice)
	if err != nil {
		return Balance{}, err
	}

	var b Balance
	if b.PricePnl, err = cf.PricePnl.Sub(maxZero(ua.PricePnl)); err != nil {
		return Balance{}, err
	}
	if b.AccruedFunding, err = cf.AccruedFunding.Sub(maxZero(ua.AccruedFunding)); err != nil {
		return Balance{}, err
	}
	b.ClosingFee = cf.ClosingFee
	b.OpeningFee = cf.OpeningFee

	if b.Total, err = sumBalance(b); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// ComputeAccounting 三口径一次算全
func ComputeAccounting(cf CashFlow, unrealized PnlValues, baseDenomPrice decimal.Decimal) (Accounting, error) {
	balance, err := ComputeBalance(cf, unrealized, baseDenomPrice)
	if err != nil {
		return Accounting{}, err
	}
	withdrawal, err := ComputeWithdrawalBalance(cf, unrealized, baseDenomPrice)
	if err != nil {
		return Accounting{}, err
	}
	return Accounting{
		CashFlow:          cf,
		Balance:           balance,
		WithdrawalBalance: withdrawal,
	}, nil
}

func sumBalance(b Balance) (num.SignedUint, error) {
	sum, err := b.PricePnl.Add(b.OpeningFee)
	if err != nil {
		return num.SignedUint{}, err
	}
	if sum, err = sum.Add(b.ClosingFee); err != nil {
		return num.SignedUint{}, err
	}
	return sum.Add(b.AccruedFunding)
}

// maxZero max(0, x)
func maxZero(x num.SignedUint) num.SignedUint {
	if x.IsNegative() {
		return num.ZeroSignedUint()
	}
	return x
}
