// 文件: pkg/perp/denom_state.go
// Denom 聚合状态: OI / 累加器 / 资金费 / 现金流
//
// 【不变式】
// 1. skew = long_oi - short_oi，与最近一次执行定价用的代数 skew 恒等
// 2. total_entry_cost / total_entry_funding 只按精确增量调整，
//    绝不全量重算 (O(1) 更新):
//      total_entry_cost    = Σ size * entry_exec_price  (所有在仓仓位)
//      total_entry_funding = Σ size * entry_funding_index
// 3. 所有写入与 last_updated 同一原子提交

package perp

import (
	"time"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

// DenomState 单个 denom 的聚合状态
type DenomState struct {
	Denom   string `json:"denom"`
	Enabled bool   `json:"enabled"`

	// LongOI / ShortOI 分侧绝对持仓量 (非负幅值)
	LongOI  decimal.Decimal `json:"long_oi"`
	ShortOI decimal.Decimal `json:"short_oi"`

	// 累加器 (见文件头不变式 2)
	TotalEntryCost    num.SignedUint `json:"total_entry_cost"`
	TotalEntryFunding num.SignedUint `json:"total_entry_funding"`

	// CashFlow 本 denom 的已实现现金流 (协议费切走后的净额)
	CashFlow CashFlow `json:"cash_flow"`

	Funding     Funding   `json:"funding"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewDenomState denom 初始化 (默认 disabled，由治理启用)
func NewDenomState(denom string, maxFundingVelocity, skewScale decimal.Decimal, now time.Time) DenomState {
	return DenomState{
		Denom:             denom,
		Enabled:           false,
		LongOI:            decimal.Zero,
		ShortOI:           decimal.Zero,
		TotalEntryCost:    num.ZeroSignedUint(),
		TotalEntryFunding: num.ZeroSignedUint(),
		CashFlow:          ZeroCashFlow(),
		Funding:           NewFunding(maxFundingVelocity, skewScale),
		LastUpdated:       now,
	}
}

// Skew 带符号市场偏斜 long_oi - short_oi
func (ds *DenomState) Skew() (num.SignedUint, error) {
	long := num.NewSignedUint(ds.LongOI, false)
	short := num.NewSignedUint(ds.ShortOI, false)
	return long.Sub(short)
}

// RefreshFunding 把资金费推进到 now 并盖章 last_updated
// 必须在任何改变仓位的操作之前、用变动前的 skew 调用
func (ds *DenomState) RefreshFunding(price, baseDenomPrice decimal.Decimal, now time.Time) error {
	skew, err := ds.Skew()
	if err != nil {
		return err
	}
	funding, err := CurrentFunding(ds.Funding, skew, price, baseDenomPrice, ds.LastUpdated, now)
	if err != nil {
		return err
	}
	ds.Funding = funding
	ds.LastUpdated = now
	return nil
}

// =============================================================================
// OI 增减
// =============================================================================

// IncreaseOpenInterest 按带符号增量 q 增加对应侧 OI
func (ds *DenomState) IncreaseOpenInterest(q num.SignedUint) error {
	if q.IsNegative() {
		ds.ShortOI = ds.ShortOI.Add(q.Abs())
	} else {
		ds.LongOI = ds.LongOI.Add(q.Abs())
	}
	return ds.checkOI()
}

// DecreaseOpenInterest 按带符号仓位 q 减少对应侧 OI
// (q 是被移除仓位的原始符号: 多头平仓减 long_oi)
func (ds *DenomState) DecreaseOpenInterest(q num.SignedUint) error {
	if q.IsNegative() {
		ds.ShortOI = ds.ShortOI.Sub(q.Abs())
	} else {
		ds.LongOI = ds.LongOI.Sub(q.Abs())
	}
	return ds.checkOI()
}

// checkOI OI 减成负数说明累加器失衡，立刻失败
func (ds *DenomState) checkOI() error {
	if ds.LongOI.IsNegative() || ds.ShortOI.IsNegative() {
		return num.ErrOverflow
	}
	return nil
}

// =============================================================================
// 累加器增量
// =============================================================================

// ApplyAccumulatorDelta 仓位从 (oldSize, oldEntryExec) 变为
// (newSize, newEntryExec) 时的精确增量:
//
//	total_entry_cost    += newSize * newExec  - oldSize * oldExec   (floor)
//	total_entry_funding += newSize * newIndex - oldSize * oldIndex  (floor)
//
// 开仓传 oldSize = 0，平仓传 newSize = 0，同一条路径
func (ds *DenomState) ApplyAccumulatorDelta(
	oldSize num.SignedUint, oldEntryExec decimal.Decimal, oldEntryFunding num.SignedDecimal,
	newSize num.SignedUint, newEntryExec decimal.Decimal, newEntryFunding num.SignedDecimal,
) error {
	oldCost, err := oldSize.MulDecFloor(num.SignedDecFromDec(oldEntryExec))
	if err != nil {
		return err
	}
	newCost, err := newSize.MulDecFloor(num.SignedDecFromDec(newEntryExec))
	if err != nil {
		return err
	}
	costDelta, err := newCost.Sub(oldCost)
	if err != nil {
		return err
	}
	if ds.TotalEntryCost, err = ds.TotalEntryCost.Add(costDelta); err != nil {
		return err
	}

	oldFunding, err := oldSize.MulDecFloor(oldEntryFunding)
	if err != nil {
		return err
	}
	newFunding, err := newSize.MulDecFloor(newEntryFunding)
	if err != nil {
		return err
	}
	fundingDelta, err := newFunding.Sub(oldFunding)
	if err != nil {
		return err
	}
	if ds.TotalEntryFunding, err = ds.TotalEntryFunding.Add(fundingDelta); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// OI 上限校验
// =============================================================================

// ValidateOpenInterest 校验仓位从 oldSize 变为 newSize 落地后的 OI 上限
//
// 上限是价值口径 (OI * price)，零上限表示不设限
// 先把 oldSize 从原来那一侧摘掉，再把 newSize 加到新的那一侧，
// 加仓/减仓/翻转/开仓 (oldSize=0) 共用同一条精确路径
func ValidateOpenInterest(ds *DenomState, oldSize, newSize num.SignedUint, price decimal.Decimal, params *PerpParams) error {
	longOI := ds.LongOI
	shortOI := ds.ShortOI
	if oldSize.IsNegative() {
		shortOI = shortOI.Sub(oldSize.Abs())
	} else {
		longOI = longOI.Sub(oldSize.Abs())
	}
	if newSize.IsNegative() {
		shortOI = shortOI.Add(newSize.Abs())
	} else {
		longOI = longOI.Add(newSize.Abs())
	}

	longValue := longOI.Mul(price)
	shortValue := shortOI.Mul(price)

	if !params.MaxLongOIValue.IsZero() && longValue.GreaterThan(params.MaxLongOIValue) {
		return ErrLongOpenInterestReached
	}
	if !params.MaxShortOIValue.IsZero() && shortValue.GreaterThan(params.MaxShortOIValue) {
		return ErrShortOpenInterestReached
	}
	if !params.MaxNetOIValue.IsZero() && longValue.Sub(shortValue).Abs().GreaterThan(params.MaxNetOIValue) {
		return ErrNetOpenInterestReached
	}
	return nil
}
