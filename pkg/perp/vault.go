// 文件: pkg/perp/vault.go
// 金库份额记账: LP 存取款 / 份额换算 / 解锁冷却队列
//
// 【份额定价】
// share_price = 可提余额净值 / total_shares
// 首笔存款按 1 : 1e6 铸造份额 (防份额价格操纵的常规做法是
// 铸一个放大倍数，这里跟 base denom 的 6 位小数对齐)
//
// 【解锁流程】
// Unlock 把份额折算成 base denom 数量挂进冷却队列并销毁份额，
// Withdraw 一次性支付所有已到期的解锁

package perp

import (
	"time"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

// defaultShareMultiplier 首笔存款的份额放大倍数
var defaultShareMultiplier = decimal.NewFromInt(1_000_000)

// VaultState 全局金库状态
type VaultState struct {
	// TotalBalance LP 净存款 (存入为正，支付解锁后减少; 可能为负)
	TotalBalance num.SignedUint `json:"total_balance"`
	// TotalShares 已发行份额总量
	TotalShares decimal.Decimal `json:"total_shares"`
}

// NewVaultState 空金库
func NewVaultState() VaultState {
	return VaultState{
		TotalBalance: num.ZeroSignedUint(),
		TotalShares:  decimal.Zero,
	}
}

// UnlockState 一笔进行中的解锁
type UnlockState struct {
	CreatedAt   time.Time       `json:"created_at"`
	CooldownEnd time.Time       `json:"cooldown_end"`
	// Amount 解锁时按当时份额价格折算锁定的 base denom 数量
	Amount decimal.Decimal `json:"amount"`
}

// Matured 是否已过冷却期
func (u UnlockState) Matured(now time.Time) bool {
	return !now.Before(u.CooldownEnd)
}

// =============================================================================
// 份额换算
// =============================================================================

// SharesForDeposit 一笔存款应铸造的份额
//
// totalWithdrawalBalance 是存款前的金库可提净值 (引擎算好传入)
// 金库为空或净值被亏空到零时回落到首笔比例
func SharesForDeposit(vault *VaultState, amount, totalWithdrawalBalance decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if vault.TotalShares.IsZero() || !totalWithdrawalBalance.IsPositive() {
		return amount.Mul(defaultShareMultiplier), nil
	}
	// shares = amount * total_shares / net_worth (floor，对既有 LP 有利)
	return amount.Mul(vault.TotalShares).Div(totalWithdrawalBalance).Floor(), nil
}

// AmountForShares 份额折算回 base denom 数量 (floor)
func AmountForShares(vault *VaultState, shares, totalWithdrawalBalance decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if shares.GreaterThan(vault.TotalShares) {
		return decimal.Zero, ErrInsufficientShares
	}
	if !totalWithdrawalBalance.IsPositive() {
		return decimal.Zero, ErrVaultInsolvent
	}
	return shares.Mul(totalWithdrawalBalance).Div(vault.TotalShares).Floor(), nil
}

// SharePrice 当前份额价格，无份额时返回 (零, false)
func SharePrice(vault *VaultState, totalWithdrawalBalance decimal.Decimal) (decimal.Decimal, bool) {
	if vault.TotalShares.IsZero() {
		return decimal.Zero, false
	}
	return totalWithdrawalBalance.Div(vault.TotalShares), true
}
