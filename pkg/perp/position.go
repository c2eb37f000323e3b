// 文件: pkg/perp/position.go
// 仓位模型与修改分类
//
// 【生命周期】
// None --open--> Open(size != 0) --close--> None
// 翻转 (多空一次换向) 是 Open 态的自转移，费用语义单独定义
//
// 【每次修改都刷新五个字段】
// size / entry_price / entry_exec_price / entry_funding 快照 / initial_skew
// initial_skew 记录的是"本仓位最近一次修改之前"的市场 skew，
// 用来复算本仓位自己的执行价格

package perp

import (
	"time"

	"github.com/shopspring/decimal"

	"perpx.com/pkg/num"
)

// Position 单个 (account, denom) 的仓位，每对至多一个
type Position struct {
	AccountID string `json:"account_id"`
	Denom     string `json:"denom"`

	// Size 带符号规模: 正=多头，负=空头，零仓位即删除
	Size num.SignedUint `json:"size"`

	// EntryPrice 最近一次修改时的 oracle 价格
	EntryPrice decimal.Decimal `json:"entry_price"`
	// EntryExecPrice 最近一次修改时的 skew 调整执行价
	EntryExecPrice decimal.Decimal `json:"entry_exec_price"`
	// EntryAccruedFundingPerUnitInBaseDenom 资金费指数快照
	EntryAccruedFundingPerUnitInBaseDenom num.SignedDecimal `json:"entry_accrued_funding_per_unit_in_base_denom"`
	// InitialSkew 最近一次修改之前的市场 skew (不含本次变动)
	InitialSkew num.SignedUint `json:"initial_skew"`

	// RealizedPnl 本仓位累计已实现 PnL (历次修改结算之和)
	RealizedPnl PnlAmounts `json:"realized_pnl"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// PositionModification - 修改分类
// =============================================================================

// ModificationKind 修改类别，决定费用拆分
type ModificationKind int

const (
	// ModificationNone 纯查询路径: 零费用、零 skew 冲击
	ModificationNone ModificationKind = iota
	// ModificationIncrease 同向加仓
	ModificationIncrease
	// ModificationDecrease 同向减仓 (含减到零 = 平仓)
	ModificationDecrease
	// ModificationFlip 一次操作多空换向
	ModificationFlip
)

func (k ModificationKind) String() string {
	switch k {
	case ModificationIncrease:
		return "increase"
	case ModificationDecrease:
		return "decrease"
	case ModificationFlip:
		return "flip"
	default:
		return "none"
	}
}

// PositionModification 分类结果 + 费用基数
type PositionModification struct {
	Kind ModificationKind
	// Q 收费基数 (Increase: 增量; Decrease: 减量; Flip: 见 pnl.go 双腿)
	Q num.SignedUint
	// OldSize / NewSize 变动前后的带符号规模
	OldSize num.SignedUint
	NewSize num.SignedUint
}

// ClassifyModification 按 new_size 与 old_size 的符号关系分类
//
// new == old 是显式错误，不允许静默成功
func ClassifyModification(oldSize, newSize num.SignedUint) (PositionModification, error) {
	if oldSize.Equal(newSize) {
		return PositionModification{}, ErrIllegalModification
	}

	m := PositionModification{OldSize: oldSize, NewSize: newSize}
	switch {
	case oldSize.IsZero():
		// 新开仓按加仓收开仓费
		m.Kind = ModificationIncrease
		m.Q = newSize
	case newSize.IsZero():
		m.Kind = ModificationDecrease
		m.Q = oldSize
	case oldSize.SameSignAs(newSize):
		// 加仓基数是净增量 new - old; 减仓基数是被移除的部分 old - new，
		// 保留原仓位方向 (多头减仓的 q 为正，平仓路径把它从 skew 里摘掉)
		if newSize.Abs().GreaterThan(oldSize.Abs()) {
			m.Kind = ModificationIncrease
			q, err := newSize.Sub(oldSize)
			if err != nil {
				return PositionModification{}, err
			}
			m.Q = q
		} else {
			m.Kind = ModificationDecrease
			q, err := oldSize.Sub(newSize)
			if err != nil {
				return PositionModification{}, err
			}
			m.Q = q
		}
	default:
		m.Kind = ModificationFlip
		m.Q = newSize
	}
	return m, nil
}

// IsReducing 修改是否只减少敞口 (reduce_only 校验用)
func (m PositionModification) IsReducing() bool {
	return m.Kind == ModificationDecrease
}
