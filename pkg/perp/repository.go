// 文件: pkg/perp/repository.go
// 存储抽象: 复合键 KV + 原子变更集提交
//
// 【设计模式】Repository Pattern
// 引擎只依赖 Store 接口，生产走 MySQL (+Redis 缓存装饰器)，
// 测试/仿真走内存实现，同一套引擎代码两端跑
//
// 【原子性契约】
// 引擎先纯计算出完整 ChangeSet (算术错误在这一步就中止，状态零变更)，
// 再一次 Commit 落库，要么全部生效要么全不生效。
// funding 的 last_updated 跟着 DenomState 一起提交，
// 杜绝并发/乱序调用的双重计提

package perp

import (
	"context"

	"github.com/shopspring/decimal"
)

// PositionKey 仓位复合键 (account, denom)
type PositionKey struct {
	AccountID string
	Denom     string
}

// AccountPnl (account, denom) 维度的累计已实现 PnL
type AccountPnl struct {
	AccountID string     `json:"account_id"`
	Denom     string     `json:"denom"`
	Amounts   PnlAmounts `json:"amounts"`
}

// ChangeSet 一次引擎操作的全部写入，Commit 原子生效
type ChangeSet struct {
	SetPositions    []Position
	DeletePositions []PositionKey

	SetDenomStates []DenomState

	// SetRealizedPnl 覆盖写 (engine 先读旧值加好增量)
	SetRealizedPnl []AccountPnl

	// SetUnlocks 整账户解锁队列覆盖写
	SetUnlocks map[string][]UnlockState

	// SetShares 账户份额余额覆盖写
	SetShares map[string]decimal.Decimal

	VaultState     *VaultState
	GlobalCashFlow *CashFlow
}

// Empty 变更集是否为空
func (c *ChangeSet) Empty() bool {
	return len(c.SetPositions) == 0 && len(c.DeletePositions) == 0 &&
		len(c.SetDenomStates) == 0 && len(c.SetRealizedPnl) == 0 &&
		len(c.SetUnlocks) == 0 && len(c.SetShares) == 0 &&
		c.VaultState == nil && c.GlobalCashFlow == nil
}

// Store 引擎的持久化边界
//
// 读方法返回的都是副本/新分配对象，调用方可自由修改
type Store interface {
	// ===== 仓位 =====
	GetPosition(ctx context.Context, accountID, denom string) (*Position, error)
	ListPositionsByAccount(ctx context.Context, accountID string) ([]*Position, error)
	ListPositionsByDenom(ctx context.Context, denom string) ([]*Position, error)
	CountPositionsByAccount(ctx context.Context, accountID string) (int, error)

	// ===== denom 状态 =====
	GetDenomState(ctx context.Context, denom string) (*DenomState, error)
	ListDenomStates(ctx context.Context) ([]*DenomState, error)

	// ===== 账户级已实现 PnL (缺省返回全零) =====
	GetRealizedPnl(ctx context.Context, accountID, denom string) (PnlAmounts, error)

	// ===== 金库 =====
	GetShares(ctx context.Context, accountID string) (decimal.Decimal, error)
	GetUnlocks(ctx context.Context, accountID string) ([]UnlockState, error)
	GetVaultState(ctx context.Context) (VaultState, error)
	GetGlobalCashFlow(ctx context.Context) (CashFlow, error)

	// Commit 原子提交变更集
	Commit(ctx context.Context, cs *ChangeSet) error
}
