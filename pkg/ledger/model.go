// 文件: pkg/ledger/model.go
// 结算流水模块 - 事件定义
//
// 引擎每笔已实现 PnL 结算和金库变动都会产生一条流水事件，
// 通过 Kafka 传给对账侧，由 DBWriter 消费写入 MySQL。
// credit manager 以这份流水为准做保证金账户的盈亏划转。

package ledger

import (
	"encoding/json"
	"time"
)

// Kafka Topic
const (
	TopicSettlementJournal = "perp_settlement_journal" // 已实现 PnL 结算
	TopicVaultJournal      = "perp_vault_journal"      // 金库存取
)

// JournalKind 流水类型
type JournalKind uint8

const (
	KindRealized JournalKind = 1 // 仓位结算
	KindDeposit  JournalKind = 2 // LP 存款
	KindWithdraw JournalKind = 3 // LP 提款
)

func (k JournalKind) String() string {
	switch k {
	case KindRealized:
		return "REALIZED"
	case KindDeposit:
		return "DEPOSIT"
	case KindWithdraw:
		return "WITHDRAW"
	default:
		return "UNKNOWN"
	}
}

// JournalEvent 一条结算流水
// 数值字段统一字符串编码，避免 JSON number 精度丢失
type JournalEvent struct {
	EventID   int64       `json:"event_id"` // snowflake，全局唯一
	Kind      JournalKind `json:"kind"`
	AccountID string      `json:"account_id"`
	Denom     string      `json:"denom,omitempty"`

	// ===== KindRealized =====
	PricePnl       string `json:"price_pnl,omitempty"`
	AccruedFunding string `json:"accrued_funding,omitempty"`
	OpeningFee     string `json:"opening_fee,omitempty"`
	ClosingFee     string `json:"closing_fee,omitempty"`
	Pnl            string `json:"pnl,omitempty"`
	ProtocolFee    string `json:"protocol_fee,omitempty"`

	// ===== KindDeposit / KindWithdraw =====
	Amount string `json:"amount,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Topic 目标 topic
func (e *JournalEvent) Topic() string {
	if e.Kind == KindRealized {
		return TopicSettlementJournal
	}
	return TopicVaultJournal
}

// Key 分区 key: 同账户流水保序
func (e *JournalEvent) Key() string { return e.AccountID }

// Value 消息体
func (e *JournalEvent) Value() ([]byte, error) { return json.Marshal(e) }
