// 文件: pkg/ledger/journal.go
// 结算流水出口实现
//
// KafkaJournal: 生产环境用，流水异步投递 Kafka，对账侧消费落库
// MemoryJournal: 测试/仿真用，流水留在内存里供断言

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"perpx.com/pkg/kafka"
	"perpx.com/pkg/perp"
)

// 确保实现了接口
var _ perp.SettlementJournal = (*KafkaJournal)(nil)
var _ perp.SettlementJournal = (*MemoryJournal)(nil)

// KafkaJournal Kafka 流水出口
type KafkaJournal struct {
	producer *kafka.Producer
	node     *snowflake.Node
}

// NewKafkaJournal machineID 用于 snowflake，多实例必须唯一
func NewKafkaJournal(producer *kafka.Producer, machineID int64) (*KafkaJournal, error) {
	node, err := snowflake.NewNode(machineID)
	if err != nil {
		return nil, err
	}
	return &KafkaJournal{producer: producer, node: node}, nil
}

func (j *KafkaJournal) JournalRealized(_ context.Context, accountID, denom string, realized perp.PnlAmounts, protocolFee decimal.Decimal) error {
	return j.producer.Send(&JournalEvent{
		EventID:        j.node.Generate().Int64(),
		Kind:           KindRealized,
		AccountID:      accountID,
		Denom:          denom,
		PricePnl:       realized.PricePnl.String(),
		AccruedFunding: realized.AccruedFunding.String(),
		OpeningFee:     realized.OpeningFee.String(),
		ClosingFee:     realized.ClosingFee.String(),
		Pnl:            realized.Pnl.String(),
		ProtocolFee:    protocolFee.String(),
		Timestamp:      time.Now(),
	})
}

func (j *KafkaJournal) JournalVault(_ context.Context, accountID, action string, amount decimal.Decimal) error {
	kind := KindDeposit
	if action == "withdraw" {
		kind = KindWithdraw
	}
	return j.producer.Send(&JournalEvent{
		EventID:   j.node.Generate().Int64(),
		Kind:      kind,
		AccountID: accountID,
		Amount:    amount.String(),
		Timestamp: time.Now(),
	})
}

// MemoryJournal 内存流水 (测试断言用)
type MemoryJournal struct {
	mu     sync.Mutex
	events []JournalEvent
	nextID int64
}

// NewMemoryJournal 空流水
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) JournalRealized(_ context.Context, accountID, denom string, realized perp.PnlAmounts, protocolFee decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	j.events = append(j.events, JournalEvent{
		EventID:        j.nextID,
		Kind:           KindRealized,
		AccountID:      accountID,
		Denom:          denom,
		PricePnl:       realized.PricePnl.String(),
		AccruedFunding: realized.AccruedFunding.String(),
		OpeningFee:     realized.OpeningFee.String(),
		ClosingFee:     realized.ClosingFee.String(),
		Pnl:            realized.Pnl.String(),
		ProtocolFee:    protocolFee.String(),
	})
	return nil
}

func (j *MemoryJournal) JournalVault(_ context.Context, accountID, action string, amount decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	kind := KindDeposit
	if action == "withdraw" {
		kind = KindWithdraw
	}
	j.nextID++
	j.events = append(j.events, JournalEvent{
		EventID:   j.nextID,
		Kind:      kind,
		AccountID: accountID,
		Amount:    amount.String(),
	})
	return nil
}

// Events 流水快照
func (j *MemoryJournal) Events() []JournalEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEvent, len(j.events))
	copy(out, j.events)
	return out
}
