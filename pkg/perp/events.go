// 文件: pkg/perp/events.go
// 引擎事件发布 (NATS)
//
// 【定位】
// 事件是落库成功之后的"事后通知"，尽力而为:
// 发布失败只打日志，绝不回滚已提交的状态
// 下游 (行情推送、风控看板、对账任务) 各自订阅感兴趣的主题
//
// 【主题规划】
// perp.position.changed     仓位开/改/平/翻转
// perp.position.deleveraged 强制减仓
// perp.funding.settled      资金费推进
// perp.vault.changed        LP 存款/解锁/提款

package perp

import (
	"encoding/json"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nats-io/nats.go"

	"perpx.com/pkg/num"
)

// NATS 主题
const (
	SubjectPositionChanged     = "perp.position.changed"
	SubjectPositionDeleveraged = "perp.position.deleveraged"
	SubjectFundingSettled      = "perp.funding.settled"
	SubjectVaultChanged        = "perp.vault.changed"
)

// =============================================================================
// 事件结构
// =============================================================================

// PositionChangedEvent 仓位变动事件
type PositionChangedEvent struct {
	EventID   string         `json:"event_id"`
	AccountID string         `json:"account_id"`
	Denom     string         `json:"denom"`
	Kind      string         `json:"kind"` // increase / decrease / flip
	OldSize   num.SignedUint `json:"old_size"`
	NewSize   num.SignedUint `json:"new_size"`
	ExecPrice string         `json:"exec_price"`
	Realized  PnlAmounts     `json:"realized"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeleverageEvent 强制减仓事件
type DeleverageEvent struct {
	EventID   string         `json:"event_id"`
	AccountID string         `json:"account_id"`
	Denom     string         `json:"denom"`
	Size      num.SignedUint `json:"size"`
	Realized  PnlAmounts     `json:"realized"`
	Timestamp time.Time      `json:"timestamp"`
}

// FundingSettledEvent 资金费推进事件
type FundingSettledEvent struct {
	EventID     string            `json:"event_id"`
	Denom       string            `json:"denom"`
	FundingRate num.SignedDecimal `json:"funding_rate"`
	Index       num.SignedDecimal `json:"index"`
	Timestamp   time.Time         `json:"timestamp"`
}

// VaultChangedEvent 金库变动事件
type VaultChangedEvent struct {
	EventID     string          `json:"event_id"`
	AccountID   string          `json:"account_id"`
	Action      string          `json:"action"` // deposit / unlock / withdraw
	Amount      string          `json:"amount"`
	Shares      string          `json:"shares"`
	TotalShares string          `json:"total_shares"`
	Timestamp   time.Time       `json:"timestamp"`
}

// =============================================================================
// 发布器
// =============================================================================

// EventPublisher 引擎的事件出口
type EventPublisher interface {
	PublishPositionChanged(ev *PositionChangedEvent)
	PublishDeleverage(ev *DeleverageEvent)
	PublishFundingSettled(ev *FundingSettledEvent)
	PublishVaultChanged(ev *VaultChangedEvent)
}

// NoopPublisher 空实现 (测试/仿真默认)
type NoopPublisher struct{}

func (NoopPublisher) PublishPositionChanged(*PositionChangedEvent) {}
func (NoopPublisher) PublishDeleverage(*DeleverageEvent)           {}
func (NoopPublisher) PublishFundingSettled(*FundingSettledEvent)   {}
func (NoopPublisher) PublishVaultChanged(*VaultChangedEvent)       {}

var _ EventPublisher = (*NoopPublisher)(nil)

// NatsPublisher NATS 实现
type NatsPublisher struct {
	conn *nats.Conn
	node *snowflake.Node
}

// NewNatsPublisher machineID 用于 snowflake 事件 ID，多实例部署时必须唯一
func NewNatsPublisher(conn *nats.Conn, machineID int64) (*NatsPublisher, error) {
	node, err := snowflake.NewNode(machineID)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{conn: conn, node: node}, nil
}

// NextEventID 生成全局唯一事件 ID
func (p *NatsPublisher) NextEventID() string {
	return p.node.Generate().String()
}

func (p *NatsPublisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Events] 序列化失败 subject=%s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[Events] 发布失败 subject=%s: %v", subject, err)
	}
}

func (p *NatsPublisher) PublishPositionChanged(ev *PositionChangedEvent) {
	if ev.EventID == "" {
		ev.EventID = p.NextEventID()
	}
	p.publish(SubjectPositionChanged, ev)
}

func (p *NatsPublisher) PublishDeleverage(ev *DeleverageEvent) {
	if ev.EventID == "" {
		ev.EventID = p.NextEventID()
	}
	p.publish(SubjectPositionDeleveraged, ev)
}

func (p *NatsPublisher) PublishFundingSettled(ev *FundingSettledEvent) {
	if ev.EventID == "" {
		ev.EventID = p.NextEventID()
	}
	p.publish(SubjectFundingSettled, ev)
}

func (p *NatsPublisher) PublishVaultChanged(ev *VaultChangedEvent) {
	if ev.EventID == "" {
		ev.EventID = p.NextEventID()
	}
	p.publish(SubjectVaultChanged, ev)
}

var _ EventPublisher = (*NatsPublisher)(nil)
