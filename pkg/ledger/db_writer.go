// 文件: pkg/ledger/db_writer.go
// 结算流水落库器
//
// 消费 Kafka 流水事件，批量写 MySQL:
// - 批量缓冲提高吞吐 (批满或定时触发)
// - event_id 唯一键，重复消费幂等跳过
// - 处理失败打日志继续，对账任务兜底

package ledger

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"perpx.com/pkg/kafka"
)

// journalRecord 流水表
type journalRecord struct {
	EventID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Kind           uint8  `gorm:"index:idx_journal_kind"`
	AccountID      string `gorm:"size:64;index:idx_journal_account"`
	Denom          string `gorm:"size:32"`
	PricePnl       string `gorm:"size:64"`
	AccruedFunding string `gorm:"size:64"`
	OpeningFee     string `gorm:"size:64"`
	ClosingFee     string `gorm:"size:64"`
	Pnl            string `gorm:"size:64"`
	ProtocolFee    string `gorm:"size:64"`
	Amount         string `gorm:"size:64"`
	Timestamp      int64
}

func (journalRecord) TableName() string { return "perp_journal" }

// DBWriterConfig 落库器配置
type DBWriterConfig struct {
	Brokers       []string
	GroupID       string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultDBWriterConfig 默认配置
func DefaultDBWriterConfig(brokers []string) DBWriterConfig {
	return DBWriterConfig{
		Brokers:       brokers,
		GroupID:       "perp_journal_writer",
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
	}
}

// DBWriterStats 写入统计
type DBWriterStats struct {
	Received int64
	Written  int64
	Errors   int64
}

// DBWriter 流水落库器
type DBWriter struct {
	db       *gorm.DB
	consumer *kafka.Consumer
	cfg      DBWriterConfig

	bufferMu sync.Mutex
	buffer   []journalRecord

	received atomic.Int64
	written  atomic.Int64
	errors   atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDBWriter 创建落库器 (Start 后才开始消费)
func NewDBWriter(cfg DBWriterConfig, db *gorm.DB) (*DBWriter, error) {
	w := &DBWriter{
		db:     db,
		cfg:    cfg,
		buffer: make([]journalRecord, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}
	consumer, err := kafka.NewConsumer(
		kafka.DefaultConsumerConfig(cfg.Brokers, cfg.GroupID,
			[]string{TopicSettlementJournal, TopicVaultJournal}),
		w.handleMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("create journal consumer: %w", err)
	}
	w.consumer = consumer
	return w, nil
}

// AutoMigrate 建表
func (w *DBWriter) AutoMigrate() error {
	return w.db.AutoMigrate(&journalRecord{})
}

// Start 启动消费和定时刷盘
func (w *DBWriter) Start() {
	w.consumer.Start()
	w.wg.Add(1)
	go w.flushLoop()
}

// Stop 停止消费并刷掉残留缓冲
func (w *DBWriter) Stop() error {
	err := w.consumer.Stop()
	close(w.stopCh)
	w.wg.Wait()
	w.flush()
	return err
}

// Stats 统计快照
func (w *DBWriter) Stats() DBWriterStats {
	return DBWriterStats{
		Received: w.received.Load(),
		Written:  w.written.Load(),
		Errors:   w.errors.Load(),
	}
}

func (w *DBWriter) handleMessage(_ string, _ int32, _ int64, _, value []byte) error {
	var ev JournalEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("decode journal event: %w", err)
	}
	w.received.Add(1)

	rec := journalRecord{
		EventID:        ev.EventID,
		Kind:           uint8(ev.Kind),
		AccountID:      ev.AccountID,
		Denom:          ev.Denom,
		PricePnl:       ev.PricePnl,
		AccruedFunding: ev.AccruedFunding,
		OpeningFee:     ev.OpeningFee,
		ClosingFee:     ev.ClosingFee,
		Pnl:            ev.Pnl,
		ProtocolFee:    ev.ProtocolFee,
		Amount:         ev.Amount,
		Timestamp:      ev.Timestamp.UnixMilli(),
	}

	w.bufferMu.Lock()
	w.buffer = append(w.buffer, rec)
	full := len(w.buffer) >= w.cfg.BatchSize
	w.bufferMu.Unlock()

	if full {
		w.flush()
	}
	return nil
}

func (w *DBWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.stopCh:
			return
		}
	}
}

func (w *DBWriter) flush() {
	w.bufferMu.Lock()
	if len(w.buffer) == 0 {
		w.bufferMu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make([]journalRecord, 0, w.cfg.BatchSize)
	w.bufferMu.Unlock()

	// event_id 冲突 = 重复消费，直接跳过
	err := w.db.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(batch, w.cfg.BatchSize).Error
	if err != nil {
		w.errors.Add(1)
		ids := make([]string, 0, len(batch))
		for _, r := range batch {
			ids = append(ids, fmt.Sprintf("%d", r.EventID))
		}
		log.Printf("[Ledger] 批量落库失败 n=%d ids=%s: %v", len(batch), strings.Join(ids, ","), err)
		return
	}
	w.written.Add(int64(len(batch)))
}
