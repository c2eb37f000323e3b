// 文件: pkg/kafka/producer.go
// Kafka 异步生产者
//
// 结算流水的传输通道: 引擎侧只管异步投递，
// 对账侧 (ledger.DBWriter) 消费落库。
// 发送失败计数 + 日志，由对账任务兜底补偿

package kafka

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// Message 可投递消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (相同 key 保证顺序)
	Value() ([]byte, error) // 序列化后的消息体
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string
	RequiredAcks   sarama.RequiredAcks
	FlushFrequency time.Duration
	FlushMessages  int
	MaxRetries     int
}

// DefaultProducerConfig 默认配置: leader 确认 + 小批量快刷
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		RequiredAcks:   sarama.WaitForLocal,
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// Producer 异步生产者
type Producer struct {
	producer sarama.AsyncProducer

	sentCount  atomic.Int64
	errorCount atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者并启动错误回收协程
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = cfg.RequiredAcks
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true

	ap, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	p := &Producer{producer: ap}
	p.wg.Add(1)
	go p.drainErrors()
	return p, nil
}

// Send 异步投递
func (p *Producer) Send(msg Message) error {
	if p.closed.Load() {
		return fmt.Errorf("kafka producer is closed")
	}
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	p.sentCount.Add(1)
	return nil
}

func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.errorCount.Add(1)
		log.Printf("[Kafka] 发送失败 topic=%s: %v", err.Msg.Topic, err.Err)
	}
}

// Stats (已发送, 失败) 计数
func (p *Producer) Stats() (sent, failed int64) {
	return p.sentCount.Load(), p.errorCount.Load()
}

// Close 关闭并等待错误回收完成
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
