// 文件: pkg/kafka/producer.go
// 变更日志的 Kafka 生产者
//
// 【约定】
// - Send 永远不阻塞调用方：聚合器在释放写锁后同步调用 Journal，这里慢了会拖住所有变更
// - 输入队列满时直接丢弃并返回 errs.ErrOverloaded，由调用方记日志
// - Close 与 Send 并发安全：关闭后 Send 返回错误，不会写已关闭的 channel

package kafka

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/metrics"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("kafka producer closed")

// Message 待发送的消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key (同一组合的事件落在同一分区，保证顺序)
	Value() ([]byte, error) // 消息体
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers []string `mapstructure:"brokers"`

	// RequiredAcks 确认模式: 0=不等待, 1=leader确认, -1=全部确认
	RequiredAcks int `mapstructure:"required_acks" validate:"oneof=-1 0 1"`

	// Compression 压缩方式: none, gzip, snappy, lz4, zstd
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`

	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
	FlushMessages  int           `mapstructure:"flush_messages"`
	MaxRetries     int           `mapstructure:"max_retries"`

	// ChannelBufferSize sarama 输入队列长度，满了就丢
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`
}

// DefaultProducerConfig 默认配置
// 变更事件很小，snappy + 100ms 批量足够
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:           brokers,
		RequiredAcks:      1,
		Compression:       "snappy",
		FlushFrequency:    100 * time.Millisecond,
		FlushMessages:     100,
		MaxRetries:        3,
		ChannelBufferSize: 1024,
	}
}

func (c ProducerConfig) sarama() *sarama.Config {
	sc := sarama.NewConfig()
	switch c.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}
	switch c.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}
	sc.Producer.Flush.Frequency = c.FlushFrequency
	sc.Producer.Flush.Messages = c.FlushMessages
	sc.Producer.Retry.Max = c.MaxRetries
	// 按 key 哈希分区
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	if c.ChannelBufferSize > 0 {
		sc.ChannelBufferSize = c.ChannelBufferSize
	}
	return sc
}

// Producer 异步生产者
type Producer struct {
	producer sarama.AsyncProducer
	log      *zap.Logger

	// mu 读锁保护 Send，写锁保护 Close
	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
	wg      sync.WaitGroup
}

// NewProducer 连接 broker 并创建生产者
func NewProducer(cfg ProducerConfig, log *zap.Logger) (*Producer, error) {
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.sarama())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(producer, log), nil
}

// newProducer 包装已有的 AsyncProducer (测试时传入 mocks)
func newProducer(producer sarama.AsyncProducer, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Producer{producer: producer, log: log}
	p.wg.Add(1)
	go p.drainErrors()
	return p
}

// Send 非阻塞发送
func (p *Producer) Send(msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	m := &sarama.ProducerMessage{
		Topic: msg.Topic(),
		Key:   sarama.StringEncoder(msg.Key()),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case p.producer.Input() <- m:
		p.sent.Add(1)
		metrics.KafkaMessages.WithLabelValues(m.Topic, "produce", "queued").Inc()
		return nil
	default:
		p.dropped.Add(1)
		metrics.KafkaMessages.WithLabelValues(m.Topic, "produce", "dropped").Inc()
		return fmt.Errorf("kafka input queue full: %w", errs.ErrOverloaded)
	}
}

// drainErrors 异步发送失败只能在这里看到
func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.failed.Add(1)
		metrics.KafkaMessages.WithLabelValues(err.Msg.Topic, "produce", "failed").Inc()
		p.log.Warn("kafka send failed", zap.String("topic", err.Msg.Topic), zap.Error(err.Err))
	}
}

// ProducerStats 统计信息
type ProducerStats struct {
	Sent    int64
	Dropped int64
	Failed  int64
}

// Stats 获取统计信息
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}

// Close 刷出缓冲的消息后关闭，可重复调用
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	return err
}
