// 文件: pkg/kafka/consumer.go
// 行情 topic 的消费者组
//
// Run 阻塞直到 ctx 取消：rebalance 或 broker 断开后自动重新加入消费者组。
// 处理失败的消息只记日志和指标，offset 照常提交 (行情只关心最新值，重放旧价格没有意义)

package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"valuation.com/pkg/metrics"
)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	GroupID       string        `mapstructure:"group_id"`
	Topics        []string      `mapstructure:"topics"`
	OffsetInitial int64         `mapstructure:"offset_initial"` // -1=newest, -2=oldest
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// DefaultConsumerConfig 默认从最新 offset 开始
func DefaultConsumerConfig(brokers []string, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetNewest,
		RetryBackoff:  time.Second,
	}
}

// MessageHandler 处理一条消息，ctx 随消费会话结束而取消
type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// Consumer 消费者组
type Consumer struct {
	group   sarama.ConsumerGroup
	cfg     ConsumerConfig
	handler MessageHandler
	log     *zap.Logger
}

// NewConsumer 创建消费者 (此时还没有加入消费者组)
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, log *zap.Logger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return newConsumer(group, cfg, handler, log), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Consumer{group: group, cfg: cfg, handler: handler, log: log}
}

// Run 消费直到 ctx 取消，返回时关闭消费者组
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.log.Warn("close consumer group failed", zap.Error(err))
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			c.log.Warn("kafka consumer error", zap.Error(err))
		}
	}()

	h := &groupHandler{handler: c.handler, log: c.log}
	for {
		// Consume 在 rebalance 时返回，需要循环重新加入
		err := c.group.Consume(ctx, c.cfg.Topics, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			c.log.Warn("kafka consume failed", zap.Strings("topics", c.cfg.Topics), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.RetryBackoff):
			}
		}
	}
}

// groupHandler 实现 sarama.ConsumerGroupHandler
type groupHandler struct {
	handler MessageHandler
	log     *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			result := "ok"
			if err := h.handler(ctx, msg); err != nil {
				result = "failed"
				h.log.Warn("kafka handle failed",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
			metrics.KafkaMessages.WithLabelValues(msg.Topic, "consume", result).Inc()
			session.MarkMessage(msg, "")
		}
	}
}
