// 文件: pkg/nats/subscriber.go
// NATS 消息订阅者
// 价格接入: market.price 主题 → PriceSink

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/market"
)

// MessageHandler 消息处理函数
type MessageHandler func(subject string, data []byte) error

// Subscriber NATS 订阅者
type Subscriber struct {
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler MessageHandler
	log     *zap.Logger
}

// NewSubscriber 创建订阅者
func NewSubscriber(url string, handler MessageHandler, log *zap.Logger) (*Subscriber, error) {
	conn, err := Connect(url, log)
	if err != nil {
		return nil, err
	}
	return NewSubscriberWithConn(conn, handler, log), nil
}

// NewSubscriberWithConn 复用已有连接
func NewSubscriberWithConn(conn *nats.Conn, handler MessageHandler, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{conn: conn, handler: handler, log: log}
}

func (s *Subscriber) handle(msg *nats.Msg) {
	if err := s.handler(msg.Subject, msg.Data); err != nil {
		s.log.Warn("handle message failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Subscribe 订阅主题
func (s *Subscriber) Subscribe(subjects ...string) error {
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, s.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// SubscribeQueue 队列订阅 (负载均衡)
func (s *Subscriber) SubscribeQueue(subject, queue string) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, s.handle)
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close 关闭
func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}

// =============================================================================
// 价格接入
// =============================================================================

// PriceUpdate 价格消息
type PriceUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// PriceUpdateHandler 把价格消息写入 sink
// 格式错误返回 ErrValidation，sink 的错误原样返回
func PriceUpdateHandler(sink market.PriceSink, timeout time.Duration) MessageHandler {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(_ string, data []byte) error {
		msg, err := UnmarshalJSON[PriceUpdate](data)
		if err != nil {
			return errs.Validation("decode price update: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sink.UpdatePrice(ctx, msg.Symbol, msg.Price)
	}
}

// =============================================================================
// 便捷方法
// =============================================================================

// UnmarshalJSON 反序列化 JSON
func UnmarshalJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
