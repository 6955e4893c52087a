// 文件: pkg/nats/publisher.go
// NATS 消息发布者
// 快照扇出: Hub 订阅 → portfolio.snapshot 主题

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"valuation.com/pkg/portfolio"
)

// 主题
const (
	SubjectSnapshot    = "portfolio.snapshot"
	SubjectPriceUpdate = "market.price"
	SubjectAlert       = "portfolio.alert"
)

// Connect 连接 NATS，断线自动重连，事件写日志
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("valuation"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Publisher NATS 发布者
type Publisher struct {
	conn *nats.Conn
	log  *zap.Logger
}

// NewPublisher 创建发布者
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	conn, err := Connect(url, log)
	if err != nil {
		return nil, err
	}
	return NewPublisherWithConn(conn, log), nil
}

// NewPublisherWithConn 复用已有连接
func NewPublisherWithConn(conn *nats.Conn, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{conn: conn, log: log}
}

// Publish 发布消息
func (p *Publisher) Publish(subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.conn.Publish(subject, bytes)
}

// PublishRaw 发布原始消息
func (p *Publisher) PublishRaw(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// RunSnapshots 把快照流转发到 NATS，直到 ctx 取消或流关闭
// 发布失败只记日志；慢了由 Hub 负责合并或断开
func (p *Publisher) RunSnapshots(ctx context.Context, snaps <-chan portfolio.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := p.Publish(SubjectSnapshot, snap); err != nil {
				p.log.Warn("publish snapshot failed", zap.Uint64("seq", snap.Seq), zap.Error(err))
			}
		}
	}
}

// Close 关闭连接 (先把缓冲的消息发出去)
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
