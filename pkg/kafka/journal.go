// 文件: pkg/kafka/journal.go
// 变更日志 / 价格接入
//
// - MutationJournal: 聚合器的每次变更异步写入 Kafka，key 为组合 ID，保证分区内有序
// - PriceFeedHandler: 消费行情 topic，把价格写入聚合器

package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/market"
	"valuation.com/pkg/portfolio"
)

// 默认 topic
const (
	TopicMutations = "portfolio.mutations"
	TopicPrices    = "market.prices"
)

// Sender 发送消息的一方 (Producer 实现)
type Sender interface {
	Send(msg Message) error
}

// 确保实现了接口
var (
	_ Sender            = (*Producer)(nil)
	_ portfolio.Journal = (*MutationJournal)(nil)
)

// eventMessage 一条变更事件
type eventMessage struct {
	topic       string
	portfolioID string
	event       portfolio.Event
}

func (m eventMessage) Topic() string { return m.topic }
func (m eventMessage) Key() string   { return m.portfolioID }

func (m eventMessage) Value() ([]byte, error) {
	return json.Marshal(struct {
		PortfolioID string `json:"portfolio_id"`
		portfolio.Event
	}{m.portfolioID, m.event})
}

// MutationJournal 把变更事件写入 Kafka
type MutationJournal struct {
	sender      Sender
	topic       string
	portfolioID string
	log         *zap.Logger
}

// NewMutationJournal 创建变更日志，topic 为空时使用 TopicMutations
func NewMutationJournal(sender Sender, topic, portfolioID string, log *zap.Logger) *MutationJournal {
	if topic == "" {
		topic = TopicMutations
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MutationJournal{sender: sender, topic: topic, portfolioID: portfolioID, log: log}
}

// SetPortfolioID 组合创建后再绑定 ID
func (j *MutationJournal) SetPortfolioID(id string) {
	j.portfolioID = id
}

// Record 实现 portfolio.Journal
func (j *MutationJournal) Record(ev portfolio.Event) {
	msg := eventMessage{topic: j.topic, portfolioID: j.portfolioID, event: ev}
	if err := j.sender.Send(msg); err != nil {
		j.log.Warn("journal mutation failed", zap.Uint64("seq", ev.Seq), zap.String("op", ev.Op), zap.Error(err))
	}
}

// PriceMessage 行情消息
type PriceMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// PriceFeedHandler 行情 topic 的处理函数，每条消息单独设置超时
func PriceFeedHandler(sink market.PriceSink, timeout time.Duration) MessageHandler {
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(ctx context.Context, m *sarama.ConsumerMessage) error {
		var msg PriceMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			return errs.Validation("decode price message: %v", err)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return sink.UpdatePrice(ctx, msg.Symbol, msg.Price)
	}
}
