package portfolio

import (
	"context"
	"time"
)

// Event 一次已生效的状态变更
// 在写锁释放后按 Seq 顺序交给 Journal
type Event struct {
	Seq          uint64    `json:"seq"`
	Op           string    `json:"op"`
	Status       Status    `json:"status"`
	PositionID   string    `json:"position_id,omitempty"`
	InstrumentID string    `json:"instrument_id,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	Quantity     float64   `json:"quantity,omitempty"`
	Price        float64   `json:"price,omitempty"`
	Time         time.Time `json:"time"`
}

// Journal 变更日志 (例如写 Kafka)
// Record 不能阻塞太久，失败由实现自己记录，不影响变更本身
type Journal interface {
	Record(ev Event)
}

// History 历史数据，用于已实现波动率、相关性和业绩分析
// limit <= 0 表示全部
type History interface {
	ValueSeries(ctx context.Context, limit int) ([]float64, error)
	PriceSeries(ctx context.Context, symbol string, limit int) ([]float64, error)
}

// Journals 把同一个事件依次交给多个 Journal (Kafka + 本地 WAL)
type Journals []Journal

func (js Journals) Record(ev Event) {
	for _, j := range js {
		j.Record(ev)
	}
}
