package portfolio

import (
	"time"

	"valuation.com/pkg/instrument"
	"valuation.com/pkg/pricing"
)

// Position 表示一条仓位。
//
// Quantity 有正负：
// - > 0 多头
// - < 0 空头
// - = 0 视为不存在，读路径跳过，下一次变更时被清理
type Position struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	Quantity     float64   `json:"quantity"`
	AverageCost  *float64  `json:"average_cost,omitempty"` // 每单位合约的平均成本
	EntryTime    time.Time `json:"entry_time"`
}

// Status 变更结果
type Status string

const (
	StatusAdded        Status = "added"
	StatusUpdated      Status = "updated"
	StatusDeleted      Status = "deleted"
	StatusPriceUpdated Status = "price_updated"
	StatusRateUpdated  Status = "rate_updated"
	StatusVolUpdated   Status = "volatility_updated"
	StatusRegistered   Status = "registered"
	StatusRemoved      Status = "removed"
	StatusExecuted     Status = "executed"
)

// Ack 变更确认
// Seq 是该变更在全局顺序中的序号，对应的快照 Seq >= 它时一定已包含此变更
type Ack struct {
	Seq          uint64  `json:"seq"`
	Status       Status  `json:"status"`
	PositionID   string  `json:"position_id,omitempty"`
	InstrumentID string  `json:"instrument_id,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
	Quantity     float64 `json:"quantity,omitempty"`
	Price        float64 `json:"price,omitempty"`
}

// PositionView 快照中的仓位估值
type PositionView struct {
	PositionID   string          `json:"position_id"`
	InstrumentID string          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Underlying   string          `json:"underlying"`
	Kind         instrument.Kind `json:"kind"`
	Quantity     float64         `json:"quantity"`
	AverageCost  *float64        `json:"average_cost,omitempty"`

	// Price: 一单位合约的价值；Value = Quantity × Price
	Price      float64         `json:"price"`
	Value      float64         `json:"value"`
	PnL        float64         `json:"pnl"`
	PnLPercent float64         `json:"pnl_percent"`
	Weight     float64         `json:"weight"`
	Greeks     *pricing.Greeks `json:"greeks,omitempty"`
	Model      string          `json:"model,omitempty"`
	StdError   float64         `json:"std_error,omitempty"`
	Volatility float64         `json:"volatility"`

	// Stale: 无法估值 (未定价或模型失败)，不计入组合价值
	Stale       bool   `json:"stale,omitempty"`
	StaleReason string `json:"stale_reason,omitempty"`
}

// Exposures 敞口汇总
type Exposures struct {
	ByKind       map[instrument.Kind]float64 `json:"by_kind"`
	ByUnderlying map[string]float64          `json:"by_underlying"`
	Gross        float64                     `json:"gross"`
	Net          float64                     `json:"net"`
}

// Snapshot 组合快照 (不可变)
// 每次发布都新建，发布后任何人都不能修改
type Snapshot struct {
	Seq            uint64         `json:"seq"`
	PortfolioID    string         `json:"portfolio_id"`
	Name           string         `json:"name"`
	Currency       string         `json:"currency"`
	Timestamp      time.Time      `json:"timestamp"`
	PortfolioValue float64        `json:"portfolio_value"`
	Positions      []PositionView `json:"positions"`
	Greeks         pricing.Greeks `json:"greeks"`
	Exposures      Exposures      `json:"exposures"`
	StaleCount     int            `json:"stale_count"`
	Rate           float64        `json:"rate"`
}
