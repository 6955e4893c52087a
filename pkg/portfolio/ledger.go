// 文件: pkg/portfolio/ledger.go
// 成交台账: BUY 开新批次，SELL 按 FIFO 减少多头批次
// 使用开源库: github.com/shopspring/decimal
//
// 数量和成本用 decimal 计算，避免 0.1 + 0.2 这类浮点误差让批次残留极小的数量

package portfolio

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"valuation.com/pkg/errs"
)

// Side 买卖方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Trade 一笔成交
type Trade struct {
	ID        string          `json:"id"`
	Side      Side            `json:"side"`
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`

	// 以下由台账填写
	InstrumentID string          `json:"instrument_id"`
	PositionID   string          `json:"position_id,omitempty"` // BUY 开出的批次
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`          // SELL 实现盈亏
	Seq          uint64          `json:"seq"`
}

func (t *Trade) normalize() error {
	t.Side = Side(strings.ToUpper(strings.TrimSpace(string(t.Side))))
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if t.Side != Buy && t.Side != Sell {
		return errs.Validation("side must be BUY or SELL, got %q", t.Side)
	}
	if t.Symbol == "" {
		return errs.Validation("symbol is required")
	}
	if !t.Quantity.IsPositive() {
		return errs.Validation("quantity must be > 0")
	}
	if !t.Price.IsPositive() {
		return errs.Validation("price must be > 0")
	}
	return nil
}

// ApplyTrade 记录一笔成交并调整仓位
// - BUY: 以成交价为平均成本开一个新仓位
// - SELL: 按开仓顺序减少该合约的多头仓位；超过持仓数量返回 ErrValidation，状态不变
func (e *Engine) ApplyTrade(ctx context.Context, t Trade) (Trade, error) {
	if err := t.normalize(); err != nil {
		return Trade{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = e.cfg.Clock()
	}

	ack, err := e.mutate(ctx, "apply_trade", func(st *state) (Ack, error) {
		inst, ok := st.lookup(t.Symbol)
		if !ok {
			return Ack{}, errs.ErrInstrumentNotFound
		}
		t.InstrumentID = inst.ID

		switch t.Side {
		case Buy:
			cost := t.Price.InexactFloat64()
			p := Position{
				ID:           NewPositionID(),
				InstrumentID: inst.ID,
				Quantity:     t.Quantity.InexactFloat64(),
				AverageCost:  &cost,
				EntryTime:    t.Timestamp,
			}
			st.positions = append(st.positions, p)
			t.PositionID = p.ID
			t.RealizedPnL = decimal.Zero

		case Sell:
			// 先算可卖数量，不够就不动状态
			open := decimal.Zero
			for _, p := range st.positions {
				if p.InstrumentID == inst.ID && p.Quantity > 0 {
					open = open.Add(decimal.NewFromFloat(p.Quantity))
				}
			}
			if t.Quantity.GreaterThan(open) {
				return Ack{}, errs.Validation("sell %s %s exceeds open quantity %s", t.Quantity, t.Symbol, open)
			}

			remaining := t.Quantity
			pnl := decimal.Zero
			for i := range st.positions {
				if remaining.IsZero() {
					break
				}
				p := &st.positions[i]
				if p.InstrumentID != inst.ID || p.Quantity <= 0 {
					continue
				}
				lot := decimal.NewFromFloat(p.Quantity)
				take := decimal.Min(lot, remaining)
				if p.AverageCost != nil {
					pnl = pnl.Add(take.Mul(t.Price.Sub(decimal.NewFromFloat(*p.AverageCost))))
				}
				p.Quantity = lot.Sub(take).InexactFloat64()
				remaining = remaining.Sub(take)
			}
			t.RealizedPnL = pnl
		}

		t.Seq = e.seq + 1
		e.trades = append(e.trades, t)
		return Ack{
			Status:       StatusExecuted,
			PositionID:   t.PositionID,
			InstrumentID: inst.ID,
			Symbol:       inst.Symbol,
			Quantity:     t.Quantity.InexactFloat64(),
			Price:        t.Price.InexactFloat64(),
		}, nil
	})
	if err != nil {
		return Trade{}, err
	}
	t.Seq = ack.Seq
	return t, nil
}

// Trades 成交记录，按时间顺序
func (e *Engine) Trades() []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}
