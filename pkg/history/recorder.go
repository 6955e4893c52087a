package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"valuation.com/pkg/market"
	"valuation.com/pkg/portfolio"
)

// Recorder 从快照流采样写入历史
//
// 每个 Interval 记录一次最新快照的组合价值和持仓标的的价格；
// Interval 为 0 时每个快照都记录。同一个 Seq 不会重复记录。
type Recorder struct {
	store    Store
	interval time.Duration
	market   func() market.Context
	log      *zap.Logger

	latest    portfolio.Snapshot
	hasLatest bool
	lastSeq   uint64
	recorded  bool
}

// NewRecorder 创建采样器
// marketFn 返回当前行情 (通常是 engine.Market)，为 nil 时只记录组合价值
func NewRecorder(store Store, interval time.Duration, marketFn func() market.Context, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, interval: interval, market: marketFn, log: log}
}

// Run 阻塞运行，直到 ctx 取消或快照流关闭
func (r *Recorder) Run(ctx context.Context, snaps <-chan portfolio.Snapshot) error {
	var tick <-chan time.Time
	if r.interval > 0 {
		t := time.NewTicker(r.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			r.latest, r.hasLatest = snap, true
			if tick == nil {
				r.Flush(ctx)
			}
		case <-tick:
			r.Flush(ctx)
		}
	}
}

// Flush 记录最新快照 (如果还没记录过)
func (r *Recorder) Flush(ctx context.Context) {
	if !r.hasLatest || (r.recorded && r.latest.Seq == r.lastSeq) {
		return
	}
	snap := r.latest
	if snap.StaleCount > 0 && snap.StaleCount == len(snap.Positions) {
		// 全部无法估值的快照没有意义
		return
	}

	now := snap.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if err := r.store.AppendValue(ctx, ValuePoint{Seq: snap.Seq, Value: snap.PortfolioValue, Time: now}); err != nil {
		r.log.Warn("append value history failed", zap.Uint64("seq", snap.Seq), zap.Error(err))
		return
	}
	r.lastSeq, r.recorded = snap.Seq, true

	if r.market == nil {
		return
	}
	mkt := r.market()
	seen := make(map[string]bool)
	for _, p := range snap.Positions {
		if seen[p.Underlying] {
			continue
		}
		seen[p.Underlying] = true
		px, ok := mkt.Price(p.Underlying)
		if !ok {
			continue
		}
		if err := r.store.AppendPrice(ctx, PricePoint{Symbol: p.Underlying, Price: px, Time: now}); err != nil {
			r.log.Warn("append price history failed", zap.String("symbol", p.Underlying), zap.Error(err))
		}
	}
}
