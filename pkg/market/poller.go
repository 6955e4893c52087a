// 文件: pkg/market/poller.go
// 行情轮询器: 定期从 PriceSource 拉取价格，推给 PriceSink
//
// 单个 symbol 拉取失败只记日志，不影响其他 symbol，也不影响下一轮

package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller 行情轮询器
type Poller struct {
	source   PriceSource
	sink     PriceSink
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu      sync.RWMutex
	symbols []string
}

// NewPoller 创建轮询器
func NewPoller(source PriceSource, sink PriceSink, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		source:   source,
		sink:     sink,
		interval: interval,
		timeout:  interval,
		log:      log,
	}
}

// Track 设置要轮询的 symbol 列表
func (p *Poller) Track(symbols ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols = p.symbols[:0]
	for _, s := range symbols {
		p.symbols = append(p.symbols, normalize(s))
	}
}

// Run 阻塞运行，直到 ctx 取消
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce 拉取一轮，返回成功更新的数量
func (p *Poller) PollOnce(ctx context.Context) int {
	p.mu.RLock()
	symbols := append([]string(nil), p.symbols...)
	p.mu.RUnlock()

	updated := 0
	for _, sym := range symbols {
		fctx, cancel := context.WithTimeout(ctx, p.timeout)
		price, err := p.source.FetchPrice(fctx, sym)
		cancel()
		if err != nil {
			p.log.Warn("fetch price failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		if err := p.sink.UpdatePrice(ctx, sym, price); err != nil {
			p.log.Warn("apply price failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		updated++
	}
	return updated
}

// Pump 把 Ticker 输出的报价推给 sink，直到通道关闭
func Pump(ctx context.Context, quotes <-chan Quote, sink PriceSink, log *zap.Logger) {
	for q := range quotes {
		if err := sink.UpdatePrice(ctx, q.Symbol, q.Price); err != nil {
			log.Warn("apply quote failed", zap.String("symbol", q.Symbol), zap.Error(err))
		}
	}
}
