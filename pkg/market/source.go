// 文件: pkg/market/source.go
// 行情源抽象
//
// 【契约】
// - FetchPrice 返回最新价格
// - 行情源不可用 / symbol 未知时返回 errs.ErrUpstreamUnavailable
// - 调用方负责超时 (通过 ctx)

package market

import (
	"context"
	"sync"

	"valuation.com/pkg/errs"
)

// PriceSource 行情源
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceSink 接收价格更新的一方 (通常是组合聚合器)
type PriceSink interface {
	UpdatePrice(ctx context.Context, symbol string, price float64) error
}

// MarketData 一只标的的静态行情数据
type MarketData struct {
	Price         float64
	Volatility    float64
	DividendYield float64
}

// DefaultRate 默认无风险利率 (USD 1Y)
const DefaultRate = 0.0485

// DefaultMarketData 默认的模拟行情
func DefaultMarketData() map[string]MarketData {
	return map[string]MarketData{
		"AAPL":  {Price: 175.50, Volatility: 0.25, DividendYield: 0.0045},
		"MSFT":  {Price: 415.25, Volatility: 0.22, DividendYield: 0.0068},
		"GOOGL": {Price: 142.80, Volatility: 0.28, DividendYield: 0},
	}
}

// =============================================================================
// StaticSource - 固定价格行情源 (测试 / 本地开发)
// =============================================================================

// 确保实现了接口
var _ PriceSource = (*StaticSource)(nil)

// StaticSource 确定性行情源
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewStaticSource 创建固定价格行情源
func NewStaticSource(prices map[string]float64) *StaticSource {
	s := &StaticSource{prices: make(map[string]float64, len(prices))}
	for k, v := range prices {
		s.prices[normalize(k)] = v
	}
	return s
}

// Set 设置价格
func (s *StaticSource) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[normalize(symbol)] = price
}

// FetchPrice 实现 PriceSource
func (s *StaticSource) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := errs.FromContext(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[normalize(symbol)]
	if !ok {
		return 0, errs.Upstream("no price for %s", symbol)
	}
	return p, nil
}
