// 文件: pkg/market/context.go
// 行情上下文: 定价所需的全部市场数据
//
// 【设计】
// - Context 是值语义：聚合器持有一份，读路径拿走的是 Clone 出来的拷贝
// - "未定价" 与 "价格为 0" 是两种不同状态，Price 用 (price, ok) 区分
// - 压力情景通过 WithXxxShock 生成新的 Context，绝不修改原对象

package market

import (
	"math"
	"strings"
	"time"

	"valuation.com/pkg/errs"
)

// Context 行情上下文
type Context struct {
	// Prices: symbol -> 最新价格
	Prices map[string]float64 `json:"prices"`

	// Vols: symbol -> 年化波动率
	Vols map[string]float64 `json:"vols"`

	// Dividends: symbol -> 连续股息率
	Dividends map[string]float64 `json:"dividends"`

	// Rate: 无风险利率 (连续复利，年化)
	Rate float64 `json:"rate"`

	// AsOf: 估值时点
	AsOf time.Time `json:"as_of"`

	// VolScale: 作用在合约自带波动率上的倍数，0 视为 1 (压力情景使用)
	VolScale float64 `json:"vol_scale,omitempty"`
}

// NewContext 创建空的行情上下文
func NewContext(rate float64, asOf time.Time) Context {
	return Context{
		Prices:    make(map[string]float64),
		Vols:      make(map[string]float64),
		Dividends: make(map[string]float64),
		Rate:      rate,
		AsOf:      asOf,
	}
}

// Price 查询价格，ok=false 表示未定价
func (c Context) Price(symbol string) (float64, bool) {
	p, ok := c.Prices[normalize(symbol)]
	return p, ok
}

// Vol 查询波动率，未设置时返回 0
func (c Context) Vol(symbol string) float64 {
	return c.Vols[normalize(symbol)]
}

// ResolveVol 合约实际使用的波动率
// own > 0 时用合约自带的 (乘以 VolScale)，否则查标的；ok=false 表示两处都没有
func (c Context) ResolveVol(symbol string, own float64) (float64, bool) {
	if own > 0 {
		return own * c.volScale(), true
	}
	v, ok := c.Vols[normalize(symbol)]
	return v, ok
}

func (c Context) volScale() float64 {
	if c.VolScale == 0 {
		return 1
	}
	return c.VolScale
}

// Dividend 查询股息率，未设置时返回 0
func (c Context) Dividend(symbol string) float64 {
	return c.Dividends[normalize(symbol)]
}

// SetPrice 写入价格 (只能由持有者在自己的拷贝上调用)
func (c *Context) SetPrice(symbol string, price float64) {
	c.Prices[normalize(symbol)] = price
}

// SetVol 写入波动率
func (c *Context) SetVol(symbol string, vol float64) {
	c.Vols[normalize(symbol)] = vol
}

// SetDividend 写入股息率
func (c *Context) SetDividend(symbol string, q float64) {
	c.Dividends[normalize(symbol)] = q
}

// Clone 深拷贝
func (c Context) Clone() Context {
	out := Context{
		Prices:    make(map[string]float64, len(c.Prices)),
		Vols:      make(map[string]float64, len(c.Vols)),
		Dividends: make(map[string]float64, len(c.Dividends)),
		Rate:      c.Rate,
		AsOf:      c.AsOf,
		VolScale:  c.VolScale,
	}
	for k, v := range c.Prices {
		out.Prices[k] = v
	}
	for k, v := range c.Vols {
		out.Vols[k] = v
	}
	for k, v := range c.Dividends {
		out.Dividends[k] = v
	}
	return out
}

// =============================================================================
// 压力情景
// =============================================================================

// WithPriceShock 所有价格乘以 (1+m)
func (c Context) WithPriceShock(m float64) Context {
	out := c.Clone()
	for k, v := range out.Prices {
		out.Prices[k] = v * (1 + m)
	}
	return out
}

// WithVolShock 所有波动率乘以 (1+m)，结果不低于 0
// 标的波动率直接改写，合约自带的波动率通过 VolScale 生效
func (c Context) WithVolShock(m float64) Context {
	out := c.Clone()
	for k, v := range out.Vols {
		out.Vols[k] = math.Max(v*(1+m), 0)
	}
	// 用 SmallestNonzero 代替 0，避免被当成"未设置"
	out.VolScale = math.Max(c.volScale()*(1+m), math.SmallestNonzeroFloat64)
	return out
}

// WithRateShock 利率加上 m (加法，m=0.01 即 +100bp)
func (c Context) WithRateShock(m float64) Context {
	out := c.Clone()
	out.Rate += m
	return out
}

// =============================================================================
// 校验
// =============================================================================

// ValidatePrice 价格必须是有限正数
func ValidatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return errs.Validation("price must be a positive finite number, got %v", price)
	}
	return nil
}

// ValidateVol 波动率必须是有限非负数
func ValidateVol(vol float64) error {
	if math.IsNaN(vol) || math.IsInf(vol, 0) || vol < 0 {
		return errs.Validation("volatility must be a non-negative finite number, got %v", vol)
	}
	return nil
}

// ValidateRate 利率必须是有限数
func ValidateRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return errs.Validation("rate must be finite, got %v", rate)
	}
	return nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
