package risk

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/market"
)

// ShockKind 冲击类型
type ShockKind string

const (
	ShockPrice      ShockKind = "price"      // 所有价格 × (1+m)
	ShockVolatility ShockKind = "volatility" // 所有波动率 × (1+m)
	ShockRate       ShockKind = "rate"       // 利率 + m
)

// Scenario 压力情景
type Scenario struct {
	Name      string    `json:"name"`
	Shock     ShockKind `json:"shock" validate:"oneof=price volatility rate"`
	Magnitude float64   `json:"magnitude"`
}

// DefaultScenarios 默认压力情景
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "Market Crash", Shock: ShockPrice, Magnitude: -0.20},
		{Name: "Market Rally", Shock: ShockPrice, Magnitude: 0.10},
		{Name: "Volatility Spike", Shock: ShockVolatility, Magnitude: 0.50},
		{Name: "Volatility Crush", Shock: ShockVolatility, Magnitude: -0.30},
		{Name: "Rate Hike", Shock: ShockRate, Magnitude: 0.01},
		{Name: "Rate Cut", Shock: ShockRate, Magnitude: -0.01},
	}
}

// Validate 校验情景
func (s Scenario) Validate() error {
	if math.IsNaN(s.Magnitude) || math.IsInf(s.Magnitude, 0) {
		return errs.Validation("scenario %q: magnitude must be finite", s.Name)
	}
	switch s.Shock {
	case ShockPrice:
		// 价格不能被冲击到 0 或负数
		if s.Magnitude <= -1 {
			return errs.Validation("scenario %q: price shock must be > -100%%", s.Name)
		}
	case ShockVolatility, ShockRate:
	default:
		return errs.Validation("scenario %q: unknown shock %q", s.Name, s.Shock)
	}
	return nil
}

// Apply 在基准行情上施加冲击，返回新的行情上下文
func (s Scenario) Apply(base market.Context) market.Context {
	switch s.Shock {
	case ShockPrice:
		return base.WithPriceShock(s.Magnitude)
	case ShockVolatility:
		return base.WithVolShock(s.Magnitude)
	case ShockRate:
		return base.WithRateShock(s.Magnitude)
	}
	return base.Clone()
}

// ValueFunc 给定行情上下文，计算组合价值
type ValueFunc func(ctx context.Context, mkt market.Context) (float64, error)

// ScenarioResult 单个情景结果
type ScenarioResult struct {
	Scenario      Scenario `json:"scenario"`
	StressedValue float64  `json:"stressed_value"`
	PnL           float64  `json:"pnl"`
	PnLPercent    float64  `json:"pnl_percent"`
}

// StressReport 压力测试报告
type StressReport struct {
	BaseValue float64          `json:"base_value"`
	Results   []ScenarioResult `json:"results"`
}

// StressTest 压力测试
//
// 每个情景都从同一个基准行情独立冲击，互不叠加。
// 基准价值用同一个 value 函数重新计算，所以 0 幅度的情景 PnL 严格为 0。
// 情景之间并行计算，任何一个失败整体失败。
func (e *Engine) StressTest(ctx context.Context, base market.Context, scenarios []Scenario, value ValueFunc) (StressReport, error) {
	for _, s := range scenarios {
		if err := s.Validate(); err != nil {
			return StressReport{}, err
		}
	}

	baseValue, err := value(ctx, base)
	if err != nil {
		return StressReport{}, err
	}

	results := make([]ScenarioResult, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, s := range scenarios {
		i, s := i, s
		g.Go(func() error {
			stressed, err := value(gctx, s.Apply(base))
			if err != nil {
				return err
			}
			pnl := stressed - baseValue
			res := ScenarioResult{Scenario: s, StressedValue: stressed, PnL: pnl}
			if baseValue != 0 {
				res.PnLPercent = pnl / math.Abs(baseValue) * 100
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StressReport{}, err
	}
	if err := errs.FromContext(ctx); err != nil {
		return StressReport{}, err
	}

	return StressReport{BaseValue: baseValue, Results: results}, nil
}
