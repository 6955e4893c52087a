package risk

import (
	"context"
	"math"
	"math/rand"
	"time"

	"valuation.com/pkg/errs"
)

// TradingDays 一年的交易日数，用于把天数换算成年
const TradingDays = 252

// SimulationInput 组合收益模拟输入
type SimulationInput struct {
	InitialValue float64 // 组合当前价值
	Volatility   float64 // 年化波动率
	Drift        float64 // 年化漂移
	HorizonDays  int     // 持有期 (交易日)
	N            int     // 样本数

	// Seed: 非 0 时结果可复现；0 表示用当前时间播种
	Seed int64
}

func (in SimulationInput) validate() error {
	if in.N < 1 {
		return errs.Validation("simulation count must be >= 1, got %d", in.N)
	}
	if in.HorizonDays < 1 {
		return errs.Validation("horizon must be >= 1 day, got %d", in.HorizonDays)
	}
	if math.IsNaN(in.Volatility) || math.IsInf(in.Volatility, 0) || in.Volatility < 0 {
		return errs.Validation("volatility must be a non-negative finite number, got %v", in.Volatility)
	}
	if math.IsNaN(in.Drift) || math.IsInf(in.Drift, 0) {
		return errs.Validation("drift must be finite, got %v", in.Drift)
	}
	if math.IsNaN(in.InitialValue) || math.IsInf(in.InitialValue, 0) {
		return errs.Validation("initial value must be finite, got %v", in.InitialValue)
	}
	return nil
}

// SimulatePortfolioReturns 模拟持有期收益率 (小数)
//
// 单期对数正态：r = exp((μ - σ²/2)h + σ√h·Z) - 1，h = HorizonDays / 252
// 返回长度为 N 的样本，固定 Seed 时完全可复现
func (e *Engine) SimulatePortfolioReturns(ctx context.Context, in SimulationInput) ([]float64, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	seed := in.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))

	h := float64(in.HorizonDays) / TradingDays
	drift := (in.Drift - 0.5*in.Volatility*in.Volatility) * h
	diffusion := in.Volatility * math.Sqrt(h)

	out := make([]float64, in.N)
	for i := range out {
		if i%1024 == 0 {
			if err := errs.FromContext(ctx); err != nil {
				return nil, err
			}
		}
		out[i] = math.Exp(drift+diffusion*r.NormFloat64()) - 1
	}
	return out, nil
}

// SimulateTerminalValues 模拟持有期末的组合价值
func (e *Engine) SimulateTerminalValues(ctx context.Context, in SimulationInput) ([]float64, error) {
	returns, err := e.SimulatePortfolioReturns(ctx, in)
	if err != nil {
		return nil, err
	}
	for i, r := range returns {
		returns[i] = in.InitialValue * (1 + r)
	}
	return returns, nil
}
