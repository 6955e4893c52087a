package risk

import (
	"context"
	"math"
	"time"

	"valuation.com/pkg/errs"
)

// Config 风险引擎配置
type Config struct {
	Simulations  int       `mapstructure:"simulations" validate:"gte=1"`
	Seed         int64     `mapstructure:"seed"`
	Confidences  []float64 `mapstructure:"confidences" validate:"min=1,dive,gt=0,lt=1"`
	HorizonDays  []int     `mapstructure:"horizon_days" validate:"min=1,dive,gte=1"`
	Drift        float64   `mapstructure:"drift"`
	RiskFreeRate float64   `mapstructure:"risk_free_rate"`

	// Benchmark: 计算 Beta 的基准标的，为空时取持仓价值最大的标的
	Benchmark string `mapstructure:"benchmark"`
}

// DefaultConfig 默认配置：95%/99% 置信度，1 天和 10 天持有期，1 万次模拟
func DefaultConfig() Config {
	return Config{
		Simulations:  10000,
		Confidences:  []float64{0.95, 0.99},
		HorizonDays:  []int{1, 10},
		RiskFreeRate: 0.0485,
	}
}

// Engine 是风险引擎对象。
// 你可以把它理解成"一个计算器"：
// 输入组合的当前价值、波动率和历史 → 输出 VaR / ES / 各类比率。
// 引擎本身无状态，可以被多个 Goroutine 同时使用。
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Simulations <= 0 {
		cfg.Simulations = def.Simulations
	}
	if len(cfg.Confidences) == 0 {
		cfg.Confidences = def.Confidences
	}
	if len(cfg.HorizonDays) == 0 {
		cfg.HorizonDays = def.HorizonDays
	}
	return &Engine{cfg: cfg}
}

// Config 当前配置
func (e *Engine) Config() Config {
	return e.cfg
}

// VaRPoint 某个置信度、持有期下的风险值
type VaRPoint struct {
	Confidence  float64 `json:"confidence"`
	HorizonDays int     `json:"horizon_days"`
	Fraction    float64 `json:"fraction"` // 损失占组合价值的比例
	Amount      float64 `json:"amount"`   // 损失金额
}

// ComponentPoint 单个标的对参数法 VaR 的贡献
type ComponentPoint struct {
	Symbol      string  `json:"symbol"`
	Confidence  float64 `json:"confidence"`
	HorizonDays int     `json:"horizon_days"`
	Amount      float64 `json:"amount"`
}

// Metrics 组合风险指标
type Metrics struct {
	PortfolioValue    float64    `json:"portfolio_value"`
	VaR               []VaRPoint `json:"var"`
	ExpectedShortfall []VaRPoint `json:"expected_shortfall"`
	ParametricVaR     []VaRPoint `json:"parametric_var,omitempty"`

	// ComponentVaR: 参数法 VaR 按标的分解，同一置信度、持有期的成分之和等于组合参数法 VaR
	ComponentVaR []ComponentPoint `json:"component_var,omitempty"`

	// ImpliedVolatility: 按持仓价值加权的模型波动率
	ImpliedVolatility float64 `json:"implied_volatility"`

	// 以下基于历史价值序列，历史不足时为 0
	RealizedVolatility float64  `json:"realized_volatility"`
	Beta               *float64 `json:"beta,omitempty"`
	SharpeRatio        float64  `json:"sharpe_ratio"`
	SortinoRatio       float64  `json:"sortino_ratio"`
	MaxDrawdown        float64  `json:"max_drawdown"`

	Simulations int       `json:"simulations"`
	ComputedAt  time.Time `json:"computed_at"`
}

// MetricsInput 计算风险指标的输入
type MetricsInput struct {
	PortfolioValue float64

	// Volatility: 组合年化波动率 (通常是按价值加权的持仓波动率)
	Volatility float64

	// Weights / Vols / Correlation: 可选，用于参数法 VaR
	Weights     []float64
	Vols        []float64
	Correlation [][]float64

	// History: 按日的组合价值序列 (可选)
	History []float64

	// Benchmark: 基准日收益 (可选)，与 History 的收益按尾部对齐
	Benchmark []float64

	// Symbols: 与 Weights 对齐的标的名称 (可选，用于成分 VaR)
	Symbols []string

	// Simulations / Seed: 覆盖配置，0 表示使用配置值
	Simulations int
	Seed        int64
}

// Metrics 计算组合风险指标
// 这是一个 CPU 密集型函数，调用方应放到计算池里执行
func (e *Engine) Metrics(ctx context.Context, in MetricsInput) (Metrics, error) {
	if math.IsNaN(in.PortfolioValue) || math.IsInf(in.PortfolioValue, 0) {
		return Metrics{}, errs.Validation("portfolio value must be finite")
	}

	n := in.Simulations
	if n <= 0 {
		n = e.cfg.Simulations
	}
	seed := in.Seed
	if seed == 0 {
		seed = e.cfg.Seed
	}

	out := Metrics{
		PortfolioValue:    in.PortfolioValue,
		ImpliedVolatility: in.Volatility,
		Simulations:       n,
		ComputedAt:        time.Now().UTC(),
	}
	exposure := math.Abs(in.PortfolioValue)

	// 1. 模拟法 VaR / ES
	// 损益 = 组合价值 × 收益率。净空头的亏损来自收益率的上尾，
	// 所以按组合方向翻转收益后再取下尾，金额 = 比例 × |组合价值|
	for _, h := range e.cfg.HorizonDays {
		returns, err := e.SimulatePortfolioReturns(ctx, SimulationInput{
			InitialValue: in.PortfolioValue,
			Volatility:   in.Volatility,
			Drift:        e.cfg.Drift,
			HorizonDays:  h,
			N:            n,
			Seed:         seed,
		})
		if err != nil {
			return Metrics{}, err
		}
		if in.PortfolioValue < 0 {
			for i := range returns {
				returns[i] = -returns[i]
			}
		}
		for _, c := range e.cfg.Confidences {
			v, err := CalculateVaR(returns, c)
			if err != nil {
				return Metrics{}, err
			}
			es, err := ExpectedShortfall(returns, c)
			if err != nil {
				return Metrics{}, err
			}
			out.VaR = append(out.VaR, VaRPoint{Confidence: c, HorizonDays: h, Fraction: v, Amount: v * exposure})
			out.ExpectedShortfall = append(out.ExpectedShortfall, VaRPoint{Confidence: c, HorizonDays: h, Fraction: es, Amount: es * exposure})
		}
	}

	// 2. 参数法 VaR
	if len(in.Weights) > 0 {
		for _, h := range e.cfg.HorizonDays {
			for _, c := range e.cfg.Confidences {
				amt, err := ParametricVaR(in.Weights, in.Vols, in.Correlation, in.PortfolioValue, c, h)
				if err != nil {
					return Metrics{}, err
				}
				frac := 0.0
				if exposure > 0 {
					frac = amt / exposure
				}
				out.ParametricVaR = append(out.ParametricVaR, VaRPoint{Confidence: c, HorizonDays: h, Fraction: frac, Amount: amt})

				parts, err := ComponentVaR(in.Weights, in.Vols, in.Correlation, in.PortfolioValue, c, h)
				if err != nil {
					return Metrics{}, err
				}
				for i, part := range parts {
					sym := ""
					if i < len(in.Symbols) {
						sym = in.Symbols[i]
					}
					out.ComponentVaR = append(out.ComponentVaR, ComponentPoint{Symbol: sym, Confidence: c, HorizonDays: h, Amount: part})
				}
			}
		}
	}

	// 3. 历史指标
	if len(in.History) >= 2 {
		rets := Returns(in.History)
		out.RealizedVolatility = AnnualizedVolatility(rets)
		out.SharpeRatio = Sharpe(rets, e.cfg.RiskFreeRate)
		out.SortinoRatio = Sortino(rets, e.cfg.RiskFreeRate)
		out.MaxDrawdown = MaxDrawdown(in.History)
		if n := min(len(rets), len(in.Benchmark)); n >= 2 {
			if b, err := Beta(rets[len(rets)-n:], in.Benchmark[len(in.Benchmark)-n:]); err == nil {
				out.Beta = &b
			}
		}
	}

	return out, nil
}

// Performance 按配置的无风险利率计算业绩
func (e *Engine) Performance(values []float64) (Performance, error) {
	return ComputePerformance(values, e.cfg.RiskFreeRate)
}
