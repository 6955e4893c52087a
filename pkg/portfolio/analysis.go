package portfolio

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/market"
	"valuation.com/pkg/metrics"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/worker"
)

// historyWindow 风险分析读取的历史长度 (一年交易日)
const historyWindow = risk.TradingDays

// RiskRequest 风险分析请求，0 表示使用配置值
type RiskRequest struct {
	Simulations int   `form:"simulations" json:"simulations"`
	Seed        int64 `form:"seed" json:"seed"`
}

// inlineOpts 计算池内部使用的估值参数
// 蒙特卡洛种子为 0 时换成本次调用固定的种子，保证同一次分析内各次估值使用相同的随机数
func (e *Engine) inlineOpts(seed int64) valuationOpts {
	if seed == 0 {
		seed = time.Now().UnixNano() | 1
	}
	model := e.cfg.Model
	if model.Kind == pricing.KindMonteCarlo && model.MonteCarlo.Seed == 0 {
		model.MonteCarlo.Seed = seed
	}
	american := e.cfg.americanMC()
	if american.Seed == 0 {
		american.Seed = seed
	}
	return valuationOpts{model: model, american: american, price: inlinePrice}
}

// RiskMetrics 组合风险指标 (VaR / ES / 参数法 VaR / 历史指标)
// 在状态拷贝上计算，整个计算作为一个任务提交到计算池
func (e *Engine) RiskMetrics(ctx context.Context, req RiskRequest) (risk.Metrics, error) {
	if req.Simulations < 0 {
		return risk.Metrics{}, errs.Validation("simulations must be >= 0, got %d", req.Simulations)
	}
	start := time.Now()
	defer func() {
		metrics.ValuationDuration.WithLabelValues("risk").Observe(time.Since(start).Seconds())
	}()

	seq, st := e.view()
	st.mkt.AsOf = e.cfg.Clock()

	// 历史是 IO，不放进计算池
	symbols := st.underlyings()
	if b := strings.ToUpper(e.risk.Config().Benchmark); b != "" && !slices.Contains(symbols, b) {
		symbols = append(symbols, b)
	}
	values, prices := e.loadHistory(ctx, symbols)
	opts := e.inlineOpts(req.Seed)

	return worker.Do(ctx, e.pool, func(ctx context.Context) (risk.Metrics, error) {
		snap, err := e.valuate(ctx, seq, st, opts)
		if err != nil {
			return risk.Metrics{}, err
		}
		in := riskInput(snap, prices)
		in.History = values
		if series := prices[e.benchmark(snap)]; len(series) >= 2 {
			in.Benchmark = risk.Returns(series)
		}
		in.Simulations = req.Simulations
		in.Seed = req.Seed
		return e.risk.Metrics(ctx, in)
	})
}

// StressTest 压力测试，scenarios 为空时使用默认情景
// 基准和各情景用同一组随机数估值，0 幅度情景的 PnL 严格为 0
func (e *Engine) StressTest(ctx context.Context, scenarios []risk.Scenario) (risk.StressReport, error) {
	if len(scenarios) == 0 {
		scenarios = risk.DefaultScenarios()
	}
	for _, s := range scenarios {
		if err := s.Validate(); err != nil {
			return risk.StressReport{}, err
		}
	}
	start := time.Now()
	defer func() {
		metrics.ValuationDuration.WithLabelValues("stress").Observe(time.Since(start).Seconds())
	}()

	seq, st := e.view()
	st.mkt.AsOf = e.cfg.Clock()
	opts := e.inlineOpts(0)

	return worker.Do(ctx, e.pool, func(ctx context.Context) (risk.StressReport, error) {
		return e.risk.StressTest(ctx, st.mkt, scenarios, func(ctx context.Context, mkt market.Context) (float64, error) {
			shocked := st
			shocked.mkt = mkt
			snap, err := e.valuate(ctx, seq, shocked, opts)
			if err != nil {
				return 0, err
			}
			return snap.PortfolioValue, nil
		})
	})
}

// Performance 业绩分析
// values 为空时使用历史中的组合价值序列
func (e *Engine) Performance(ctx context.Context, values []float64) (risk.Performance, error) {
	if len(values) == 0 {
		if e.history == nil {
			return risk.Performance{}, errs.Validation("no values supplied and no history configured")
		}
		var err error
		values, err = e.history.ValueSeries(ctx, 0)
		if err != nil {
			return risk.Performance{}, errs.Upstream("load value history: %v", err)
		}
	}
	return e.risk.Performance(values)
}

// benchmark Beta 的基准标的: 配置优先，否则取持仓净值绝对值最大的标的
func (e *Engine) benchmark(snap Snapshot) string {
	if b := e.risk.Config().Benchmark; b != "" {
		return strings.ToUpper(b)
	}
	var (
		best    string
		bestAbs float64
	)
	for sym, v := range snap.Exposures.ByUnderlying {
		abs := math.Abs(v)
		if abs > bestAbs || (abs == bestAbs && abs > 0 && sym < best) {
			best, bestAbs = sym, abs
		}
	}
	return best
}

// loadHistory 读取组合价值和各标的价格历史，失败只记日志
func (e *Engine) loadHistory(ctx context.Context, symbols []string) ([]float64, map[string][]float64) {
	if e.history == nil {
		return nil, nil
	}
	values, err := e.history.ValueSeries(ctx, historyWindow+1)
	if err != nil {
		e.log.Warn("load value history failed", zap.Error(err))
		values = nil
	}
	prices := make(map[string][]float64, len(symbols))
	for _, sym := range symbols {
		series, err := e.history.PriceSeries(ctx, sym, historyWindow+1)
		if err != nil {
			e.log.Warn("load price history failed", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		prices[sym] = series
	}
	return values, prices
}

// riskInput 由快照构造风险引擎输入
// - 组合波动率: 按持仓绝对价值加权的模型波动率
// - 参数法: 按标的聚合的权重和波动率，相关性来自价格历史 (不足时视为完全相关)
func riskInput(snap Snapshot, prices map[string][]float64) risk.MetricsInput {
	in := risk.MetricsInput{PortfolioValue: snap.PortfolioValue}

	type agg struct{ value, gross, volWeighted float64 }
	byUnderlying := make(map[string]*agg)
	var gross, weighted float64
	for _, v := range snap.Positions {
		if v.Stale {
			continue
		}
		abs := math.Abs(v.Value)
		gross += abs
		weighted += abs * v.Volatility

		a := byUnderlying[v.Underlying]
		if a == nil {
			a = &agg{}
			byUnderlying[v.Underlying] = a
		}
		a.value += v.Value
		a.gross += abs
		a.volWeighted += abs * v.Volatility
	}
	if gross > 0 {
		in.Volatility = weighted / gross
	}
	if snap.PortfolioValue == 0 || len(byUnderlying) == 0 {
		return in
	}

	symbols := make([]string, 0, len(byUnderlying))
	for s := range byUnderlying {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	in.Symbols = symbols
	for _, s := range symbols {
		a := byUnderlying[s]
		vol := 0.0
		if a.gross > 0 {
			vol = a.volWeighted / a.gross
		}
		in.Weights = append(in.Weights, a.value/snap.PortfolioValue)
		in.Vols = append(in.Vols, vol)
	}
	in.Correlation = correlation(symbols, prices)
	return in
}

// correlation 由价格历史计算收益相关性；任一标的历史不足返回 nil
func correlation(symbols []string, prices map[string][]float64) [][]float64 {
	if len(symbols) < 2 {
		return nil
	}
	n := math.MaxInt
	for _, s := range symbols {
		n = min(n, len(prices[s]))
	}
	if n < 3 {
		return nil
	}
	series := make([][]float64, len(symbols))
	for i, s := range symbols {
		p := prices[s]
		series[i] = risk.Returns(p[len(p)-n:])
	}
	corr, err := risk.CorrelationMatrix(series)
	if err != nil {
		return nil
	}
	return corr
}

// underlyings 持仓涉及的标的，排序去重
func (s *state) underlyings() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range s.positions {
		inst, ok := s.instruments[p.InstrumentID]
		if !ok {
			continue
		}
		sym := inst.PricingSymbol()
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
