package risk

import (
	"math"

	"valuation.com/pkg/errs"
)

// =============================================================================
// 收益序列统计
// =============================================================================

// Returns 由价值序列计算简单收益率
// 非正的前值无法计算收益，跳过
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] <= 0 {
			continue
		}
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// Mean 均值
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// Volatility 样本标准差 (n-1)，样本数 < 2 时为 0
func Volatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	m := Mean(returns)
	var ss float64
	for _, r := range returns {
		ss += (r - m) * (r - m)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// AnnualizedVolatility 日收益波动率年化
func AnnualizedVolatility(dailyReturns []float64) float64 {
	return Volatility(dailyReturns) * math.Sqrt(TradingDays)
}

// Beta 组合相对基准的 Beta = Cov(p, b) / Var(b)
func Beta(portfolio, benchmark []float64) (float64, error) {
	if len(portfolio) != len(benchmark) {
		return 0, errs.Validation("beta needs equal-length series (%d vs %d)", len(portfolio), len(benchmark))
	}
	if len(portfolio) < 2 {
		return 0, errs.Validation("beta needs at least 2 observations")
	}
	mp, mb := Mean(portfolio), Mean(benchmark)
	var cov, varB float64
	for i := range portfolio {
		cov += (portfolio[i] - mp) * (benchmark[i] - mb)
		varB += (benchmark[i] - mb) * (benchmark[i] - mb)
	}
	if varB == 0 {
		return 0, errs.Computation("benchmark has zero variance")
	}
	return cov / varB, nil
}

// Sharpe 年化夏普比率 (日收益)
func Sharpe(dailyReturns []float64, riskFree float64) float64 {
	vol := AnnualizedVolatility(dailyReturns)
	if vol == 0 {
		return 0
	}
	return (Mean(dailyReturns)*TradingDays - riskFree) / vol
}

// Sortino 年化索提诺比率，只用下行波动
func Sortino(dailyReturns []float64, riskFree float64) float64 {
	if len(dailyReturns) == 0 {
		return 0
	}
	var ss float64
	for _, r := range dailyReturns {
		if r < 0 {
			ss += r * r
		}
	}
	downside := math.Sqrt(ss/float64(len(dailyReturns))) * math.Sqrt(TradingDays)
	if downside == 0 {
		return 0
	}
	return (Mean(dailyReturns)*TradingDays - riskFree) / downside
}

// MaxDrawdown 最大回撤 (正数比例)
func MaxDrawdown(values []float64) float64 {
	var peak, maxDD float64
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// =============================================================================
// 业绩分析
// =============================================================================

// Performance 业绩指标
type Performance struct {
	Observations       int     `json:"observations"`
	TotalReturn        float64 `json:"total_return"`
	AnnualizedReturn   float64 `json:"annualized_return"`
	Volatility         float64 `json:"volatility"`
	SharpeRatio        float64 `json:"sharpe_ratio"`
	SortinoRatio       float64 `json:"sortino_ratio"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	CalmarRatio        float64 `json:"calmar_ratio"`
	BestPeriodReturn   float64 `json:"best_period_return"`
	WorstPeriodReturn  float64 `json:"worst_period_return"`
	PositivePeriodsPct float64 `json:"positive_periods_pct"`
}

// ComputePerformance 由按日的组合价值序列计算业绩指标
func ComputePerformance(values []float64, riskFree float64) (Performance, error) {
	if len(values) < 2 {
		return Performance{}, errs.Validation("performance needs at least 2 observations, got %d", len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Performance{}, errs.Validation("non-finite value at index %d", i)
		}
	}
	if values[0] <= 0 {
		return Performance{}, errs.Validation("first value must be positive")
	}

	rets := Returns(values)
	p := Performance{
		Observations: len(values),
		TotalReturn:  values[len(values)-1]/values[0] - 1,
		Volatility:   AnnualizedVolatility(rets),
		SharpeRatio:  Sharpe(rets, riskFree),
		SortinoRatio: Sortino(rets, riskFree),
		MaxDrawdown:  MaxDrawdown(values),
	}

	periods := float64(len(values) - 1)
	if p.TotalReturn > -1 {
		p.AnnualizedReturn = math.Pow(1+p.TotalReturn, TradingDays/periods) - 1
	} else {
		p.AnnualizedReturn = -1
	}
	if p.MaxDrawdown > 0 {
		p.CalmarRatio = p.AnnualizedReturn / p.MaxDrawdown
	}

	if len(rets) > 0 {
		p.BestPeriodReturn, p.WorstPeriodReturn = rets[0], rets[0]
		positive := 0
		for _, r := range rets {
			p.BestPeriodReturn = math.Max(p.BestPeriodReturn, r)
			p.WorstPeriodReturn = math.Min(p.WorstPeriodReturn, r)
			if r > 0 {
				positive++
			}
		}
		p.PositivePeriodsPct = float64(positive) / float64(len(rets)) * 100
	}
	return p, nil
}

// =============================================================================
// 相关性与参数法 VaR
// =============================================================================

// CorrelationMatrix 多个收益序列的 Pearson 相关系数矩阵
func CorrelationMatrix(series [][]float64) ([][]float64, error) {
	n := len(series)
	if n == 0 {
		return nil, errs.Validation("no series")
	}
	length := len(series[0])
	for i, s := range series {
		if len(s) != length {
			return nil, errs.Validation("series %d has length %d, want %d", i, len(s), length)
		}
	}
	if length < 2 {
		return nil, errs.Validation("correlation needs at least 2 observations")
	}

	means := make([]float64, n)
	stds := make([]float64, n)
	for i, s := range series {
		means[i] = Mean(s)
		stds[i] = Volatility(s)
	}

	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var c float64
			if stds[i] > 0 && stds[j] > 0 {
				var cov float64
				for k := 0; k < length; k++ {
					cov += (series[i][k] - means[i]) * (series[j][k] - means[j])
				}
				cov /= float64(length - 1)
				c = cov / (stds[i] * stds[j])
			}
			out[i][j], out[j][i] = c, c
		}
	}
	return out, nil
}

// ParametricVaR 方差-协方差法 VaR (金额)
//
// σ_p² = Σ_i Σ_j w_i w_j σ_i σ_j ρ_ij，VaR = z_c · σ_p · √(h/252) · value
// corr 为 nil 时视为完全相关
func ParametricVaR(weights, vols []float64, corr [][]float64, value, confidence float64, horizonDays int) (float64, error) {
	if err := validateConfidence(confidence); err != nil {
		return 0, err
	}
	if len(weights) != len(vols) {
		return 0, errs.Validation("weights and vols length mismatch")
	}
	if corr != nil && len(corr) != len(weights) {
		return 0, errs.Validation("correlation matrix size mismatch")
	}
	if horizonDays < 1 {
		return 0, errs.Validation("horizon must be >= 1 day")
	}

	var variance float64
	for i := range weights {
		for j := range weights {
			rho := 1.0
			if corr != nil {
				rho = corr[i][j]
			}
			variance += weights[i] * weights[j] * vols[i] * vols[j] * rho
		}
	}
	if variance < 0 {
		variance = 0
	}
	sigma := math.Sqrt(variance) * math.Sqrt(float64(horizonDays)/TradingDays)
	return ZScore(confidence) * sigma * math.Abs(value), nil
}

// ComponentVaR 参数法 VaR 按资产分解 (Euler 分配)
//
// c_i = w_i · Σ_j w_j σ_i σ_j ρ_ij / σ_p² · VaR_p，各成分之和等于 VaR_p。
// 组合方差为 0 时所有成分为 0
func ComponentVaR(weights, vols []float64, corr [][]float64, value, confidence float64, horizonDays int) ([]float64, error) {
	total, err := ParametricVaR(weights, vols, corr, value, confidence, horizonDays)
	if err != nil {
		return nil, err
	}
	contrib := make([]float64, len(weights))
	var variance float64
	for i := range weights {
		for j := range weights {
			rho := 1.0
			if corr != nil {
				rho = corr[i][j]
			}
			contrib[i] += weights[i] * weights[j] * vols[i] * vols[j] * rho
		}
		variance += contrib[i]
	}
	out := make([]float64, len(weights))
	if variance <= 0 {
		return out, nil
	}
	for i := range contrib {
		out[i] = contrib[i] / variance * total
	}
	return out, nil
}

// ZScore 标准正态分位数 Φ⁻¹(c)
func ZScore(c float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*c-1)
}
