package pricing

import (
	"math"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
)

/*
Greeks 是衡量期权价格对不同市场因素敏感度的指标。对于欧式期权：

Delta: 标的价格变动 1 单位时，期权价格的变动量。

Gamma: 标的价格变动 1 单位时，Delta 的变动量。

Vega: 波动率变动 1.00 (即 100 个点) 时，期权价格的变动量。

Theta: 每过一年，期权价格的变动量 (通常为负，时间价值流逝)。

Rho: 利率变动 1.00 时，期权价格的变动量。
*/

// Greeks 期权敏感度
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
	Rho   float64 `json:"rho"`
}

// Scale 按数量缩放 (用于乘数和持仓数量)
func (g Greeks) Scale(k float64) Greeks {
	return Greeks{
		Delta: g.Delta * k,
		Gamma: g.Gamma * k,
		Vega:  g.Vega * k,
		Theta: g.Theta * k,
		Rho:   g.Rho * k,
	}
}

// Add 累加
func (g Greeks) Add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta,
		Gamma: g.Gamma + o.Gamma,
		Vega:  g.Vega + o.Vega,
		Theta: g.Theta + o.Theta,
		Rho:   g.Rho + o.Rho,
	}
}

// BSInput Black-Scholes 输入
// Spot: 当前标的价格
// Strike: 执行价
// Rate: 无风险利率 (连续复利，年化)
// Dividend: 连续股息率
// Vol: 年化波动率
// T: 剩余到期时间 (年)
type BSInput struct {
	Spot     float64
	Strike   float64
	Rate     float64
	Dividend float64
	Vol      float64
	T        float64
}

// BlackScholes 计算欧式期权价格和 Greeks
//
// 边界处理：
// - T <= 0 (已到期)：价格为内在价值，Greeks 全为 0
// - Vol = 0：价格确定，为贴现后的内在价值 max(S·e^{-qT} - K·e^{-rT}, 0)
func BlackScholes(kind instrument.OptionKind, in BSInput) (float64, Greeks, error) {
	if err := validateBSInputs(in); err != nil {
		return 0, Greeks{}, err
	}
	S, K, r, q, sigma, T := in.Spot, in.Strike, in.Rate, in.Dividend, in.Vol, in.T

	// 已到期，只剩内在价值
	if T <= 0 {
		return intrinsic(kind, S, K), Greeks{}, nil
	}

	dq := math.Exp(-q * T)
	dr := math.Exp(-r * T)

	// 波动率为 0，价格是确定的
	if sigma == 0 {
		fwdS, pvK := S*dq, K*dr
		var g Greeks
		switch kind {
		case instrument.Call:
			if fwdS > pvK {
				g.Delta = dq
				g.Rho = K * T * dr
				g.Theta = q*fwdS - r*pvK
			}
			return math.Max(fwdS-pvK, 0), g, nil
		default:
			if pvK > fwdS {
				g.Delta = -dq
				g.Rho = -K * T * dr
				g.Theta = r*pvK - q*fwdS
			}
			return math.Max(pvK-fwdS, 0), g, nil
		}
	}

	sqrtT := math.Sqrt(T)
	d1 := calcD1(S, K, r, q, sigma, T)
	d2 := d1 - sigma*sqrtT
	pdf := normPDF(d1)

	g := Greeks{
		Gamma: dq * pdf / (S * sigma * sqrtT),
		Vega:  S * dq * pdf * sqrtT,
	}
	decay := -S * dq * pdf * sigma / (2 * sqrtT)

	var price float64
	switch kind {
	case instrument.Call:
		price = S*dq*normCDF(d1) - K*dr*normCDF(d2)
		g.Delta = dq * normCDF(d1)
		g.Theta = decay - r*K*dr*normCDF(d2) + q*S*dq*normCDF(d1)
		g.Rho = K * T * dr * normCDF(d2)
	default:
		price = K*dr*normCDF(-d2) - S*dq*normCDF(-d1)
		g.Delta = dq * (normCDF(d1) - 1)
		g.Theta = decay + r*K*dr*normCDF(-d2) - q*S*dq*normCDF(-d1)
		g.Rho = -K * T * dr * normCDF(-d2)
	}

	if !isFinite(price) {
		return 0, Greeks{}, errs.Computation("black-scholes produced %v", price)
	}
	return price, g, nil
}

// PriceCallBS 欧式看涨期权价格
func PriceCallBS(S, K, r, q, sigma, T float64) (float64, error) {
	p, _, err := BlackScholes(instrument.Call, BSInput{Spot: S, Strike: K, Rate: r, Dividend: q, Vol: sigma, T: T})
	return p, err
}

// PricePutBS 欧式看跌期权价格
func PricePutBS(S, K, r, q, sigma, T float64) (float64, error) {
	p, _, err := BlackScholes(instrument.Put, BSInput{Spot: S, Strike: K, Rate: r, Dividend: q, Vol: sigma, T: T})
	return p, err
}

// validateBSInputs 检查 Black-Scholes 输入的有效性
func validateBSInputs(in BSInput) error {
	for _, v := range []float64{in.Spot, in.Strike, in.Rate, in.Dividend, in.Vol, in.T} {
		if !isFinite(v) {
			return errs.Validation("non-finite black-scholes input")
		}
	}
	// 当前标的价格和执行价必须大于零
	if in.Spot <= 0 || in.Strike <= 0 {
		return errs.Validation("spot and strike must be positive (spot=%v strike=%v)", in.Spot, in.Strike)
	}
	if in.Vol < 0 {
		return errs.Validation("volatility must be >= 0, got %v", in.Vol)
	}
	return nil
}

// calcD1 d1 = [ln(S/K) + (r - q + 0.5*sigma^2)T] / (sigma * sqrt(T))
func calcD1(S, K, r, q, sigma, T float64) float64 {
	return (math.Log(S/K) + (r-q+0.5*sigma*sigma)*T) / (sigma * math.Sqrt(T))
}

func intrinsic(kind instrument.OptionKind, S, K float64) float64 {
	if kind == instrument.Call {
		return math.Max(S-K, 0)
	}
	return math.Max(K-S, 0)
}

// normCDF 标准正态分布 CDF
// N(x) = 0.5 * (1 + erf(x / sqrt(2)))
func normCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// normPDF 标准正态分布 PDF
func normPDF(x float64) float64 {
	return (1.0 / math.Sqrt(2*math.Pi)) * math.Exp(-0.5*x*x)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
