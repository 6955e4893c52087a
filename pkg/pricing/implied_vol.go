package pricing

import (
	"math"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
)

const (
	ivTolerance     = 1e-8
	ivMaxIterations = 100
	ivLow           = 1e-6
	ivHigh          = 5.0
)

// ImpliedVolatility 通过期权市场价格反推隐含波动率
//
// 先用牛顿法 (以 Vega 为导数)，Vega 太小或跳出区间时退回二分法
func ImpliedVolatility(kind instrument.OptionKind, S, K, r, q, T, marketPrice float64) (float64, error) {
	if T <= 0 {
		return 0, errs.Validation("implied volatility needs T > 0")
	}
	if !isFinite(marketPrice) || marketPrice <= 0 {
		return 0, errs.Validation("market price must be positive, got %v", marketPrice)
	}

	in := BSInput{Spot: S, Strike: K, Rate: r, Dividend: q, T: T}

	// 价格必须落在无套利区间内
	lo, _, err := BlackScholes(kind, withVol(in, ivLow))
	if err != nil {
		return 0, err
	}
	hi, _, err := BlackScholes(kind, withVol(in, ivHigh))
	if err != nil {
		return 0, err
	}
	if marketPrice < lo-ivTolerance || marketPrice > hi+ivTolerance {
		return 0, errs.Computation("market price %v outside model range [%v, %v]", marketPrice, lo, hi)
	}

	// 初始猜测波动率，从 20% 开始
	sigma := 0.2
	a, b := ivLow, ivHigh
	for i := 0; i < ivMaxIterations; i++ {
		price, g, err := BlackScholes(kind, withVol(in, sigma))
		if err != nil {
			return 0, err
		}
		diff := price - marketPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, nil
		}

		// 维护二分区间
		if diff > 0 {
			b = sigma
		} else {
			a = sigma
		}

		next := sigma - diff/g.Vega
		if g.Vega < 1e-10 || next <= a || next >= b || !isFinite(next) {
			next = 0.5 * (a + b)
		}
		sigma = next
	}
	return 0, errs.Computation("implied volatility failed to converge")
}

func withVol(in BSInput, sigma float64) BSInput {
	in.Vol = sigma
	return in
}
