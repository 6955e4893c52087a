package risk

import (
	"math"
	"sort"

	"valuation.com/pkg/errs"
)

// CalculateVaR 历史模拟法 VaR
//
// returns 是收益率样本 (小数，-0.05 表示亏 5%)。
// 升序排序后取 idx = floor((1-c)·n) 处的收益，VaR = -sorted[idx]。
// 结果是损失比例，正数表示亏损。c 越大 idx 越小，所以 VaR 随置信度单调不减。
func CalculateVaR(returns []float64, confidence float64) (float64, error) {
	sorted, idx, err := tail(returns, confidence)
	if err != nil {
		return 0, err
	}
	return -sorted[idx], nil
}

// ExpectedShortfall 条件 VaR (CVaR)
//
// 所有不高于 VaR 阈值的收益的平均损失。阈值样本本身包含在内，所以 ES >= VaR 恒成立。
func ExpectedShortfall(returns []float64, confidence float64) (float64, error) {
	sorted, idx, err := tail(returns, confidence)
	if err != nil {
		return 0, err
	}
	threshold := sorted[idx]

	var sum float64
	var n int
	for _, r := range sorted {
		if r > threshold {
			break
		}
		sum += r
		n++
	}
	return -sum / float64(n), nil
}

// tail 校验输入并返回升序样本和 VaR 下标
func tail(returns []float64, confidence float64) ([]float64, int, error) {
	if err := validateConfidence(confidence); err != nil {
		return nil, 0, err
	}
	if len(returns) == 0 {
		return nil, 0, errs.Validation("empty return sample")
	}
	sorted := make([]float64, len(returns))
	for i, r := range returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, 0, errs.Validation("non-finite return at index %d", i)
		}
		sorted[i] = r
	}
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted, idx, nil
}

func validateConfidence(c float64) error {
	if math.IsNaN(c) || c <= 0 || c >= 1 {
		return errs.Validation("confidence must be in (0,1), got %v", c)
	}
	return nil
}
