package pricing

import (
	"context"
	"math"
	"math/rand"
	"time"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
)

// cancelCheckEvery 每模拟多少条路径检查一次 ctx
const cancelCheckEvery = 1024

// MonteCarloConfig 蒙特卡洛参数
type MonteCarloConfig struct {
	Paths int `json:"paths" mapstructure:"paths"`
	Steps int `json:"steps" mapstructure:"steps"`

	// Seed: 非 0 时结果完全可复现；0 表示每次调用重新播种
	Seed int64 `json:"seed" mapstructure:"seed"`
}

// DefaultMonteCarloConfig 默认配置
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{Paths: 10000, Steps: 50}
}

func (c MonteCarloConfig) validate() error {
	if c.Paths < 2 {
		return errs.Validation("monte carlo needs at least 2 paths, got %d", c.Paths)
	}
	if c.Steps < 1 {
		return errs.Validation("monte carlo needs at least 1 step, got %d", c.Steps)
	}
	return nil
}

func (c MonteCarloConfig) rng() *rand.Rand {
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// MCResult 蒙特卡洛定价结果
type MCResult struct {
	Price    float64
	StdError float64
	Paths    int
}

// MonteCarloEuropean 蒙特卡洛定价欧式期权
//
// 在对数空间模拟几何布朗运动：
//
//	ln S(t+dt) = ln S(t) + (r - q - σ²/2)dt + σ√dt·Z
//
// 价格 = 贴现后的终值收益均值，标准误 = 样本标准差 / √paths
func MonteCarloEuropean(ctx context.Context, kind instrument.OptionKind, in BSInput, cfg MonteCarloConfig) (MCResult, error) {
	if err := cfg.validate(); err != nil {
		return MCResult{}, err
	}
	if err := validateBSInputs(in); err != nil {
		return MCResult{}, err
	}
	if in.T <= 0 {
		return MCResult{Price: intrinsic(kind, in.Spot, in.Strike), Paths: cfg.Paths}, nil
	}

	r := cfg.rng()
	dt := in.T / float64(cfg.Steps)
	drift := (in.Rate - in.Dividend - 0.5*in.Vol*in.Vol) * dt
	diffusion := in.Vol * math.Sqrt(dt)
	logS0 := math.Log(in.Spot)
	discount := math.Exp(-in.Rate * in.T)

	var sum, sumSq float64
	for p := 0; p < cfg.Paths; p++ {
		if p%cancelCheckEvery == 0 {
			if err := errs.FromContext(ctx); err != nil {
				return MCResult{}, err
			}
		}
		logS := logS0
		for s := 0; s < cfg.Steps; s++ {
			logS += drift + diffusion*r.NormFloat64()
		}
		payoff := discount * intrinsic(kind, math.Exp(logS), in.Strike)
		sum += payoff
		sumSq += payoff * payoff
	}

	return summarize(sum, sumSq, cfg.Paths)
}

// MonteCarloAmerican Longstaff-Schwartz 最小二乘蒙特卡洛定价美式期权
//
// 1. 正向模拟所有路径
// 2. 从到期日倒推，在每个时间点对价内路径用 (1, S, S²) 回归继续持有的价值
// 3. 立即行权价值大于回归的继续价值时，该路径在此处行权
func MonteCarloAmerican(ctx context.Context, kind instrument.OptionKind, in BSInput, cfg MonteCarloConfig) (MCResult, error) {
	if err := cfg.validate(); err != nil {
		return MCResult{}, err
	}
	if err := validateBSInputs(in); err != nil {
		return MCResult{}, err
	}
	if in.T <= 0 {
		return MCResult{Price: intrinsic(kind, in.Spot, in.Strike), Paths: cfg.Paths}, nil
	}

	r := cfg.rng()
	n, m := cfg.Paths, cfg.Steps
	dt := in.T / float64(m)
	drift := (in.Rate - in.Dividend - 0.5*in.Vol*in.Vol) * dt
	diffusion := in.Vol * math.Sqrt(dt)
	stepDiscount := math.Exp(-in.Rate * dt)

	// paths[p][t], t = 1..m (t=0 是 Spot，不存)
	paths := make([][]float64, n)
	for p := 0; p < n; p++ {
		if p%cancelCheckEvery == 0 {
			if err := errs.FromContext(ctx); err != nil {
				return MCResult{}, err
			}
		}
		row := make([]float64, m)
		logS := math.Log(in.Spot)
		for t := 0; t < m; t++ {
			logS += drift + diffusion*r.NormFloat64()
			row[t] = math.Exp(logS)
		}
		paths[p] = row
	}

	// cash[p]: 该路径的现金流，已贴现到当前倒推的时间点
	cash := make([]float64, n)
	for p := 0; p < n; p++ {
		cash[p] = intrinsic(kind, paths[p][m-1], in.Strike)
	}

	itm := make([]int, 0, n)
	for t := m - 2; t >= 0; t-- {
		if err := errs.FromContext(ctx); err != nil {
			return MCResult{}, err
		}
		// 现金流贴现一步
		for p := range cash {
			cash[p] *= stepDiscount
		}

		itm = itm[:0]
		for p := 0; p < n; p++ {
			if intrinsic(kind, paths[p][t], in.Strike) > 0 {
				itm = append(itm, p)
			}
		}
		if len(itm) < 3 {
			continue
		}

		beta, ok := regressQuadratic(paths, cash, itm, t)
		if !ok {
			continue
		}
		for _, p := range itm {
			s := paths[p][t]
			exercise := intrinsic(kind, s, in.Strike)
			continuation := beta[0] + beta[1]*s + beta[2]*s*s
			if exercise > continuation {
				cash[p] = exercise
			}
		}
	}

	var sum, sumSq float64
	for p := 0; p < n; p++ {
		v := cash[p] * stepDiscount
		sum += v
		sumSq += v * v
	}
	res, err := summarize(sum, sumSq, n)
	if err != nil {
		return MCResult{}, err
	}

	// 美式期权至少值立即行权
	if now := intrinsic(kind, in.Spot, in.Strike); now > res.Price {
		res.Price = now
	}
	return res, nil
}

// regressQuadratic 对价内路径做 y = b0 + b1·S + b2·S² 的最小二乘
// 为了数值稳定，S 先按 Spot 的量级归一化
func regressQuadratic(paths [][]float64, y []float64, idx []int, t int) ([3]float64, bool) {
	var scale float64
	for _, p := range idx {
		scale += paths[p][t]
	}
	scale /= float64(len(idx))
	if scale <= 0 {
		return [3]float64{}, false
	}

	// 正规方程 (X'X) b = X'y
	var a [3][4]float64
	for _, p := range idx {
		x := paths[p][t] / scale
		basis := [3]float64{1, x, x * x}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a[i][j] += basis[i] * basis[j]
			}
			a[i][3] += basis[i] * y[p]
		}
	}

	b, ok := solve3(a)
	if !ok {
		return [3]float64{}, false
	}
	// 换回原始量纲
	return [3]float64{b[0], b[1] / scale, b[2] / (scale * scale)}, true
}

// solve3 高斯消元 (部分选主元) 解 3x3 线性方程组
func solve3(a [3][4]float64) ([3]float64, bool) {
	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return [3]float64{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		for row := col + 1; row < 3; row++ {
			f := a[row][col] / a[col][col]
			for k := col; k < 4; k++ {
				a[row][k] -= f * a[col][k]
			}
		}
	}
	var x [3]float64
	for i := 2; i >= 0; i-- {
		s := a[i][3]
		for j := i + 1; j < 3; j++ {
			s -= a[i][j] * x[j]
		}
		x[i] = s / a[i][i]
	}
	return x, true
}

func summarize(sum, sumSq float64, n int) (MCResult, error) {
	mean := sum / float64(n)
	variance := (sumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		variance = 0
	}
	res := MCResult{
		Price:    mean,
		StdError: math.Sqrt(variance / float64(n)),
		Paths:    n,
	}
	if !isFinite(res.Price) || !isFinite(res.StdError) {
		return MCResult{}, errs.Computation("monte carlo produced %v", res.Price)
	}
	return res, nil
}
