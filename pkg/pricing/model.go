// 文件: pkg/pricing/model.go
// 定价模型入口
//
// 【设计】
// - Model 是封闭的标签联合：Kind ∈ {black_scholes, monte_carlo}
// - 只有一个分发点 Value()，新增模型只需加一个 case
// - 模型是纯函数：输入合约 + 行情上下文拷贝，输出结果，不持有任何共享状态

package pricing

import (
	"context"
	"fmt"
	"time"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/market"
)

// ModelKind 模型类型
type ModelKind string

const (
	KindBlackScholes ModelKind = "black_scholes"
	KindMonteCarlo   ModelKind = "monte_carlo"
)

// yearLength 年化时间使用的天数
const yearLength = 365.25 * 24 * time.Hour

// Model 定价模型
type Model struct {
	Kind       ModelKind        `json:"kind" mapstructure:"kind"`
	MonteCarlo MonteCarloConfig `json:"monte_carlo" mapstructure:"monte_carlo"`
}

// BlackScholesModel 解析解模型
func BlackScholesModel() Model {
	return Model{Kind: KindBlackScholes}
}

// MonteCarloModel 蒙特卡洛模型
func MonteCarloModel(cfg MonteCarloConfig) Model {
	return Model{Kind: KindMonteCarlo, MonteCarlo: cfg}
}

// Name 模型名称
func (m Model) Name() string {
	return string(m.Kind)
}

// Result 定价结果
type Result struct {
	// Value: 一单位合约的价值 = UnitPrice × 乘数，单位为合约币种
	Value float64 `json:"value"`

	// UnitPrice: 每股 (每单位标的) 的价格
	UnitPrice float64 `json:"unit_price"`

	Currency string `json:"currency"`

	// Greeks: 一单位合约的 Greeks (已乘乘数)，模型不提供时为 nil
	Greeks *Greeks `json:"greeks,omitempty"`

	Model string `json:"model"`

	// StdError / Paths: 蒙特卡洛才有
	StdError float64 `json:"std_error,omitempty"`
	Paths    int     `json:"paths,omitempty"`
}

// Value 给合约定价
func (m Model) Value(ctx context.Context, inst instrument.Instrument, mkt market.Context) (Result, error) {
	switch inst.Kind {
	case instrument.KindStock:
		return m.valueStock(inst, mkt)
	case instrument.KindOption:
		in, err := optionInputs(inst, mkt)
		if err != nil {
			return Result{}, err
		}
		switch m.Kind {
		case KindBlackScholes:
			return m.valueOptionBS(inst, in)
		case KindMonteCarlo:
			return m.valueOptionMC(ctx, inst, in)
		default:
			return Result{}, errs.Unsupported("unknown model %q", m.Kind)
		}
	default:
		return Result{}, errs.Unsupported("unknown instrument kind %q", inst.Kind)
	}
}

func (m Model) valueStock(inst instrument.Instrument, mkt market.Context) (Result, error) {
	if m.Kind == KindMonteCarlo {
		return Result{}, errs.Unsupported("monte carlo does not price stock %s", inst.Symbol)
	}
	if m.Kind != KindBlackScholes {
		return Result{}, errs.Unsupported("unknown model %q", m.Kind)
	}
	spot, ok := mkt.Price(inst.Symbol)
	if !ok {
		return Result{}, errs.Upstream("%s is unpriced", inst.Symbol)
	}
	if err := market.ValidatePrice(spot); err != nil {
		return Result{}, err
	}
	shares := inst.Multiplier()
	return Result{
		Value:     spot * shares,
		UnitPrice: spot,
		Currency:  inst.Currency,
		Greeks:    &Greeks{Delta: shares},
		Model:     m.Name(),
	}, nil
}

func (m Model) valueOptionBS(inst instrument.Instrument, in BSInput) (Result, error) {
	o := inst.Option
	if o.Style == instrument.American {
		return Result{}, errs.Unsupported("black-scholes cannot price american option %s", inst.Symbol)
	}
	price, g, err := BlackScholes(o.OptionKind, in)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", inst.Symbol, err)
	}
	scaled := g.Scale(o.Multiplier)
	return Result{
		Value:     price * o.Multiplier,
		UnitPrice: price,
		Currency:  inst.Currency,
		Greeks:    &scaled,
		Model:     m.Name(),
	}, nil
}

func (m Model) valueOptionMC(ctx context.Context, inst instrument.Instrument, in BSInput) (Result, error) {
	o := inst.Option
	var (
		res MCResult
		err error
	)
	if o.Style == instrument.American {
		res, err = MonteCarloAmerican(ctx, o.OptionKind, in, m.MonteCarlo)
	} else {
		res, err = MonteCarloEuropean(ctx, o.OptionKind, in, m.MonteCarlo)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", inst.Symbol, err)
	}
	return Result{
		Value:     res.Price * o.Multiplier,
		UnitPrice: res.Price,
		Currency:  inst.Currency,
		Model:     m.Name(),
		StdError:  res.StdError * o.Multiplier,
		Paths:     res.Paths,
	}, nil
}

// optionInputs 从行情上下文组装期权定价输入
func optionInputs(inst instrument.Instrument, mkt market.Context) (BSInput, error) {
	o := inst.Option
	spot, ok := mkt.Price(o.Underlying)
	if !ok {
		return BSInput{}, errs.Upstream("underlying %s of %s is unpriced", o.Underlying, inst.Symbol)
	}
	vol, ok := mkt.ResolveVol(o.Underlying, o.Volatility)
	if !ok {
		return BSInput{}, errs.Upstream("no volatility for %s (underlying %s)", inst.Symbol, o.Underlying)
	}
	return BSInput{
		Spot:     spot,
		Strike:   o.Strike,
		Rate:     mkt.Rate,
		Dividend: mkt.Dividend(o.Underlying),
		Vol:      vol,
		T:        YearFraction(mkt.AsOf, o.Expiry),
	}, nil
}

// YearFraction 两个时间点之间的年数 (365.25 天/年)
func YearFraction(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(yearLength)
}
