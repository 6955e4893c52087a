// 文件: pkg/instrument/instrument.go
// 合约模型: 股票 / 期权
//
// 【设计】
// - Instrument 是一个封闭的标签联合 (tagged variant)：Kind 决定 Stock / Option 哪个字段有效
// - 构造后不可变，注册表只保存值拷贝
// - 所有校验失败都返回 errs.ErrValidation

package instrument

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"valuation.com/pkg/errs"
)

// Kind 合约类型
type Kind string

const (
	KindStock  Kind = "stock"
	KindOption Kind = "option"
)

// OptionKind 期权方向
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// Style 行权方式
type Style string

const (
	European Style = "european"
	American Style = "american"
)

// StockTerms 股票条款
type StockTerms struct {
	// Shares: 每单位合约对应的股数，默认 1
	Shares float64 `json:"shares"`

	// Volatility: 年化波动率，用于衍生品定价和风险
	Volatility float64 `json:"volatility"`

	// DividendYield: 连续股息率
	DividendYield float64 `json:"dividend_yield"`
}

// OptionTerms 期权条款
type OptionTerms struct {
	Underlying string     `json:"underlying"`
	OptionKind OptionKind `json:"option_kind"`
	Strike     float64    `json:"strike"`
	Expiry     time.Time  `json:"expiry"`

	// Multiplier: 合约乘数，一张期权对应多少股标的
	Multiplier float64 `json:"multiplier"`
	Style      Style   `json:"style"`

	// Volatility: 0 表示使用标的在行情上下文里的波动率
	Volatility float64 `json:"volatility,omitempty"`
}

// Instrument 可定价的合约
type Instrument struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Currency  string    `json:"currency"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	Stock  *StockTerms  `json:"stock,omitempty"`
	Option *OptionTerms `json:"option,omitempty"`
}

// NewStock 创建股票合约
func NewStock(symbol, currency string, terms StockTerms) (Instrument, error) {
	if terms.Shares == 0 {
		terms.Shares = 1
	}
	inst := Instrument{
		ID:        uuid.NewString(),
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Currency:  normalizeCurrency(currency),
		Kind:      KindStock,
		CreatedAt: time.Now().UTC(),
		Stock:     &terms,
	}
	if err := inst.Validate(); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

// NewOption 创建期权合约
// createdAt 为零值时使用当前时间
func NewOption(symbol, currency string, createdAt time.Time, terms OptionTerms) (Instrument, error) {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if terms.Multiplier == 0 {
		terms.Multiplier = 1
	}
	if terms.Style == "" {
		terms.Style = European
	}
	terms.Underlying = strings.ToUpper(strings.TrimSpace(terms.Underlying))

	inst := Instrument{
		ID:        uuid.NewString(),
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Currency:  normalizeCurrency(currency),
		Kind:      KindOption,
		CreatedAt: createdAt,
		Option:    &terms,
	}
	if err := inst.Validate(); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

// Validate 校验合约条款
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return errs.Validation("symbol is required")
	}
	switch i.Kind {
	case KindStock:
		if i.Stock == nil || i.Option != nil {
			return errs.Validation("stock %s: terms mismatch", i.Symbol)
		}
		s := i.Stock
		if !finite(s.Shares) || s.Shares <= 0 {
			return errs.Validation("stock %s: shares must be positive", i.Symbol)
		}
		if !finite(s.Volatility) || s.Volatility < 0 {
			return errs.Validation("stock %s: volatility must be >= 0", i.Symbol)
		}
		if !finite(s.DividendYield) || s.DividendYield < 0 {
			return errs.Validation("stock %s: dividend yield must be >= 0", i.Symbol)
		}

	case KindOption:
		if i.Option == nil || i.Stock != nil {
			return errs.Validation("option %s: terms mismatch", i.Symbol)
		}
		o := i.Option
		if o.Underlying == "" {
			return errs.Validation("option %s: underlying is required", i.Symbol)
		}
		if o.OptionKind != Call && o.OptionKind != Put {
			return errs.Validation("option %s: unknown option kind %q", i.Symbol, o.OptionKind)
		}
		if o.Style != European && o.Style != American {
			return errs.Validation("option %s: unknown style %q", i.Symbol, o.Style)
		}
		if !finite(o.Strike) || o.Strike <= 0 {
			return errs.Validation("option %s: strike must be positive", i.Symbol)
		}
		if !finite(o.Multiplier) || o.Multiplier <= 0 {
			return errs.Validation("option %s: multiplier must be positive", i.Symbol)
		}
		if !finite(o.Volatility) || o.Volatility < 0 {
			return errs.Validation("option %s: volatility must be >= 0", i.Symbol)
		}
		if !o.Expiry.After(i.CreatedAt) {
			return errs.Validation("option %s: expiry must be after creation", i.Symbol)
		}

	default:
		return errs.Validation("unknown instrument kind %q", i.Kind)
	}
	return nil
}

// PricingSymbol 返回定价所依赖的行情 symbol
// 股票是自身，期权是标的
func (i Instrument) PricingSymbol() string {
	if i.Kind == KindOption && i.Option != nil {
		return i.Option.Underlying
	}
	return i.Symbol
}

// Multiplier 单位合约的乘数
func (i Instrument) Multiplier() float64 {
	switch i.Kind {
	case KindOption:
		return i.Option.Multiplier
	case KindStock:
		return i.Stock.Shares
	}
	return 1
}

// IsDerivative 是否需要模型定价
func (i Instrument) IsDerivative() bool {
	return i.Kind == KindOption
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD"
	}
	return c
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
