// 文件: pkg/api/registry.go
// 合约注册 / 成交记录 / 临时定价

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/portfolio"
	"valuation.com/pkg/pricing"
)

// =============================================================================
// 合约
// =============================================================================

type instrumentRequest struct {
	Symbol   string                  `json:"symbol" binding:"required"`
	Currency string                  `json:"currency"`
	Kind     instrument.Kind         `json:"kind" binding:"required,oneof=stock option"`
	Stock    *instrument.StockTerms  `json:"stock"`
	Option   *instrument.OptionTerms `json:"option"`
}

// build 转换成合约，币种为空时使用组合的基础币种
func (r instrumentRequest) build(baseCurrency string, now time.Time) (instrument.Instrument, error) {
	currency := r.Currency
	if currency == "" {
		currency = baseCurrency
	}
	switch r.Kind {
	case instrument.KindStock:
		var terms instrument.StockTerms
		if r.Stock != nil {
			terms = *r.Stock
		}
		return instrument.NewStock(r.Symbol, currency, terms)
	case instrument.KindOption:
		if r.Option == nil {
			return instrument.Instrument{}, errs.Validation("option terms are required")
		}
		return instrument.NewOption(r.Symbol, currency, now, *r.Option)
	default:
		return instrument.Instrument{}, errs.Unsupported("instrument kind %q", r.Kind)
	}
}

func (s *Server) listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Instruments())
}

func (s *Server) registerInstrument(c *gin.Context) {
	var req instrumentRequest
	if !s.bindJSON(c, &req) {
		return
	}
	inst, err := req.build(s.engine.Config().BaseCurrency, s.engine.Config().Clock())
	if err != nil {
		s.fail(c, err)
		return
	}
	ack, err := s.engine.RegisterInstrument(c.Request.Context(), inst)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ack)
}

func (s *Server) removeInstrument(c *gin.Context) {
	ack, err := s.engine.RemoveInstrument(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// =============================================================================
// 成交
// =============================================================================

type tradeRequest struct {
	Side     portfolio.Side  `json:"side" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

func (s *Server) listTransactions(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Trades())
}

func (s *Server) applyTrade(c *gin.Context) {
	var req tradeRequest
	if !s.bindJSON(c, &req) {
		return
	}
	trade, err := s.engine.ApplyTrade(c.Request.Context(), portfolio.Trade{
		Side:     req.Side,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

// =============================================================================
// 临时定价
// =============================================================================

type priceRequest struct {
	Instrument instrumentRequest         `json:"instrument"`
	Model      pricing.ModelKind         `json:"model"`
	MonteCarlo *pricing.MonteCarloConfig `json:"monte_carlo"`
}

type impliedVolRequest struct {
	OptionKind instrument.OptionKind `json:"option_kind" binding:"required,oneof=call put"`
	Strike     float64               `json:"strike" binding:"required"`
	Expiry     time.Time             `json:"expiry"`
	Price      float64               `json:"price" binding:"required"`

	// Underlying 给出时用当前行情的价格 / 股息率；Spot 优先
	Underlying    string   `json:"underlying"`
	Spot          *float64 `json:"spot"`
	Rate          *float64 `json:"rate"`
	DividendYield *float64 `json:"dividend_yield"`
}

type impliedVolResponse struct {
	ImpliedVolatility float64 `json:"implied_volatility"`
	Spot              float64 `json:"spot"`
	Rate              float64 `json:"rate"`
	YearFraction      float64 `json:"year_fraction"`
}

func (s *Server) priceInstrument(c *gin.Context) {
	var req priceRequest
	if !s.bindJSON(c, &req) {
		return
	}
	inst, err := req.Instrument.build(s.engine.Config().BaseCurrency, s.engine.Config().Clock())
	if err != nil {
		s.fail(c, err)
		return
	}

	model := s.engine.Config().Model
	switch req.Model {
	case "":
	case pricing.KindBlackScholes:
		model = pricing.BlackScholesModel()
	case pricing.KindMonteCarlo:
		mc := pricing.DefaultMonteCarloConfig()
		if req.MonteCarlo != nil {
			mc = *req.MonteCarlo
		}
		model = pricing.MonteCarloModel(mc)
	default:
		s.fail(c, errs.Validation("unknown model %q", req.Model))
		return
	}

	res, err := s.engine.ValueInstrument(c.Request.Context(), inst, model)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) impliedVol(c *gin.Context) {
	var req impliedVolRequest
	if !s.bindJSON(c, &req) {
		return
	}
	mkt := s.engine.Market()

	var spot float64
	switch {
	case req.Spot != nil:
		spot = *req.Spot
	case req.Underlying != "":
		p, ok := mkt.Price(req.Underlying)
		if !ok {
			s.fail(c, errs.Upstream("no price for %s", req.Underlying))
			return
		}
		spot = p
	default:
		s.fail(c, errs.Validation("spot or underlying is required"))
		return
	}

	rate := mkt.Rate
	if req.Rate != nil {
		rate = *req.Rate
	}
	var q float64
	if req.DividendYield != nil {
		q = *req.DividendYield
	} else if req.Underlying != "" {
		q = mkt.Dividend(req.Underlying)
	}

	T := pricing.YearFraction(s.engine.Config().Clock(), req.Expiry)
	vol, err := pricing.ImpliedVolatility(req.OptionKind, spot, req.Strike, rate, q, T, req.Price)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, impliedVolResponse{ImpliedVolatility: vol, Spot: spot, Rate: rate, YearFraction: T})
}
