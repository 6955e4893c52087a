// 文件: pkg/api/handlers.go
// 组合 / 行情 / 分析接口

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/portfolio"
	"valuation.com/pkg/risk"
)

// =============================================================================
// 组合
// =============================================================================

type addPositionRequest struct {
	Symbol      string   `json:"symbol" binding:"required"`
	Quantity    *float64 `json:"quantity" binding:"required"`
	AverageCost *float64 `json:"average_cost"`
}

type updatePositionRequest struct {
	Quantity *float64 `json:"quantity" binding:"required"`
}

func (s *Server) getPortfolio(c *gin.Context) {
	snap, err := s.engine.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getValuation(c *gin.Context) {
	snap, err := s.engine.TotalValue(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) addPosition(c *gin.Context) {
	var req addPositionRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ack, err := s.engine.AddPosition(c.Request.Context(), req.Symbol, *req.Quantity, req.AverageCost)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ack)
}

func (s *Server) updatePosition(c *gin.Context) {
	var req updatePositionRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ack, err := s.engine.UpdatePosition(c.Request.Context(), c.Param("id"), *req.Quantity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) removePosition(c *gin.Context) {
	ack, err := s.engine.RemovePosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// =============================================================================
// 行情
// =============================================================================

type updatePriceRequest struct {
	Symbol string   `json:"symbol" binding:"required"`
	Price  *float64 `json:"price" binding:"required"`
}

type updateRateRequest struct {
	Rate *float64 `json:"rate" binding:"required"`
}

type updateVolatilityRequest struct {
	Symbol     string   `json:"symbol" binding:"required"`
	Volatility *float64 `json:"volatility" binding:"required"`
}

func (s *Server) getMarket(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Market())
}

func (s *Server) updatePrice(c *gin.Context) {
	var req updatePriceRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ack, err := s.engine.UpdatePrice(c.Request.Context(), req.Symbol, *req.Price)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) updateRate(c *gin.Context) {
	var req updateRateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ack, err := s.engine.UpdateRate(c.Request.Context(), *req.Rate)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) updateVolatility(c *gin.Context) {
	var req updateVolatilityRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ack, err := s.engine.UpdateVolatility(c.Request.Context(), req.Symbol, *req.Volatility)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

// =============================================================================
// 分析
// =============================================================================

type stressRequest struct {
	Scenarios []risk.Scenario `json:"scenarios"`
}

type performanceRequest struct {
	Values []float64 `json:"values" binding:"required"`
}

func (s *Server) riskMetrics(c *gin.Context) {
	var req portfolio.RiskRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		s.fail(c, errs.Validation("invalid query: %v", err))
		return
	}
	m, err := s.engine.RiskMetrics(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// stressTest 请求体为空时使用默认情景
func (s *Server) stressTest(c *gin.Context) {
	var req stressRequest
	if c.Request.ContentLength != 0 && !s.bindJSON(c, &req) {
		return
	}
	report, err := s.engine.StressTest(c.Request.Context(), req.Scenarios)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// performance GET 使用已记录的历史，POST 使用请求体中的价值序列
func (s *Server) performance(c *gin.Context) {
	var values []float64
	if c.Request.Method == http.MethodPost {
		var req performanceRequest
		if !s.bindJSON(c, &req) {
			return
		}
		if len(req.Values) == 0 {
			s.fail(c, errs.Validation("values must not be empty"))
			return
		}
		values = req.Values
	}
	perf, err := s.engine.Performance(c.Request.Context(), values)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}
