package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"valuation.com/pkg/alert"
)

type alertRequest struct {
	Metric    string          `json:"metric" binding:"required"`
	Direction alert.Direction `json:"direction" binding:"required"`
	Threshold *float64        `json:"threshold" binding:"required"`
	Type      alert.Type      `json:"type"`
}

func (s *Server) listAlerts(c *gin.Context) {
	rules, err := s.opts.Alerts.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if rules == nil {
		rules = []alert.Rule{}
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) addAlert(c *gin.Context) {
	var req alertRequest
	if !s.bindJSON(c, &req) {
		return
	}
	rule := alert.Rule{
		Metric:    req.Metric,
		Direction: req.Direction,
		Threshold: *req.Threshold,
		Type:      req.Type,
	}
	// 先补全 ID，响应里要带回去
	if err := rule.Normalize(time.Now().UTC()); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.opts.Alerts.Add(c.Request.Context(), rule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) removeAlert(c *gin.Context) {
	if err := s.opts.Alerts.Remove(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
