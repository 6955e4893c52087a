package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"valuation.com/pkg/errs"
)

// StatusClientClosedRequest 调用方取消 (nginx 约定)
const StatusClientClosedRequest = 499

// errorResponse 错误响应体
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor 错误种类 → HTTP 状态码
func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrValidation:
		return http.StatusBadRequest
	case errs.ErrNotFound:
		return http.StatusNotFound
	case errs.ErrConflict:
		return http.StatusConflict
	case errs.ErrUnsupportedInstrument:
		return http.StatusUnprocessableEntity
	case errs.ErrUpstreamUnavailable:
		return http.StatusBadGateway
	case errs.ErrOverloaded:
		return http.StatusServiceUnavailable
	case errs.ErrCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	kind := ""
	if k := errs.Kind(err); k != nil {
		kind = k.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: kind})
}

// bindJSON 解析请求体，失败时统一按校验错误返回
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, errs.Validation("invalid request body: %v", err))
		return false
	}
	return true
}
