// 文件: pkg/api/server.go
// HTTP 接口
// 使用开源库: github.com/gin-gonic/gin, github.com/gin-contrib/cors, github.com/gin-contrib/zap
//
// 路由:
//   GET    /health
//   GET    /metrics
//   GET    /portfolio                         当前快照
//   GET    /portfolio/valuation               按需全量估值
//   POST   /portfolio/positions               新增仓位
//   PUT    /portfolio/positions/:id           修改数量 (0 即删除)
//   DELETE /portfolio/positions/:id
//   GET    /market                            行情上下文
//   POST   /update-price                      更新价格
//   POST   /market/rate                       更新利率
//   POST   /market/volatility                 更新波动率
//   GET    /portfolio/analysis/risk           VaR / ES / 比率
//   POST   /portfolio/analysis/stress         压力测试
//   GET    /portfolio/analysis/performance    历史表现
//   POST   /portfolio/analysis/performance    给定价值序列的表现
//   GET    /stream                            SSE
//   GET    /ws                                WebSocket
//   GET    /instruments, POST /instruments, DELETE /instruments/:id
//   GET    /transactions, POST /transactions
//   POST   /pricing/value, POST /pricing/implied-vol
//   GET    /alerts, POST /alerts, DELETE /alerts/:id   (配置了预警存储时)

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"valuation.com/pkg/alert"
	"valuation.com/pkg/metrics"
	"valuation.com/pkg/portfolio"
)

// Options 服务参数
type Options struct {
	// SSEKeepAlive SSE 心跳间隔
	SSEKeepAlive time.Duration
	// RequestTimeout 普通请求的超时 (流式接口不受影响)
	RequestTimeout time.Duration
	// Alerts 预警规则存储，nil 时不注册 /alerts
	Alerts alert.Store
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{SSEKeepAlive: 15 * time.Second, RequestTimeout: 30 * time.Second}
}

// Server HTTP 服务
type Server struct {
	engine *portfolio.Engine
	opts   Options
	log    *zap.Logger
	router *gin.Engine
}

// NewServer 创建 HTTP 服务
func NewServer(engine *portfolio.Engine, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.SSEKeepAlive <= 0 {
		opts.SSEKeepAlive = def.SSEKeepAlive
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(countRequests())

	s := &Server{engine: engine, opts: opts, log: log, router: router}
	s.registerRoutes()
	return s
}

// Handler 返回 http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router 测试用
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 流式接口不加超时
	r.GET("/stream", s.stream)
	r.GET("/ws", s.serveWS)

	api := r.Group("/", s.withTimeout())
	{
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/portfolio/valuation", s.getValuation)
		api.POST("/portfolio/positions", s.addPosition)
		api.PUT("/portfolio/positions/:id", s.updatePosition)
		api.DELETE("/portfolio/positions/:id", s.removePosition)

		api.GET("/market", s.getMarket)
		api.POST("/update-price", s.updatePrice)
		api.POST("/market/rate", s.updateRate)
		api.POST("/market/volatility", s.updateVolatility)

		analysis := api.Group("/portfolio/analysis")
		analysis.GET("/risk", s.riskMetrics)
		analysis.POST("/stress", s.stressTest)
		analysis.GET("/performance", s.performance)
		analysis.POST("/performance", s.performance)

		api.GET("/instruments", s.listInstruments)
		api.POST("/instruments", s.registerInstrument)
		api.DELETE("/instruments/:id", s.removeInstrument)

		api.GET("/transactions", s.listTransactions)
		api.POST("/transactions", s.applyTrade)

		api.POST("/pricing/value", s.priceInstrument)
		api.POST("/pricing/implied-vol", s.impliedVol)

		if s.opts.Alerts != nil {
			api.GET("/alerts", s.listAlerts)
			api.POST("/alerts", s.addAlert)
			api.DELETE("/alerts/:id", s.removeAlert)
		}
	}
}

// withTimeout 给请求 ctx 加超时，分析类请求超时后返回 499
func (s *Server) withTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// countRequests 按路由和状态码计数
func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
