// 文件: pkg/metrics/metrics.go
// Prometheus 指标
//
// 全部使用 promauto 在包初始化时注册到默认 Registry，/metrics 直接暴露

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"valuation.com/pkg/worker"
)

const namespace = "valuation"

var (
	// ========== 组合聚合器 ==========

	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "mutations_total",
			Help:      "State mutations applied, by operation and result",
		},
		[]string{"op", "result"},
	)

	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "snapshots_total",
			Help:      "Snapshots built by the publisher (published or coalesced)",
		},
		[]string{"result"},
	)

	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "snapshot_build_seconds",
			Help:      "Time spent revaluing state for one snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	PublishLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "publish_lag_seq",
			Help:      "Difference between the latest mutation seq and the latest published seq",
		},
	)

	PortfolioValue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "value",
			Help:      "Latest published portfolio value in base currency",
		},
	)

	StalePositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "stale_positions",
			Help:      "Positions that could not be valued in the latest snapshot",
		},
	)

	// ========== 定价 / 风险 ==========

	ValuationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "duration_seconds",
			Help:      "Time spent in on-demand analytics",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"op"},
	)

	// ========== 广播 ==========

	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Active snapshot subscribers",
		},
	)

	HubDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Snapshots dropped for slow subscribers (coalesce policy)",
		},
	)

	HubDisconnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "disconnected_total",
			Help:      "Slow subscribers disconnected (disconnect policy)",
		},
	)

	// ========== 消息 ==========

	KafkaMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Kafka messages by topic, direction (produce/consume) and result",
		},
		[]string{"topic", "direction", "result"},
	)

	// ========== 预警 ==========

	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "triggered_total",
			Help:      "Threshold alerts fired, by alert type",
		},
		[]string{"type"},
	)

	// ========== HTTP ==========

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// HubObserver 把广播器事件转成指标
type HubObserver struct{}

func (HubObserver) Dropped()          { HubDropped.Inc() }
func (HubObserver) Disconnected()     { HubDisconnected.Inc() }
func (HubObserver) Subscribers(n int) { HubSubscribers.Set(float64(n)) }

// RegisterPool 注册计算池的统计 (GaugeFunc，抓取时读取)
func RegisterPool(reg prometheus.Registerer, p *worker.Pool) error {
	gauges := map[string]func(worker.Stats) float64{
		"queued":    func(s worker.Stats) float64 { return float64(s.Queued) },
		"submitted": func(s worker.Stats) float64 { return float64(s.Submitted) },
		"rejected":  func(s worker.Stats) float64 { return float64(s.Rejected) },
		"completed": func(s worker.Stats) float64 { return float64(s.Completed) },
		"panics":    func(s worker.Stats) float64 { return float64(s.Panics) },
	}
	for name, read := range gauges {
		read := read
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker_pool",
			Name:      name,
			Help:      "Worker pool " + name,
		}, func() float64 { return read(p.Stats()) })
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
