package alert

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"valuation.com/pkg/metrics"
	"valuation.com/pkg/portfolio"
)

// Notifier 触发后的通知回调 (NATS 推送、日志...)
type Notifier func(ctx context.Context, t Trigger)

// Monitor 订阅快照流，逐个快照检查预警
//
// 每个指标记住上一次观测值；第一次观测只记录不判断，
// 所以服务刚启动时已经在阈值另一侧的规则不会被误触发
type Monitor struct {
	store     Store
	prices    func() map[string]float64
	notifiers []Notifier
	log       *zap.Logger

	mu   sync.Mutex
	last map[string]float64
}

// NewMonitor 创建监控器
// prices 返回当前行情 (symbol -> price)，为 nil 时只监控组合价值
func NewMonitor(store Store, prices func() map[string]float64, log *zap.Logger, notifiers ...Notifier) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		store:     store,
		prices:    prices,
		notifiers: notifiers,
		log:       log,
		last:      make(map[string]float64),
	}
}

// Run 消费快照直到 ctx 取消或流关闭
func (m *Monitor) Run(ctx context.Context, snaps <-chan portfolio.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if _, err := m.Evaluate(ctx, snap); err != nil {
				m.log.Warn("evaluate alerts failed", zap.Uint64("seq", snap.Seq), zap.Error(err))
			}
		}
	}
}

// Evaluate 检查一个快照，返回本次触发的预警
func (m *Monitor) Evaluate(ctx context.Context, snap portfolio.Snapshot) ([]Trigger, error) {
	observed := map[string]float64{MetricPortfolioValue: snap.PortfolioValue}
	if m.prices != nil {
		for symbol, p := range m.prices() {
			observed[symbol] = p
		}
	}

	var (
		fired    []Trigger
		firstErr error
	)
	for metric, current := range observed {
		last, seen := m.swap(metric, current)
		if !seen || last == current {
			continue
		}
		rules, err := m.store.Triggered(ctx, metric, current, last, snap.Timestamp)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, r := range rules {
			fired = append(fired, Trigger{
				Rule:     r,
				Value:    current,
				Previous: last,
				Seq:      snap.Seq,
				Time:     snap.Timestamp,
			})
		}
	}

	for _, t := range fired {
		metrics.AlertsTriggered.WithLabelValues(string(t.Rule.Type)).Inc()
		for _, n := range m.notifiers {
			n(ctx, t)
		}
	}
	return fired, firstErr
}

// swap 记录新值，返回旧值
func (m *Monitor) swap(metric string, v float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.last[metric]
	m.last[metric] = v
	return last, ok
}

// LogNotifier 把触发写到日志
func LogNotifier(log *zap.Logger) Notifier {
	return func(_ context.Context, t Trigger) {
		log.Info("alert triggered",
			zap.String("id", t.Rule.ID),
			zap.String("metric", t.Rule.Metric),
			zap.String("direction", string(t.Rule.Direction)),
			zap.Float64("threshold", t.Rule.Threshold),
			zap.Float64("value", t.Value),
			zap.Float64("previous", t.Previous),
			zap.Uint64("seq", t.Seq))
	}
}
