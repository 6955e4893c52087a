package portfolio

import (
	"context"
	"time"

	"go.uber.org/zap"

	"valuation.com/pkg/metrics"
)

// publishLoop 发布器主循环
//
// 队列按 Seq 有序，一次取出整批，逐个估值并广播，每个变更对应一个快照。
// 开启 CoalesceSnapshots 时只估值整批的最后一个状态 (它已包含前面所有变更)。
// 每个订阅者看到的快照 Seq 严格递增。
func (e *Engine) publishLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.pubWake:
		}

		for {
			e.pubMu.Lock()
			batch := e.pubQueue
			e.pubQueue = nil
			e.pubMu.Unlock()

			if len(batch) == 0 {
				break
			}
			if e.cfg.CoalesceSnapshots && len(batch) > 1 {
				metrics.Snapshots.WithLabelValues("coalesced").Add(float64(len(batch) - 1))
				batch = batch[len(batch)-1:]
			}
			for _, p := range batch {
				select {
				case <-e.stopCh:
					return
				default:
				}
				e.publish(p)
			}
		}
	}
}

// publish 估值一个状态拷贝并广播
func (e *Engine) publish(p pending) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PublishTimeout)
	defer cancel()

	snap, err := e.valuate(ctx, p.seq, p.st, e.snapshotOpts())
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// 估值被取消: 不广播，但推进序号，避免等待者卡住
		metrics.Snapshots.WithLabelValues("failed").Inc()
		e.log.Warn("snapshot valuation failed", zap.Uint64("seq", p.seq), zap.Error(err))
		e.markPublished(p.seq)
		return
	}

	e.hub.Publish(snap)
	e.markPublished(p.seq)

	metrics.Snapshots.WithLabelValues("published").Inc()
	metrics.PortfolioValue.Set(snap.PortfolioValue)
	metrics.StalePositions.Set(float64(snap.StaleCount))
	metrics.PublishLag.Set(float64(e.Seq() - p.seq))

	if snap.StaleCount > 0 {
		e.log.Debug("snapshot has stale positions",
			zap.Uint64("seq", snap.Seq),
			zap.Int("stale", snap.StaleCount))
	}
}
