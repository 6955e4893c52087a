// 文件路径: pkg/worker/pool.go

package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"valuation.com/pkg/errs"
)

// =============================================================================
// 配置
// =============================================================================

// Config 计算池配置
type Config struct {
	Workers   int `mapstructure:"workers" validate:"gte=0"`    // Worker 数量，0 表示 CPU 核数
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"` // 任务队列大小，0 表示 Workers*16
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), QueueSize: runtime.NumCPU() * 16}
}

// =============================================================================
// Pool 计算池
// =============================================================================

// Pool CPU 密集型任务的固定大小计算池
//
// 蒙特卡洛定价、风险模拟、压力测试都提交到这里执行，
// 调用方只阻塞自己的 Goroutine，不会占用状态锁，也不会拖慢行情写入。
//
//	 调用方 A ─┐
//	 调用方 B ─┼──> [queue] ──> worker 1..N
//	 调用方 C ─┘
//
// 队列满时立即返回 errs.ErrOverloaded，不排队等待。
type Pool struct {
	cfg   Config
	queue chan job
	log   *zap.Logger

	// ========== 统计 ==========
	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	skipped   atomic.Int64
	panics    atomic.Int64

	// ========== 生命周期 ==========
	running bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// job 一个计算任务
type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

// NewPool 创建计算池
func NewPool(cfg Config, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		cfg:   cfg,
		queue: make(chan job, cfg.QueueSize),
		log:   log,
	}
}

// Start 启动所有 Worker
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.runWorker(workerID)
		}(i)
	}
	p.log.Info("worker pool started", zap.Int("workers", p.cfg.Workers), zap.Int("queue", p.cfg.QueueSize))
}

// Stop 停止接收新任务，等待队列中的任务处理完
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

// runWorker 单个 Worker 的主循环
func (p *Pool) runWorker(workerID int) {
	for j := range p.queue {
		// 调用方已经放弃: 任务函数不会执行，run 只把 ErrCancelled 交回给等待方
		if j.ctx.Err() != nil {
			p.skipped.Add(1)
			j.run(j.ctx)
			continue
		}
		j.run(j.ctx)
		p.completed.Add(1)
	}
}

// submit 非阻塞入队
func (p *Pool) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return fmt.Errorf("%w: worker pool is not running", errs.ErrOverloaded)
	}
	select {
	case p.queue <- j:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%w: queue full (%d)", errs.ErrOverloaded, p.cfg.QueueSize)
	}
}

// Do 把 fn 提交到计算池并等待结果
//
// - 队列满: errs.ErrOverloaded
// - ctx 在排队或执行期间取消: errs.ErrCancelled (fn 自己也应检查 ctx)
// - fn panic: errs.ErrComputation，只影响本任务
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := errs.FromContext(ctx); err != nil {
		return zero, err
	}

	type outcome struct {
		val T
		err error
	}
	// 缓冲 1，调用方提前返回时 worker 也不会阻塞
	done := make(chan outcome, 1)

	j := job{
		ctx: ctx,
		run: func(ctx context.Context) {
			if err := errs.FromContext(ctx); err != nil {
				done <- outcome{err: err}
				return
			}
			defer func() {
				if r := recover(); r != nil {
					p.panics.Add(1)
					p.log.Error("job panicked", zap.Any("panic", r))
					done <- outcome{err: errs.Computation("job panicked: %v", r)}
				}
			}()
			v, err := fn(ctx)
			done <- outcome{val: v, err: err}
		},
	}
	if err := p.submit(j); err != nil {
		return zero, err
	}

	select {
	case o := <-done:
		return o.val, o.err
	case <-ctx.Done():
		return zero, errs.FromContext(ctx)
	}
}

// =============================================================================
// 统计
// =============================================================================

// Stats 统计信息
type Stats struct {
	Workers   int
	QueueSize int
	Queued    int
	Submitted int64
	Rejected  int64
	Completed int64
	Skipped   int64
	Panics    int64
}

// Stats 获取统计信息
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		QueueSize: p.cfg.QueueSize,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Skipped:   p.skipped.Load(),
		Panics:    p.panics.Load(),
	}
}
