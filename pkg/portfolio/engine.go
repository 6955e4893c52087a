// 文件: pkg/portfolio/engine.go
// 组合聚合器 - 唯一持有可变状态的对象
//
// 核心职责:
// 1. 在写锁内串行化所有变更 (仓位、合约、价格、利率、波动率)
// 2. 每次变更分配全局递增的 Seq，并把状态拷贝放入发布队列
// 3. 发布器按 Seq 顺序估值、广播快照
// 4. 按需分析 (总价值 / 风险 / 压力测试) 都在状态拷贝上进行
//
// 架构:
//
//   HTTP / NATS / Kafka / Poller
//          │ 变更
//          ▼
//   ┌──────────────────────┐
//   │  Engine (RWMutex)    │  validate → apply → seq++ → clone → enqueue
//   └──────────────────────┘
//          │ 状态拷贝 (有序)
//          ▼
//   publisher ──valuate──> Hub[Snapshot] ──> SSE / WS / NATS / History
//          │
//          └─ 蒙特卡洛 ──> worker.Pool
//
// 【锁顺序】 e.mu → e.pubMu，任何模型计算都不在锁内进行

package portfolio

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"valuation.com/pkg/broadcast"
	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/market"
	"valuation.com/pkg/metrics"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/worker"
)

// =============================================================================
// 配置
// =============================================================================

// Config 聚合器配置
type Config struct {
	Name         string
	BaseCurrency string
	Rate         float64

	// Model 快照估值使用的模型
	Model pricing.Model

	// AmericanMC 解析模型遇到美式期权时退回蒙特卡洛的参数
	AmericanMC pricing.MonteCarloConfig

	// PublishTimeout 单次快照估值的超时时间
	PublishTimeout time.Duration

	// CoalesceSnapshots 发布器落后时只估值队列里最新的状态
	// 默认关闭: 每个变更都有自己的快照
	CoalesceSnapshots bool

	// NodeID 雪花算法节点 ID
	NodeID int64

	// Clock 时间源，测试中可替换
	Clock func() time.Time
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Name:           "Main Portfolio",
		BaseCurrency:   "USD",
		Rate:           market.DefaultRate,
		Model:          pricing.BlackScholesModel(),
		PublishTimeout: 30 * time.Second,
	}
}

func (c Config) americanMC() pricing.MonteCarloConfig {
	if c.AmericanMC.Paths <= 0 {
		return pricing.DefaultMonteCarloConfig()
	}
	return c.AmericanMC
}

// Deps 外部依赖，为空的使用默认实现
type Deps struct {
	Log     *zap.Logger
	Pool    *worker.Pool
	Risk    *risk.Engine
	Hub     *broadcast.Hub[Snapshot]
	Journal Journal
	History History
}

// =============================================================================
// Engine
// =============================================================================

// Engine 组合聚合器
//
// 使用示例:
//
//	e, _ := portfolio.New(portfolio.DefaultConfig(), portfolio.Deps{Log: log})
//	e.Start()
//	defer e.Stop()
//
//	ack, err := e.AddPosition(ctx, "AAPL", 100, nil)
//	snap, err := e.Snapshot(ctx) // snap.Seq >= ack.Seq
type Engine struct {
	id  string
	cfg Config
	log *zap.Logger

	pool     *worker.Pool
	ownsPool bool
	risk     *risk.Engine
	hub      *broadcast.Hub[Snapshot]
	journal  Journal
	history  History

	// ===== 状态 (e.mu 保护) =====
	mu     sync.RWMutex
	st     state
	seq    uint64
	trades []Trade

	// ===== 发布队列 (e.pubMu 保护) =====
	pubMu        sync.Mutex
	pubQueue     []pending
	pubWake      chan struct{}
	published    uint64
	hasPublished bool
	pubNotify    chan struct{} // 每次发布后关闭并替换

	// ===== 生命周期 =====
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// pending 等待发布的状态拷贝
type pending struct {
	seq uint64
	st  state
}

// New 创建聚合器
func New(cfg Config, deps Deps) (*Engine, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	cfg.BaseCurrency = strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = def.BaseCurrency
	}
	if err := market.ValidateRate(cfg.Rate); err != nil {
		return nil, err
	}
	if cfg.Model.Kind == "" {
		cfg.Model = def.Model
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if err := InitSnowflake(cfg.NodeID); err != nil {
		return nil, errs.Validation("snowflake node %d: %v", cfg.NodeID, err)
	}

	e := &Engine{
		id:        uuid.NewString(),
		cfg:       cfg,
		log:       deps.Log,
		pool:      deps.Pool,
		risk:      deps.Risk,
		hub:       deps.Hub,
		journal:   deps.Journal,
		history:   deps.History,
		st:        newState(market.NewContext(cfg.Rate, cfg.Clock())),
		pubWake:   make(chan struct{}, 1),
		pubNotify: make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.pool == nil {
		e.pool = worker.NewPool(worker.DefaultConfig(), e.log.Named("pool"))
		e.ownsPool = true
	}
	if e.risk == nil {
		e.risk = risk.NewEngine(risk.DefaultConfig())
	}
	if e.hub == nil {
		e.hub = broadcast.NewHub[Snapshot](broadcast.DefaultConfig(), metrics.HubObserver{})
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// ID 组合 ID
func (e *Engine) ID() string { return e.id }

// Config 当前配置
func (e *Engine) Config() Config { return e.cfg }

// Hub 快照广播器
func (e *Engine) Hub() *broadcast.Hub[Snapshot] { return e.hub }

// Pool 计算池
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Risk 风险引擎
func (e *Engine) Risk() *risk.Engine { return e.risk }

// Start 启动发布器，并发布初始状态 (Seq 0)
func (e *Engine) Start() {
	if e.running.Swap(true) {
		return
	}
	if e.ownsPool {
		e.pool.Start()
	}

	e.mu.Lock()
	e.enqueue(e.seq, e.st.clone())
	e.mu.Unlock()

	e.wg.Add(1)
	go e.publishLoop()
	e.log.Info("portfolio engine started",
		zap.String("portfolio_id", e.id),
		zap.String("name", e.cfg.Name),
		zap.String("model", e.cfg.Model.Name()))
}

// Stop 停止发布器并关闭 Hub (所有订阅者的 Channel 会被关闭)
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	e.cancel()
	close(e.stopCh)
	e.wg.Wait()
	e.hub.Close()
	if e.ownsPool {
		e.pool.Stop()
	}
	e.log.Info("portfolio engine stopped", zap.Uint64("seq", e.Seq()))
}

// Seq 最新的变更序号
func (e *Engine) Seq() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}

// =============================================================================
// 变更
// =============================================================================

// mutate 所有变更的统一入口
// 写锁内: 清理零仓位 → 校验并应用 → seq++ → 拷贝 → 入队
// 写锁外: 写日志、记指标
func (e *Engine) mutate(ctx context.Context, op string, apply func(st *state) (Ack, error)) (Ack, error) {
	if err := errs.FromContext(ctx); err != nil {
		return Ack{}, err
	}

	e.mu.Lock()
	e.st.prune()
	ack, err := apply(&e.st)
	if err != nil {
		e.mu.Unlock()
		metrics.Mutations.WithLabelValues(op, "error").Inc()
		return Ack{}, err
	}
	e.seq++
	ack.Seq = e.seq
	now := e.cfg.Clock()
	e.st.mkt.AsOf = now
	e.enqueue(e.seq, e.st.clone())
	e.mu.Unlock()

	metrics.Mutations.WithLabelValues(op, "ok").Inc()
	if e.journal != nil {
		e.journal.Record(Event{
			Seq:          ack.Seq,
			Op:           op,
			Status:       ack.Status,
			PositionID:   ack.PositionID,
			InstrumentID: ack.InstrumentID,
			Symbol:       ack.Symbol,
			Quantity:     ack.Quantity,
			Price:        ack.Price,
			Time:         now,
		})
	}
	return ack, nil
}

// RegisterInstrument 注册合约
// symbol 必须唯一；股票自带的波动率和股息率写入行情上下文
func (e *Engine) RegisterInstrument(ctx context.Context, inst instrument.Instrument) (Ack, error) {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
	if err := inst.Validate(); err != nil {
		return Ack{}, err
	}
	return e.mutate(ctx, "register_instrument", func(st *state) (Ack, error) {
		if _, dup := st.bySymbol[inst.Symbol]; dup {
			return Ack{}, errs.Conflict("symbol %s already registered", inst.Symbol)
		}
		if _, dup := st.instruments[inst.ID]; dup {
			return Ack{}, errs.Conflict("instrument %s already registered", inst.ID)
		}
		if inst.Kind == instrument.KindStock {
			if inst.Stock.Volatility > 0 {
				st.mkt.SetVol(inst.Symbol, inst.Stock.Volatility)
			}
			if inst.Stock.DividendYield > 0 {
				st.mkt.SetDividend(inst.Symbol, inst.Stock.DividendYield)
			}
		}
		st.putInstrument(inst)
		return Ack{Status: StatusRegistered, InstrumentID: inst.ID, Symbol: inst.Symbol}, nil
	})
}

// RemoveInstrument 删除合约 (按 ID 或 symbol)
// 还有未平仓位时返回 ErrConflict
func (e *Engine) RemoveInstrument(ctx context.Context, ref string) (Ack, error) {
	return e.mutate(ctx, "remove_instrument", func(st *state) (Ack, error) {
		inst, ok := st.lookup(ref)
		if !ok {
			return Ack{}, errs.ErrInstrumentNotFound
		}
		if n := st.openPositions(inst.ID); n > 0 {
			return Ack{}, errs.Conflict("instrument %s has %d open positions", inst.Symbol, n)
		}
		st.deleteInstrument(inst)
		return Ack{Status: StatusRemoved, InstrumentID: inst.ID, Symbol: inst.Symbol}, nil
	})
}

// AddPosition 新增仓位
// ref 先按合约 ID 查找，再按 symbol 查找
func (e *Engine) AddPosition(ctx context.Context, ref string, quantity float64, avgCost *float64) (Ack, error) {
	if !isFinite(quantity) || quantity == 0 {
		return Ack{}, errs.Validation("quantity must be finite and non-zero, got %v", quantity)
	}
	if avgCost != nil && (!isFinite(*avgCost) || *avgCost < 0) {
		return Ack{}, errs.Validation("average cost must be finite and >= 0, got %v", *avgCost)
	}
	return e.mutate(ctx, "add_position", func(st *state) (Ack, error) {
		inst, ok := st.lookup(ref)
		if !ok {
			return Ack{}, errs.ErrInstrumentNotFound
		}
		p := Position{
			ID:           NewPositionID(),
			InstrumentID: inst.ID,
			Quantity:     quantity,
			EntryTime:    e.cfg.Clock(),
		}
		if avgCost != nil {
			c := *avgCost
			p.AverageCost = &c
		}
		st.positions = append(st.positions, p)
		return Ack{
			Status:       StatusAdded,
			PositionID:   p.ID,
			InstrumentID: inst.ID,
			Symbol:       inst.Symbol,
			Quantity:     quantity,
		}, nil
	})
}

// UpdatePosition 修改仓位数量
// 数量为 0 等同于删除；负数表示空头
func (e *Engine) UpdatePosition(ctx context.Context, id string, quantity float64) (Ack, error) {
	if !isFinite(quantity) {
		return Ack{}, errs.Validation("quantity must be finite, got %v", quantity)
	}
	return e.mutate(ctx, "update_position", func(st *state) (Ack, error) {
		i := st.findPosition(id)
		if i < 0 {
			return Ack{}, errs.ErrPositionNotFound
		}
		p := &st.positions[i]
		p.Quantity = quantity
		status := StatusUpdated
		if quantity == 0 {
			status = StatusDeleted
		}
		return Ack{
			Status:       status,
			PositionID:   p.ID,
			InstrumentID: p.InstrumentID,
			Symbol:       st.instruments[p.InstrumentID].Symbol,
			Quantity:     quantity,
		}, nil
	})
}

// RemovePosition 删除仓位
func (e *Engine) RemovePosition(ctx context.Context, id string) (Ack, error) {
	return e.mutate(ctx, "remove_position", func(st *state) (Ack, error) {
		i := st.findPosition(id)
		if i < 0 {
			return Ack{}, errs.ErrPositionNotFound
		}
		p := st.positions[i]
		st.positions = append(st.positions[:i], st.positions[i+1:]...)
		return Ack{
			Status:       StatusDeleted,
			PositionID:   p.ID,
			InstrumentID: p.InstrumentID,
			Symbol:       st.instruments[p.InstrumentID].Symbol,
		}, nil
	})
}

// UpdatePrice 更新标的价格 (覆盖写，不保留历史)
func (e *Engine) UpdatePrice(ctx context.Context, symbol string, price float64) (Ack, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Ack{}, errs.Validation("symbol is required")
	}
	if err := market.ValidatePrice(price); err != nil {
		return Ack{}, err
	}
	return e.mutate(ctx, "update_price", func(st *state) (Ack, error) {
		st.mkt.SetPrice(symbol, price)
		return Ack{Status: StatusPriceUpdated, Symbol: symbol, Price: price}, nil
	})
}

// UpdateRate 更新无风险利率
func (e *Engine) UpdateRate(ctx context.Context, rate float64) (Ack, error) {
	if err := market.ValidateRate(rate); err != nil {
		return Ack{}, err
	}
	return e.mutate(ctx, "update_rate", func(st *state) (Ack, error) {
		st.mkt.Rate = rate
		return Ack{Status: StatusRateUpdated, Price: rate}, nil
	})
}

// UpdateVolatility 更新标的波动率
func (e *Engine) UpdateVolatility(ctx context.Context, symbol string, vol float64) (Ack, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Ack{}, errs.Validation("symbol is required")
	}
	if err := market.ValidateVol(vol); err != nil {
		return Ack{}, err
	}
	return e.mutate(ctx, "update_volatility", func(st *state) (Ack, error) {
		st.mkt.SetVol(symbol, vol)
		return Ack{Status: StatusVolUpdated, Symbol: symbol, Price: vol}, nil
	})
}

// PriceSink 把聚合器包装成 market.PriceSink，给轮询器和消息订阅者使用
func (e *Engine) PriceSink() market.PriceSink {
	return priceSink{e}
}

type priceSink struct{ e *Engine }

func (s priceSink) UpdatePrice(ctx context.Context, symbol string, price float64) error {
	_, err := s.e.UpdatePrice(ctx, symbol, price)
	return err
}

// =============================================================================
// 读取
// =============================================================================

// view 在读锁内拷贝出当前状态
func (e *Engine) view() (uint64, state) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq, e.st.clone()
}

// Instruments 已注册的合约，按 symbol 排序
func (e *Engine) Instruments() []instrument.Instrument {
	_, st := e.view()
	out := make([]instrument.Instrument, 0, len(st.instruments))
	for _, inst := range st.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Positions 非零仓位，按插入顺序
func (e *Engine) Positions() []Position {
	_, st := e.view()
	return st.positions
}

// Market 当前行情上下文的拷贝
func (e *Engine) Market() market.Context {
	_, st := e.view()
	return st.mkt
}

// Snapshot 最新发布的快照
// 保证包含调用时刻之前的所有变更 (snap.Seq >= 调用时的 Seq)
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := e.waitPublished(ctx, e.Seq()); err != nil {
		return Snapshot{}, err
	}
	snap, ok := e.hub.Latest()
	if !ok {
		return Snapshot{}, errs.Upstream("no snapshot published yet")
	}
	return snap, nil
}

// Subscribe 订阅快照流
// 先等发布器追上订阅时刻的状态，再挂到 Hub 上，第一条消息就是该快照
func (e *Engine) Subscribe(ctx context.Context) (*broadcast.Subscription[Snapshot], error) {
	if err := e.waitPublished(ctx, e.Seq()); err != nil {
		return nil, err
	}
	sub, err := e.hub.Subscribe()
	if err != nil {
		return nil, errs.Upstream("%v", err)
	}
	return sub, nil
}

// TotalValue 对当前状态做一次完整估值 (不经过发布器)
// 未定价或模型失败的仓位标记为 stale，价值记 0，整体仍然成功
func (e *Engine) TotalValue(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	defer func() {
		metrics.ValuationDuration.WithLabelValues("total_value").Observe(time.Since(start).Seconds())
	}()

	seq, st := e.view()
	st.mkt.AsOf = e.cfg.Clock()
	return e.valuate(ctx, seq, st, e.snapshotOpts())
}

// ValueInstrument 用指定模型给单个合约定价 (ad hoc)
// 合约不必注册；行情取当前上下文
func (e *Engine) ValueInstrument(ctx context.Context, inst instrument.Instrument, model pricing.Model) (pricing.Result, error) {
	if err := inst.Validate(); err != nil {
		return pricing.Result{}, err
	}
	_, st := e.view()
	st.mkt.AsOf = e.cfg.Clock()
	if inst.Kind == instrument.KindStock && inst.Stock.Volatility > 0 {
		st.mkt.SetVol(inst.Symbol, inst.Stock.Volatility)
	}
	return e.pooledPrice(ctx, model, inst, st.mkt)
}

// =============================================================================
// 发布
// =============================================================================

// enqueue 放入发布队列，调用方持有 e.mu
// 在写锁内入队保证队列顺序就是 Seq 顺序
func (e *Engine) enqueue(seq uint64, st state) {
	e.pubMu.Lock()
	e.pubQueue = append(e.pubQueue, pending{seq: seq, st: st})
	if e.hasPublished {
		metrics.PublishLag.Set(float64(seq - e.published))
	}
	e.pubMu.Unlock()

	select {
	case e.pubWake <- struct{}{}:
	default:
	}
}

// waitPublished 等待发布器发布 Seq >= seq 的快照
func (e *Engine) waitPublished(ctx context.Context, seq uint64) error {
	for {
		e.pubMu.Lock()
		if e.hasPublished && e.published >= seq {
			e.pubMu.Unlock()
			return nil
		}
		ch := e.pubNotify
		e.pubMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return errs.FromContext(ctx)
		case <-e.stopCh:
			return errs.Upstream("portfolio engine stopped")
		}
	}
}

// markPublished 推进已发布序号并唤醒等待者
func (e *Engine) markPublished(seq uint64) {
	e.pubMu.Lock()
	e.published = seq
	e.hasPublished = true
	close(e.pubNotify)
	e.pubNotify = make(chan struct{})
	e.pubMu.Unlock()
}
