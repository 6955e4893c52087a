package market

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Quote 一条报价
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Ts     time.Time `json:"ts"`
}

// TickerConfig 模拟行情配置
type TickerConfig struct {
	Symbol     string
	StartPrice float64
	Volatility float64       // 年化波动率
	Drift      float64       // 年化漂移
	Interval   time.Duration // 生成频率

	// TimeScale: 每个 Interval 代表多少 "市场时间"，用于加速演示
	// 例如 Interval=1s, TimeScale=24h 表示每秒走一天
	TimeScale time.Duration

	// Seed: 0 表示用当前时间播种
	Seed int64
}

// Ticker 模拟行情生成器
// 使用几何布朗运动 (GBM)：S_new = S * exp((μ - σ²/2)dt + σ√dt·Z)
// 价格永远为正，符合对数正态分布
type Ticker struct {
	cfg   TickerConfig
	price float64
	rng   *rand.Rand

	// 输出通道带缓冲，下游短暂停顿时不阻塞生成
	outChan chan Quote
	dropped int64
}

// NewTicker 创建模拟行情生成器
func NewTicker(cfg TickerConfig) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = cfg.Interval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Ticker{
		cfg:     cfg,
		price:   cfg.StartPrice,
		rng:     rand.New(rand.NewSource(seed)),
		outChan: make(chan Quote, 100),
	}
}

// Next 生成下一条报价 (同步，不依赖定时器，便于测试)
func (t *Ticker) Next(now time.Time) Quote {
	// dt 以年为单位
	dt := t.cfg.TimeScale.Hours() / 24 / 365
	sigma := t.cfg.Volatility
	z := t.rng.NormFloat64()

	t.price *= math.Exp((t.cfg.Drift-0.5*sigma*sigma)*dt + sigma*math.Sqrt(dt)*z)
	return Quote{Symbol: normalize(t.cfg.Symbol), Price: t.price, Ts: now}
}

// Start 启动生成循环，ctx 取消时关闭输出通道
func (t *Ticker) Start(ctx context.Context) <-chan Quote {
	go t.loop(ctx)
	return t.outChan
}

// Dropped 因下游过慢被丢弃的报价数 (只在循环退出后读取)
func (t *Ticker) Dropped() int64 {
	return t.dropped
}

func (t *Ticker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	defer close(t.outChan)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q := t.Next(now)
			// 非阻塞发送：行情场景下旧价格没有价值，宁可丢弃也不卡住生产者
			select {
			case t.outChan <- q:
			default:
				t.dropped++
			}
		}
	}
}
