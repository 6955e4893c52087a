// 文件: pkg/config/config.go
// 服务配置
// 使用开源库: github.com/spf13/viper, github.com/joho/godotenv, github.com/go-playground/validator/v10
//
// 读取顺序 (后者覆盖前者):
//   默认值 → YAML 配置文件 (可选) → .env → VALUATION_* 环境变量
//
// 环境变量中 "." 换成 "_"，例如 portfolio.rate → VALUATION_PORTFOLIO_RATE

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"valuation.com/pkg/broadcast"
	"valuation.com/pkg/market"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/worker"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "VALUATION"

// Config 全部配置
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Portfolio PortfolioConfig  `mapstructure:"portfolio"`
	Pricing   PricingConfig    `mapstructure:"pricing"`
	Risk      risk.Config      `mapstructure:"risk"`
	Hub       broadcast.Config `mapstructure:"hub"`
	Worker    worker.Config    `mapstructure:"worker"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Redis     RedisConfig      `mapstructure:"redis"`
	MySQL     MySQLConfig      `mapstructure:"mysql"`
	Ticker    TickerConfig     `mapstructure:"ticker"`
	History   HistoryConfig    `mapstructure:"history"`
	Alert     AlertConfig      `mapstructure:"alert"`
	WAL       WALConfig        `mapstructure:"wal"`
}

// ServerConfig HTTP 服务
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" validate:"required"`
	SSEKeepAlive   time.Duration `mapstructure:"sse_keep_alive" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// LogConfig 日志
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// SeedInstrument 启动时注册的股票及初始行情
type SeedInstrument struct {
	Symbol        string  `mapstructure:"symbol" validate:"required"`
	Price         float64 `mapstructure:"price" validate:"gt=0"`
	Volatility    float64 `mapstructure:"volatility" validate:"gte=0"`
	DividendYield float64 `mapstructure:"dividend_yield" validate:"gte=0"`
}

// PortfolioConfig 组合
type PortfolioConfig struct {
	Name           string           `mapstructure:"name" validate:"required"`
	BaseCurrency   string           `mapstructure:"base_currency" validate:"len=3"`
	Rate           float64          `mapstructure:"rate" validate:"gt=-1,lt=1"`
	NodeID         int64            `mapstructure:"node_id" validate:"gte=0,lte=1023"`
	PublishTimeout time.Duration    `mapstructure:"publish_timeout" validate:"gt=0"`
	Coalesce       bool             `mapstructure:"coalesce_snapshots"`
	Instruments    []SeedInstrument `mapstructure:"instruments" validate:"dive"`
}

// PricingConfig 定价模型
type PricingConfig struct {
	// Model: 快照使用的模型 black_scholes / monte_carlo
	Model      string                   `mapstructure:"model" validate:"oneof=black_scholes monte_carlo"`
	MonteCarlo pricing.MonteCarloConfig `mapstructure:"monte_carlo"`

	// American: 解析模型遇到美式期权时使用的蒙特卡洛参数
	American pricing.MonteCarloConfig `mapstructure:"american"`
}

// SnapshotModel 转换成定价模型
func (c PricingConfig) SnapshotModel() pricing.Model {
	if pricing.ModelKind(c.Model) == pricing.KindMonteCarlo {
		return pricing.MonteCarloModel(c.MonteCarlo)
	}
	return pricing.BlackScholesModel()
}

// NATSConfig 快照推送 / 价格接入
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"required_if=Enabled true"`
}

// KafkaConfig 变更日志 / 价格消费
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	MutationTopic string   `mapstructure:"mutation_topic"`
	PriceTopic    string   `mapstructure:"price_topic"`
	GroupID       string   `mapstructure:"group_id"`
}

// RedisConfig Redis 行情源
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	MaxAge       time.Duration `mapstructure:"max_age" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// MySQLConfig 历史数据库
type MySQLConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Enabled true"`
}

// TickerConfig 模拟行情 (GBM)
type TickerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	TimeScale time.Duration `mapstructure:"time_scale" validate:"gte=0"`
	Seed      int64         `mapstructure:"seed"`
}

// HistoryConfig 历史记录
type HistoryConfig struct {
	Capacity int           `mapstructure:"capacity" validate:"gte=1"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// AlertConfig 阈值预警
// store=redis 时复用 redis.addr
type AlertConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Store    string        `mapstructure:"store" validate:"oneof=memory redis"`
	Cooldown time.Duration `mapstructure:"cooldown" validate:"gt=0"`
}

// WALConfig 本地变更日志
type WALConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Dir      string `mapstructure:"dir" validate:"required_if=Enabled true"`
	SyncMode string `mapstructure:"sync_mode" validate:"oneof=always batch"`
}

// =============================================================================
// 默认值
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.sse_keep_alive", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("portfolio.name", "Main Portfolio")
	v.SetDefault("portfolio.base_currency", "USD")
	v.SetDefault("portfolio.rate", market.DefaultRate)
	v.SetDefault("portfolio.node_id", 1)
	v.SetDefault("portfolio.publish_timeout", 30*time.Second)
	v.SetDefault("portfolio.coalesce_snapshots", false)

	mc := pricing.DefaultMonteCarloConfig()
	v.SetDefault("pricing.model", string(pricing.KindBlackScholes))
	v.SetDefault("pricing.monte_carlo.paths", mc.Paths)
	v.SetDefault("pricing.monte_carlo.steps", mc.Steps)
	v.SetDefault("pricing.monte_carlo.seed", mc.Seed)
	v.SetDefault("pricing.american.paths", mc.Paths)
	v.SetDefault("pricing.american.steps", mc.Steps)
	v.SetDefault("pricing.american.seed", mc.Seed)

	rc := risk.DefaultConfig()
	v.SetDefault("risk.simulations", rc.Simulations)
	v.SetDefault("risk.seed", rc.Seed)
	v.SetDefault("risk.confidences", rc.Confidences)
	v.SetDefault("risk.horizon_days", rc.HorizonDays)
	v.SetDefault("risk.drift", rc.Drift)
	v.SetDefault("risk.risk_free_rate", rc.RiskFreeRate)
	v.SetDefault("risk.benchmark", rc.Benchmark)

	hc := broadcast.DefaultConfig()
	v.SetDefault("hub.queue_size", hc.QueueSize)
	v.SetDefault("hub.policy", string(hc.Policy))

	wc := worker.DefaultConfig()
	v.SetDefault("worker.workers", wc.Workers)
	v.SetDefault("worker.queue_size", wc.QueueSize)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.mutation_topic", "portfolio.mutations")
	v.SetDefault("kafka.price_topic", "market.prices")
	v.SetDefault("kafka.group_id", "valuation")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.max_age", 5*time.Minute)
	v.SetDefault("redis.poll_interval", time.Second)

	v.SetDefault("mysql.enabled", false)
	v.SetDefault("mysql.dsn", "")

	v.SetDefault("ticker.enabled", false)
	v.SetDefault("ticker.interval", time.Second)
	v.SetDefault("ticker.time_scale", time.Hour)
	v.SetDefault("ticker.seed", 0)

	v.SetDefault("history.capacity", 1024)
	v.SetDefault("history.interval", 5*time.Second)

	v.SetDefault("alert.enabled", true)
	v.SetDefault("alert.store", "memory")
	v.SetDefault("alert.cooldown", time.Minute)

	v.SetDefault("wal.enabled", false)
	v.SetDefault("wal.dir", "data/wal")
	v.SetDefault("wal.sync_mode", "batch")
}

// DefaultInstruments 默认的种子行情
func DefaultInstruments() []SeedInstrument {
	data := market.DefaultMarketData()
	out := make([]SeedInstrument, 0, len(data))
	for _, symbol := range []string{"AAPL", "MSFT", "GOOGL"} {
		d := data[symbol]
		out = append(out, SeedInstrument{
			Symbol:        symbol,
			Price:         d.Price,
			Volatility:    d.Volatility,
			DividendYield: d.DividendYield,
		})
	}
	return out
}

// =============================================================================
// 加载
// =============================================================================

var validate = validator.New()

// Load 加载配置
// path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Portfolio.Instruments) == 0 {
		cfg.Portfolio.Instruments = DefaultInstruments()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
