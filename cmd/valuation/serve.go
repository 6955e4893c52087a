package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"valuation.com/pkg/alert"
	"valuation.com/pkg/api"
	"valuation.com/pkg/broadcast"
	"valuation.com/pkg/config"
	"valuation.com/pkg/history"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/kafka"
	"valuation.com/pkg/logger"
	"valuation.com/pkg/market"
	"valuation.com/pkg/metrics"
	"valuation.com/pkg/nats"
	"valuation.com/pkg/portfolio"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/wal"
	"valuation.com/pkg/worker"
)

// shutdownTimeout HTTP 优雅关闭的等待时间
const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the valuation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if !cfg.Log.Development {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// =============================================================================
// 组装
// =============================================================================

// service 运行期的全部组件
type service struct {
	cfg *config.Config
	log *zap.Logger

	pool    *worker.Pool
	engine  *portfolio.Engine
	store   history.Store
	alerts  alert.Store
	pub     *nats.Publisher
	closers []func()
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	svc, err := newService(cfg, log)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.seed(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	// 启动中途失败时先停掉已经运行的任务
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	svc.runHTTP(gctx, g)
	if err := svc.runHistory(gctx, g); err != nil {
		return abort(err)
	}
	if err := svc.runNATS(gctx, g); err != nil {
		return abort(err)
	}
	if err := svc.runAlerts(gctx, g); err != nil {
		return abort(err)
	}
	if err := svc.runKafkaConsumer(gctx, g); err != nil {
		return abort(err)
	}
	svc.runRedis(gctx, g)
	svc.runTicker(gctx, g)

	log.Info("valuation service running",
		zap.String("addr", cfg.Server.Addr),
		zap.String("portfolio_id", svc.engine.ID()))
	return g.Wait()
}

func newService(cfg *config.Config, log *zap.Logger) (*service, error) {
	svc := &service{cfg: cfg, log: log}

	svc.pool = worker.NewPool(cfg.Worker, log.Named("pool"))
	svc.pool.Start()
	svc.closers = append(svc.closers, svc.pool.Stop)
	if err := metrics.RegisterPool(prometheus.DefaultRegisterer, svc.pool); err != nil {
		log.Warn("register pool metrics failed", zap.Error(err))
	}

	// 历史: 默认内存，配置了 MySQL 时落库 (按组合名称区分，重启后仍可读取)
	svc.store = history.NewMemoryStore(cfg.History.Capacity)
	if cfg.MySQL.Enabled {
		db, err := history.OpenMySQL(cfg.MySQL.DSN)
		if err != nil {
			svc.close()
			return nil, err
		}
		svc.store = history.NewMySQLStore(db, cfg.Portfolio.Name)
		if sqlDB, err := db.DB(); err == nil {
			svc.closers = append(svc.closers, func() { _ = sqlDB.Close() })
		}
	}

	if cfg.Alert.Store == "redis" {
		rs := alert.NewRedisStore(cfg.Redis.Addr, cfg.Alert.Cooldown)
		svc.closers = append(svc.closers, func() { _ = rs.Close() })
		svc.alerts = rs
	} else {
		svc.alerts = alert.NewMemoryStore(cfg.Alert.Cooldown)
	}

	// 变更日志: 本地 WAL 和 Kafka 可以同时开启
	var journals portfolio.Journals
	if cfg.WAL.Enabled {
		w, err := wal.Open(wal.Config{Dir: cfg.WAL.Dir, SyncMode: wal.SyncMode(cfg.WAL.SyncMode)}, log.Named("wal"))
		if err != nil {
			svc.close()
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = w.Close() })
		journals = append(journals, w)
	}
	var mutations *kafka.MutationJournal
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(cfg.Kafka.Brokers), log.Named("kafka"))
		if err != nil {
			svc.close()
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = producer.Close() })
		mutations = kafka.NewMutationJournal(producer, cfg.Kafka.MutationTopic, "", log.Named("journal"))
		journals = append(journals, mutations)
	}
	var journal portfolio.Journal
	if len(journals) > 0 {
		journal = journals
	}

	engine, err := portfolio.New(portfolio.Config{
		Name:              cfg.Portfolio.Name,
		BaseCurrency:      cfg.Portfolio.BaseCurrency,
		Rate:              cfg.Portfolio.Rate,
		Model:             cfg.Pricing.SnapshotModel(),
		AmericanMC:        cfg.Pricing.American,
		PublishTimeout:    cfg.Portfolio.PublishTimeout,
		CoalesceSnapshots: cfg.Portfolio.Coalesce,
		NodeID:            cfg.Portfolio.NodeID,
	}, portfolio.Deps{
		Log:     log.Named("engine"),
		Pool:    svc.pool,
		Risk:    risk.NewEngine(cfg.Risk),
		Hub:     broadcast.NewHub[portfolio.Snapshot](cfg.Hub, metrics.HubObserver{}),
		Journal: journal,
		History: svc.store,
	})
	if err != nil {
		svc.close()
		return nil, err
	}
	if mutations != nil {
		mutations.SetPortfolioID(engine.ID())
	}
	svc.engine = engine
	engine.Start()
	// 引擎先于计算池停止
	svc.closers = append(svc.closers, engine.Stop)
	return svc, nil
}

// close 逆序关闭
func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// seed 注册配置中的股票并写入初始行情
func (s *service) seed(ctx context.Context) error {
	for _, si := range s.cfg.Portfolio.Instruments {
		inst, err := instrument.NewStock(si.Symbol, s.cfg.Portfolio.BaseCurrency, instrument.StockTerms{
			Volatility:    si.Volatility,
			DividendYield: si.DividendYield,
		})
		if err != nil {
			return err
		}
		if _, err := s.engine.RegisterInstrument(ctx, inst); err != nil {
			return err
		}
		if _, err := s.engine.UpdatePrice(ctx, si.Symbol, si.Price); err != nil {
			return err
		}
	}
	s.log.Info("seeded instruments", zap.Int("count", len(s.cfg.Portfolio.Instruments)))
	return nil
}

func (s *service) symbols() []string {
	out := make([]string, 0, len(s.cfg.Portfolio.Instruments))
	for _, si := range s.cfg.Portfolio.Instruments {
		out = append(out, si.Symbol)
	}
	return out
}

// =============================================================================
// 后台任务
// =============================================================================

func (s *service) runHTTP(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{
		Addr: s.cfg.Server.Addr,
		Handler: api.NewServer(s.engine, api.Options{
			SSEKeepAlive:   s.cfg.Server.SSEKeepAlive,
			RequestTimeout: s.cfg.Server.RequestTimeout,
			Alerts:         s.alerts,
		}, s.log.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		s.log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func (s *service) runHistory(ctx context.Context, g *errgroup.Group) error {
	sub, err := s.engine.Subscribe(ctx)
	if err != nil {
		return err
	}
	rec := history.NewRecorder(s.store, s.cfg.History.Interval, s.engine.Market, s.log.Named("history"))
	g.Go(func() error {
		defer sub.Close()
		return rec.Run(ctx, sub.C())
	})
	return nil
}

// runNATS 快照推送到 NATS，并订阅价格更新
func (s *service) runNATS(ctx context.Context, g *errgroup.Group) error {
	if !s.cfg.NATS.Enabled {
		return nil
	}
	pub, err := nats.NewPublisher(s.cfg.NATS.URL, s.log.Named("nats"))
	if err != nil {
		return err
	}
	s.closers = append(s.closers, pub.Close)
	s.pub = pub

	subscriber, err := nats.NewSubscriber(s.cfg.NATS.URL,
		nats.PriceUpdateHandler(s.engine.PriceSink(), time.Second), s.log.Named("nats"))
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func() { _ = subscriber.Close() })
	if err := subscriber.Subscribe(nats.SubjectPriceUpdate); err != nil {
		return err
	}

	snaps, err := s.engine.Subscribe(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		defer snaps.Close()
		return pub.RunSnapshots(ctx, snaps.C())
	})
	return nil
}

// runAlerts 在快照流上检查预警，触发后写日志并推送到 NATS
func (s *service) runAlerts(ctx context.Context, g *errgroup.Group) error {
	if !s.cfg.Alert.Enabled {
		return nil
	}
	log := s.log.Named("alert")
	notifiers := []alert.Notifier{alert.LogNotifier(log)}
	if s.pub != nil {
		pub := s.pub
		notifiers = append(notifiers, func(_ context.Context, t alert.Trigger) {
			if err := pub.Publish(nats.SubjectAlert, t); err != nil {
				log.Warn("publish alert failed", zap.String("id", t.Rule.ID), zap.Error(err))
			}
		})
	}
	prices := func() map[string]float64 { return s.engine.Market().Prices }
	monitor := alert.NewMonitor(s.alerts, prices, log, notifiers...)

	sub, err := s.engine.Subscribe(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		defer sub.Close()
		return monitor.Run(ctx, sub.C())
	})
	return nil
}

// runKafkaConsumer 消费行情 topic
func (s *service) runKafkaConsumer(ctx context.Context, g *errgroup.Group) error {
	if !s.cfg.Kafka.Enabled {
		return nil
	}
	consumer, err := kafka.NewConsumer(
		kafka.DefaultConsumerConfig(s.cfg.Kafka.Brokers, s.cfg.Kafka.GroupID, []string{s.cfg.Kafka.PriceTopic}),
		kafka.PriceFeedHandler(s.engine.PriceSink(), time.Second),
		s.log.Named("kafka"),
	)
	if err != nil {
		return err
	}
	g.Go(func() error { return consumer.Run(ctx) })
	return nil
}

// runRedis 从 Redis 轮询外部写入的价格
func (s *service) runRedis(ctx context.Context, g *errgroup.Group) {
	if !s.cfg.Redis.Enabled {
		return
	}
	src := market.NewRedisSource(s.cfg.Redis.Addr, s.cfg.Redis.MaxAge)
	s.closers = append(s.closers, func() { _ = src.Close() })
	if err := src.Ping(ctx); err != nil {
		s.log.Warn("redis not reachable, poller will keep retrying", zap.Error(err))
	}

	poller := market.NewPoller(src, s.engine.PriceSink(), s.cfg.Redis.PollInterval, s.log.Named("poller"))
	poller.Track(s.symbols()...)
	g.Go(func() error { return poller.Run(ctx) })
}

// runTicker 为每只种子股票启动一个 GBM 模拟行情
func (s *service) runTicker(ctx context.Context, g *errgroup.Group) {
	if !s.cfg.Ticker.Enabled {
		return
	}
	for i, si := range s.cfg.Portfolio.Instruments {
		seed := s.cfg.Ticker.Seed
		if seed != 0 {
			seed += int64(i)
		}
		t := market.NewTicker(market.TickerConfig{
			Symbol:     si.Symbol,
			StartPrice: si.Price,
			Volatility: si.Volatility,
			Interval:   s.cfg.Ticker.Interval,
			TimeScale:  s.cfg.Ticker.TimeScale,
			Seed:       seed,
		})
		quotes := t.Start(ctx)
		log := s.log.Named("ticker").With(zap.String("symbol", si.Symbol))
		g.Go(func() error {
			market.Pump(ctx, quotes, s.engine.PriceSink(), log)
			return nil
		})
	}
}
