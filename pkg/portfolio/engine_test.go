// 文件: pkg/portfolio/engine_test.go
// 组合聚合器 - 测试用例
//
// 测试策略:
// 1. 单元测试: 每个变更的确认、错误种类
// 2. 估值测试: 总价值严格等于逐项相加，未定价仓位 stale
// 3. 并发测试: 并发变更不丢失，快照顺序严格递增

package portfolio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation.com/pkg/broadcast"
	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/pricing"
	"valuation.com/pkg/risk"
	"valuation.com/pkg/worker"
)

var testNow = time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return testNow }
	cfg.AmericanMC = pricing.MonteCarloConfig{Paths: 2000, Steps: 20, Seed: 7}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if deps.Pool == nil {
		deps.Pool = worker.NewPool(worker.Config{Workers: 4, QueueSize: 256}, nil)
		deps.Pool.Start()
		t.Cleanup(deps.Pool.Stop)
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

// seedMarket 注册 AAPL / MSFT 并设置价格
func seedMarket(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for sym, px := range map[string]float64{"AAPL": 175.50, "MSFT": 415.25} {
		inst, err := instrument.NewStock(sym, "USD", instrument.StockTerms{Volatility: 0.25})
		require.NoError(t, err)
		_, err = e.RegisterInstrument(ctx, inst)
		require.NoError(t, err)
		_, err = e.UpdatePrice(ctx, sym, px)
		require.NoError(t, err)
	}
}

func newCall(t *testing.T, symbol string, style instrument.Style) instrument.Instrument {
	t.Helper()
	inst, err := instrument.NewOption(symbol, "USD", testNow, instrument.OptionTerms{
		Underlying: "AAPL",
		OptionKind: instrument.Call,
		Strike:     175,
		Expiry:     testNow.AddDate(1, 0, 0),
		Multiplier: 100,
		Style:      style,
	})
	require.NoError(t, err)
	return inst
}

// waitFor 从订阅中读取直到 Seq >= seq
func waitFor(t *testing.T, sub *broadcast.Subscription[Snapshot], seq uint64) Snapshot {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if snap.Seq >= seq {
				return snap
			}
		case <-timeout:
			t.Fatalf("no snapshot with seq >= %d", seq)
		}
	}
}

// =============================================================================
// 仓位
// =============================================================================

func TestEngine_AddRemoveRoundTrip(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	before, err := e.TotalValue(ctx)
	require.NoError(t, err)

	ack, err := e.AddPosition(ctx, "aapl", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAdded, ack.Status)
	assert.NotEmpty(t, ack.PositionID)
	assert.Equal(t, "AAPL", ack.Symbol)

	mid, err := e.TotalValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1755.0, mid.PortfolioValue)

	ack2, err := e.RemovePosition(ctx, ack.PositionID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, ack2.Status)
	assert.Greater(t, ack2.Seq, ack.Seq)

	after, err := e.TotalValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.PortfolioValue, after.PortfolioValue)
	assert.Empty(t, after.Positions)

	// 第二次删除
	_, err = e.RemovePosition(ctx, ack.PositionID)
	assert.ErrorIs(t, err, errs.ErrPositionNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEngine_AddPositionByInstrumentID(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)

	var id string
	for _, inst := range e.Instruments() {
		if inst.Symbol == "MSFT" {
			id = inst.ID
		}
	}
	require.NotEmpty(t, id)

	ack, err := e.AddPosition(context.Background(), id, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, id, ack.InstrumentID)
	assert.Equal(t, "MSFT", ack.Symbol)
}

func TestEngine_UnknownInstrument(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})

	_, err := e.AddPosition(context.Background(), "ZZZ", 1, nil)
	assert.ErrorIs(t, err, errs.ErrInstrumentNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, uint64(0), e.Seq())
}

func TestEngine_ValidationErrors(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()
	seq := e.Seq()

	neg := -1.0
	cases := []struct {
		name string
		fn   func() error
	}{
		{"zero quantity", func() error { _, err := e.AddPosition(ctx, "AAPL", 0, nil); return err }},
		{"nan quantity", func() error { _, err := e.AddPosition(ctx, "AAPL", math.NaN(), nil); return err }},
		{"negative cost", func() error { _, err := e.AddPosition(ctx, "AAPL", 1, &neg); return err }},
		{"negative price", func() error { _, err := e.UpdatePrice(ctx, "AAPL", -1); return err }},
		{"zero price", func() error { _, err := e.UpdatePrice(ctx, "AAPL", 0); return err }},
		{"inf price", func() error { _, err := e.UpdatePrice(ctx, "AAPL", math.Inf(1)); return err }},
		{"empty symbol", func() error { _, err := e.UpdatePrice(ctx, " ", 1); return err }},
		{"nan rate", func() error { _, err := e.UpdateRate(ctx, math.NaN()); return err }},
		{"negative vol", func() error { _, err := e.UpdateVolatility(ctx, "AAPL", -0.1); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.fn(), errs.ErrValidation)
		})
	}
	// 失败的变更不分配序号
	assert.Equal(t, seq, e.Seq())
}

func TestEngine_UpdatePosition(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	ack, err := e.AddPosition(ctx, "AAPL", 10, nil)
	require.NoError(t, err)

	up, err := e.UpdatePosition(ctx, ack.PositionID, -4)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, up.Status)
	assert.Equal(t, -4.0, e.Positions()[0].Quantity)

	// 数量 0 等同于删除
	del, err := e.UpdatePosition(ctx, ack.PositionID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, del.Status)
	assert.Empty(t, e.Positions())

	_, err = e.UpdatePosition(ctx, ack.PositionID, 5)
	assert.ErrorIs(t, err, errs.ErrPositionNotFound)
	_, err = e.RemovePosition(ctx, ack.PositionID)
	assert.ErrorIs(t, err, errs.ErrPositionNotFound)
}

func TestEngine_CancelledContext(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.UpdatePrice(ctx, "AAPL", 1)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

// =============================================================================
// 合约
// =============================================================================

func TestEngine_RegisterDuplicateSymbol(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)

	dup, err := instrument.NewStock("AAPL", "USD", instrument.StockTerms{})
	require.NoError(t, err)
	_, err = e.RegisterInstrument(context.Background(), dup)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestEngine_RegisterSeedsVolatility(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	inst, err := instrument.NewStock("GOOGL", "USD", instrument.StockTerms{Volatility: 0.28, DividendYield: 0.01})
	require.NoError(t, err)

	ack, err := e.RegisterInstrument(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, ack.Status)

	mkt := e.Market()
	assert.Equal(t, 0.28, mkt.Vol("GOOGL"))
	assert.Equal(t, 0.01, mkt.Dividend("GOOGL"))
	_, priced := mkt.Price("GOOGL")
	assert.False(t, priced)
}

func TestEngine_RemoveInstrumentConflict(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	ack, err := e.AddPosition(ctx, "AAPL", 1, nil)
	require.NoError(t, err)

	_, err = e.RemoveInstrument(ctx, "AAPL")
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = e.RemovePosition(ctx, ack.PositionID)
	require.NoError(t, err)

	rm, err := e.RemoveInstrument(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, rm.Status)
	for _, inst := range e.Instruments() {
		assert.NotEqual(t, "AAPL", inst.Symbol)
	}

	_, err = e.RemoveInstrument(ctx, "AAPL")
	assert.ErrorIs(t, err, errs.ErrInstrumentNotFound)
}

// =============================================================================
// 估值
// =============================================================================

func TestEngine_TotalValueIsExactSum(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	cost := 150.0
	_, err := e.AddPosition(ctx, "AAPL", 10, &cost)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "MSFT", -3, nil)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "AAPL", 0.5, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)

	want := 0.0
	want += 10 * 175.50
	want += -3 * 415.25
	want += 0.5 * 175.50
	assert.Equal(t, want, snap.PortfolioValue)
	require.Len(t, snap.Positions, 3)

	aapl := snap.Positions[0]
	assert.Equal(t, 1755.0, aapl.Value)
	assert.InDelta(t, 255.0, aapl.PnL, 1e-9)
	assert.InDelta(t, 17.0, aapl.PnLPercent, 1e-9)
	assert.InDelta(t, 1755.0/want*100, aapl.Weight, 1e-9)

	assert.Equal(t, 10*175.50+0.5*175.50, snap.Exposures.ByUnderlying["AAPL"])
	assert.Equal(t, want, snap.Exposures.Net)
	assert.InDelta(t, 10.5+(-3.0), snap.Greeks.Delta, 1e-12)
}

func TestEngine_UnpricedPositionIsStale(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	inst, err := instrument.NewStock("GOOGL", "USD", instrument.StockTerms{})
	require.NoError(t, err)
	_, err = e.RegisterInstrument(ctx, inst)
	require.NoError(t, err)

	_, err = e.AddPosition(ctx, "AAPL", 2, nil)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "GOOGL", 100, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*175.50, snap.PortfolioValue)
	assert.Equal(t, 1, snap.StaleCount)
	require.Len(t, snap.Positions, 2)
	assert.True(t, snap.Positions[1].Stale)
	assert.NotEmpty(t, snap.Positions[1].StaleReason)
	assert.Zero(t, snap.Positions[1].Value)
}

func TestEngine_ForeignCurrencyIsStale(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx := context.Background()

	inst, err := instrument.NewStock("SAP", "EUR", instrument.StockTerms{})
	require.NoError(t, err)
	_, err = e.RegisterInstrument(ctx, inst)
	require.NoError(t, err)
	_, err = e.UpdatePrice(ctx, "SAP", 200)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "SAP", 1, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StaleCount)
	assert.Zero(t, snap.PortfolioValue)
}

func TestEngine_OptionValuation(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	call := newCall(t, "AAPL250C175", instrument.European)
	_, err := e.RegisterInstrument(ctx, call)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, call.Symbol, 2, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)

	want, err := pricing.BlackScholesModel().Value(ctx, call, e.Market())
	require.NoError(t, err)

	view := snap.Positions[0]
	assert.False(t, view.Stale)
	assert.Equal(t, string(pricing.KindBlackScholes), view.Model)
	assert.InDelta(t, want.Value, view.Price, 1e-9)
	assert.InDelta(t, 2*want.Value, snap.PortfolioValue, 1e-9)
	require.NotNil(t, view.Greeks)
	assert.InDelta(t, 2*want.Greeks.Delta, view.Greeks.Delta, 1e-9)
	assert.Greater(t, view.Greeks.Delta, 0.0)
	assert.Equal(t, 0.25, view.Volatility)
}

func TestEngine_AmericanOptionFallsBackToMonteCarlo(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	am := newCall(t, "AAPL250C175A", instrument.American)
	_, err := e.RegisterInstrument(ctx, am)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, am.Symbol, 1, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	view := snap.Positions[0]
	assert.False(t, view.Stale, view.StaleReason)
	assert.Equal(t, string(pricing.KindMonteCarlo), view.Model)
	assert.Greater(t, view.Price, 0.0)
	assert.Greater(t, view.StdError, 0.0)
}

// =============================================================================
// 快照与订阅
// =============================================================================

func TestEngine_SnapshotIncludesAcknowledgedMutation(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	ack, err := e.AddPosition(ctx, "AAPL", 3, nil)
	require.NoError(t, err)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Seq, ack.Seq)
	assert.Equal(t, 3*175.50, snap.PortfolioValue)
	assert.Equal(t, e.ID(), snap.PortfolioID)
	assert.Equal(t, "USD", snap.Currency)
	assert.Equal(t, testNow, snap.Timestamp)
}

func TestEngine_SubscribeFirstSnapshotMatchesState(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	_, err := e.AddPosition(ctx, "AAPL", 10, nil)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "MSFT", 1, nil)
	require.NoError(t, err)

	sub, err := e.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	total, err := e.TotalValue(ctx)
	require.NoError(t, err)

	first := waitFor(t, sub, 0)
	assert.Equal(t, e.Seq(), first.Seq)
	assert.Equal(t, total.PortfolioValue, first.PortfolioValue)

	ack, err := e.UpdatePrice(ctx, "AAPL", 180)
	require.NoError(t, err)
	next := waitFor(t, sub, ack.Seq)
	assert.Equal(t, 10*180.0+415.25, next.PortfolioValue)
}

func TestEngine_SnapshotSeqStrictlyIncreasing(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()
	_, err := e.AddPosition(ctx, "AAPL", 1, nil)
	require.NoError(t, err)

	sub, err := e.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var last uint64
	for i := 0; i < 50; i++ {
		ack, err := e.UpdatePrice(ctx, "AAPL", 100+float64(i))
		require.NoError(t, err)
		last = ack.Seq
	}

	var seqs []uint64
	timeout := time.After(5 * time.Second)
	for len(seqs) == 0 || seqs[len(seqs)-1] < last {
		select {
		case snap := <-sub.C():
			seqs = append(seqs, snap.Seq)
		case <-timeout:
			t.Fatalf("did not reach seq %d, got %v", last, seqs)
		}
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestEngine_ConcurrentMutationsNotLost(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()
	base := e.Seq()

	const adders, pricers = 40, 40
	var wg sync.WaitGroup
	for i := 0; i < adders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.AddPosition(ctx, "AAPL", 1, nil)
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < pricers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.UpdatePrice(ctx, "MSFT", 400+float64(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, base+adders+pricers, e.Seq())
	assert.Len(t, e.Positions(), adders)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Seq(), snap.Seq)
	assert.Len(t, snap.Positions, adders)
	assert.Equal(t, float64(adders)*175.50, snap.PortfolioValue)
}

func TestEngine_StopClosesSubscriptions(t *testing.T) {
	e, err := New(testConfig(), Deps{})
	require.NoError(t, err)
	e.Start()

	sub, err := e.Subscribe(context.Background())
	require.NoError(t, err)
	e.Stop()

	for range sub.C() {
	}
	assert.ErrorIs(t, sub.Err(), broadcast.ErrHubClosed)
}

// =============================================================================
// 日志
// =============================================================================

type recordingJournal struct {
	mu     sync.Mutex
	events []Event
}

func (j *recordingJournal) Record(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func TestEngine_JournalRecordsMutations(t *testing.T) {
	j := &recordingJournal{}
	e := newTestEngine(t, testConfig(), Deps{Journal: j})
	seedMarket(t, e)
	ctx := context.Background()

	ack, err := e.AddPosition(ctx, "AAPL", 5, nil)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "NOPE", 5, nil)
	require.Error(t, err)

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.events, 5) // 2 注册 + 2 价格 + 1 仓位
	last := j.events[len(j.events)-1]
	assert.Equal(t, ack.Seq, last.Seq)
	assert.Equal(t, "add_position", last.Op)
	assert.Equal(t, ack.PositionID, last.PositionID)
	assert.Equal(t, 5.0, last.Quantity)
	for i, ev := range j.events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestJournals_FanOut(t *testing.T) {
	a, b := &recordingJournal{}, &recordingJournal{}
	e := newTestEngine(t, testConfig(), Deps{Journal: Journals{a, b}})
	_, err := e.UpdateRate(context.Background(), 0.03)
	require.NoError(t, err)

	for _, j := range []*recordingJournal{a, b} {
		j.mu.Lock()
		require.Len(t, j.events, 1)
		assert.Equal(t, "update_rate", j.events[0].Op)
		j.mu.Unlock()
	}
}

// =============================================================================
// 分析
// =============================================================================

func TestEngine_StressZeroMagnitudeIsExactlyZero(t *testing.T) {
	cfg := testConfig()
	cfg.AmericanMC.Seed = 0 // 每次调用内部固定种子
	e := newTestEngine(t, cfg, Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	am := newCall(t, "AAPL250C175A", instrument.American)
	_, err := e.RegisterInstrument(ctx, am)
	require.NoError(t, err)
	for _, ref := range []string{"AAPL", "MSFT", am.Symbol} {
		_, err := e.AddPosition(ctx, ref, 2, nil)
		require.NoError(t, err)
	}

	report, err := e.StressTest(ctx, []risk.Scenario{
		{Name: "flat price", Shock: risk.ShockPrice, Magnitude: 0},
		{Name: "flat vol", Shock: risk.ShockVolatility, Magnitude: 0},
		{Name: "flat rate", Shock: risk.ShockRate, Magnitude: 0},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	for _, r := range report.Results {
		assert.Equal(t, 0.0, r.PnL, r.Scenario.Name)
		assert.Equal(t, report.BaseValue, r.StressedValue)
	}
}

func TestEngine_StressPriceShock(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()
	_, err := e.AddPosition(ctx, "AAPL", 10, nil)
	require.NoError(t, err)

	report, err := e.StressTest(ctx, nil)
	require.NoError(t, err)
	require.Len(t, report.Results, len(risk.DefaultScenarios()))
	assert.Equal(t, 1755.0, report.BaseValue)

	crash := report.Results[0]
	assert.Equal(t, "Market Crash", crash.Scenario.Name)
	assert.InDelta(t, -0.2*1755.0, crash.PnL, 1e-9)
	assert.InDelta(t, -20.0, crash.PnLPercent, 1e-9)

	// 股票对利率不敏感
	for _, r := range report.Results {
		if r.Scenario.Shock == risk.ShockRate {
			assert.Equal(t, 0.0, r.PnL)
		}
	}

	_, err = e.StressTest(ctx, []risk.Scenario{{Name: "bad", Shock: risk.ShockPrice, Magnitude: -1}})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

type fakeHistory struct {
	values []float64
	prices map[string][]float64
}

func (h fakeHistory) ValueSeries(_ context.Context, _ int) ([]float64, error) {
	return h.values, nil
}

func (h fakeHistory) PriceSeries(_ context.Context, symbol string, _ int) ([]float64, error) {
	p, ok := h.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("no history for %s", symbol)
	}
	return p, nil
}

func TestEngine_RiskMetrics(t *testing.T) {
	hist := fakeHistory{
		values: []float64{100, 101, 99, 102, 104, 103},
		prices: map[string][]float64{
			"AAPL": {170, 172, 171, 174, 176, 175},
			"MSFT": {410, 409, 413, 412, 416, 415},
		},
	}
	e := newTestEngine(t, testConfig(), Deps{History: hist})
	seedMarket(t, e)
	ctx := context.Background()
	_, err := e.AddPosition(ctx, "AAPL", 10, nil)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "MSFT", 5, nil)
	require.NoError(t, err)

	req := RiskRequest{Simulations: 2000, Seed: 42}
	m1, err := e.RiskMetrics(ctx, req)
	require.NoError(t, err)
	m2, err := e.RiskMetrics(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 2000, m1.Simulations)
	assert.InDelta(t, 10*175.50+5*415.25, m1.PortfolioValue, 1e-9)
	assert.InDelta(t, 0.25, m1.ImpliedVolatility, 1e-12)
	require.Len(t, m1.VaR, 4)
	assert.Equal(t, m1.VaR, m2.VaR)
	for _, p := range m1.VaR {
		assert.Greater(t, p.Amount, 0.0)
	}
	assert.Len(t, m1.ParametricVaR, 4)
	assert.Greater(t, m1.RealizedVolatility, 0.0)

	// 基准默认取持仓最大的标的 (MSFT)
	require.NotNil(t, m1.Beta)
	beta, err := risk.Beta(risk.Returns(hist.values), risk.Returns(hist.prices["MSFT"]))
	require.NoError(t, err)
	assert.InDelta(t, beta, *m1.Beta, 1e-12)

	// 成分 VaR 之和等于参数法 VaR
	require.Len(t, m1.ComponentVaR, 2*len(m1.ParametricVaR))
	for i, pv := range m1.ParametricVaR {
		sum := m1.ComponentVaR[2*i].Amount + m1.ComponentVaR[2*i+1].Amount
		assert.InDelta(t, pv.Amount, sum, 1e-6)
		assert.Equal(t, "AAPL", m1.ComponentVaR[2*i].Symbol)
	}

	_, err = e.RiskMetrics(ctx, RiskRequest{Simulations: -1})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngine_Performance(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx := context.Background()

	_, err := e.Performance(ctx, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)

	perf, err := e.Performance(ctx, []float64{100, 110, 99, 120})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, perf.TotalReturn, 1e-12)
	assert.InDelta(t, 0.1, perf.MaxDrawdown, 1e-12)

	withHistory := newTestEngine(t, testConfig(), Deps{History: fakeHistory{values: []float64{100, 105}}})
	perf, err = withHistory.Performance(ctx, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, perf.TotalReturn, 1e-12)
}

func TestEngine_PoolOverloadMarksDerivativesStale(t *testing.T) {
	pool := worker.NewPool(worker.Config{Workers: 1, QueueSize: 1}, nil)
	// 不启动: 所有提交都返回 ErrOverloaded
	cfg := testConfig()
	cfg.Model = pricing.MonteCarloModel(pricing.MonteCarloConfig{Paths: 500, Steps: 10, Seed: 1})
	e := newTestEngine(t, cfg, Deps{Pool: pool})
	seedMarket(t, e)
	ctx := context.Background()

	call := newCall(t, "AAPL250C175", instrument.European)
	_, err := e.RegisterInstrument(ctx, call)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, call.Symbol, 1, nil)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, "AAPL", 1, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.StaleCount)
	assert.Equal(t, 175.50, snap.PortfolioValue)
	assert.Contains(t, snap.Positions[0].StaleReason, errs.ErrOverloaded.Error())
}

// =============================================================================
// 回归: 混合持仓并发定价 / 逐变更发布 / 波动率
// =============================================================================

func TestEngine_MixedOptionAndStockValuation(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	// 期权在前，并发定价期间继续写入后面的股票结果
	want := 0.0
	for i := 0; i < 5; i++ {
		inst, err := instrument.NewOption(fmt.Sprintf("AAPL25C%d", 160+10*i), "USD", testNow, instrument.OptionTerms{
			Underlying: "AAPL",
			OptionKind: instrument.Call,
			Strike:     float64(160 + 10*i),
			Expiry:     testNow.AddDate(1, 0, 0),
			Multiplier: 100,
		})
		require.NoError(t, err)
		_, err = e.RegisterInstrument(ctx, inst)
		require.NoError(t, err)
		_, err = e.AddPosition(ctx, inst.Symbol, 1, nil)
		require.NoError(t, err)

		res, err := pricing.BlackScholesModel().Value(ctx, inst, e.Market())
		require.NoError(t, err)
		want += res.Value
	}
	for i := 0; i < 50; i++ {
		sym := fmt.Sprintf("STK%02d", i)
		inst, err := instrument.NewStock(sym, "USD", instrument.StockTerms{Volatility: 0.2})
		require.NoError(t, err)
		_, err = e.RegisterInstrument(ctx, inst)
		require.NoError(t, err)
		_, err = e.UpdatePrice(ctx, sym, float64(10+i))
		require.NoError(t, err)
		_, err = e.AddPosition(ctx, sym, 2, nil)
		require.NoError(t, err)
		want += 2 * float64(10+i)
	}

	for i := 0; i < 3; i++ {
		snap, err := e.TotalValue(ctx)
		require.NoError(t, err)
		assert.Zero(t, snap.StaleCount)
		assert.Len(t, snap.Positions, 55)
		assert.InDelta(t, want, snap.PortfolioValue, 1e-6)
	}

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, want, snap.PortfolioValue, 1e-6)
}

func TestEngine_EveryMutationPublished(t *testing.T) {
	hub := broadcast.NewHub[Snapshot](broadcast.Config{QueueSize: 512, Policy: broadcast.Coalesce}, nil)
	e := newTestEngine(t, testConfig(), Deps{Hub: hub})
	seedMarket(t, e)
	ctx := context.Background()
	_, err := e.AddPosition(ctx, "AAPL", 1, nil)
	require.NoError(t, err)

	sub, err := e.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()
	first := waitFor(t, sub, 0)

	const n = 200
	var last uint64
	for i := 0; i < n; i++ {
		ack, err := e.UpdatePrice(ctx, "AAPL", 100+float64(i))
		require.NoError(t, err)
		last = ack.Seq
	}

	var got []Snapshot
	timeout := time.After(5 * time.Second)
	for len(got) == 0 || got[len(got)-1].Seq < last {
		select {
		case snap := <-sub.C():
			got = append(got, snap)
		case <-timeout:
			t.Fatalf("received %d snapshots, want %d", len(got), n)
		}
	}

	require.Len(t, got, n)
	assert.Zero(t, sub.Dropped())
	for i, snap := range got {
		assert.Equal(t, first.Seq+uint64(i)+1, snap.Seq)
		assert.Equal(t, 100+float64(i), snap.PortfolioValue)
	}
}

func TestEngine_CoalesceSnapshotsOption(t *testing.T) {
	cfg := testConfig()
	cfg.CoalesceSnapshots = true
	e := newTestEngine(t, cfg, Deps{})
	seedMarket(t, e)
	ctx := context.Background()
	_, err := e.AddPosition(ctx, "AAPL", 1, nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := e.UpdatePrice(ctx, "AAPL", 100+float64(i))
		require.NoError(t, err)
	}

	// 合并后最新状态仍然发布
	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.Seq(), snap.Seq)
	assert.Equal(t, 149.0, snap.PortfolioValue)
}

func TestEngine_StressVolShockOwnVolatility(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	call := newCall(t, "AAPL25C175V", instrument.European)
	call.Option.Volatility = 0.30
	_, err := e.RegisterInstrument(ctx, call)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, call.Symbol, 10, nil)
	require.NoError(t, err)

	report, err := e.StressTest(ctx, []risk.Scenario{
		{Name: "vol up", Shock: risk.ShockVolatility, Magnitude: 0.5},
		{Name: "vol flat", Shock: risk.ShockVolatility, Magnitude: 0},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	terms := *call.Option
	terms.Volatility = 0.45
	shocked := call
	shocked.Option = &terms
	want, err := pricing.BlackScholesModel().Value(ctx, shocked, e.Market())
	require.NoError(t, err)

	up := report.Results[0]
	assert.Greater(t, up.PnL, 0.0)
	assert.InDelta(t, 10*want.Value, up.StressedValue, 1e-6)
	assert.Equal(t, 0.0, report.Results[1].PnL)
}

func TestEngine_OptionWithoutVolatilityIsStale(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	ctx := context.Background()

	stock, err := instrument.NewStock("XYZ", "USD", instrument.StockTerms{})
	require.NoError(t, err)
	_, err = e.RegisterInstrument(ctx, stock)
	require.NoError(t, err)
	_, err = e.UpdatePrice(ctx, "XYZ", 50)
	require.NoError(t, err)

	call, err := instrument.NewOption("XYZ25C45", "USD", testNow, instrument.OptionTerms{
		Underlying: "XYZ",
		OptionKind: instrument.Call,
		Strike:     45,
		Expiry:     testNow.AddDate(1, 0, 0),
		Multiplier: 1,
	})
	require.NoError(t, err)
	_, err = e.RegisterInstrument(ctx, call)
	require.NoError(t, err)
	_, err = e.AddPosition(ctx, call.Symbol, 1, nil)
	require.NoError(t, err)

	snap, err := e.TotalValue(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].Stale)
	assert.Contains(t, snap.Positions[0].StaleReason, "volatility")
	assert.Zero(t, snap.PortfolioValue)

	// 设置波动率后恢复
	_, err = e.UpdateVolatility(ctx, "XYZ", 0.3)
	require.NoError(t, err)
	snap, err = e.TotalValue(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Positions[0].Stale)
	assert.Greater(t, snap.PortfolioValue, 5.0)
}

func TestEngine_RiskMetricsConfiguredBenchmark(t *testing.T) {
	hist := fakeHistory{
		values: []float64{100, 101, 99, 102, 104, 103},
		prices: map[string][]float64{
			"AAPL": {170, 172, 171, 174, 176, 175},
			"SPY":  {500, 503, 498, 505, 509, 507},
		},
	}
	rc := risk.DefaultConfig()
	rc.Benchmark = "spy"
	e := newTestEngine(t, testConfig(), Deps{History: hist, Risk: risk.NewEngine(rc)})
	seedMarket(t, e)
	ctx := context.Background()
	_, err := e.AddPosition(ctx, "AAPL", 10, nil)
	require.NoError(t, err)

	m, err := e.RiskMetrics(ctx, RiskRequest{Simulations: 500, Seed: 1})
	require.NoError(t, err)
	require.NotNil(t, m.Beta)

	want, err := risk.Beta(risk.Returns(hist.values), risk.Returns(hist.prices["SPY"]))
	require.NoError(t, err)
	assert.InDelta(t, want, *m.Beta, 1e-12)
}
