package pricing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation.com/pkg/errs"
	"valuation.com/pkg/instrument"
	"valuation.com/pkg/market"
)

var asOf = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testMarket() market.Context {
	m := market.NewContext(0.05, asOf)
	m.SetPrice("AAPL", 100)
	m.SetVol("AAPL", 0.2)
	return m
}

func testOption(t *testing.T, kind instrument.OptionKind, style instrument.Style, multiplier float64) instrument.Instrument {
	t.Helper()
	opt, err := instrument.NewOption("AAPL-OPT", "USD", asOf.Add(-time.Hour), instrument.OptionTerms{
		Underlying: "AAPL",
		OptionKind: kind,
		Strike:     100,
		Expiry:     asOf.Add(yearLength),
		Multiplier: multiplier,
		Style:      style,
	})
	require.NoError(t, err)
	return opt
}

func TestModel_BlackScholes_Option(t *testing.T) {
	opt := testOption(t, instrument.Call, instrument.European, 100)

	res, err := BlackScholesModel().Value(context.Background(), opt, testMarket())
	require.NoError(t, err)

	assert.InDelta(t, 10.450583572185565, res.UnitPrice, 1e-4)
	assert.InDelta(t, 1045.0583572185565, res.Value, 1e-2)
	require.NotNil(t, res.Greeks)
	assert.InDelta(t, 63.68, res.Greeks.Delta, 1e-2)
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, "black_scholes", res.Model)
}

func TestModel_Stock(t *testing.T) {
	stock, err := instrument.NewStock("AAPL", "USD", instrument.StockTerms{})
	require.NoError(t, err)

	res, err := BlackScholesModel().Value(context.Background(), stock, testMarket())
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Value)
	assert.Equal(t, 1.0, res.Greeks.Delta)

	_, err = MonteCarloModel(DefaultMonteCarloConfig()).Value(context.Background(), stock, testMarket())
	assert.ErrorIs(t, err, errs.ErrUnsupportedInstrument)
}

func TestModel_Errors(t *testing.T) {
	ctx := context.Background()

	american := testOption(t, instrument.Put, instrument.American, 1)
	_, err := BlackScholesModel().Value(ctx, american, testMarket())
	assert.ErrorIs(t, err, errs.ErrUnsupportedInstrument)

	call := testOption(t, instrument.Call, instrument.European, 1)
	_, err = BlackScholesModel().Value(ctx, call, market.NewContext(0.05, asOf))
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)

	_, err = Model{Kind: "binomial"}.Value(ctx, call, testMarket())
	assert.ErrorIs(t, err, errs.ErrUnsupportedInstrument)

	bad := testMarket()
	bad.SetVol("AAPL", -0.5)
	_, err = BlackScholesModel().Value(ctx, call, bad)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestModel_MissingVolatilityIsUnpriced(t *testing.T) {
	ctx := context.Background()
	call := testOption(t, instrument.Call, instrument.European, 1)

	mkt := market.NewContext(0.05, asOf)
	mkt.SetPrice("AAPL", 100)
	_, err := BlackScholesModel().Value(ctx, call, mkt)
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	_, err = MonteCarloModel(MonteCarloConfig{Paths: 100, Steps: 1, Seed: 1}).Value(ctx, call, mkt)
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)

	// 显式设为 0: 按贴现内在价值
	mkt.SetVol("AAPL", 0)
	res, err := BlackScholesModel().Value(ctx, call, mkt)
	require.NoError(t, err)
	assert.InDelta(t, 100-100*math.Exp(-0.05), res.UnitPrice, 1e-9)
}

func TestModel_VolShockAppliesToOwnVolatility(t *testing.T) {
	opt := testOption(t, instrument.Call, instrument.European, 1)
	opt.Option.Volatility = 0.3

	res, err := BlackScholesModel().Value(context.Background(), opt, testMarket().WithVolShock(0.5))
	require.NoError(t, err)

	want, _ := PriceCallBS(100, 100, 0.05, 0, 0.45, 1)
	assert.InDelta(t, want, res.UnitPrice, 1e-9)
}

func TestModel_OptionOwnVolatilityOverridesMarket(t *testing.T) {
	opt := testOption(t, instrument.Call, instrument.European, 1)
	opt.Option.Volatility = 0.4

	res, err := BlackScholesModel().Value(context.Background(), opt, testMarket())
	require.NoError(t, err)

	want, _ := PriceCallBS(100, 100, 0.05, 0, 0.4, 1)
	assert.InDelta(t, want, res.UnitPrice, 1e-9)
}

func TestMonteCarlo_WithinStdErrorOfBS(t *testing.T) {
	in := BSInput{Spot: 100, Strike: 100, Rate: 0.05, Vol: 0.2, T: 1}
	bs := 10.450583572185565

	// 3 倍标准误差内的概率约 99.7%，10 个种子里最多允许 1 个落在外面
	seeds := []int64{1, 7, 11, 23, 42, 99, 123, 777, 2024, 31337}
	inside := 0
	for _, seed := range seeds {
		res, err := MonteCarloEuropean(context.Background(), instrument.Call, in, MonteCarloConfig{Paths: 100000, Steps: 1, Seed: seed})
		require.NoError(t, err)
		require.Equal(t, 100000, res.Paths)
		require.Greater(t, res.StdError, 0.0)

		diff := math.Abs(res.Price - bs)
		// 任何种子都不应超过 5 倍
		assert.LessOrEqual(t, diff, 5*res.StdError, "seed=%d mc=%v se=%v", seed, res.Price, res.StdError)
		if diff <= 3*res.StdError {
			inside++
		}
	}
	assert.GreaterOrEqual(t, inside, len(seeds)-1)
}

func TestMonteCarlo_SeedReproducible(t *testing.T) {
	opt := testOption(t, instrument.Put, instrument.European, 1)
	model := MonteCarloModel(MonteCarloConfig{Paths: 5000, Steps: 10, Seed: 99})

	a, err := model.Value(context.Background(), opt, testMarket())
	require.NoError(t, err)
	b, err := model.Value(context.Background(), opt, testMarket())
	require.NoError(t, err)

	assert.Equal(t, a.Value, b.Value)
	assert.Equal(t, a.StdError, b.StdError)
	assert.Nil(t, a.Greeks)
}

func TestMonteCarlo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := BSInput{Spot: 100, Strike: 100, Rate: 0.05, Vol: 0.2, T: 1}
	_, err := MonteCarloEuropean(ctx, instrument.Call, in, MonteCarloConfig{Paths: 10000, Steps: 10, Seed: 1})
	assert.ErrorIs(t, err, errs.ErrCancelled)

	_, err = MonteCarloAmerican(ctx, instrument.Put, in, MonteCarloConfig{Paths: 10000, Steps: 10, Seed: 1})
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestMonteCarlo_InvalidConfig(t *testing.T) {
	in := BSInput{Spot: 100, Strike: 100, Rate: 0.05, Vol: 0.2, T: 1}
	_, err := MonteCarloEuropean(context.Background(), instrument.Call, in, MonteCarloConfig{Paths: 1, Steps: 1})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestMonteCarlo_AmericanPut(t *testing.T) {
	// 无分红美式看涨 = 欧式看涨；美式看跌 >= 欧式看跌
	in := BSInput{Spot: 100, Strike: 110, Rate: 0.06, Vol: 0.2, T: 1}
	cfg := MonteCarloConfig{Paths: 20000, Steps: 50, Seed: 3}

	am, err := MonteCarloAmerican(context.Background(), instrument.Put, in, cfg)
	require.NoError(t, err)

	eu, _ := PricePutBS(100, 110, 0.06, 0, 0.2, 1)
	assert.Greater(t, am.Price, eu-3*am.StdError)
	// 美式看跌不会低于立即行权价值
	assert.GreaterOrEqual(t, am.Price, 10.0)
	// 也不会离谱地高于欧式 + 提前行权溢价
	assert.Less(t, am.Price, eu+2.5)
}

func TestYearFraction(t *testing.T) {
	assert.InDelta(t, 1.0, YearFraction(asOf, asOf.Add(yearLength)), 1e-12)
	assert.Less(t, YearFraction(asOf, asOf.Add(-time.Hour)), 0.0)
}
