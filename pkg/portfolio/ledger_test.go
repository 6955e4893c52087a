package portfolio

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation.com/pkg/errs"
)

func trade(side Side, symbol string, qty, price string) Trade {
	return Trade{
		Side:     side,
		Symbol:   symbol,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

func TestLedger_FIFO(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	b1, err := e.ApplyTrade(ctx, trade(Buy, "AAPL", "10", "100"))
	require.NoError(t, err)
	assert.NotEmpty(t, b1.PositionID)
	assert.NotEmpty(t, b1.ID)
	assert.Equal(t, testNow, b1.Timestamp)

	b2, err := e.ApplyTrade(ctx, trade("buy", "aapl", "5", "110"))
	require.NoError(t, err)
	assert.Equal(t, Buy, b2.Side)

	s1, err := e.ApplyTrade(ctx, trade(Sell, "AAPL", "12", "120"))
	require.NoError(t, err)
	// 先卖完第一批 10 @100，再卖第二批 2 @110
	assert.True(t, decimal.NewFromInt(220).Equal(s1.RealizedPnL), s1.RealizedPnL.String())
	assert.Greater(t, s1.Seq, b2.Seq)

	positions := e.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, b2.PositionID, positions[0].ID)
	assert.Equal(t, 3.0, positions[0].Quantity)
	require.NotNil(t, positions[0].AverageCost)
	assert.Equal(t, 110.0, *positions[0].AverageCost)

	assert.Len(t, e.Trades(), 3)
}

func TestLedger_SellExceedsOpenQuantity(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	_, err := e.ApplyTrade(ctx, trade(Buy, "AAPL", "1.5", "100"))
	require.NoError(t, err)
	seq := e.Seq()

	_, err = e.ApplyTrade(ctx, trade(Sell, "AAPL", "1.6", "100"))
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, seq, e.Seq())
	assert.Equal(t, 1.5, e.Positions()[0].Quantity)
	assert.Len(t, e.Trades(), 1)

	// 小数数量能恰好卖完
	_, err = e.ApplyTrade(ctx, trade(Sell, "AAPL", "1.5", "101"))
	require.NoError(t, err)
	assert.Empty(t, e.Positions())
}

func TestLedger_InvalidTrades(t *testing.T) {
	e := newTestEngine(t, testConfig(), Deps{})
	seedMarket(t, e)
	ctx := context.Background()

	_, err := e.ApplyTrade(ctx, trade("HOLD", "AAPL", "1", "1"))
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.ApplyTrade(ctx, trade(Buy, "AAPL", "0", "1"))
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.ApplyTrade(ctx, trade(Buy, "AAPL", "1", "-1"))
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = e.ApplyTrade(ctx, trade(Buy, "NOPE", "1", "1"))
	assert.ErrorIs(t, err, errs.ErrInstrumentNotFound)
}
