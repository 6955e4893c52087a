package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation.com/pkg/errs"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestRule_Normalize(t *testing.T) {
	r := Rule{Metric: " aapl ", Direction: "HIGH", Threshold: 180}
	require.NoError(t, r.Normalize(t0))
	assert.Equal(t, "AAPL", r.Metric)
	assert.Equal(t, High, r.Direction)
	assert.Equal(t, Once, r.Type)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, t0, r.CreatedAt)

	cases := []Rule{
		{Direction: High, Threshold: 1},
		{Metric: "AAPL", Direction: "up", Threshold: 1},
		{Metric: "AAPL", Direction: Low, Type: "weekly", Threshold: 1},
		{ID: "a:b", Metric: "AAPL", Direction: Low, Threshold: 1},
	}
	for _, c := range cases {
		assert.ErrorIs(t, c.Normalize(t0), errs.ErrValidation, "%+v", c)
	}
}

func TestRule_Crossed(t *testing.T) {
	high := Rule{Direction: High, Threshold: 100}
	assert.True(t, high.crossed(100, 99))
	assert.True(t, high.crossed(105, 95))
	assert.False(t, high.crossed(105, 100), "already above")
	assert.False(t, high.crossed(95, 105))

	low := Rule{Direction: Low, Threshold: 100}
	assert.True(t, low.crossed(100, 101))
	assert.False(t, low.crossed(99, 100), "already at threshold")
	assert.False(t, low.crossed(105, 95))
}

func TestMemoryStore_AddListRemove(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, Rule{ID: "a", Metric: "AAPL", Direction: High, Threshold: 180, CreatedAt: t0}))
	require.NoError(t, s.Add(ctx, Rule{ID: "b", Metric: MetricPortfolioValue, Direction: Low, Threshold: 1e6, CreatedAt: t0.Add(time.Second)}))
	assert.ErrorIs(t, s.Add(ctx, Rule{Metric: "AAPL"}), errs.ErrValidation)

	rules, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].ID)
	assert.Equal(t, "b", rules[1].ID)

	require.NoError(t, s.Remove(ctx, "a"))
	assert.ErrorIs(t, s.Remove(ctx, "a"), errs.ErrNotFound)

	rules, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestMemoryStore_Direction(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, Rule{ID: "high_1", Metric: "AAPL", Direction: High, Threshold: 180, Type: Always}))
	require.NoError(t, s.Add(ctx, Rule{ID: "low_1", Metric: "AAPL", Direction: Low, Threshold: 160, Type: Always}))

	// 上涨 (175 -> 181) 触发 high
	got, err := s.Triggered(ctx, "AAPL", 181, 175, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high_1", got[0].ID)
	assert.Equal(t, t0, got[0].LastTriggeredAt)

	// 下跌 (165 -> 159) 触发 low
	got, err = s.Triggered(ctx, "AAPL", 159, 165, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "low_1", got[0].ID)

	// 别的标的不受影响
	got, err = s.Triggered(ctx, "MSFT", 181, 175, t0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_Once(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, Rule{ID: "once_1", Metric: "AAPL", Direction: High, Threshold: 180}))

	got, err := s.Triggered(ctx, "AAPL", 181, 179, t0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Triggered(ctx, "AAPL", 181, 179, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)

	rules, _ := s.List(ctx)
	assert.Empty(t, rules)
}

func TestMemoryStore_AlwaysCooldown(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, Rule{ID: "always_1", Metric: "AAPL", Direction: High, Threshold: 100, Type: Always}))

	got, _ := s.Triggered(ctx, "AAPL", 110, 90, t0)
	require.Len(t, got, 1)

	got, _ = s.Triggered(ctx, "AAPL", 110, 90, t0.Add(30*time.Second))
	assert.Empty(t, got, "cooling down")

	got, _ = s.Triggered(ctx, "AAPL", 110, 90, t0.Add(time.Minute))
	assert.Len(t, got, 1)
}

func TestMemoryStore_Daily(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, Rule{ID: "daily_1", Metric: "AAPL", Direction: Low, Threshold: 100, Type: Daily}))

	got, _ := s.Triggered(ctx, "AAPL", 90, 110, t0)
	require.Len(t, got, 1)

	got, _ = s.Triggered(ctx, "AAPL", 90, 110, t0.Add(10*time.Hour))
	assert.Empty(t, got, "same day")

	got, _ = s.Triggered(ctx, "AAPL", 90, 110, t0.Add(24*time.Hour))
	assert.Len(t, got, 1)
}
