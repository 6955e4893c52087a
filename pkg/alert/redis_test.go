package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation.com/pkg/errs"
)

// setupRedis 假设本地 Redis 运行在 localhost:6379，不可用时跳过
func setupRedis(tb testing.TB) *RedisStore {
	store := NewRedisStore("localhost:6379", time.Minute)
	if err := store.Ping(context.Background()); err != nil {
		tb.Skipf("skipping test; redis not available: %v", err)
	}
	// 清空测试用的 Key
	store.client.FlushDB(context.Background())
	tb.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_AddRemove(t *testing.T) {
	store := setupRedis(t)
	ctx := context.Background()

	rule := Rule{ID: "1001", Metric: "AAPL", Direction: High, Threshold: 180, Type: Once}
	require.NoError(t, store.Add(ctx, rule))

	exists, err := store.client.Exists(ctx, detailKey("1001")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	score, err := store.client.ZScore(ctx, indexKey("AAPL", High), "1001:once").Result()
	require.NoError(t, err)
	assert.Equal(t, 180.0, score)

	rules, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "AAPL", rules[0].Metric)

	// 覆盖: 旧索引被清掉
	rule.Direction = Low
	require.NoError(t, store.Add(ctx, rule))
	n, _ := store.client.ZCard(ctx, indexKey("AAPL", High)).Result()
	assert.Equal(t, int64(0), n)

	require.NoError(t, store.Remove(ctx, "1001"))
	assert.ErrorIs(t, store.Remove(ctx, "1001"), errs.ErrNotFound)

	n, _ = store.client.ZCard(ctx, indexKey("AAPL", Low)).Result()
	assert.Equal(t, int64(0), n)
	rules, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRedisStore_Direction(t *testing.T) {
	store := setupRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Add(ctx, Rule{ID: "high_1", Metric: "AAPL", Direction: High, Threshold: 180, Type: Always}))
	require.NoError(t, store.Add(ctx, Rule{ID: "low_1", Metric: "AAPL", Direction: Low, Threshold: 160, Type: Always}))

	got, err := store.Triggered(ctx, "AAPL", 181, 175, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "high_1", got[0].ID)

	got, err = store.Triggered(ctx, "AAPL", 159, 165, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "low_1", got[0].ID)

	// 起点恰好在阈值上不算穿越
	got, err = store.Triggered(ctx, "AAPL", 150, 160, now)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = store.Triggered(ctx, "AAPL", 181, 181, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_Once(t *testing.T) {
	store := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, Rule{ID: "once_1", Metric: "MSFT", Direction: High, Threshold: 400}))

	got, err := store.Triggered(ctx, "MSFT", 410, 390, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 400.0, got[0].Threshold)

	got, err = store.Triggered(ctx, "MSFT", 410, 390, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)

	exists, _ := store.client.Exists(ctx, detailKey("once_1")).Result()
	assert.Equal(t, int64(0), exists)
}

func TestRedisStore_AlwaysCooldown(t *testing.T) {
	store := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, Rule{ID: "always_1", Metric: MetricPortfolioValue, Direction: High, Threshold: 100, Type: Always}))

	got, err := store.Triggered(ctx, MetricPortfolioValue, 110, 90, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)

	// 立即第二次 (应该被冷却拦截)
	got, err = store.Triggered(ctx, MetricPortfolioValue, 110, 90, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_Daily(t *testing.T) {
	store := setupRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, Rule{ID: "daily_1", Metric: "AAPL", Direction: Low, Threshold: 100, Type: Daily}))

	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	got, _ := store.Triggered(ctx, "AAPL", 90, 110, day)
	require.Len(t, got, 1)
	got, _ = store.Triggered(ctx, "AAPL", 90, 110, day.Add(time.Hour))
	assert.Empty(t, got)
	got, _ = store.Triggered(ctx, "AAPL", 90, 110, day.Add(24*time.Hour))
	assert.Len(t, got, 1)
}
