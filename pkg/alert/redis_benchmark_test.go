package alert

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// BenchmarkRedisStore_Add 测试新增规则性能
func BenchmarkRedisStore_Add(b *testing.B) {
	store := setupRedis(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Add(ctx, Rule{
			ID:        fmt.Sprintf("bench_%d", i),
			Metric:    "AAPL",
			Direction: High,
			Threshold: 180,
		})
	}
}

// BenchmarkRedisStore_Triggered 惊群场景: 10,000 条规则挂在同一个阈值上
func BenchmarkRedisStore_Triggered(b *testing.B) {
	store := setupRedis(b)
	ctx := context.Background()

	rules := make([]Rule, 0, 10000)
	for i := 0; i < 10000; i++ {
		rules = append(rules, Rule{
			ID:        fmt.Sprintf("herd_%d", i),
			Metric:    MetricPortfolioValue,
			Direction: High,
			Threshold: 1_000_000,
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// 准备环境不计时
		b.StopTimer()
		store.client.FlushDB(ctx)
		for _, r := range rules {
			_ = store.Add(ctx, r)
		}

		b.StartTimer()
		_, _ = store.Triggered(ctx, MetricPortfolioValue, 1_010_000, 990_000, time.Now())
	}
}

// BenchmarkMemoryStore_Triggered 同样场景的内存版
func BenchmarkMemoryStore_Triggered(b *testing.B) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := NewMemoryStore(0)
		for j := 0; j < 10000; j++ {
			_ = store.Add(ctx, Rule{ID: fmt.Sprintf("herd_%d", j), Metric: MetricPortfolioValue, Direction: High, Threshold: 1_000_000})
		}
		b.StartTimer()
		_, _ = store.Triggered(ctx, MetricPortfolioValue, 1_010_000, 990_000, time.Now())
	}
}
