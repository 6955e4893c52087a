// 文件: pkg/history/store.go
// 组合价值 / 标的价格历史
//
// 【设计】
// - 聚合器本身不保存历史，历史由 Recorder 从快照流里采样写入
// - Store 同时满足 portfolio.History，风险分析直接读取
// - 两种实现: MemoryStore (环形缓冲) / MySQLStore (GORM)

package history

import (
	"context"
	"time"

	"valuation.com/pkg/portfolio"
)

// Store 历史存储
type Store interface {
	portfolio.History

	AppendValue(ctx context.Context, p ValuePoint) error
	AppendPrice(ctx context.Context, p PricePoint) error
}

// ValuePoint 一次组合价值采样
type ValuePoint struct {
	Seq   uint64
	Value float64
	Time  time.Time
}

// PricePoint 一次标的价格采样
type PricePoint struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// 确保实现了接口
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*MySQLStore)(nil)
)

// tail 取最后 limit 个，limit <= 0 表示全部
func tail(xs []float64, limit int) []float64 {
	if limit > 0 && len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	out := make([]float64, len(xs))
	copy(out, xs)
	return out
}
