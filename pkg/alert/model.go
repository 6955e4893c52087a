// 文件: pkg/alert/model.go
// 阈值预警
//
// 对组合价值或某个标的价格设置上穿 / 下穿阈值，快照流每推进一次就检查一次。
// 只在"穿越"时触发: high 要求 last < threshold <= current，low 要求 last > threshold >= current

package alert

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"valuation.com/pkg/errs"
)

// MetricPortfolioValue 组合总价值
const MetricPortfolioValue = "PORTFOLIO"

// Type 预警的生命周期类型
type Type string

const (
	Once   Type = "once"   // 触发一次后自动删除
	Daily  Type = "daily"  // 每天最多触发一次
	Always Type = "always" // 每次穿越都触发，受冷却时间限制
)

// Direction 穿越方向
type Direction string

const (
	High Direction = "high" // 向上穿越
	Low  Direction = "low"  // 向下穿越
)

// DefaultCooldown Always 类型的默认冷却时间
const DefaultCooldown = 60 * time.Second

// Rule 预警规则
type Rule struct {
	ID        string    `json:"id"`
	Metric    string    `json:"metric"` // PORTFOLIO 或标的 symbol
	Direction Direction `json:"direction"`
	Threshold float64   `json:"threshold"`
	Type      Type      `json:"type"`
	CreatedAt time.Time `json:"created_at"`

	LastTriggeredAt time.Time `json:"last_triggered_at,omitempty"`
}

// Normalize 补默认值并校验
func (r *Rule) Normalize(now time.Time) error {
	r.Metric = strings.ToUpper(strings.TrimSpace(r.Metric))
	r.Direction = Direction(strings.ToLower(string(r.Direction)))
	r.Type = Type(strings.ToLower(string(r.Type)))
	if r.Type == "" {
		r.Type = Once
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	if r.Metric == "" {
		return errs.Validation("metric is required")
	}
	if r.Direction != High && r.Direction != Low {
		return errs.Validation("direction must be high or low, got %q", r.Direction)
	}
	switch r.Type {
	case Once, Daily, Always:
	default:
		return errs.Validation("type must be once, daily or always, got %q", r.Type)
	}
	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return errs.Validation("threshold must be finite")
	}
	if strings.Contains(r.ID, ":") {
		return errs.Validation("id must not contain ':'")
	}
	return nil
}

// crossed 从 last 走到 current 是否穿越了阈值
func (r Rule) crossed(current, last float64) bool {
	switch r.Direction {
	case High:
		return last < r.Threshold && current >= r.Threshold
	case Low:
		return last > r.Threshold && current <= r.Threshold
	}
	return false
}

// Trigger 一次触发
type Trigger struct {
	Rule     Rule      `json:"rule"`
	Value    float64   `json:"value"`
	Previous float64   `json:"previous"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
}

// Store 规则存储
// Triggered 返回从 last 走到 current 时触发的规则，并按类型处理删除 / 冷却
type Store interface {
	Add(ctx context.Context, rule Rule) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]Rule, error)
	Triggered(ctx context.Context, metric string, current, last float64, now time.Time) ([]Rule, error)
}

// isSameDay 判断两个时间是否是同一天 (UTC)
func isSameDay(t1, t2 time.Time) bool {
	y1, m1, d1 := t1.UTC().Date()
	y2, m2, d2 := t2.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
