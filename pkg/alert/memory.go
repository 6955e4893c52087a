package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"valuation.com/pkg/errs"
)

// 确保实现了接口
var _ Store = (*MemoryStore)(nil)

// MemoryStore 内存版规则存储 (单实例部署 / 测试)
type MemoryStore struct {
	mu       sync.Mutex
	rules    map[string]Rule
	cooldown time.Duration
}

// NewMemoryStore 创建内存存储，cooldown <= 0 时使用 DefaultCooldown
func NewMemoryStore(cooldown time.Duration) *MemoryStore {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &MemoryStore{rules: make(map[string]Rule), cooldown: cooldown}
}

// Add 新增规则，ID 重复时覆盖
func (m *MemoryStore) Add(_ context.Context, rule Rule) error {
	if err := rule.Normalize(time.Now().UTC()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

// Remove 删除规则
func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("alert %s: %w", id, errs.ErrNotFound)
	}
	delete(m.rules, id)
	return nil
}

// List 全部规则，按创建时间排序
func (m *MemoryStore) List(_ context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

// Triggered 遍历规则做穿越判断 (需要更新 LastTriggeredAt，所以整个过程持有锁)
func (m *MemoryStore) Triggered(_ context.Context, metric string, current, last float64, now time.Time) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var triggered []Rule
	for id, rule := range m.rules {
		if rule.Metric != metric || !rule.crossed(current, last) {
			continue
		}

		fire := false
		switch rule.Type {
		case Once:
			fire = true
			delete(m.rules, id)
		case Daily:
			fire = rule.LastTriggeredAt.IsZero() || !isSameDay(rule.LastTriggeredAt, now)
		case Always:
			fire = rule.LastTriggeredAt.IsZero() || now.Sub(rule.LastTriggeredAt) >= m.cooldown
		}
		if !fire {
			continue
		}
		rule.LastTriggeredAt = now
		if rule.Type != Once {
			m.rules[id] = rule
		}
		triggered = append(triggered, rule)
	}
	sortRules(triggered)
	return triggered, nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
