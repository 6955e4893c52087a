package history

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore 内存环形缓冲，每个序列最多保留 capacity 个点
type MemoryStore struct {
	capacity int

	mu     sync.RWMutex
	values []float64
	prices map[string][]float64
}

// NewMemoryStore 创建内存存储，capacity <= 0 时保留 1024 个点
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryStore{
		capacity: capacity,
		prices:   make(map[string][]float64),
	}
}

func (s *MemoryStore) push(xs []float64, v float64) []float64 {
	if len(xs) >= s.capacity {
		// 整体左移，复用底层数组
		copy(xs, xs[1:])
		xs = xs[:len(xs)-1]
	}
	return append(xs, v)
}

// AppendValue 追加组合价值
func (s *MemoryStore) AppendValue(_ context.Context, p ValuePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = s.push(s.values, p.Value)
	return nil
}

// AppendPrice 追加标的价格
func (s *MemoryStore) AppendPrice(_ context.Context, p PricePoint) error {
	sym := strings.ToUpper(p.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[sym] = s.push(s.prices[sym], p.Price)
	return nil
}

// ValueSeries 组合价值序列 (旧 → 新)
func (s *MemoryStore) ValueSeries(_ context.Context, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.values, limit), nil
}

// PriceSeries 标的价格序列 (旧 → 新)
func (s *MemoryStore) PriceSeries(_ context.Context, symbol string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.prices[strings.ToUpper(symbol)], limit), nil
}
