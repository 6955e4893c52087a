package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Policy 订阅者队列满时的处理策略
type Policy string

const (
	// Coalesce 丢弃队列中最旧的一条，保证订阅者最终拿到最新值
	Coalesce Policy = "coalesce"
	// Disconnect 直接断开慢订阅者
	Disconnect Policy = "disconnect"
)

var (
	// ErrSlowSubscriber 订阅者因处理过慢被断开
	ErrSlowSubscriber = errors.New("subscriber too slow, disconnected")
	// ErrHubClosed 广播器已关闭
	ErrHubClosed = errors.New("hub closed")
)

// Config 广播器配置
type Config struct {
	QueueSize int    `mapstructure:"queue_size" validate:"gte=1"`
	Policy    Policy `mapstructure:"policy" validate:"oneof=coalesce disconnect"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{QueueSize: 16, Policy: Coalesce}
}

// Observer 广播事件回调 (用于指标)
type Observer interface {
	Dropped()
	Disconnected()
	Subscribers(n int)
}

// Hub 快照广播器
// 设计模式：Fan-out（扇出）
//
//	    Publisher (单一写者)
//	           |
//	           v
//	        [Hub]
//	       /  |  \
//	      v   v   v
//	    SSE  WS  NATS / History
//
// 关键特性：
// 1. 慢订阅者不影响其他订阅者，Publish 永不阻塞
// 2. 每个订阅者的队列有界，满了按 Policy 处理
// 3. Subscribe 时立即收到最新值，且与 Publish 在同一把锁下，不会漏也不会乱序
// 4. Close 与 Publish 互斥，不会向已关闭的 Channel 发送
type Hub[T any] struct {
	cfg      Config
	observer Observer

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	latest T
	has    bool
	closed bool
}

// NewHub 创建广播器
func NewHub[T any](cfg Config, observer Observer) *Hub[T] {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Policy == "" {
		cfg.Policy = Coalesce
	}
	return &Hub[T]{
		cfg:      cfg,
		observer: observer,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Subscription 一个订阅
type Subscription[T any] struct {
	hub     *Hub[T]
	ch      chan T
	dropped atomic.Int64
	err     error
	closed  bool
}

// C 只读的数据通道，订阅结束时关闭
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped 因队列满被丢弃的消息数
func (s *Subscription[T]) Dropped() int64 {
	return s.dropped.Load()
}

// Err 通道关闭的原因，主动 Close 时为 nil
// 只在 C() 关闭后读取
func (s *Subscription[T]) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close 取消订阅 (可重复调用)
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s, nil)
}

// Subscribe 订阅
// 如果已有发布过的值，订阅者的第一条消息就是它
func (h *Hub[T]) Subscribe() (*Subscription[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	s := &Subscription[T]{
		hub: h,
		ch:  make(chan T, h.cfg.QueueSize),
	}
	if h.has {
		s.ch <- h.latest
	}
	h.subs[s] = struct{}{}
	h.notifyCount()
	return s, nil
}

// Publish 发布到所有订阅者 (Hot Path，不阻塞)
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.latest = v
	h.has = true

	for s := range h.subs {
		select {
		case s.ch <- v:
			continue
		default:
		}

		// 队列满了
		switch h.cfg.Policy {
		case Disconnect:
			h.removeLocked(s, ErrSlowSubscriber)
			if h.observer != nil {
				h.observer.Disconnected()
			}
		default:
			// 丢掉最旧的一条再放入最新的
			// 只有 Publish 会写入 s.ch，且都在锁内，所以腾出的位置一定能放下
			select {
			case <-s.ch:
				s.dropped.Add(1)
				if h.observer != nil {
					h.observer.Dropped()
				}
			default:
			}
			s.ch <- v
		}
	}
}

// Latest 最近一次发布的值
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.has
}

// Len 当前订阅者数量
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close 关闭广播器，关闭所有订阅者的 Channel
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s, ErrHubClosed)
	}
}

func (h *Hub[T]) removeLocked(s *Subscription[T], reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = reason
	delete(h.subs, s)
	close(s.ch)
	h.notifyCount()
}

func (h *Hub[T]) notifyCount() {
	if h.observer != nil {
		h.observer.Subscribers(len(h.subs))
	}
}
