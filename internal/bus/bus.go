package bus

import (
	"sync"
	"sync/atomic"

	"agrihub/internal/models"

	"go.uber.org/zap"
)

// Filter 订阅过滤条件（按事件类型和/或设备过滤，零值匹配全部）
type Filter struct {
	Kinds     []models.EventKind
	DeviceIDs []string
}

// Match 判断事件是否命中过滤条件
func (f Filter) Match(evt models.Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.DeviceIDs) > 0 {
		// 与设备无关的事件（DeviceID 为空）不受设备过滤限制
		if evt.DeviceID == "" {
			return true
		}
		for _, id := range f.DeviceIDs {
			if id == evt.DeviceID {
				return true
			}
		}
		return false
	}
	return true
}

// Subscription 单个订阅者的有界 FIFO 队列
type Subscription struct {
	bus    *Bus
	filter Filter
	ch     chan models.Event
	mu     sync.Mutex // 保护溢出时的"丢最旧"操作
	drops  atomic.Uint64
	closed bool
}

// Events 订阅事件通道（按发布顺序投递）
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Dropped 因队列溢出被丢弃的事件数
func (s *Subscription) Dropped() uint64 {
	return s.drops.Load()
}

// deliver 投递事件，队列满时丢弃最旧一条
func (s *Subscription) deliver(evt models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
		return
	default:
	}
	// 队列满：弹出最旧一条再入队（慢订阅者永远不阻塞发布方）
	select {
	case <-s.ch:
		s.drops.Add(1)
	default:
	}
	select {
	case s.ch <- evt:
	default:
		s.drops.Add(1)
	}
}

// Bus 进程内发布/订阅事件总线
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
	logger  *zap.Logger
}

// New 创建事件总线（bufSize 为每个订阅者的队列容量）
func New(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Publish 发布事件（对调用方永不阻塞；各订阅者至多收到一次）
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.filter.Match(evt) {
			sub.deliver(evt)
		}
	}
}

// Subscribe 创建订阅（调用方通过 Events() 消费，不用时必须 Unsubscribe）
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan models.Event, b.bufSize),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe 取消订阅并关闭其事件通道
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
	if dropped := sub.Dropped(); dropped > 0 && b.logger != nil {
		b.logger.Warn("Subscriber dropped events due to backpressure",
			zap.Uint64("dropped", dropped),
		)
	}
}

// SubscriberCount 当前订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
