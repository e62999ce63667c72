package bus

import (
	"context"
	"sync"
)

// MemoryBus 是进程内的 Bus 实现，供测试与未配置 Redis 的单机部署使用。
// 每次 SubscribeRooms/SubscribeControl 注册一个独立订阅者，发布会
// 扇出到全部订阅者，可以在一个进程里模拟多个网关实例。
type MemoryBus struct {
	mu      sync.Mutex
	rooms   []chan Envelope
	control []chan Envelope
	closed  bool
}

func NewMemory() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) PublishRoom(_ context.Context, env Envelope) error {
	b.mu.Lock()
	subs := append([]chan Envelope(nil), b.rooms...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- env
	}
	return nil
}

func (b *MemoryBus) PublishControl(_ context.Context, env Envelope) error {
	b.mu.Lock()
	subs := append([]chan Envelope(nil), b.control...)
	b.mu.Unlock()
	for _, ch := range subs {
		ch <- env
	}
	return nil
}

func (b *MemoryBus) SubscribeRooms() <-chan Envelope {
	ch := make(chan Envelope, 256)
	b.mu.Lock()
	b.rooms = append(b.rooms, ch)
	b.mu.Unlock()
	return ch
}

func (b *MemoryBus) SubscribeControl() <-chan Envelope {
	ch := make(chan Envelope, 64)
	b.mu.Lock()
	b.control = append(b.control, ch)
	b.mu.Unlock()
	return ch
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.rooms {
		close(ch)
	}
	for _, ch := range b.control {
		close(ch)
	}
	b.rooms = nil
	b.control = nil
	return nil
}
