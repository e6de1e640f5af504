package events

import (
	"context"
	"sync"

	xerrors "VestLedger/internal/errors"
)

type delivery struct {
	ev       Event
	attempts int
}

// MemoryBus 是进程内的有界队列，供单机部署与测试使用。
// 处理失败的事件回到队尾，累计失败 MaxAttempts 次或队列已满时转入死信。
type MemoryBus struct {
	queue       chan delivery
	maxAttempts int

	mu     sync.RWMutex
	closed bool

	deadMu sync.Mutex
	dead   []Event
}

func NewMemoryBus(size int) *MemoryBus {
	return NewMemoryBusWithAttempts(size, 0)
}

// NewMemoryBusWithAttempts 指定重投上限，非正数使用 DefaultMaxAttempts。
func NewMemoryBusWithAttempts(size, attempts int) *MemoryBus {
	if size <= 0 {
		size = 256
	}
	return &MemoryBus{queue: make(chan delivery, size), maxAttempts: maxAttempts(attempts)}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "事件总线已关闭")
	}
	select {
	case b.queue <- delivery{ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case d, ok := <-b.queue:
				if !ok {
					return nil
				}
				if err := handler(ctx, d.ev); err != nil {
					d.attempts++
					b.retry(d)
				}
			}
		}
	})
}

func (b *MemoryBus) retry(d delivery) {
	if d.attempts < b.maxAttempts && b.requeue(d) {
		return
	}
	b.deadMu.Lock()
	b.dead = append(b.dead, d.ev)
	b.deadMu.Unlock()
}

// requeue 不阻塞，避免所有 worker 同时等待一个已满的队列。
func (b *MemoryBus) requeue(d delivery) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- d:
		return true
	default:
		return false
	}
}

// DeadLetters 返回放弃投递的事件副本。
func (b *MemoryBus) DeadLetters() []Event {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	return append([]Event(nil), b.dead...)
}

// Len 返回排队中的事件数。
func (b *MemoryBus) Len() int {
	return len(b.queue)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	return nil
}
