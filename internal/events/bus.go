package events

import (
	"context"
	"sync"
)

// DefaultMaxAttempts 是处理失败时的默认投递上限，超过后事件进入死信。
const DefaultMaxAttempts = 5

// Handler 处理一条事件，返回错误表示需要重投。
type Handler func(ctx context.Context, ev Event) error

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Consumer 以 workerCount 个协程调用 handler，直到 ctx 结束或底层连接出错。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

type Bus interface {
	Publisher
	Consumer
}

func maxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}

// runWorkers 启动 n 个 worker 并阻塞到全部退出。任一 worker 返回非 nil 错误时
// 取消其余 worker，最终返回第一个错误；全部正常退出时返回 ctx 的错误。
func runWorkers(ctx context.Context, n int, worker func(ctx context.Context) error) error {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker(ctx); err != nil {
				once.Do(func() {
					first = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	if first != nil {
		return first
	}
	return ctx.Err()
}
