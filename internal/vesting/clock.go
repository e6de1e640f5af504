package vesting

import (
	"sync"
	"time"
)

// Clock 提供单调的账本时间。生产环境可接入链上区块时间。
type Clock interface {
	Now() time.Time
}

// SystemClock 使用本地时间。
type SystemClock struct{}

// Now 实现 Clock。
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock 由调用方推进，用于测试与模拟。
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建一个停在 start 的时钟。
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now 实现 Clock。
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 将时钟前移 d；负值被忽略以保持单调。
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set 将时钟移动到 t，早于当前时间的值被忽略。
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}
