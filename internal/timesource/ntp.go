// Package timesource calibrates the local clock against NTP servers so that
// vesting periods are measured against network time even when the host
// clock drifts.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"VestLedger/pkg/logger"
)

// DefaultServers 为未配置服务器时使用的公共 NTP 池。
var DefaultServers = []string{"pool.ntp.org", "time.google.com", "time.cloudflare.com"}

// QueryFunc 返回本地时钟相对 host 的偏移。
type QueryFunc func(host string, timeout time.Duration) (time.Duration, error)

func queryNTP(host string, timeout time.Duration) (time.Duration, error) {
	rsp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	return rsp.ClockOffset, nil
}

// NTPClock 返回按最近一次 NTP 偏移校准后的时间，输出不会回退。
type NTPClock struct {
	servers  []string
	timeout  time.Duration
	interval time.Duration
	maxSkew  time.Duration
	query    QueryFunc
	local    func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	offset time.Duration
	last   time.Time
	synced bool
}

// Config 描述 NTP 校准参数。
type Config struct {
	Servers  []string
	Timeout  time.Duration
	Interval time.Duration
	// MaxSkew 为可接受的最大偏移，超出时拒绝本次结果。
	MaxSkew time.Duration
}

// NewNTPClock 创建时钟，首次 Sync 之前偏移为零。
func NewNTPClock(cfg Config) *NTPClock {
	c := &NTPClock{
		servers:  cfg.Servers,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		maxSkew:  cfg.MaxSkew,
		query:    queryNTP,
		local:    time.Now,
		logger:   logger.Named("timesource"),
	}
	if len(c.servers) == 0 {
		c.servers = DefaultServers
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Second
	}
	if c.interval <= 0 {
		c.interval = time.Minute
	}
	if c.maxSkew <= 0 {
		c.maxSkew = time.Hour
	}
	return c
}

// Now 实现 vesting.Clock。
func (c *NTPClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.local().Add(c.offset).UTC()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

// Offset 返回当前偏移以及是否至少同步成功过一次。
func (c *NTPClock) Offset() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset, c.synced
}

// Sync 依次尝试各服务器，直到有一台返回可接受的偏移。
func (c *NTPClock) Sync(ctx context.Context) error {
	start := rand.Intn(len(c.servers))
	var errs []error
	for i := range c.servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		host := c.servers[(start+i)%len(c.servers)]
		offset, err := c.query(host, c.timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		if offset > c.maxSkew || offset < -c.maxSkew {
			errs = append(errs, fmt.Errorf("%s: offset %s exceeds %s", host, offset, c.maxSkew))
			continue
		}
		c.mu.Lock()
		c.offset = offset
		c.synced = true
		c.mu.Unlock()
		c.logger.Debug("NTP 校准完成", slog.String("server", host), slog.Duration("offset", offset))
		return nil
	}
	return fmt.Errorf("NTP 同步失败: %w", errors.Join(errs...))
}

// Run 按间隔同步直到 ctx 结束。
func (c *NTPClock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("NTP 校准失败，沿用上次偏移", slog.Any("error", err))
			}
		}
	}
}
