package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"VestLedger/internal/vesting"
	"VestLedger/pkg/logger"
)

// HeaderSource 是 BlockClock 需要的最小 RPC 能力，*ethclient.Client 满足它。
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Dial 连接 EVM 节点；若 def.ChainID 非零则校验链 ID。
func Dial(ctx context.Context, def Definition) (*ethclient.Client, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	client := ethclient.NewClient(rpcClient)
	if def.ChainID != 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if id.Uint64() != def.ChainID {
			client.Close()
			return nil, fmt.Errorf("链 ID 不匹配: 节点返回 %s, 配置为 %d", id, def.ChainID)
		}
	}
	return client, nil
}

// BlockClock 以最新区块时间作为账本时间。Now 返回最近一次刷新得到的时间戳，
// 从不回退；尚未成功刷新时退回 fallback。
type BlockClock struct {
	source   HeaderSource
	fallback vesting.Clock
	interval time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	latest time.Time
	number uint64
}

// ClockOption 配置 BlockClock。
type ClockOption func(*BlockClock)

// WithFallback 设置首次刷新前使用的时钟。
func WithFallback(c vesting.Clock) ClockOption {
	return func(b *BlockClock) { b.fallback = c }
}

// WithRefreshInterval 设置 Run 的轮询间隔。
func WithRefreshInterval(d time.Duration) ClockOption {
	return func(b *BlockClock) {
		if d > 0 {
			b.interval = d
		}
	}
}

// NewBlockClock 创建区块时钟，调用方需执行 Refresh 或 Run 才会读取链上时间。
func NewBlockClock(source HeaderSource, opts ...ClockOption) *BlockClock {
	c := &BlockClock{
		source:   source,
		fallback: vesting.SystemClock{},
		interval: 12 * time.Second,
		logger:   logger.Named("chain"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Now 实现 vesting.Clock。
func (c *BlockClock) Now() time.Time {
	c.mu.RLock()
	latest := c.latest
	c.mu.RUnlock()
	if latest.IsZero() {
		return c.fallback.Now()
	}
	return latest
}

// Head 返回最近一次观察到的区块高度与时间。
func (c *BlockClock) Head() (uint64, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.number, c.latest
}

// Refresh 读取最新区块头。时间戳早于已观察值的区块（如重组）不会让时钟回退。
func (c *BlockClock) Refresh(ctx context.Context) error {
	header, err := c.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("获取最新区块失败: %w", err)
	}
	if header == nil {
		return errors.New("节点返回空区块头")
	}
	ts := time.Unix(int64(header.Time), 0).UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.latest) {
		c.latest = ts
	}
	if header.Number != nil && header.Number.Uint64() > c.number {
		c.number = header.Number.Uint64()
	}
	return nil
}

// Run 按间隔刷新直到 ctx 结束，单次失败只记录日志。
func (c *BlockClock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("刷新区块时间失败", slog.Any("error", err))
			}
		}
	}
}
