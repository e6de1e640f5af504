package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "VestLedger/internal/errors"
	"VestLedger/pkg/logger"
)

// RedisConfig 描述基于 Redis list 的事件队列。
// DeadQueue 为空时使用 Queue + ":dead"，失败计数保存在 Queue + ":attempts" 哈希中。
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Queue       string
	DeadQueue   string
	BlockWait   time.Duration
	MaxAttempts int
}

// RedisBus 以 LPUSH/BRPOP 构成先进先出队列，消息体是 Encode 的 JSON。
type RedisBus struct {
	client      *redis.Client
	queue       string
	dead        string
	attempts    string
	wait        time.Duration
	maxAttempts int
	log         *slog.Logger
}

func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}

	bus := &RedisBus{
		client:      client,
		queue:       cfg.Queue,
		dead:        cfg.DeadQueue,
		wait:        cfg.BlockWait,
		maxAttempts: maxAttempts(cfg.MaxAttempts),
		log:         logger.Named("events").With(slog.String("bus", "redis")),
	}
	if bus.queue == "" {
		bus.queue = "vestledger:events"
	}
	if bus.dead == "" {
		bus.dead = bus.queue + ":dead"
	}
	if bus.wait <= 0 {
		bus.wait = 5 * time.Second
	}
	bus.attempts = bus.queue + ":attempts"
	return bus, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 的 worker 在 ctx 结束时静默退出，连接级错误会终止全部 worker。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for ctx.Err() == nil {
			values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, redis.Nil):
				continue
			case err != nil:
				return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
			}
			// BRPOP 返回 [key, value]。
			if err := b.handle(ctx, values[1], handler); err != nil && ctx.Err() == nil {
				return err
			}
		}
		return nil
	})
}

func (b *RedisBus) handle(ctx context.Context, raw string, handler Handler) error {
	ev, err := Decode([]byte(raw))
	if err != nil {
		b.log.Warn("无法解析的事件转入死信", slog.Any("error", err))
		return b.bury(ctx, "", raw)
	}
	if err := handler(ctx, ev); err == nil {
		if err := b.client.HDel(ctx, b.attempts, ev.ID).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "清理事件失败次数失败")
		}
		return nil
	}
	n, err := b.client.HIncrBy(ctx, b.attempts, ev.ID, 1).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "记录事件失败次数失败")
	}
	if int(n) >= b.maxAttempts {
		b.log.Warn("事件重投次数耗尽", slog.String("event_id", ev.ID), slog.Int64("attempts", n))
		return b.bury(ctx, ev.ID, raw)
	}
	// 放回队尾，下一次 BRPOP 立即取回。
	if err := b.client.RPush(ctx, b.queue, raw).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "事件重新入队失败")
	}
	return nil
}

func (b *RedisBus) bury(ctx context.Context, id, raw string) error {
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.dead, raw)
	if id != "" {
		pipe.HDel(ctx, b.attempts, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "写入死信队列失败")
	}
	return nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBus) String() string {
	return "redis(" + b.queue + ")"
}
