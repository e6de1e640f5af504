package main

import (
	"context"
	"fmt"
	"log/slog"

	"VestLedger/internal/chain"
	"VestLedger/internal/config"
	"VestLedger/internal/events"
	"VestLedger/internal/ledger"
	"VestLedger/internal/storage/leveldb"
	"VestLedger/internal/storage/mysql"
	"VestLedger/internal/storage/postgres"
	"VestLedger/internal/timesource"
	"VestLedger/internal/vesting"
	"VestLedger/pkg/logger"
)

// scheduleLister 由同时维护 vesting_schedules 投影的 SQL 日志实现。
type scheduleLister interface {
	ListSchedules(ctx context.Context) ([]*vesting.Schedule, error)
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (ledger.Journal, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemoryJournal(), nil
	case "leveldb":
		j, err := leveldb.Open(leveldb.Config{Path: cfg.LevelDB.Path, NoSync: cfg.LevelDB.NoSync})
		if err != nil {
			return nil, err
		}
		return j, nil
	case "mysql":
		j, err := mysql.Open(ctx, mysqlConfig(cfg.MySQL))
		if err != nil {
			return nil, err
		}
		return j, nil
	case "postgres":
		j, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MinConns: cfg.Postgres.MinConns,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("未知的日志驱动: %s", cfg.Driver)
	}
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
	}
}

func openBus(ctx context.Context, cfg config.EventsConfig) (events.Bus, error) {
	switch cfg.Driver {
	case "memory":
		return events.NewMemoryBusWithAttempts(cfg.BufferSize, cfg.MaxAttempts), nil
	case "redis":
		bus, err := events.NewRedisBus(ctx, events.RedisConfig{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Queue:       cfg.Redis.Queue,
			BlockWait:   cfg.Redis.BlockWait.Std(),
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "rabbitmq":
		bus, err := events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:         cfg.RabbitMQ.URL,
			Queue:       cfg.RabbitMQ.Queue,
			Prefetch:    cfg.RabbitMQ.Prefetch,
			Durable:     cfg.RabbitMQ.Durable,
			AutoDelete:  cfg.RabbitMQ.AutoDelete,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

// openClock 构造账本时钟。返回的 run 在后台持续校准，system 时钟没有 run。
func openClock(ctx context.Context, cfg config.ClockConfig) (vesting.Clock, func(context.Context) error, func(), error) {
	lg := logger.Named("clock")
	noop := func() {}
	switch cfg.Driver {
	case "system":
		return vesting.SystemClock{}, nil, noop, nil
	case "ntp":
		clock := timesource.NewNTPClock(timesource.Config{
			Servers:  cfg.NTP.Servers,
			Timeout:  cfg.NTP.Timeout.Std(),
			Interval: cfg.NTP.Interval.Std(),
			MaxSkew:  cfg.NTP.MaxSkew.Std(),
		})
		if err := clock.Sync(ctx); err != nil {
			lg.Warn("首次 NTP 校准失败，暂用本地时间", slog.Any("error", err))
		}
		return clock, clock.Run, noop, nil
	case "chain":
		def := chain.Definition{Type: "evm", RPCURL: cfg.Chain.RPCURL, ChainID: cfg.Chain.ChainID}
		name := cfg.Chain.Name
		if cfg.Chain.Definitions != "" {
			defs, err := chain.LoadDefinitions(cfg.Chain.Definitions)
			if err != nil {
				return nil, nil, noop, err
			}
			if name, def, err = defs.Resolve(cfg.Chain.Name); err != nil {
				return nil, nil, noop, err
			}
		}
		client, err := chain.Dial(ctx, def)
		if err != nil {
			return nil, nil, noop, err
		}
		clock := chain.NewBlockClock(client,
			chain.WithFallback(vesting.SystemClock{}),
			chain.WithRefreshInterval(cfg.Chain.RefreshInterval.Std()))
		if err := clock.Refresh(ctx); err != nil {
			lg.Warn("读取链头失败，暂用本地时间", slog.String("chain", name), slog.Any("error", err))
		}
		return clock, clock.Run, client.Close, nil
	default:
		return nil, nil, noop, fmt.Errorf("未知的时钟驱动: %s", cfg.Driver)
	}
}
