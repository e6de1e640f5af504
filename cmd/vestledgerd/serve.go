package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"VestLedger/internal/api"
	"VestLedger/internal/audit"
	"VestLedger/internal/auth"
	"VestLedger/internal/bootstrap"
	"VestLedger/internal/config"
	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/ledger"
	"VestLedger/internal/observability/alerting"
	"VestLedger/internal/observability/metrics"
	"VestLedger/internal/storage/mysql"
	"VestLedger/pkg/logger"
)

func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("vestledgerd")

	journal, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer journal.Close()

	bus, err := openBus(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			lg.Warn("关闭事件总线失败", slog.Any("error", err))
		}
	}()

	clock, runClock, closeClock, err := openClock(ctx, cfg.Clock)
	if err != nil {
		return err
	}
	defer closeClock()

	dispatcher := alerting.NewFanout(cfg.Alerting.Notifiers()...).Suppress(cfg.Alerting.SuppressWindow.Std())

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	ledgerOpts := []ledger.Option{
		ledger.WithClock(clock),
		ledger.WithPublisher(bus),
		ledger.WithAlertDispatcher(dispatcher),
		ledger.WithLogger(logger.Named("ledger")),
	}
	if reg != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithMetrics(reg))
	}
	l, err := newLedger(ctx, cfg.Ledger, journal, ledgerOpts...)
	if err != nil {
		return err
	}
	if reg != nil {
		reg.SetSupply(l.TotalSupply(), l.TotalBurned())
	}

	projectorOpts := []audit.Option{audit.WithAlertDispatcher(dispatcher)}
	if reg != nil {
		projectorOpts = append(projectorOpts, audit.WithSink(reg))
	}
	projector := audit.NewProjector(projectorOpts...)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	background := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("后台任务异常退出", slog.String("task", name), slog.Any("error", err))
			}
		}()
	}
	// 投影依赖按序投递，只能单协程消费。
	background("audit", func(ctx context.Context) error { return bus.Consume(ctx, 1, projector.Handle) })
	if runClock != nil {
		background("clock", runClock)
	}
	if reg != nil && cfg.Metrics.Address != "" {
		background("metrics", func(ctx context.Context) error { return reg.StartServer(ctx, cfg.Metrics.Address) })
	}

	if cfg.Ledger.AllocationPlan != "" {
		allocs, err := config.LoadPlan(cfg.Ledger.AllocationPlan)
		if err != nil {
			return err
		}
		report, err := bootstrap.ApplyPlan(ctx, l, allocs)
		if err != nil {
			return fmt.Errorf("应用分配计划失败: %w", err)
		}
		lg.Info("分配计划已应用",
			slog.Int("created", report.Created),
			slog.Int("skipped", report.Skipped),
			slog.Int("initial_releases", report.InitialReleases))
	}

	if lister, ok := journal.(scheduleLister); ok {
		reconcile(ctx, l, lister, dispatcher)
	}

	authSvc, closeAuth, err := newAuthService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAuth()

	opts := []api.Option{
		api.WithAuth(authSvc),
		api.WithAllowedOrigins(cfg.Server.CORS.AllowedOrigins...),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	}
	if reg != nil {
		opts = append(opts, api.WithMetrics(reg))
	}
	server := api.NewServer(cfg.Server.Address, l, opts...)

	lg.Info("VestLedger 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("journal", cfg.Journal.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("clock", cfg.Clock.Driver),
		slog.Uint64("sequence", l.Sequence()))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLedger(ctx context.Context, cfg config.LedgerConfig, journal ledger.Journal, opts ...ledger.Option) (*ledger.Ledger, error) {
	owner, err := cfg.OwnerAddress()
	if err != nil {
		return nil, err
	}
	treasury, err := cfg.TreasuryAddress()
	if err != nil {
		return nil, err
	}
	supply, err := cfg.Supply()
	if err != nil {
		return nil, err
	}
	exempt, err := cfg.ExemptAddresses()
	if err != nil {
		return nil, err
	}
	policy, err := ledger.ParseReleasePolicy(cfg.ReleasePolicy)
	if err != nil {
		return nil, err
	}
	opts = append(opts, ledger.WithJournal(journal), ledger.WithExemptions(ledger.NewStaticExemptions(exempt...)))
	return ledger.New(ctx, ledger.Config{
		Owner:          owner,
		Treasury:       treasury,
		GenesisSupply:  supply,
		DefaultBurnBps: cfg.DefaultBurnBps,
		ReleasePolicy:  policy,
	}, opts...)
}

// reconcile 比较回放得到的计划与数据库投影，差异只告警不修复。
func reconcile(ctx context.Context, l *ledger.Ledger, lister scheduleLister, dispatcher alerting.Dispatcher) {
	lg := logger.Named("reconcile")
	projected, err := lister.ListSchedules(ctx)
	if err != nil {
		lg.Warn("读取计划投影失败", slog.Any("error", err))
		return
	}
	for _, v := range audit.Reconcile(l.Schedules(), projected) {
		lg.Error("计划投影与账本不一致", slog.String("account", v.Account.Hex()), slog.String("detail", v.Detail))
		_ = dispatcher.Notify(ctx, alerting.Event{
			Code:       audit.CodeAuditViolation,
			Message:    v.Detail,
			Severity:   xerrors.SeverityCritical,
			Account:    v.Account.Hex(),
			Operation:  "audit:" + v.Check,
			OccurredAt: time.Now(),
		})
	}
}

func newAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, func(), error) {
	noop := func() {}
	if auth.Mode(cfg.Auth.Mode) == auth.ModeDisabled {
		svc, err := auth.NewService(ctx, cfg.Auth.ServiceConfig(), nil)
		return svc, noop, err
	}
	switch cfg.Auth.Store {
	case "mysql":
		store, err := mysql.NewSQLAuthStore(ctx, mysqlConfig(cfg.Journal.MySQL))
		if err != nil {
			return nil, noop, err
		}
		svc, err := auth.NewService(ctx, cfg.Auth.ServiceConfig(), store)
		if err != nil {
			store.Close()
			return nil, noop, err
		}
		return svc, func() { _ = store.Close() }, nil
	default:
		store, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, noop, err
		}
		svc, err := auth.NewService(ctx, cfg.Auth.ServiceConfig(), store)
		return svc, noop, err
	}
}
