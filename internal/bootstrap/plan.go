// Package bootstrap applies the allocation plan to a freshly replayed ledger.
// Wallets that already have a schedule are left untouched, so the same plan
// can be applied on every start.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/config"
	"VestLedger/internal/ledger"
	"VestLedger/internal/vesting"
	"VestLedger/pkg/logger"
)

// Report 汇总一次计划应用的结果。
type Report struct {
	Created         int
	Skipped         int
	InitialReleases int
}

// ApplyPlan 以账本所有者身份依次创建计划中缺失的归属计划，遇到第一个错误即停止。
func ApplyPlan(ctx context.Context, l *ledger.Ledger, allocs []config.Allocation) (Report, error) {
	var report Report
	lg := logger.Named("bootstrap")

	for _, a := range allocs {
		info, err := l.GetVestingInfo(ctx, a.Beneficiary)
		switch {
		case err == nil:
			report.Skipped++
			if a.Kind == config.AllocationAdmin && a.InitialRelease && info.Schedule.Admin != nil && !info.Schedule.Admin.InitialReleaseProcessed {
				if err := initialRelease(ctx, l, a); err != nil {
					return report, err
				}
				report.InitialReleases++
			}
			continue
		case xerrors.CodeOf(err) != vesting.CodeNoScheduleFound:
			return report, err
		}

		if err := create(ctx, l, a); err != nil {
			return report, fmt.Errorf("%s: %w", a.Name, err)
		}
		report.Created++
		lg.Info("已创建归属计划",
			slog.String("wallet", a.Name),
			slog.String("beneficiary", a.Beneficiary.Hex()),
			slog.String("kind", a.Kind),
			slog.String("amount", a.Amount.Dec()))

		if a.Kind == config.AllocationAdmin && a.InitialRelease {
			if err := initialRelease(ctx, l, a); err != nil {
				return report, err
			}
			report.InitialReleases++
		}
	}
	return report, nil
}

func create(ctx context.Context, l *ledger.Ledger, a config.Allocation) error {
	owner := l.Owner()
	var err error
	switch a.Kind {
	case config.AllocationAdmin:
		_, err = l.ConfigureAdminWallet(ctx, owner, a.Beneficiary, a.Amount)
	case config.AllocationLocked:
		_, err = l.CreateLockedWalletVesting(ctx, owner, a.Beneficiary, a.Amount, a.CliffDays)
	case config.AllocationCustom:
		_, err = l.CreateVestingSchedule(ctx, owner, ledger.ScheduleRequest{
			Beneficiary: a.Beneficiary,
			TotalAmount: a.Amount,
			CliffDays:   a.CliffDays,
			Months:      a.Months,
			MonthlyBps:  a.MonthlyBps,
			BurnBps:     a.BurnBps,
			IsAdmin:     a.IsAdmin,
		})
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown allocation kind %q", a.Kind))
	}
	return err
}

func initialRelease(ctx context.Context, l *ledger.Ledger, a config.Allocation) error {
	if _, err := l.ProcessInitialRelease(ctx, l.Owner(), a.Beneficiary); err != nil {
		return fmt.Errorf("%s: initial release: %w", a.Name, err)
	}
	return nil
}
