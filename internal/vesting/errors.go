package vesting

import (
	xerrors "VestLedger/internal/errors"
)

const (
	CodeNoScheduleFound         xerrors.Code = "NO_SCHEDULE_FOUND"
	CodeNoTokensToRelease       xerrors.Code = "NO_TOKENS_TO_RELEASE"
	CodeScheduleExists          xerrors.Code = "SCHEDULE_EXISTS"
	CodeInvalidAllocation       xerrors.Code = "INVALID_ALLOCATION"
	CodeInvalidSchedule         xerrors.Code = "INVALID_SCHEDULE"
	CodeWrongCategory           xerrors.Code = "WRONG_SCHEDULE_CATEGORY"
	CodeInitialReleaseProcessed xerrors.Code = "INITIAL_RELEASE_PROCESSED"
	CodeInitialReleasePending   xerrors.Code = "INITIAL_RELEASE_PENDING"
	CodeInvariantViolation      xerrors.Code = "VESTING_INVARIANT_VIOLATION"
)

var (
	// ErrNoScheduleFound 表示受益人没有归属计划。
	ErrNoScheduleFound = xerrors.New(CodeNoScheduleFound, "no vesting schedule found")
	// ErrNoTokensToRelease 表示当前没有到期额度：未过锁定期、同一周期重复调用或已全部释放。
	ErrNoTokensToRelease = xerrors.New(CodeNoTokensToRelease, "no tokens to release")
	// ErrScheduleExists 表示受益人已存在归属计划。
	ErrScheduleExists = xerrors.New(CodeScheduleExists, "vesting schedule already exists")
	// ErrInvalidAllocation 表示分配数量为零。
	ErrInvalidAllocation = xerrors.New(CodeInvalidAllocation, "allocation must be greater than zero")
	// ErrInitialReleaseProcessed 表示管理员钱包的首次释放已执行。
	ErrInitialReleaseProcessed = xerrors.New(CodeInitialReleaseProcessed, "initial release already processed")
	// ErrInitialReleasePending 表示管理员钱包需先执行首次释放。
	ErrInitialReleasePending = xerrors.New(CodeInitialReleasePending, "initial release has not been processed")
)

func init() {
	xerrors.Register(CodeNoScheduleFound, xerrors.Attributes{
		Message:  "no vesting schedule found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryLookup,
	})
	xerrors.Register(CodeNoTokensToRelease, xerrors.Attributes{
		Message:   "no tokens to release",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryTiming,
		Retryable: true,
	})
	xerrors.Register(CodeScheduleExists, xerrors.Attributes{
		Message:  "vesting schedule already exists",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeInvalidAllocation, xerrors.Attributes{
		Message:  "allocation must be greater than zero",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeInvalidSchedule, xerrors.Attributes{
		Message:  "invalid vesting schedule",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeWrongCategory, xerrors.Attributes{
		Message:  "operation does not apply to this schedule category",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeInitialReleaseProcessed, xerrors.Attributes{
		Message:  "initial release already processed",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeInitialReleasePending, xerrors.Attributes{
		Message:  "initial release has not been processed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeInvariantViolation, xerrors.Attributes{
		Message:  "vesting invariant violated",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}
