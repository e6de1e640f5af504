package ledger

import (
	xerrors "VestLedger/internal/errors"
)

const (
	CodeInsufficientUnlocked  xerrors.Code = "INSUFFICIENT_UNLOCKED_BALANCE"
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientAllowance xerrors.Code = "INSUFFICIENT_ALLOWANCE"
	CodeInsufficientTreasury  xerrors.Code = "INSUFFICIENT_TREASURY"
	CodeReentrantCall         xerrors.Code = "REENTRANT_CALL"
	CodeJournalCorrupt        xerrors.Code = "JOURNAL_CORRUPT"
)

var (
	// ErrReentrantCall 表示在事件回调中再次调用了账本的变更操作。
	ErrReentrantCall = xerrors.New(CodeReentrantCall, "ledger mutation called from an event observer")
)

func init() {
	xerrors.Register(CodeInsufficientUnlocked, xerrors.Attributes{
		Message:   "transfer exceeds unlocked balance",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryBalance,
		Retryable: true,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryBalance,
		Retryable: true,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:   "insufficient allowance",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryBalance,
		Retryable: true,
	})
	xerrors.Register(CodeInsufficientTreasury, xerrors.Attributes{
		Message:  "treasury cannot fund the allocation",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryConfiguration,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:  "reentrant ledger call rejected",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryInternal,
	})
	xerrors.Register(CodeJournalCorrupt, xerrors.Attributes{
		Message:  "journal cannot be replayed",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInfrastructure,
		Alert:    true,
	})
}
