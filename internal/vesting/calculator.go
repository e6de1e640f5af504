package vesting

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
)

// Quote 是一次释放的计算结果。Burn + Credit == Due 恒成立。
type Quote struct {
	Due    *uint256.Int
	Burn   *uint256.Int
	Credit *uint256.Int
	// Months 为本次释放覆盖的新增月数，执行后计入 ReleasedMonths。
	Months int
}

// Calculator 根据计划与当前时间计算应释放额度，不修改计划。
type Calculator interface {
	Quote(s *Schedule, now time.Time) (Quote, error)
}

// CalculatorFor 按计划类别选择公式。每个类别只有一个实现，
// 未知类别直接报错而不是回落到某个默认公式。
func CalculatorFor(s *Schedule) (Calculator, error) {
	if s == nil {
		return nil, ErrNoScheduleFound
	}
	switch s.Category {
	case CategoryAdmin:
		return AdminCalculator{}, nil
	case CategoryLocked:
		return LockedCalculator{}, nil
	default:
		return nil, xerrors.New(CodeInvalidSchedule, fmt.Sprintf("unknown schedule category %q", s.Category))
	}
}

// AdminCalculator 实现管理员钱包的月度释放：每月释放原始总分配量的 MonthlyReleaseBps，
// 而不是首次释放后剩余部分的比例。
type AdminCalculator struct{}

// Quote 实现 Calculator。
func (AdminCalculator) Quote(s *Schedule, now time.Time) (Quote, error) {
	if s.Category != CategoryAdmin || s.Admin == nil {
		return Quote{}, xerrors.New(CodeWrongCategory, "admin formula applied to a non-admin schedule")
	}
	if !s.Admin.InitialReleaseProcessed {
		return Quote{}, ErrInitialReleasePending
	}
	monthly := mulBps(s.Admin.TotalAllocation, uint64(s.MonthlyReleaseBps))
	return accrue(s, now, monthly)
}

// InitialRelease 计算管理员钱包的一次性释放额度，该部分不参与销毁。
func (AdminCalculator) InitialRelease(s *Schedule) (Quote, error) {
	if s.Category != CategoryAdmin || s.Admin == nil {
		return Quote{}, xerrors.New(CodeWrongCategory, "initial release only applies to admin wallets")
	}
	if s.Admin.InitialReleaseProcessed {
		return Quote{}, ErrInitialReleaseProcessed
	}
	due := minAmount(s.Admin.ImmediateAmount, s.LockedAmount())
	if due.IsZero() {
		return Quote{}, ErrNoTokensToRelease
	}
	return Quote{Due: due, Burn: new(uint256.Int), Credit: due.Clone()}, nil
}

// LockedCalculator 实现锁仓钱包的释放：锁定期后每月释放总量的 MonthlyReleaseBps，
// 最后一期截断到剩余额度。
type LockedCalculator struct{}

// Quote 实现 Calculator。
func (LockedCalculator) Quote(s *Schedule, now time.Time) (Quote, error) {
	if s.Category != CategoryLocked {
		return Quote{}, xerrors.New(CodeWrongCategory, "locked formula applied to a non-locked schedule")
	}
	monthly := mulBps(s.TotalAmount, uint64(s.MonthlyReleaseBps))
	return accrue(s, now, monthly)
}

// VestedMonths 返回截至 now 已归属的整月数，锁定期内为 0。
// 月数自 StartTime 起算，锁定期只是释放的门槛。
func VestedMonths(s *Schedule, now time.Time) int {
	if now.Before(s.CliffEnd()) || !now.After(s.StartTime) {
		return 0
	}
	months := int(now.Sub(s.StartTime) / MonthDuration)
	if months > s.VestingMonths {
		months = s.VestingMonths
	}
	return months
}

// accrue 计算自上次成功释放以来新增的月数对应的额度，并截断到剩余部分。
func accrue(s *Schedule, now time.Time, monthly *uint256.Int) (Quote, error) {
	if s.Exhausted() {
		return Quote{}, ErrNoTokensToRelease
	}
	vested := VestedMonths(s, now)
	newMonths := vested - s.ReleasedMonths
	if newMonths <= 0 {
		return Quote{}, ErrNoTokensToRelease
	}
	accrued, overflow := new(uint256.Int).MulOverflow(monthly, uint256.NewInt(uint64(newMonths)))
	remaining := s.LockedAmount()
	due := remaining
	// 最后一期清空取整余数，非整数分配不会留下永久锁定的尾款。
	if !overflow && accrued.Lt(remaining) && vested < s.VestingMonths {
		due = accrued
	}
	if due.IsZero() {
		return Quote{}, ErrNoTokensToRelease
	}
	burn, credit := SplitBurn(due, s.BurnBps)
	return Quote{Due: due, Burn: burn, Credit: credit, Months: newMonths}, nil
}

// SplitBurn 按基点拆分销毁与到账部分，burn 向下取整，credit 取差值。
func SplitBurn(due *uint256.Int, burnBps uint16) (burn, credit *uint256.Int) {
	burn = mulBps(due, uint64(burnBps))
	credit = new(uint256.Int).Sub(due, burn)
	return burn, credit
}

func minAmount(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}
