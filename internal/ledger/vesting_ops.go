package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/events"
	"VestLedger/internal/vesting"
)

// ScheduleRequest 是通用创建入口的参数，所有字段都必须显式给出。
type ScheduleRequest struct {
	Beneficiary common.Address
	TotalAmount *uint256.Int
	CliffDays   uint32
	Months      int
	MonthlyBps  uint16
	BurnBps     uint16
	IsAdmin     bool
}

// ReleaseResult 描述一次已提交的释放。
type ReleaseResult struct {
	Sequence       uint64
	Beneficiary    common.Address
	Category       vesting.Category
	Initial        bool
	Due            *uint256.Int
	Burn           *uint256.Int
	Credit         *uint256.Int
	Months         int
	TotalAmount    *uint256.Int
	ReleasedAmount *uint256.Int
	BurnedAmount   *uint256.Int
}

// VestingInfo 是 GetVestingInfo 的只读视图。
type VestingInfo struct {
	Schedule     *vesting.Schedule
	Phase        vesting.Phase
	Locked       *uint256.Int
	VestedMonths int
	// NextReleaseAt 为下一次可释放的最早时间，已全部释放时为零值。
	NextReleaseAt time.Time
	Balance       *uint256.Int
	Available     *uint256.Int
}

// ConfigureAdminWallet 为管理员钱包创建计划：10% 立即释放，其后 18 个月每月释放原始分配量的 5%。
func (l *Ledger) ConfigureAdminWallet(ctx context.Context, caller, beneficiary common.Address, totalAllocation *uint256.Int) (*vesting.Schedule, error) {
	return l.createSchedule(ctx, "configure_admin_wallet", caller, ScheduleRequest{
		Beneficiary: beneficiary,
		TotalAmount: totalAllocation,
		Months:      vesting.AdminVestingMonths,
		MonthlyBps:  vesting.AdminMonthlyBps,
		BurnBps:     l.burnBps,
		IsAdmin:     true,
	})
}

// CreateLockedWalletVesting 为锁仓钱包创建计划：锁定 cliffDays 天后每月释放总量的 3%。
func (l *Ledger) CreateLockedWalletVesting(ctx context.Context, caller, beneficiary common.Address, totalAmount *uint256.Int, cliffDays uint32) (*vesting.Schedule, error) {
	return l.createSchedule(ctx, "create_locked_wallet_vesting", caller, ScheduleRequest{
		Beneficiary: beneficiary,
		TotalAmount: totalAmount,
		CliffDays:   cliffDays,
		Months:      vesting.LockedVestingMonths,
		MonthlyBps:  vesting.LockedMonthlyBps,
		BurnBps:     l.burnBps,
	})
}

// CreateVestingSchedule 是通用创建入口，两个便捷入口都经由这里。
func (l *Ledger) CreateVestingSchedule(ctx context.Context, caller common.Address, req ScheduleRequest) (*vesting.Schedule, error) {
	return l.createSchedule(ctx, "create_vesting_schedule", caller, req)
}

func (l *Ledger) createSchedule(ctx context.Context, op string, caller common.Address, req ScheduleRequest) (*vesting.Schedule, error) {
	if err := l.authorize(ctx, caller, ActionConfigure, req.Beneficiary); err != nil {
		return nil, err
	}
	entry, err := l.commit(ctx, op, caller, func(now time.Time) (*Entry, error) {
		if req.Beneficiary == l.treasury {
			return nil, xerrors.New(vesting.CodeInvalidSchedule, "treasury cannot be a vesting beneficiary")
		}
		category := vesting.CategoryLocked
		if req.IsAdmin {
			category = vesting.CategoryAdmin
		}
		s, err := vesting.NewSchedule(vesting.Params{
			Beneficiary:       req.Beneficiary,
			Category:          category,
			TotalAmount:       req.TotalAmount,
			StartTime:         now,
			Cliff:             time.Duration(req.CliffDays) * vesting.Day,
			VestingMonths:     req.Months,
			MonthlyReleaseBps: req.MonthlyBps,
			BurnBps:           req.BurnBps,
		})
		if err != nil {
			return nil, err
		}
		if _, exists := l.schedules.Get(req.Beneficiary); exists {
			return nil, xerrors.New(vesting.CodeScheduleExists,
				fmt.Sprintf("vesting schedule already exists for %s", req.Beneficiary.Hex()))
		}
		if l.balanceOf(l.treasury).Lt(s.TotalAmount) {
			return nil, xerrors.New(CodeInsufficientTreasury,
				fmt.Sprintf("treasury holds %s, allocation needs %s", l.balanceOf(l.treasury).Dec(), s.TotalAmount.Dec()))
		}
		return &Entry{
			Kind:     events.KindScheduleCreated,
			Postings: []Posting{debit(l.treasury, s.TotalAmount), credit(s.Beneficiary, s.TotalAmount)},
			Schedule: s,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return entry.Schedule.Clone(), nil
}

// ProcessInitialRelease 执行管理员钱包的一次性 10% 释放，该部分不销毁。
func (l *Ledger) ProcessInitialRelease(ctx context.Context, caller, beneficiary common.Address) (*ReleaseResult, error) {
	if err := l.authorize(ctx, caller, ActionConfigure, beneficiary); err != nil {
		return nil, err
	}
	entry, err := l.commit(ctx, "process_initial_release", caller, func(time.Time) (*Entry, error) {
		s, ok := l.schedules.Get(beneficiary)
		if !ok {
			return nil, vesting.ErrNoScheduleFound
		}
		q, err := vesting.AdminCalculator{}.InitialRelease(s)
		if err != nil {
			return nil, err
		}
		next := s.Clone()
		next.ReleasedAmount.Add(next.ReleasedAmount, q.Due)
		next.Admin.InitialReleaseProcessed = true
		return &Entry{
			Kind:     events.KindInitialRelease,
			Schedule: next,
			Release:  &ReleaseRecord{Due: q.Due, Burn: q.Burn, Credit: q.Credit, Initial: true},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	res := l.releaseResult(entry)
	l.metrics.ObserveRelease(string(res.Category), res.Due, res.Burn)
	return res, nil
}

// ProcessMonthlyRelease 执行管理员钱包的按月释放。
func (l *Ledger) ProcessMonthlyRelease(ctx context.Context, caller, beneficiary common.Address) (*ReleaseResult, error) {
	return l.release(ctx, "process_monthly_release", caller, beneficiary, vesting.CategoryAdmin)
}

// ProcessLockedWalletRelease 执行锁仓钱包的按月释放。
func (l *Ledger) ProcessLockedWalletRelease(ctx context.Context, caller, beneficiary common.Address) (*ReleaseResult, error) {
	return l.release(ctx, "process_locked_wallet_release", caller, beneficiary, vesting.CategoryLocked)
}

// ReleaseVestedTokens 按计划类别选择公式执行释放。
func (l *Ledger) ReleaseVestedTokens(ctx context.Context, caller, beneficiary common.Address) (*ReleaseResult, error) {
	return l.release(ctx, "release_vested_tokens", caller, beneficiary, "")
}

func (l *Ledger) release(ctx context.Context, op string, caller, beneficiary common.Address, want vesting.Category) (*ReleaseResult, error) {
	if err := l.authorize(ctx, caller, ActionRelease, beneficiary); err != nil {
		return nil, err
	}
	entry, err := l.commit(ctx, op, caller, func(now time.Time) (*Entry, error) {
		s, ok := l.schedules.Get(beneficiary)
		if !ok {
			return nil, vesting.ErrNoScheduleFound
		}
		if want != "" && s.Category != want {
			return nil, xerrors.New(vesting.CodeWrongCategory,
				fmt.Sprintf("%s holds a %s schedule, %s requires %s", beneficiary.Hex(), s.Category, op, want))
		}
		q, err := quoteRelease(s, now)
		if err != nil {
			return nil, err
		}
		next := s.Clone()
		next.ReleasedAmount.Add(next.ReleasedAmount, q.Due)
		next.BurnedAmount.Add(next.BurnedAmount, q.Burn)
		next.ReleasedMonths += q.Months
		entry := &Entry{
			Kind:     events.KindRelease,
			Schedule: next,
			Release:  &ReleaseRecord{Due: q.Due, Burn: q.Burn, Credit: q.Credit, Months: q.Months},
		}
		if !q.Burn.IsZero() {
			entry.Postings = []Posting{debit(beneficiary, q.Burn)}
			entry.Burned = q.Burn.Clone()
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	res := l.releaseResult(entry)
	l.metrics.ObserveRelease(string(res.Category), res.Due, res.Burn)
	return res, nil
}

func quoteRelease(s *vesting.Schedule, now time.Time) (vesting.Quote, error) {
	calc, err := vesting.CalculatorFor(s)
	if err != nil {
		return vesting.Quote{}, err
	}
	return calc.Quote(s, now)
}

func (l *Ledger) releaseResult(e *Entry) *ReleaseResult {
	s := e.Schedule
	return &ReleaseResult{
		Sequence:       e.Sequence,
		Beneficiary:    s.Beneficiary,
		Category:       s.Category,
		Initial:        e.Release.Initial,
		Due:            e.Release.Due.Clone(),
		Burn:           e.Release.Burn.Clone(),
		Credit:         e.Release.Credit.Clone(),
		Months:         e.Release.Months,
		TotalAmount:    s.TotalAmount.Clone(),
		ReleasedAmount: s.ReleasedAmount.Clone(),
		BurnedAmount:   s.BurnedAmount.Clone(),
	}
}

// CalculateAvailableRelease 预览当前时刻一次释放会应用的额度与销毁部分，不修改状态。
func (l *Ledger) CalculateAvailableRelease(_ context.Context, beneficiary common.Address) (vesting.Quote, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.schedules.Get(beneficiary)
	if !ok {
		return vesting.Quote{}, vesting.ErrNoScheduleFound
	}
	return quoteRelease(s, l.clock.Now())
}

// GetVestingInfo 返回计划、阶段与余额视图。
func (l *Ledger) GetVestingInfo(_ context.Context, beneficiary common.Address) (*VestingInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.schedules.Get(beneficiary)
	if !ok {
		return nil, vesting.ErrNoScheduleFound
	}
	now := l.clock.Now()
	balance := l.balanceOf(beneficiary)
	info := &VestingInfo{
		Schedule:     s,
		Phase:        s.Phase(now),
		Locked:       s.LockedAmount(),
		VestedMonths: vesting.VestedMonths(s, now),
		Balance:      balance,
		Available:    Available(s, balance),
	}
	if !s.Exhausted() {
		info.NextReleaseAt = nextReleaseAt(s, now)
	}
	return info, nil
}

func nextReleaseAt(s *vesting.Schedule, now time.Time) time.Time {
	if s.IsAdmin() && !s.Admin.InitialReleaseProcessed {
		return now
	}
	next := s.StartTime.Add(time.Duration(s.ReleasedMonths+1) * vesting.MonthDuration)
	if cliff := s.CliffEnd(); cliff.After(next) {
		return cliff
	}
	return next
}

// Schedules 返回全部计划副本。
func (l *Ledger) Schedules() []*vesting.Schedule {
	return l.schedules.List()
}
