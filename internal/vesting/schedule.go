package vesting

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
)

const (
	// BpsDenominator 为基点换算的分母。
	BpsDenominator = 10000
	// AdminImmediateBps 管理员钱包一次性释放比例（10%）。
	AdminImmediateBps = 1000
	// AdminMonthlyBps 管理员钱包每月释放比例，基数为原始总分配量（5%）。
	AdminMonthlyBps = 500
	// AdminVestingMonths 管理员钱包按月释放的期数。
	AdminVestingMonths = 18
	// LockedMonthlyBps 锁仓钱包每月释放比例（3%）。
	LockedMonthlyBps = 300
	// LockedVestingMonths 锁仓钱包名义期数，最后一期被截断为剩余的 1%。
	LockedVestingMonths = 34
	// DefaultBurnBps 每次月度释放的默认销毁比例（10%）。
	DefaultBurnBps = 1000
	// MonthDuration 一个释放周期的长度。
	MonthDuration = 30 * 24 * time.Hour
	// Day 用于将 cliffDays 换算为时长。
	Day = 24 * time.Hour
)

// Category 标记归属计划所使用的释放公式。两类公式互不共享计算路径。
type Category string

const (
	CategoryAdmin  Category = "admin"
	CategoryLocked Category = "locked"
)

// Valid 判断类别是否为已知取值。
func (c Category) Valid() bool {
	return c == CategoryAdmin || c == CategoryLocked
}

// Phase 描述账户在归属状态机中的位置。
type Phase string

const (
	PhaseUnconstrained   Phase = "unconstrained"
	PhaseConfigured      Phase = "configured"
	PhaseInitialReleased Phase = "initial_released"
	PhaseLocked          Phase = "locked"
	PhaseReleasing       Phase = "releasing"
	PhaseExhausted       Phase = "exhausted"
)

// AdminConfig 仅存在于管理员钱包。
type AdminConfig struct {
	TotalAllocation         *uint256.Int `json:"total_allocation"`
	ImmediateAmount         *uint256.Int `json:"immediate_amount"`
	InitialReleaseProcessed bool         `json:"initial_release_processed"`
}

// Schedule 是单个受益人的归属记录，也是应得额度与累计释放量的唯一来源。
type Schedule struct {
	Beneficiary       common.Address `json:"beneficiary"`
	Category          Category       `json:"category"`
	TotalAmount       *uint256.Int   `json:"total_amount"`
	ReleasedAmount    *uint256.Int   `json:"released_amount"`
	BurnedAmount      *uint256.Int   `json:"burned_amount"`
	StartTime         time.Time      `json:"start_time"`
	Cliff             time.Duration  `json:"cliff"`
	VestingMonths     int            `json:"vesting_months"`
	MonthlyReleaseBps uint16         `json:"monthly_release_bps"`
	BurnBps           uint16         `json:"burn_bps"`
	ReleasedMonths    int            `json:"released_months"`
	Admin             *AdminConfig   `json:"admin,omitempty"`
}

// Params 是创建归属计划所需的全部字段，不提供隐式默认值。
type Params struct {
	Beneficiary       common.Address
	Category          Category
	TotalAmount       *uint256.Int
	StartTime         time.Time
	Cliff             time.Duration
	VestingMonths     int
	MonthlyReleaseBps uint16
	BurnBps           uint16
}

// NewSchedule 校验参数并构造一个尚未释放任何额度的计划。
func NewSchedule(p Params) (*Schedule, error) {
	if p.Beneficiary == (common.Address{}) {
		return nil, xerrors.New(CodeInvalidSchedule, "beneficiary must not be the zero address")
	}
	if p.TotalAmount == nil || p.TotalAmount.IsZero() {
		return nil, ErrInvalidAllocation
	}
	if !p.Category.Valid() {
		return nil, xerrors.New(CodeInvalidSchedule, fmt.Sprintf("unknown schedule category %q", p.Category))
	}
	if p.StartTime.IsZero() {
		return nil, xerrors.New(CodeInvalidSchedule, "start time is required")
	}
	if p.Cliff < 0 {
		return nil, xerrors.New(CodeInvalidSchedule, "cliff must not be negative")
	}
	if p.VestingMonths <= 0 {
		return nil, xerrors.New(CodeInvalidSchedule, "vesting months must be positive")
	}
	if p.MonthlyReleaseBps == 0 || p.MonthlyReleaseBps > BpsDenominator {
		return nil, xerrors.New(CodeInvalidSchedule, "monthly release bps must be within (0, 10000]")
	}
	if p.BurnBps > BpsDenominator {
		return nil, xerrors.New(CodeInvalidSchedule, "burn bps must be within [0, 10000]")
	}
	immediateBps := 0
	if p.Category == CategoryAdmin {
		immediateBps = AdminImmediateBps
	}
	// 名义期数必须足以释放全部额度，否则尾款将永远锁定。
	if immediateBps+p.VestingMonths*int(p.MonthlyReleaseBps) < BpsDenominator {
		return nil, xerrors.New(CodeInvalidSchedule, fmt.Sprintf(
			"%d months at %d bps cannot exhaust the allocation", p.VestingMonths, p.MonthlyReleaseBps))
	}

	s := &Schedule{
		Beneficiary:       p.Beneficiary,
		Category:          p.Category,
		TotalAmount:       p.TotalAmount.Clone(),
		ReleasedAmount:    new(uint256.Int),
		BurnedAmount:      new(uint256.Int),
		StartTime:         p.StartTime.UTC(),
		Cliff:             p.Cliff,
		VestingMonths:     p.VestingMonths,
		MonthlyReleaseBps: p.MonthlyReleaseBps,
		BurnBps:           p.BurnBps,
	}
	if p.Category == CategoryAdmin {
		s.Admin = NewAdminConfig(p.TotalAmount, false)
	}
	return s, nil
}

// NewAdminConfig 由总分配量推导管理员配置，存储层恢复计划时也使用它。
func NewAdminConfig(total *uint256.Int, initialProcessed bool) *AdminConfig {
	return &AdminConfig{
		TotalAllocation:         cloneAmount(total),
		ImmediateAmount:         mulBps(total, AdminImmediateBps),
		InitialReleaseProcessed: initialProcessed,
	}
}

// IsAdmin 报告计划是否走管理员公式。
func (s *Schedule) IsAdmin() bool {
	return s != nil && s.Category == CategoryAdmin
}

// LockedAmount 返回 total - released，即转账闸门必须保护的部分。
func (s *Schedule) LockedAmount() *uint256.Int {
	if s == nil {
		return new(uint256.Int)
	}
	if s.ReleasedAmount.Gt(s.TotalAmount) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(s.TotalAmount, s.ReleasedAmount)
}

// Exhausted 报告计划是否已全部释放。
func (s *Schedule) Exhausted() bool {
	return s != nil && !s.ReleasedAmount.Lt(s.TotalAmount)
}

// CliffEnd 返回首次允许释放的时间点。
func (s *Schedule) CliffEnd() time.Time {
	return s.StartTime.Add(s.Cliff)
}

// Phase 计算账户当前所处的状态。
func (s *Schedule) Phase(now time.Time) Phase {
	if s == nil {
		return PhaseUnconstrained
	}
	if s.Exhausted() {
		return PhaseExhausted
	}
	if s.IsAdmin() {
		if s.Admin == nil || !s.Admin.InitialReleaseProcessed {
			return PhaseConfigured
		}
		if s.ReleasedMonths == 0 {
			return PhaseInitialReleased
		}
		return PhaseReleasing
	}
	if now.Before(s.CliffEnd()) {
		return PhaseLocked
	}
	return PhaseReleasing
}

// Clone 返回深拷贝，存储层以此隔离调用方的修改。
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	clone := *s
	clone.TotalAmount = cloneAmount(s.TotalAmount)
	clone.ReleasedAmount = cloneAmount(s.ReleasedAmount)
	clone.BurnedAmount = cloneAmount(s.BurnedAmount)
	if s.Admin != nil {
		admin := *s.Admin
		admin.TotalAllocation = cloneAmount(s.Admin.TotalAllocation)
		admin.ImmediateAmount = cloneAmount(s.Admin.ImmediateAmount)
		clone.Admin = &admin
	}
	return &clone
}

// RoundingTolerance 返回转账闸门允许的取整误差（0 或 1 个最小单位）。
// 仅当本计划自身的释放除法存在余数时才为 1。
func (s *Schedule) RoundingTolerance() *uint256.Int {
	if s == nil {
		return new(uint256.Int)
	}
	if hasRemainder(s.TotalAmount, uint64(s.MonthlyReleaseBps)) {
		return uint256.NewInt(1)
	}
	if s.IsAdmin() && hasRemainder(s.TotalAmount, AdminImmediateBps) {
		return uint256.NewInt(1)
	}
	return new(uint256.Int)
}

func hasRemainder(amount *uint256.Int, bps uint64) bool {
	product, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(bps))
	if overflow {
		return true
	}
	return !new(uint256.Int).Mod(product, uint256.NewInt(BpsDenominator)).IsZero()
}

// mulBps 计算 amount * bps / 10000，向下取整。
func mulBps(amount *uint256.Int, bps uint64) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	// 先除后乘避免 256 位溢出：a*b/d = (a/d)*b + (a%d)*b/d。
	d := uint256.NewInt(BpsDenominator)
	b := uint256.NewInt(bps)
	quo, rem := new(uint256.Int), new(uint256.Int)
	quo.DivMod(amount, d, rem)
	quo.Mul(quo, b)
	rem.Mul(rem, b)
	rem.Div(rem, d)
	return quo.Add(quo, rem)
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
