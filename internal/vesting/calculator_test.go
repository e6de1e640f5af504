package vesting

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	genesis     = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func amount(v uint64) *uint256.Int { return uint256.NewInt(v) }

func adminSchedule(t *testing.T, total uint64) *Schedule {
	t.Helper()
	s, err := NewSchedule(Params{
		Beneficiary:       beneficiary,
		Category:          CategoryAdmin,
		TotalAmount:       amount(total),
		StartTime:         genesis,
		VestingMonths:     AdminVestingMonths,
		MonthlyReleaseBps: AdminMonthlyBps,
		BurnBps:           DefaultBurnBps,
	})
	if err != nil {
		t.Fatalf("new admin schedule: %v", err)
	}
	return s
}

func lockedSchedule(t *testing.T, total uint64, cliff time.Duration) *Schedule {
	t.Helper()
	s, err := NewSchedule(Params{
		Beneficiary:       beneficiary,
		Category:          CategoryLocked,
		TotalAmount:       amount(total),
		StartTime:         genesis,
		Cliff:             cliff,
		VestingMonths:     LockedVestingMonths,
		MonthlyReleaseBps: LockedMonthlyBps,
		BurnBps:           DefaultBurnBps,
	})
	if err != nil {
		t.Fatalf("new locked schedule: %v", err)
	}
	return s
}

// apply mirrors what the release executor does with a quote.
func apply(s *Schedule, q Quote) {
	s.ReleasedAmount.Add(s.ReleasedAmount, q.Due)
	s.BurnedAmount.Add(s.BurnedAmount, q.Burn)
	s.ReleasedMonths += q.Months
}

func TestAdminInitialAndMonthlySumToAllocation(t *testing.T) {
	allocations := []uint64{10_000_000, 1_000_000_007, 123_456_789_123, 19}
	for _, total := range allocations {
		s := adminSchedule(t, total)
		calc := AdminCalculator{}

		initial, err := calc.InitialRelease(s)
		if err != nil {
			t.Fatalf("initial release for %d: %v", total, err)
		}
		apply(s, initial)
		s.Admin.InitialReleaseProcessed = true

		for month := 1; month <= AdminVestingMonths; month++ {
			q, err := calc.Quote(s, genesis.Add(time.Duration(month)*MonthDuration))
			if errors.Is(err, ErrNoTokensToRelease) && month < AdminVestingMonths {
				// 极小分配的月度额度取整为零，直到最后一期才清空。
				continue
			}
			if err != nil {
				t.Fatalf("allocation %d month %d: %v", total, month, err)
			}
			apply(s, q)
		}
		if !s.ReleasedAmount.Eq(s.TotalAmount) {
			t.Fatalf("allocation %d: released %s, want %s", total, s.ReleasedAmount, s.TotalAmount)
		}
		if _, err := calc.Quote(s, genesis.Add(40*MonthDuration)); !errors.Is(err, ErrNoTokensToRelease) {
			t.Fatalf("expected exhausted schedule to report no tokens, got %v", err)
		}
	}
}

func TestAdminRoundAllocationIsExact(t *testing.T) {
	s := adminSchedule(t, 10_000_000)
	monthly := mulBps(s.Admin.TotalAllocation, AdminMonthlyBps)
	sum := new(uint256.Int).Mul(monthly, amount(AdminVestingMonths))
	sum.Add(sum, s.Admin.ImmediateAmount)
	if !sum.Eq(s.TotalAmount) {
		t.Fatalf("immediate + 18 x monthly = %s, want %s", sum, s.TotalAmount)
	}
}

func TestAdminMonthlyUsesOriginalAllocation(t *testing.T) {
	s := adminSchedule(t, 10_000_000)
	apply(s, Quote{Due: amount(1_000_000), Burn: amount(0)})
	s.Admin.InitialReleaseProcessed = true

	q, err := AdminCalculator{}.Quote(s, genesis.Add(MonthDuration))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 5% of the original 10M, not of the 9M remainder.
	if !q.Due.Eq(amount(500_000)) || !q.Burn.Eq(amount(50_000)) || !q.Credit.Eq(amount(450_000)) {
		t.Fatalf("unexpected quote: due=%s burn=%s credit=%s", q.Due, q.Burn, q.Credit)
	}
}

func TestAdminMonthlyRequiresInitialRelease(t *testing.T) {
	s := adminSchedule(t, 10_000_000)
	if _, err := (AdminCalculator{}).Quote(s, genesis.Add(3*MonthDuration)); !errors.Is(err, ErrInitialReleasePending) {
		t.Fatalf("expected initial release pending, got %v", err)
	}
	s.Admin.InitialReleaseProcessed = true
	if _, err := (AdminCalculator{}).InitialRelease(s); !errors.Is(err, ErrInitialReleaseProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
}

func TestLateCallCompoundsAccruedMonths(t *testing.T) {
	s := adminSchedule(t, 10_000_000)
	s.Admin.InitialReleaseProcessed = true
	apply(s, Quote{Due: amount(1_000_000), Burn: amount(0)})

	q, err := AdminCalculator{}.Quote(s, genesis.Add(3*MonthDuration+time.Hour))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Months != 3 || !q.Due.Eq(amount(1_500_000)) {
		t.Fatalf("expected three months compounded, got months=%d due=%s", q.Months, q.Due)
	}
}

func TestLockedCliffGate(t *testing.T) {
	s := lockedSchedule(t, 300_000_000, 30*Day)
	calc := LockedCalculator{}

	if _, err := calc.Quote(s, genesis.Add(29*Day)); !errors.Is(err, ErrNoTokensToRelease) {
		t.Fatalf("day 29: expected no tokens, got %v", err)
	}
	q, err := calc.Quote(s, genesis.Add(31*Day))
	if err != nil {
		t.Fatalf("day 31: %v", err)
	}
	if !q.Due.Eq(amount(9_000_000)) {
		t.Fatalf("day 31: due %s, want 9000000", q.Due)
	}
}

func TestLockedClampNeverExceedsTotal(t *testing.T) {
	s := lockedSchedule(t, 300_000_000, 30*Day)
	calc := LockedCalculator{}
	for month := 1; month <= 45; month++ {
		q, err := calc.Quote(s, genesis.Add(time.Duration(month)*MonthDuration))
		if err != nil {
			if errors.Is(err, ErrNoTokensToRelease) && s.Exhausted() {
				continue
			}
			t.Fatalf("month %d: %v", month, err)
		}
		apply(s, q)
		if s.ReleasedAmount.Gt(s.TotalAmount) {
			t.Fatalf("month %d: released %s exceeds total", month, s.ReleasedAmount)
		}
	}
	if !s.ReleasedAmount.Eq(s.TotalAmount) {
		t.Fatalf("expected full release, got %s", s.ReleasedAmount)
	}
}

func TestLockedSingleLateCallClamps(t *testing.T) {
	s := lockedSchedule(t, 300_000_000, 30*Day)
	q, err := LockedCalculator{}.Quote(s, genesis.Add(42*MonthDuration))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Due.Eq(s.TotalAmount) {
		t.Fatalf("expected clamp to total, got %s", q.Due)
	}
}

func TestSplitBurnIdentity(t *testing.T) {
	cases := []struct {
		due uint64
		bps uint16
	}{
		{1_111_111, 1000},
		{500_000, 1000},
		{7, 3333},
		{1, 10000},
		{999_999_999_999, 0},
	}
	for _, tc := range cases {
		burn, credit := SplitBurn(amount(tc.due), tc.bps)
		sum := new(uint256.Int).Add(burn, credit)
		if !sum.Eq(amount(tc.due)) {
			t.Fatalf("due %d bps %d: burn %s + credit %s != due", tc.due, tc.bps, burn, credit)
		}
	}
	burn, _ := SplitBurn(amount(1_111_111), 1000)
	if !burn.Eq(amount(111_111)) {
		t.Fatalf("expected floor burn 111111, got %s", burn)
	}
}

func TestCalculatorForDispatch(t *testing.T) {
	admin := adminSchedule(t, 100)
	if calc, err := CalculatorFor(admin); err != nil {
		t.Fatalf("admin dispatch: %v", err)
	} else if _, ok := calc.(AdminCalculator); !ok {
		t.Fatalf("admin schedule dispatched to %T", calc)
	}
	locked := lockedSchedule(t, 100, 0)
	if calc, err := CalculatorFor(locked); err != nil {
		t.Fatalf("locked dispatch: %v", err)
	} else if _, ok := calc.(LockedCalculator); !ok {
		t.Fatalf("locked schedule dispatched to %T", calc)
	}
	locked.Category = "mystery"
	if _, err := CalculatorFor(locked); err == nil {
		t.Fatalf("expected unknown category to fail")
	}
}

func TestCalculatorsRejectForeignCategory(t *testing.T) {
	admin := adminSchedule(t, 100)
	if _, err := (LockedCalculator{}).Quote(admin, genesis.Add(5*MonthDuration)); err == nil {
		t.Fatalf("locked formula must refuse an admin schedule")
	}
	locked := lockedSchedule(t, 100, 0)
	if _, err := (AdminCalculator{}).Quote(locked, genesis.Add(5*MonthDuration)); err == nil {
		t.Fatalf("admin formula must refuse a locked schedule")
	}
}
