package ledger

import (
	"context"
	"testing"

	"VestLedger/internal/vesting"
)

// gatedAdmin 返回一个已执行首次释放的管理员钱包：余额 10,000,000，可用 1,000,000。
func gatedAdmin(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, ReleasePolicyOwner)
	ctx := context.Background()
	if _, err := f.ledger.ConfigureAdminWallet(ctx, owner, admin, amt(10_000_000)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := f.ledger.ProcessInitialRelease(ctx, owner, admin); err != nil {
		t.Fatalf("initial: %v", err)
	}
	return f
}

func TestGateAppliesToEveryDebitPath(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		run  func(l *Ledger, amount uint64) error
	}{
		{"transfer", func(l *Ledger, amount uint64) error {
			return l.Transfer(ctx, admin, bob, amt(amount))
		}},
		{"self transfer", func(l *Ledger, amount uint64) error {
			return l.Transfer(ctx, admin, admin, amt(amount))
		}},
		{"transfer from", func(l *Ledger, amount uint64) error {
			if err := l.Approve(ctx, admin, bob, amt(5_000_000)); err != nil {
				return err
			}
			return l.TransferFrom(ctx, bob, admin, carol, amt(amount))
		}},
		{"batch", func(l *Ledger, amount uint64) error {
			half := amount / 2
			return l.BatchTransfer(ctx, admin, []TransferItem{
				{To: bob, Amount: amt(half)},
				{To: carol, Amount: amt(amount - half)},
			})
		}},
		{"burn", func(l *Ledger, amount uint64) error {
			return l.Burn(ctx, admin, amt(amount))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := gatedAdmin(t)
			err := tc.run(f.ledger, 1_000_001)
			expectCode(t, err, CodeInsufficientUnlocked)
			expectAmount(t, "balance after rejected debit", f.ledger.BalanceOf(admin), 10_000_000)

			if err := tc.run(f.ledger, 1_000_000); err != nil {
				t.Fatalf("debit of exactly the unlocked balance: %v", err)
			}
			assertConservation(t, f.ledger)
		})
	}
}

func TestRejectedDelegatedTransferKeepsAllowance(t *testing.T) {
	f := gatedAdmin(t)
	ctx := context.Background()
	if err := f.ledger.Approve(ctx, admin, bob, amt(9_000_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err := f.ledger.TransferFrom(ctx, bob, admin, carol, amt(2_000_000))
	expectCode(t, err, CodeInsufficientUnlocked)
	expectAmount(t, "allowance", f.ledger.Allowance(admin, bob), 9_000_000)

	err = f.ledger.TransferFrom(ctx, carol, admin, bob, amt(1))
	expectCode(t, err, CodeInsufficientAllowance)
}

func TestSplitBatchCannotBypassGate(t *testing.T) {
	f := gatedAdmin(t)
	ctx := context.Background()
	items := make([]TransferItem, 0, 11)
	for i := 0; i < 11; i++ {
		items = append(items, TransferItem{To: bob, Amount: amt(100_000)})
	}
	err := f.ledger.BatchTransfer(ctx, admin, items)
	expectCode(t, err, CodeInsufficientUnlocked)
	expectAmount(t, "bob balance", f.ledger.BalanceOf(bob), 0)

	if err := f.ledger.BatchTransfer(ctx, admin, nil); err == nil {
		t.Fatalf("empty batch should be rejected")
	}
}

func TestGateAllowsIncomingFundsAboveLocked(t *testing.T) {
	f := gatedAdmin(t)
	ctx := context.Background()
	if err := f.ledger.Transfer(ctx, treasury, admin, amt(250)); err != nil {
		t.Fatalf("fund admin: %v", err)
	}
	expectAmount(t, "available", f.ledger.AvailableBalance(admin), 1_000_250)
	if err := f.ledger.Transfer(ctx, admin, bob, amt(1_000_250)); err != nil {
		t.Fatalf("spend unlocked plus received funds: %v", err)
	}
	err := f.ledger.Transfer(ctx, admin, bob, amt(1))
	expectCode(t, err, CodeInsufficientUnlocked)
}

func TestRoundingToleranceIsBoundedToOneUnitOverall(t *testing.T) {
	f := newFixture(t, ReleasePolicyOwner)
	ctx := context.Background()
	l := f.ledger

	// 10,000,001 的 10% 与 5% 都有余数，闸门允许一个单位的误差。
	if _, err := l.ConfigureAdminWallet(ctx, owner, admin, amt(10_000_001)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := l.ProcessInitialRelease(ctx, owner, admin); err != nil {
		t.Fatalf("initial: %v", err)
	}
	expectAmount(t, "available", l.AvailableBalance(admin), 1_000_000)

	if err := l.Transfer(ctx, admin, bob, amt(1_000_001)); err != nil {
		t.Fatalf("one unit over the unlocked balance should pass: %v", err)
	}
	for i := 0; i < 3; i++ {
		err := l.Transfer(ctx, admin, bob, amt(1))
		expectCode(t, err, CodeInsufficientUnlocked)
	}

	// 余额在锁定部分之下一个单位时，后续释放仍能完成并最终清空。
	f.clock.Advance(vesting.AdminVestingMonths * vesting.MonthDuration)
	res, err := l.ProcessMonthlyRelease(ctx, owner, admin)
	if err != nil {
		t.Fatalf("final release: %v", err)
	}
	if !res.ReleasedAmount.Eq(res.TotalAmount) {
		t.Fatalf("expected full release, got %s", res.ReleasedAmount.Dec())
	}
	assertConservation(t, l)
}

func TestRoundAllocationHasNoTolerance(t *testing.T) {
	f := gatedAdmin(t)
	err := f.ledger.Transfer(context.Background(), admin, bob, amt(1_000_001))
	expectCode(t, err, CodeInsufficientUnlocked)
}

func TestAvailableNeverNegative(t *testing.T) {
	s, err := vesting.NewSchedule(vesting.Params{
		Beneficiary:       admin,
		Category:          vesting.CategoryLocked,
		TotalAmount:       amt(1_000),
		StartTime:         genesisTime,
		VestingMonths:     vesting.LockedVestingMonths,
		MonthlyReleaseBps: vesting.LockedMonthlyBps,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	expectAmount(t, "available below locked", Available(s, amt(10)), 0)
	expectAmount(t, "available without schedule", Available(nil, amt(10)), 10)
	if err := checkUnlocked(nil, amt(10), amt(10)); err != nil {
		t.Fatalf("unscheduled accounts are never gated: %v", err)
	}
}
