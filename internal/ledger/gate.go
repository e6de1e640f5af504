package ledger

import (
	"fmt"

	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/vesting"
)

// Available 返回 max(balance - locked, 0)。无计划的账户全部可用。
func Available(s *vesting.Schedule, balance *uint256.Int) *uint256.Int {
	locked := s.LockedAmount()
	if !balance.Gt(locked) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(balance, locked)
}

// checkUnlocked 是所有出账路径共用的闸门：要求 balance - amount + tol >= locked。
// tol 只在计划自身的除法有余数时为 1，且约束的是出账后的余额，
// 因此多次调用累计最多只能透支锁定部分一个单位。
func checkUnlocked(s *vesting.Schedule, balance, amount *uint256.Int) error {
	if s == nil {
		return nil
	}
	locked := s.LockedAmount()
	if locked.IsZero() {
		return nil
	}
	need, needOverflow := new(uint256.Int).AddOverflow(amount, locked)
	have, haveOverflow := new(uint256.Int).AddOverflow(balance, s.RoundingTolerance())
	if needOverflow || (!haveOverflow && have.Lt(need)) {
		available := Available(s, balance)
		return xerrors.New(CodeInsufficientUnlocked,
			fmt.Sprintf("amount %s exceeds unlocked balance %s of %s", amount.Dec(), available.Dec(), s.Beneficiary.Hex()),
			xerrors.WithMetadata("locked", locked.Dec()),
			xerrors.WithMetadata("available", available.Dec()),
			xerrors.WithMetadata("requested", amount.Dec()))
	}
	return nil
}
