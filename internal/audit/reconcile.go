package audit

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"VestLedger/internal/vesting"
)

// Reconcile 比较账本内的计划与外部投影（如 MySQL vesting_schedules 表），
// 返回每一处差异。两边都按受益人匹配，顺序无关。
func Reconcile(ledger, projected []*vesting.Schedule) []Violation {
	byAccount := make(map[common.Address]*vesting.Schedule, len(projected))
	for _, s := range projected {
		byAccount[s.Beneficiary] = s
	}

	var out []Violation
	drift := func(account common.Address, format string, args ...any) {
		out = append(out, Violation{
			Check:   CheckProjectionDrift,
			Account: account,
			Detail:  fmt.Sprintf(format, args...),
		})
	}
	for _, want := range ledger {
		got, ok := byAccount[want.Beneficiary]
		if !ok {
			drift(want.Beneficiary, "schedule missing from projection")
			continue
		}
		delete(byAccount, want.Beneficiary)
		switch {
		case got.Category != want.Category:
			drift(want.Beneficiary, "category %s, ledger has %s", got.Category, want.Category)
		case !got.TotalAmount.Eq(want.TotalAmount):
			drift(want.Beneficiary, "total %s, ledger has %s", got.TotalAmount.Dec(), want.TotalAmount.Dec())
		case !got.ReleasedAmount.Eq(want.ReleasedAmount):
			drift(want.Beneficiary, "released %s, ledger has %s", got.ReleasedAmount.Dec(), want.ReleasedAmount.Dec())
		case !got.BurnedAmount.Eq(want.BurnedAmount):
			drift(want.Beneficiary, "burned %s, ledger has %s", got.BurnedAmount.Dec(), want.BurnedAmount.Dec())
		case got.ReleasedMonths != want.ReleasedMonths:
			drift(want.Beneficiary, "released months %d, ledger has %d", got.ReleasedMonths, want.ReleasedMonths)
		}
	}
	for account := range byAccount {
		drift(account, "projection holds a schedule the ledger does not know")
	}
	return out
}
