package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/howeyc/gopass"

	"VestLedger/internal/auth"
	"VestLedger/internal/config"
	"VestLedger/internal/ledger"
	"VestLedger/internal/vesting"
)

// hashPassword 从终端读取两次密码并输出 bcrypt 哈希。
func hashPassword(in *os.File, out io.Writer) error {
	first, err := gopass.GetPasswdPrompt("password: ", true, in, out)
	if err != nil {
		return err
	}
	second, err := gopass.GetPasswdPrompt("confirm: ", true, in, out)
	if err != nil {
		return err
	}
	if string(first) != string(second) {
		return fmt.Errorf("两次输入的密码不一致")
	}
	hash, err := auth.HashPassword(string(first))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

type inspectReport struct {
	Sequence    uint64              `json:"sequence"`
	Owner       string              `json:"owner"`
	Treasury    string              `json:"treasury"`
	TotalSupply string              `json:"total_supply"`
	TotalBurned string              `json:"total_burned"`
	Schedules   []*vesting.Schedule `json:"schedules,omitempty"`
	Account     *accountReport      `json:"account,omitempty"`
}

type accountReport struct {
	Address   string              `json:"address"`
	Balance   string              `json:"balance"`
	Available string              `json:"available"`
	Vesting   *ledger.VestingInfo `json:"vesting,omitempty"`
	Quote     *vesting.Quote      `json:"quote,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// inspect 把日志回放到内存副本上构造账本，源日志只读。
func inspect(ctx context.Context, path, account string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	source, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer source.Close()

	snapshot := ledger.NewMemoryJournal()
	if err := source.Replay(ctx, func(e ledger.Entry) error { return snapshot.Append(ctx, e) }); err != nil {
		return err
	}
	l, err := newLedger(ctx, cfg.Ledger, snapshot)
	if err != nil {
		return err
	}

	report := inspectReport{
		Sequence:    l.Sequence(),
		Owner:       l.Owner().Hex(),
		Treasury:    l.Treasury().Hex(),
		TotalSupply: l.TotalSupply().Dec(),
		TotalBurned: l.TotalBurned().Dec(),
	}
	if account == "" {
		report.Schedules = l.Schedules()
	} else {
		if !common.IsHexAddress(account) {
			return fmt.Errorf("无效的地址 %q", account)
		}
		addr := common.HexToAddress(account)
		acct := &accountReport{
			Address:   addr.Hex(),
			Balance:   l.BalanceOf(addr).Dec(),
			Available: l.AvailableBalance(addr).Dec(),
		}
		if info, err := l.GetVestingInfo(ctx, addr); err == nil {
			acct.Vesting = info
			if q, err := l.CalculateAvailableRelease(ctx, addr); err == nil {
				acct.Quote = &q
			} else {
				acct.Error = err.Error()
			}
		} else {
			acct.Error = err.Error()
		}
		report.Account = acct
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
