package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/events"
)

// TransferItem 是批量转账中的一笔。
type TransferItem struct {
	To     common.Address
	Amount *uint256.Int
}

// Transfer 从 from 向 to 转账，包括 from == to 的自转账。
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if fromObserver(ctx) {
		return ErrReentrantCall
	}
	if err := checkRecipient(to); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := l.commit(ctx, "transfer", from, func(time.Time) (*Entry, error) {
		if err := l.checkDebit(from, amount); err != nil {
			return nil, err
		}
		return &Entry{
			Kind:     events.KindTransfer,
			Postings: []Posting{debit(from, amount), credit(to, amount)},
		}, nil
	})
	return err
}

// Approve 设置 spender 可代 owner 转出的额度。授权本身不受锁仓限制，实际转出时才校验。
func (l *Ledger) Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if fromObserver(ctx) {
		return ErrReentrantCall
	}
	if spender == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "spender must not be the zero address")
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := l.commit(ctx, "approve", owner, func(time.Time) (*Entry, error) {
		return &Entry{
			Kind:      events.KindApproval,
			Allowance: &AllowanceChange{Owner: owner, Spender: spender, Amount: amount.Clone()},
		}, nil
	})
	return err
}

// TransferFrom 由 spender 代 from 转账，扣减授权额度，并与直接转账走同一个闸门。
func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	if fromObserver(ctx) {
		return ErrReentrantCall
	}
	if err := checkRecipient(to); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := l.commit(ctx, "transfer_from", spender, func(time.Time) (*Entry, error) {
		allowance := l.allowanceOf(from, spender)
		if allowance.Lt(amount) {
			return nil, xerrors.New(CodeInsufficientAllowance,
				fmt.Sprintf("allowance %s of %s for %s is below %s", allowance.Dec(), spender.Hex(), from.Hex(), amount.Dec()))
		}
		if err := l.checkDebit(from, amount); err != nil {
			return nil, err
		}
		return &Entry{
			Kind:      events.KindTransfer,
			Postings:  []Posting{debit(from, amount), credit(to, amount)},
			Allowance: &AllowanceChange{Owner: from, Spender: spender, Amount: allowance.Sub(allowance, amount)},
		}, nil
	})
	return err
}

// BatchTransfer 一次向多个地址转账。闸门按总出账额校验，拆分成多笔无法绕过锁仓。
func (l *Ledger) BatchTransfer(ctx context.Context, from common.Address, items []TransferItem) error {
	if fromObserver(ctx) {
		return ErrReentrantCall
	}
	if len(items) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch transfer requires at least one item")
	}
	total := new(uint256.Int)
	for i, item := range items {
		if err := checkRecipient(item.To); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("batch item %d", i))
		}
		if err := checkAmount(item.Amount); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("batch item %d", i))
		}
		if _, overflow := total.AddOverflow(total, item.Amount); overflow {
			return xerrors.New(xerrors.CodeInvalidArgument, "batch total overflows")
		}
	}
	_, err := l.commit(ctx, "batch_transfer", from, func(time.Time) (*Entry, error) {
		if err := l.checkDebit(from, total); err != nil {
			return nil, err
		}
		postings := make([]Posting, 0, len(items)+1)
		postings = append(postings, debit(from, total))
		for _, item := range items {
			postings = append(postings, credit(item.To, item.Amount))
		}
		return &Entry{Kind: events.KindTransfer, Postings: postings}, nil
	})
	return err
}

// Burn 销毁 from 的可用余额并减少总供应量。
func (l *Ledger) Burn(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if fromObserver(ctx) {
		return ErrReentrantCall
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "burn amount must be positive")
	}
	_, err := l.commit(ctx, "burn", from, func(time.Time) (*Entry, error) {
		if err := l.checkDebit(from, amount); err != nil {
			return nil, err
		}
		return &Entry{
			Kind:     events.KindBurn,
			Postings: []Posting{debit(from, amount)},
			Burned:   amount.Clone(),
		}, nil
	})
	return err
}

// checkDebit 先校验余额，再经过锁仓闸门。调用方须持有锁。
func (l *Ledger) checkDebit(from common.Address, amount *uint256.Int) error {
	balance := l.balanceOf(from)
	if balance.Lt(amount) {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("balance %s of %s is below %s", balance.Dec(), from.Hex(), amount.Dec()))
	}
	s, _ := l.schedules.Get(from)
	return checkUnlocked(s, balance, amount)
}

func (l *Ledger) allowanceOf(owner, spender common.Address) *uint256.Int {
	if amount, ok := l.allowances[owner][spender]; ok {
		return amount.Clone()
	}
	return new(uint256.Int)
}

func checkRecipient(to common.Address) error {
	if to == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "recipient must not be the zero address")
	}
	return nil
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount is required")
	}
	return nil
}

// BalanceOf 返回账户余额，包括仍锁定的部分。
func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceOf(account)
}

// AvailableBalance 返回 max(balance - (total - released), 0)。
func (l *Ledger) AvailableBalance(account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, _ := l.schedules.Get(account)
	return Available(s, l.balanceOf(account))
}

// Allowance 返回授权额度。
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceOf(owner, spender)
}

// TotalSupply 返回扣除销毁后的流通总量。
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply.Clone()
}

// TotalBurned 返回累计销毁量。
func (l *Ledger) TotalBurned() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalBurned.Clone()
}

// Sequence 返回最后一条已提交记录的序号。
func (l *Ledger) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Owner 返回账本所有者。
func (l *Ledger) Owner() common.Address { return l.owner }

// Treasury 返回国库地址。
func (l *Ledger) Treasury() common.Address { return l.treasury }
