package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/events"
	"VestLedger/internal/observability/alerting"
	"VestLedger/internal/vesting"
	"VestLedger/pkg/logger"
)

// Config 描述账本的身份与经济参数。
type Config struct {
	Owner    common.Address
	Treasury common.Address
	// GenesisSupply 仅在日志为空时铸造给国库。
	GenesisSupply *uint256.Int
	// DefaultBurnBps 用于管理员与锁仓钱包的便捷创建入口，0 表示不销毁。
	DefaultBurnBps uint16
	ReleasePolicy  ReleasePolicy
}

// Observer 在变更提交并解锁后收到事件。传入的 ctx 带有回调标记，
// 在其中调用任何变更操作都会返回 ErrReentrantCall。
type Observer func(ctx context.Context, ev events.Event)

// Metrics 记录账本指标。
type Metrics interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ObserveRelease(category string, due, burn *uint256.Int)
	SetSupply(total, burned *uint256.Int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error, time.Duration) {}
func (noopMetrics) ObserveRelease(string, *uint256.Int, *uint256.Int) {}
func (noopMetrics) SetSupply(*uint256.Int, *uint256.Int) {}

// Ledger 是余额、授权、总量与归属计划的唯一持有者。
type Ledger struct {
	mu          sync.RWMutex
	owner       common.Address
	treasury    common.Address
	burnBps     uint16
	schedules   *vesting.Store
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
	totalSupply *uint256.Int
	totalBurned *uint256.Int
	sequence    uint64

	clock      vesting.Clock
	journal    Journal
	auth       Authorizer
	exemptions ExemptionList
	observers  []Observer
	publisher  events.Publisher
	metrics    Metrics
	alerter    alerting.Dispatcher
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Ledger)

// WithClock 指定时间来源。
func WithClock(clock vesting.Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithJournal 指定预写日志。
func WithJournal(journal Journal) Option {
	return func(l *Ledger) {
		if journal != nil {
			l.journal = journal
		}
	}
}

// WithAuthorizer 替换默认的所有者授权。
func WithAuthorizer(auth Authorizer) Option {
	return func(l *Ledger) {
		if auth != nil {
			l.auth = auth
		}
	}
}

// WithExemptions 指定免费名单。
func WithExemptions(list ExemptionList) Option {
	return func(l *Ledger) {
		if list != nil {
			l.exemptions = list
		}
	}
}

// WithObserver 注册同步观察者。
func WithObserver(obs Observer) Option {
	return func(l *Ledger) {
		if obs != nil {
			l.observers = append(l.observers, obs)
		}
	}
}

// WithPublisher 将提交后的事件投递到总线。
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) {
		l.publisher = p
	}
}

// WithMetrics 指定指标记录器。
func WithMetrics(m Metrics) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(l *Ledger) {
		l.alerter = d
	}
}

// WithLogger 指定运行日志。
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// New 构造账本，回放日志；日志为空时向国库铸造创世供应量。
func New(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger owner is required")
	}
	if cfg.DefaultBurnBps > vesting.BpsDenominator {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "default burn bps must be within [0, 10000]")
	}
	treasury := cfg.Treasury
	if treasury == (common.Address{}) {
		treasury = cfg.Owner
	}
	policy := cfg.ReleasePolicy
	if policy == "" {
		policy = ReleasePolicyOwner
	}
	l := &Ledger{
		owner:       cfg.Owner,
		treasury:    treasury,
		burnBps:     cfg.DefaultBurnBps,
		schedules:   vesting.NewStore(),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
		totalSupply: new(uint256.Int),
		totalBurned: new(uint256.Int),
		clock:       vesting.SystemClock{},
		journal:     NewMemoryJournal(),
		exemptions:  StaticExemptions(nil),
		metrics:     noopMetrics{},
		logger:      logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.auth == nil {
		l.auth = OwnerAuthorizer{Owner: cfg.Owner, Policy: policy}
	}

	if err := l.replay(ctx); err != nil {
		return nil, err
	}
	if l.sequence == 0 && cfg.GenesisSupply != nil && !cfg.GenesisSupply.IsZero() {
		supply := cfg.GenesisSupply.Clone()
		_, err := l.commit(ctx, "genesis", cfg.Owner, func(time.Time) (*Entry, error) {
			return &Entry{
				Kind:     events.KindGenesis,
				Postings: []Posting{credit(l.treasury, supply)},
				Minted:   supply,
			}, nil
		})
		if err != nil {
			return nil, err
		}
	}
	l.metrics.SetSupply(l.totalSupply, l.totalBurned)
	return l, nil
}

func (l *Ledger) replay(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.journal.Replay(ctx, func(e Entry) error {
		if e.Sequence != l.sequence+1 {
			return xerrors.New(CodeJournalCorrupt,
				fmt.Sprintf("journal entry %d follows %d", e.Sequence, l.sequence))
		}
		if err := l.verify(&e); err != nil {
			return xerrors.Wrap(CodeJournalCorrupt, err, fmt.Sprintf("journal entry %d cannot be applied", e.Sequence))
		}
		if err := l.apply(&e); err != nil {
			return xerrors.Wrap(CodeJournalCorrupt, err, fmt.Sprintf("journal entry %d cannot be applied", e.Sequence))
		}
		l.sequence = e.Sequence
		return nil
	})
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replay journal")
	}
	if l.sequence > 0 {
		l.logger.Info("账本日志回放完成",
			slog.Uint64("sequence", l.sequence),
			slog.Int("schedules", l.schedules.Len()),
			slog.String("total_supply", l.totalSupply.Dec()))
	}
	return nil
}

type observerKey struct{}

func fromObserver(ctx context.Context) bool {
	return ctx.Value(observerKey{}) != nil
}

// authorize 先拒绝回调中的重入调用，再交给 Authorizer。
func (l *Ledger) authorize(ctx context.Context, caller common.Address, action Action, beneficiary common.Address) error {
	if fromObserver(ctx) {
		return ErrReentrantCall
	}
	return l.auth.Authorize(ctx, caller, action, beneficiary)
}

// commit 在锁内构造、校验、写日志并应用一条记录，解锁后再通知观察者。
func (l *Ledger) commit(ctx context.Context, op string, caller common.Address, build func(now time.Time) (*Entry, error)) (*Entry, error) {
	if fromObserver(ctx) {
		return nil, xerrors.New(CodeReentrantCall, fmt.Sprintf("%s called from an event observer", op))
	}
	started := time.Now()
	entry, err := l.commitLocked(ctx, op, caller, build)
	l.metrics.ObserveOperation(op, err, time.Since(started))
	if err != nil {
		if xerrors.ShouldAlert(err) {
			l.emitAlert(ctx, op, caller, err)
		}
		return nil, err
	}
	l.audit(entry)
	l.notify(ctx, entry)
	return entry, nil
}

func (l *Ledger) commitLocked(ctx context.Context, op string, caller common.Address, build func(now time.Time) (*Entry, error)) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	entry, err := build(now)
	if err != nil {
		return nil, err
	}
	entry.Sequence = l.sequence + 1
	entry.Operation = op
	entry.Caller = caller
	entry.OccurredAt = now
	if err := l.verify(entry); err != nil {
		return nil, err
	}
	if err := l.journal.Append(ctx, *entry); err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "append journal entry")
	}
	if err := l.apply(entry); err != nil {
		// verify 已通过，走到这里意味着内存状态与日志不一致。
		return nil, xerrors.Wrap(vesting.CodeInvariantViolation, err, fmt.Sprintf("apply journal entry %d", entry.Sequence))
	}
	l.sequence = entry.Sequence
	l.metrics.SetSupply(l.totalSupply, l.totalBurned)
	return entry, nil
}

// verify 在不修改状态的前提下确认记录可以完整应用。
func (l *Ledger) verify(e *Entry) error {
	debits := make(map[common.Address]*uint256.Int)
	for _, p := range e.Postings {
		if p.Amount == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "posting amount is required")
		}
		if p.Credit {
			continue
		}
		sum, ok := debits[p.Account]
		if !ok {
			sum = new(uint256.Int)
			debits[p.Account] = sum
		}
		if _, overflow := sum.AddOverflow(sum, p.Amount); overflow {
			return xerrors.New(CodeInsufficientBalance, "debit overflows")
		}
	}
	for account, sum := range debits {
		if l.balanceOf(account).Lt(sum) {
			return xerrors.New(CodeInsufficientBalance,
				fmt.Sprintf("balance of %s is below %s", account.Hex(), sum.Dec()))
		}
	}
	if e.Burned != nil && l.totalSupply.Lt(e.Burned) {
		return xerrors.New(vesting.CodeInvariantViolation, "burn exceeds total supply")
	}
	if e.Minted != nil {
		if _, overflow := new(uint256.Int).AddOverflow(l.totalSupply, e.Minted); overflow {
			return xerrors.New(xerrors.CodeInvalidArgument, "mint overflows total supply")
		}
	}
	if e.Schedule != nil {
		if e.Kind == events.KindScheduleCreated {
			if _, exists := l.schedules.Get(e.Schedule.Beneficiary); exists {
				return xerrors.New(vesting.CodeScheduleExists,
					fmt.Sprintf("vesting schedule already exists for %s", e.Schedule.Beneficiary.Hex()))
			}
		} else if err := l.schedules.Validate(e.Schedule); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) apply(e *Entry) error {
	for _, p := range e.Postings {
		if !p.Credit {
			bal := l.balanceOf(p.Account)
			l.setBalance(p.Account, bal.Sub(bal, p.Amount))
		}
	}
	for _, p := range e.Postings {
		if p.Credit {
			bal := l.balanceOf(p.Account)
			l.setBalance(p.Account, bal.Add(bal, p.Amount))
		}
	}
	if e.Minted != nil {
		l.totalSupply.Add(l.totalSupply, e.Minted)
	}
	if e.Burned != nil {
		l.totalSupply.Sub(l.totalSupply, e.Burned)
		l.totalBurned.Add(l.totalBurned, e.Burned)
	}
	if a := e.Allowance; a != nil {
		spenders, ok := l.allowances[a.Owner]
		if !ok {
			spenders = make(map[common.Address]*uint256.Int)
			l.allowances[a.Owner] = spenders
		}
		if a.Amount.IsZero() {
			delete(spenders, a.Spender)
		} else {
			spenders[a.Spender] = a.Amount.Clone()
		}
	}
	if e.Schedule != nil {
		if e.Kind == events.KindScheduleCreated {
			return l.schedules.Create(e.Schedule)
		}
		return l.schedules.Update(e.Schedule)
	}
	return nil
}

// balanceOf 返回余额副本，调用方须持有锁。
func (l *Ledger) balanceOf(account common.Address) *uint256.Int {
	if bal, ok := l.balances[account]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func (l *Ledger) setBalance(account common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		delete(l.balances, account)
		return
	}
	l.balances[account] = amount
}

func (l *Ledger) audit(e *Entry) {
	attrs := []any{
		slog.Uint64("sequence", e.Sequence),
		slog.String("operation", e.Operation),
		slog.String("kind", string(e.Kind)),
		slog.String("caller", e.Caller.Hex()),
	}
	if e.Schedule != nil {
		attrs = append(attrs,
			slog.String("beneficiary", e.Schedule.Beneficiary.Hex()),
			slog.String("category", string(e.Schedule.Category)),
			slog.String("released_amount", e.Schedule.ReleasedAmount.Dec()),
			slog.String("burned_amount", e.Schedule.BurnedAmount.Dec()))
	}
	if r := e.Release; r != nil {
		attrs = append(attrs,
			slog.String("due", r.Due.Dec()),
			slog.String("burn", r.Burn.Dec()),
			slog.String("credit", r.Credit.Dec()),
			slog.Int("months", r.Months))
	}
	for i, p := range e.Postings {
		side := "debit"
		if p.Credit {
			side = "credit"
		}
		attrs = append(attrs, slog.String(fmt.Sprintf("posting_%d", i), fmt.Sprintf("%s %s %s", side, p.Account.Hex(), p.Amount.Dec())))
	}
	logger.Audit().Info("账本变更已提交", attrs...)
}

// notify 在锁外把记录转换为事件并分发。发布失败不回滚已提交的变更。
func (l *Ledger) notify(ctx context.Context, e *Entry) {
	evs := l.eventsFor(e)
	if len(evs) == 0 {
		return
	}
	obsCtx := context.WithValue(context.WithoutCancel(ctx), observerKey{}, l)
	for _, ev := range evs {
		for _, obs := range l.observers {
			obs(obsCtx, ev)
		}
		if l.publisher == nil {
			continue
		}
		if err := l.publisher.Publish(obsCtx, ev); err != nil {
			l.logger.Error("发布账本事件失败",
				slog.Any("error", err),
				slog.String("event_id", ev.ID),
				slog.Uint64("sequence", ev.Sequence))
			l.emitAlert(ctx, e.Operation, ev.Account, xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish ledger event"))
		}
	}
}

func (l *Ledger) eventsFor(e *Entry) []events.Event {
	switch e.Kind {
	case events.KindGenesis:
		ev := events.New(e.Kind, e.Sequence, l.treasury, e.OccurredAt)
		ev.Amount = e.Minted
		return []events.Event{ev}
	case events.KindScheduleCreated, events.KindInitialRelease, events.KindRelease:
		s := e.Schedule
		ev := events.New(e.Kind, e.Sequence, s.Beneficiary, e.OccurredAt)
		v := &events.Vesting{
			Category:       string(s.Category),
			ReleasedMonths: s.ReleasedMonths,
			TotalAmount:    s.TotalAmount,
			ReleasedAmount: s.ReleasedAmount,
			BurnedAmount:   s.BurnedAmount,
		}
		if r := e.Release; r != nil {
			v.Due, v.Burn, v.Credit, v.Months, v.Initial = r.Due, r.Burn, r.Credit, r.Months, r.Initial
			ev.Amount = r.Due
		} else {
			ev.Counterparty = l.treasury
			ev.Amount = s.TotalAmount
		}
		ev.Vesting = v
		return []events.Event{ev}
	case events.KindApproval:
		a := e.Allowance
		ev := events.New(e.Kind, e.Sequence, a.Owner, e.OccurredAt)
		ev.Counterparty = a.Spender
		ev.Amount = a.Amount
		return []events.Event{ev}
	case events.KindBurn:
		ev := events.New(e.Kind, e.Sequence, e.Postings[0].Account, e.OccurredAt)
		ev.Amount = e.Burned
		return []events.Event{ev}
	case events.KindTransfer:
		var from common.Address
		for _, p := range e.Postings {
			if !p.Credit {
				from = p.Account
			}
		}
		out := make([]events.Event, 0, len(e.Postings)-1)
		for _, p := range e.Postings {
			if !p.Credit {
				continue
			}
			ev := events.New(e.Kind, e.Sequence, from, e.OccurredAt)
			ev.Counterparty = p.Account
			ev.Amount = p.Amount
			ev.Exempt = l.exemptions.IsExempt(from) || l.exemptions.IsExempt(p.Account)
			out = append(out, ev)
		}
		return out
	}
	return nil
}

func (l *Ledger) emitAlert(ctx context.Context, op string, account common.Address, cause error) {
	if l.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Account:    account.Hex(),
		Operation:  op,
		Sequence:   l.Sequence(),
		OccurredAt: time.Now(),
	}
	if e, ok := xerrors.From(cause); ok {
		event.Metadata = e.Metadata()
	}
	if err := l.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		l.logger.Error("告警通知失败", slog.Any("error", err), slog.String("operation", op))
	}
}

func credit(account common.Address, amount *uint256.Int) Posting {
	return Posting{Account: account, Amount: amount.Clone(), Credit: true}
}

func debit(account common.Address, amount *uint256.Int) Posting {
	return Posting{Account: account, Amount: amount.Clone()}
}
