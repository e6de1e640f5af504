// Package audit rebuilds per-account vesting totals from the ledger event
// stream and re-checks the release invariants independently of the ledger
// that produced them. Violations are logged, counted and sent to the alert
// dispatcher; the projector never mutates the ledger.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/events"
	"VestLedger/internal/observability/alerting"
	"VestLedger/pkg/logger"
)

// CodeAuditViolation 标记审计投影发现的不一致。
const CodeAuditViolation xerrors.Code = "AUDIT_VIOLATION"

func init() {
	xerrors.Register(CodeAuditViolation, xerrors.Attributes{
		Message:  "ledger event stream violates a vesting invariant",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}

// 检查项名称，同时作为指标标签。
const (
	CheckReleasedExceedsTotal = "released_exceeds_total"
	CheckBurnedExceedsRelease = "burned_exceeds_released"
	CheckBurnSplit            = "burn_split"
	CheckNonMonotonic         = "non_monotonic"
	CheckReleaseDelta         = "release_delta"
	CheckTotalChanged         = "total_changed"
	CheckProjectionDrift      = "projection_drift"
)

// Violation 是一次不变量违例。
type Violation struct {
	Check    string
	Account  common.Address
	Sequence uint64
	Detail   string
}

// Sink 接收违例计数，metrics.Registry 实现了它。
type Sink interface {
	ObserveViolation(check string)
}

// Projection 是某个受益人从事件流中重建的累计值。
type Projection struct {
	Category       string
	Sequence       uint64
	TotalAmount    *uint256.Int
	ReleasedAmount *uint256.Int
	BurnedAmount   *uint256.Int
	ReleasedMonths int
}

// Projector 消费账本事件并校验归属不变量。它依赖按序号递增的投递，
// 旧于已见序号的事件会被忽略。
type Projector struct {
	mu         sync.Mutex
	accounts   map[common.Address]*Projection
	violations []Violation
	processed  uint64

	alerter alerting.Dispatcher
	sink    Sink
	logger  *slog.Logger
}

// Option 配置 Projector。
type Option func(*Projector)

// WithAlertDispatcher 设置违例告警的投递方式。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(p *Projector) { p.alerter = d }
}

// WithSink 设置违例计数器。
func WithSink(s Sink) Option {
	return func(p *Projector) { p.sink = s }
}

// NewProjector 创建空投影。
func NewProjector(opts ...Option) *Projector {
	p := &Projector{
		accounts: make(map[common.Address]*Projection),
		logger:   logger.Named("audit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Handle 实现 events.Handler。违例不会作为错误返回，避免消息被反复重投。
func (p *Projector) Handle(ctx context.Context, ev events.Event) error {
	if ev.Vesting == nil {
		return nil
	}
	found := p.apply(ev)
	for _, v := range found {
		p.report(ctx, v)
	}
	return nil
}

func (p *Projector) apply(ev events.Event) []Violation {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := ev.Vesting
	var found []Violation
	flag := func(check, format string, args ...any) {
		found = append(found, Violation{
			Check:    check,
			Account:  ev.Account,
			Sequence: ev.Sequence,
			Detail:   fmt.Sprintf(format, args...),
		})
	}

	prev, seen := p.accounts[ev.Account]
	if seen && ev.Sequence <= prev.Sequence {
		return nil
	}
	p.processed++

	total, released, burned := amount(v.TotalAmount), amount(v.ReleasedAmount), amount(v.BurnedAmount)
	if released.Gt(total) {
		flag(CheckReleasedExceedsTotal, "released %s exceeds total %s", released.Dec(), total.Dec())
	}
	if burned.Gt(released) {
		flag(CheckBurnedExceedsRelease, "burned %s exceeds released %s", burned.Dec(), released.Dec())
	}
	if ev.Kind != events.KindScheduleCreated {
		due, burn, credit := amount(v.Due), amount(v.Burn), amount(v.Credit)
		sum, overflow := new(uint256.Int).AddOverflow(burn, credit)
		if overflow || !sum.Eq(due) {
			flag(CheckBurnSplit, "burn %s + credit %s != due %s", burn.Dec(), credit.Dec(), due.Dec())
		}
		if seen {
			if released.Lt(prev.ReleasedAmount) || burned.Lt(prev.BurnedAmount) || v.ReleasedMonths < prev.ReleasedMonths {
				flag(CheckNonMonotonic, "cumulative totals decreased since sequence %d", prev.Sequence)
			} else if delta := new(uint256.Int).Sub(released, prev.ReleasedAmount); !delta.Eq(due) {
				flag(CheckReleaseDelta, "released grew by %s, event reports due %s", delta.Dec(), due.Dec())
			}
		}
	}
	if seen && !total.Eq(prev.TotalAmount) {
		flag(CheckTotalChanged, "total changed from %s to %s", prev.TotalAmount.Dec(), total.Dec())
	}

	p.accounts[ev.Account] = &Projection{
		Category:       v.Category,
		Sequence:       ev.Sequence,
		TotalAmount:    total,
		ReleasedAmount: released,
		BurnedAmount:   burned,
		ReleasedMonths: v.ReleasedMonths,
	}
	p.violations = append(p.violations, found...)
	return found
}

func (p *Projector) report(ctx context.Context, v Violation) {
	p.logger.Error("审计发现不变量违例",
		slog.String("check", v.Check),
		slog.String("account", v.Account.Hex()),
		slog.Uint64("sequence", v.Sequence),
		slog.String("detail", v.Detail))
	if p.sink != nil {
		p.sink.ObserveViolation(v.Check)
	}
	if p.alerter == nil {
		return
	}
	err := p.alerter.Notify(ctx, alerting.Event{
		Code:       CodeAuditViolation,
		Message:    v.Detail,
		Severity:   xerrors.SeverityCritical,
		Account:    v.Account.Hex(),
		Operation:  "audit:" + v.Check,
		Sequence:   v.Sequence,
		OccurredAt: time.Now(),
	})
	if err != nil {
		p.logger.Error("审计告警发送失败", slog.Any("error", err))
	}
}

// Snapshot 返回某账户的投影副本。
func (p *Projector) Snapshot(account common.Address) (Projection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proj, ok := p.accounts[account]
	if !ok {
		return Projection{}, false
	}
	out := *proj
	out.TotalAmount = proj.TotalAmount.Clone()
	out.ReleasedAmount = proj.ReleasedAmount.Clone()
	out.BurnedAmount = proj.BurnedAmount.Clone()
	return out, true
}

// Violations 返回迄今发现的全部违例，按序号排序。
func (p *Projector) Violations() []Violation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]Violation(nil), p.violations...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Processed 返回已校验的事件数量。
func (p *Projector) Processed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

func amount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
