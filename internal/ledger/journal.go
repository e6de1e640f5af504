package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"VestLedger/internal/events"
	"VestLedger/internal/vesting"
)

// Posting 是一条余额变动。
type Posting struct {
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
	// Credit 为 true 表示入账，否则为出账。
	Credit bool `json:"credit"`
}

// AllowanceChange 将授权额度设置为 Amount。
type AllowanceChange struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *uint256.Int   `json:"amount"`
}

// ReleaseRecord 记录一次释放的拆分结果。
type ReleaseRecord struct {
	Due     *uint256.Int `json:"due"`
	Burn    *uint256.Int `json:"burn"`
	Credit  *uint256.Int `json:"credit"`
	Months  int          `json:"months"`
	Initial bool         `json:"initial,omitempty"`
}

// Entry 是日志中的一条记录，保存一次变更的全部结果。
// 回放时按序号依次应用即可重建账本状态。
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Kind       events.Kind       `json:"kind"`
	Operation  string            `json:"operation"`
	Caller     common.Address    `json:"caller"`
	OccurredAt time.Time         `json:"occurred_at"`
	Postings   []Posting         `json:"postings,omitempty"`
	Allowance  *AllowanceChange  `json:"allowance,omitempty"`
	Minted     *uint256.Int      `json:"minted,omitempty"`
	Burned     *uint256.Int      `json:"burned,omitempty"`
	Schedule   *vesting.Schedule `json:"schedule,omitempty"`
	Release    *ReleaseRecord    `json:"release,omitempty"`
}

// Journal 是账本的预写日志。Append 成功之前账本不会修改内存状态。
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	// Replay 按序号升序回调全部记录。
	Replay(ctx context.Context, fn func(Entry) error) error
	Close() error
}

// MemoryJournal 在内存中保存记录，适用于测试与无需持久化的部署。
type MemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
	// failNext 非空时下一次 Append 返回该错误，用于故障注入。
	failNext error
}

// NewMemoryJournal 创建内存日志。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append 实现 Journal。
func (j *MemoryJournal) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failNext != nil {
		err := j.failNext
		j.failNext = nil
		return err
	}
	j.entries = append(j.entries, entry)
	return nil
}

// Replay 实现 Journal。
func (j *MemoryJournal) Replay(ctx context.Context, fn func(Entry) error) error {
	j.mu.Lock()
	snapshot := append([]Entry(nil), j.entries...)
	j.mu.Unlock()
	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// FailNext 让下一次 Append 失败。
func (j *MemoryJournal) FailNext(err error) {
	j.mu.Lock()
	j.failNext = err
	j.mu.Unlock()
}

// Len 返回记录数量。
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Close 实现 Journal。
func (j *MemoryJournal) Close() error { return nil }
