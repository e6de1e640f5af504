package vesting

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VestLedger/internal/errors"
)

// Store 以受益人地址为键保存归属计划，每个地址只能创建一次，记录永不删除。
type Store struct {
	mu        sync.RWMutex
	schedules map[common.Address]*Schedule
}

// NewStore 创建空的计划存储。
func NewStore() *Store {
	return &Store{schedules: make(map[common.Address]*Schedule)}
}

// Create 写入新计划；若已存在或总量为零则失败。
func (st *Store) Create(s *Schedule) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "schedule must not be nil")
	}
	if s.TotalAmount == nil || s.TotalAmount.IsZero() {
		return ErrInvalidAllocation
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.schedules[s.Beneficiary]; ok {
		return xerrors.New(CodeScheduleExists, fmt.Sprintf("vesting schedule already exists for %s", s.Beneficiary.Hex()))
	}
	st.schedules[s.Beneficiary] = s.Clone()
	return nil
}

// Get 返回计划副本；不存在时第二个返回值为 false，表示账户不受限制。
func (st *Store) Get(beneficiary common.Address) (*Schedule, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.schedules[beneficiary]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Validate 检查 next 能否替换已有计划，不做任何修改。
func (st *Store) Validate(next *Schedule) error {
	if next == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "schedule must not be nil")
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	prev, ok := st.schedules[next.Beneficiary]
	if !ok {
		return ErrNoScheduleFound
	}
	return checkTransition(prev, next)
}

// Update 替换已有计划，并拒绝任何违反单调性的修改。
func (st *Store) Update(next *Schedule) error {
	if next == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "schedule must not be nil")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	prev, ok := st.schedules[next.Beneficiary]
	if !ok {
		return ErrNoScheduleFound
	}
	if err := checkTransition(prev, next); err != nil {
		return err
	}
	st.schedules[next.Beneficiary] = next.Clone()
	return nil
}

// List 按地址排序返回全部计划副本。
func (st *Store) List() []*Schedule {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Schedule, 0, len(st.schedules))
	for _, s := range st.schedules {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Beneficiary.Hex() < out[j].Beneficiary.Hex()
	})
	return out
}

// Len 返回计划数量。
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.schedules)
}

func checkTransition(prev, next *Schedule) error {
	switch {
	case prev.Category != next.Category:
		return violation(next, "category changed")
	case !prev.TotalAmount.Eq(next.TotalAmount):
		return violation(next, "total amount changed")
	case next.ReleasedAmount.Lt(prev.ReleasedAmount):
		return violation(next, "released amount decreased")
	case next.BurnedAmount.Lt(prev.BurnedAmount):
		return violation(next, "burned amount decreased")
	case next.ReleasedAmount.Gt(next.TotalAmount):
		return violation(next, "released amount exceeds total")
	case next.BurnedAmount.Gt(next.ReleasedAmount):
		return violation(next, "burned amount exceeds released")
	case next.ReleasedMonths < prev.ReleasedMonths:
		return violation(next, "released months decreased")
	case prev.Admin != nil && prev.Admin.InitialReleaseProcessed && (next.Admin == nil || !next.Admin.InitialReleaseProcessed):
		return violation(next, "initial release flag reset")
	}
	return nil
}

func violation(s *Schedule, reason string) error {
	return xerrors.New(CodeInvariantViolation, fmt.Sprintf("%s: %s", s.Beneficiary.Hex(), reason),
		xerrors.WithMetadata("beneficiary", s.Beneficiary.Hex()))
}
