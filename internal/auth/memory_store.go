package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownUser 由 MemoryStore 在找不到用户时返回。
var ErrUnknownUser = errors.New("unknown user")

type memoryAccount struct {
	user        User
	address     common.Address
	roles       mapset.Set[string]
	permissions mapset.Set[string]
}

func (a *memoryAccount) subject() *Subject {
	return &Subject{
		ID:          a.user.ID,
		Username:    a.user.Username,
		Address:     a.address,
		Roles:       sortedSet(a.roles),
		Permissions: sortedSet(a.permissions),
		Disabled:    a.user.Disabled,
	}
}

// MemoryStore 在内存中保存 API 用户，语义与 SQL 存储一致：
// 重复应用同名种子会覆盖凭据、地址并整体替换授权，用户 ID 保持不变。
type MemoryStore struct {
	mu       sync.RWMutex
	byName   map[string]*memoryAccount
	byID     map[int64]*memoryAccount
	lastUser int64
}

func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		byName: make(map[string]*memoryAccount),
		byID:   make(map[int64]*memoryAccount),
	}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	address, err := ParseSeedAddress(seed.Address)
	if err != nil {
		return err
	}
	hash, err := SeedPasswordHash(seed)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byName[username]
	if !ok {
		s.lastUser++
		acct = &memoryAccount{user: User{ID: s.lastUser, Username: username}}
		s.byName[username] = acct
		s.byID[acct.user.ID] = acct
	}
	acct.user.PasswordHash = hash
	acct.user.Disabled = seed.Disabled
	acct.address = address
	acct.roles = mapset.NewThreadUnsafeSet[string](DedupeStrings(seed.Roles)...)
	acct.permissions = mapset.NewThreadUnsafeSet[string](DedupeStrings(seed.Permissions)...)
	return nil
}

func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byName[strings.TrimSpace(username)]
	if !ok {
		return nil, ErrUnknownUser
	}
	user := acct.user
	return &user, nil
}

func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byID[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	return acct.subject(), nil
}

// DedupeStrings 去除空白与重复项，统一小写并排序。
func DedupeStrings(values []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			seen.Add(strings.ToLower(value))
		}
	}
	return sortedSet(seen)
}

func sortedSet(set mapset.Set[string]) []string {
	if set == nil || set.Cardinality() == 0 {
		return nil
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
