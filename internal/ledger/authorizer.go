package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VestLedger/internal/errors"
)

// Action 是需要授权的账本操作类别。
type Action string

const (
	// ActionConfigure 覆盖创建计划与管理员首次释放，仅限所有者。
	ActionConfigure Action = "configure"
	// ActionRelease 覆盖按月释放，是否允许受益人自行触发由 ReleasePolicy 决定。
	ActionRelease Action = "release"
)

// ReleasePolicy 决定谁可以触发按月释放。
type ReleasePolicy string

const (
	ReleasePolicyOwner              ReleasePolicy = "owner"
	ReleasePolicyOwnerOrBeneficiary ReleasePolicy = "owner_or_beneficiary"
)

// ParseReleasePolicy 解析配置中的策略名，空字符串视为 owner。
func ParseReleasePolicy(raw string) (ReleasePolicy, error) {
	switch ReleasePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ReleasePolicyOwner:
		return ReleasePolicyOwner, nil
	case ReleasePolicyOwnerOrBeneficiary:
		return ReleasePolicyOwnerOrBeneficiary, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown release policy %q", raw))
	}
}

// Authorizer 判断调用方能否对 beneficiary 执行 action。
type Authorizer interface {
	Authorize(ctx context.Context, caller common.Address, action Action, beneficiary common.Address) error
}

// OwnerAuthorizer 是默认实现：所有者可执行全部操作，受益人按策略触发自己的释放。
type OwnerAuthorizer struct {
	Owner  common.Address
	Policy ReleasePolicy
}

// Authorize 实现 Authorizer。
func (a OwnerAuthorizer) Authorize(_ context.Context, caller common.Address, action Action, beneficiary common.Address) error {
	if caller != (common.Address{}) && caller == a.Owner {
		return nil
	}
	if action == ActionRelease && a.Policy == ReleasePolicyOwnerOrBeneficiary && caller == beneficiary {
		return nil
	}
	return xerrors.New(xerrors.CodeUnauthorized,
		fmt.Sprintf("%s is not allowed to %s for %s", caller.Hex(), action, beneficiary.Hex()),
		xerrors.WithMetadata("action", string(action)))
}

// ExemptionList 查询账户是否免收转账费用。费用本身不在账本内计算，结果只随转账事件上报。
type ExemptionList interface {
	IsExempt(account common.Address) bool
}

// StaticExemptions 是固定的免费名单。
type StaticExemptions map[common.Address]struct{}

// NewStaticExemptions 由地址列表构造名单。
func NewStaticExemptions(accounts ...common.Address) StaticExemptions {
	set := make(StaticExemptions, len(accounts))
	for _, a := range accounts {
		set[a] = struct{}{}
	}
	return set
}

// IsExempt 实现 ExemptionList。
func (s StaticExemptions) IsExempt(account common.Address) bool {
	_, ok := s[account]
	return ok
}
