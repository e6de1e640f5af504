package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// 分配计划中的钱包类型。
const (
	AllocationAdmin  = "admin"
	AllocationLocked = "locked"
	AllocationCustom = "custom"
)

// Plan 对应分配计划 YAML 文件。
type Plan struct {
	Wallets []PlanWallet `yaml:"wallets"`
}

// PlanWallet 是计划中的一条分配。custom 类型需要给出全部参数。
type PlanWallet struct {
	Name           string `yaml:"name"`
	Beneficiary    string `yaml:"beneficiary"`
	Kind           string `yaml:"kind"`
	Amount         string `yaml:"amount"`
	CliffDays      uint32 `yaml:"cliff_days"`
	Months         int    `yaml:"months"`
	MonthlyBps     uint16 `yaml:"monthly_bps"`
	BurnBps        uint16 `yaml:"burn_bps"`
	IsAdmin        bool   `yaml:"is_admin"`
	InitialRelease bool   `yaml:"initial_release"`
}

// Allocation 是解析并校验后的分配。
type Allocation struct {
	Name           string
	Beneficiary    common.Address
	Kind           string
	Amount         *uint256.Int
	CliffDays      uint32
	Months         int
	MonthlyBps     uint16
	BurnBps        uint16
	IsAdmin        bool
	InitialRelease bool
}

// LoadPlan 读取并校验分配计划，受益人重复视为错误。
func LoadPlan(path string) ([]Allocation, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取分配计划失败: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(content, &plan); err != nil {
		return nil, fmt.Errorf("解析分配计划失败: %w", err)
	}
	return plan.Allocations()
}

// Allocations 校验计划并返回分配列表，顺序与文件一致。
func (p Plan) Allocations() ([]Allocation, error) {
	seen := make(map[common.Address]string, len(p.Wallets))
	out := make([]Allocation, 0, len(p.Wallets))
	for i, w := range p.Wallets {
		label := w.Name
		if label == "" {
			label = fmt.Sprintf("wallets[%d]", i)
		}
		raw := strings.TrimSpace(w.Beneficiary)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%s: 受益人地址无效 %q", label, w.Beneficiary)
		}
		addr := common.HexToAddress(raw)
		if prev, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%s: 受益人 %s 与 %s 重复", label, addr.Hex(), prev)
		}
		seen[addr] = label

		amount, err := uint256.FromDecimal(strings.TrimSpace(w.Amount))
		if err != nil || amount.IsZero() {
			return nil, fmt.Errorf("%s: 分配数量无效 %q", label, w.Amount)
		}

		kind := strings.ToLower(strings.TrimSpace(w.Kind))
		a := Allocation{Name: label, Beneficiary: addr, Kind: kind, Amount: amount}
		switch kind {
		case AllocationAdmin:
			a.InitialRelease = w.InitialRelease
		case AllocationLocked:
			a.CliffDays = w.CliffDays
		case AllocationCustom:
			if w.Months <= 0 || w.MonthlyBps == 0 {
				return nil, fmt.Errorf("%s: custom 分配需要 months 与 monthly_bps", label)
			}
			a.CliffDays, a.Months, a.MonthlyBps, a.BurnBps, a.IsAdmin = w.CliffDays, w.Months, w.MonthlyBps, w.BurnBps, w.IsAdmin
		default:
			return nil, fmt.Errorf("%s: 未知的分配类型 %q", label, w.Kind)
		}
		out = append(out, a)
	}
	return out, nil
}
