package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind 标识事件类型。
type Kind string

const (
	KindGenesis         Kind = "genesis"
	KindScheduleCreated Kind = "schedule_created"
	KindInitialRelease  Kind = "initial_release"
	KindRelease         Kind = "release"
	KindTransfer        Kind = "transfer"
	KindApproval        Kind = "approval"
	KindBurn            Kind = "burn"
)

// signatures 与链上日志签名保持一致，便于下游索引器复用同一主题。
var signatures = map[Kind]string{
	KindGenesis:         "Genesis(address,uint256)",
	KindScheduleCreated: "VestingScheduleCreated(address,uint256,uint256,uint256,uint256,uint256,bool)",
	KindInitialRelease:  "InitialReleaseProcessed(address,uint256)",
	KindRelease:         "VestingReleased(address,uint256,uint256,uint256)",
	KindTransfer:        "Transfer(address,address,uint256)",
	KindApproval:        "Approval(address,address,uint256)",
	KindBurn:            "Burn(address,uint256)",
}

// Topic 返回事件签名的 keccak256 哈希。
func Topic(kind Kind) common.Hash {
	sig, ok := signatures[kind]
	if !ok {
		sig = string(kind)
	}
	return crypto.Keccak256Hash([]byte(sig))
}

// Vesting 描述一次归属计划变更，携带本次金额与变更后的累计值。
type Vesting struct {
	Category       string       `json:"category"`
	Due            *uint256.Int `json:"due"`
	Burn           *uint256.Int `json:"burn"`
	Credit         *uint256.Int `json:"credit"`
	Months         int          `json:"months"`
	ReleasedMonths int          `json:"released_months"`
	TotalAmount    *uint256.Int `json:"total_amount"`
	ReleasedAmount *uint256.Int `json:"released_amount"`
	BurnedAmount   *uint256.Int `json:"burned_amount"`
	// Initial 为 true 表示管理员钱包的一次性释放。
	Initial bool `json:"initial,omitempty"`
}

// Event 是一条已提交变更的通知。
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Topic        common.Hash    `json:"topic"`
	Sequence     uint64         `json:"sequence"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty,omitempty"`
	Amount       *uint256.Int   `json:"amount,omitempty"`
	Vesting      *Vesting       `json:"vesting,omitempty"`
	Exempt       bool           `json:"exempt,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// New 创建带唯一 ID 与主题的事件。
func New(kind Kind, sequence uint64, account common.Address, occurredAt time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Topic:      Topic(kind),
		Sequence:   sequence,
		Account:    account,
		OccurredAt: occurredAt.UTC(),
	}
}

// Encode 序列化事件。
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode 反序列化事件，并校验主题与类型一致。
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	if ev.Kind == "" {
		return Event{}, fmt.Errorf("事件缺少类型")
	}
	if ev.Topic != Topic(ev.Kind) {
		return Event{}, fmt.Errorf("事件 %s 的主题与类型 %s 不匹配", ev.ID, ev.Kind)
	}
	return ev, nil
}
