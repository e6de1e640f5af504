package events

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "VestLedger/internal/errors"
)

func TestDeliveryAttemptsHeader(t *testing.T) {
	cases := []struct {
		name string
		msg  amqp.Delivery
		want int
	}{
		{name: "fresh", msg: amqp.Delivery{}, want: 0},
		{name: "redelivered without header", msg: amqp.Delivery{Redelivered: true}, want: 1},
		{name: "int32", msg: amqp.Delivery{Headers: amqp.Table{attemptsHeader: int32(2)}}, want: 2},
		{name: "int64", msg: amqp.Delivery{Headers: amqp.Table{attemptsHeader: int64(4)}}, want: 4},
		{name: "string", msg: amqp.Delivery{Headers: amqp.Table{attemptsHeader: "3"}}, want: 3},
	}
	for _, tc := range cases {
		if got := deliveryAttempts(tc.msg); got != tc.want {
			t.Errorf("%s: attempts = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestEventMessageCarriesIdentity(t *testing.T) {
	ev := New(KindTransfer, 2, common.HexToAddress("0x01"), time.Unix(1700000000, 0))
	msg := eventMessage(ev, []byte("{}"), 2)
	if msg.MessageId != ev.ID || msg.Type != string(KindTransfer) || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	if msg.Headers[attemptsHeader] != int32(2) {
		t.Fatalf("attempts header = %v", msg.Headers[attemptsHeader])
	}
}

func TestNewRabbitMQBusRequiresURL(t *testing.T) {
	if _, err := NewRabbitMQBus(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
