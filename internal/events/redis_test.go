package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
)

func newTestRedisBus(t *testing.T, attempts int) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	bus, err := NewRedisBus(context.Background(), RedisConfig{
		Address:     mr.Addr(),
		Queue:       "test:events",
		BlockWait:   50 * time.Millisecond,
		MaxAttempts: attempts,
	})
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestRedisBusPublishWritesJSON(t *testing.T) {
	bus, mr := newTestRedisBus(t, 0)
	ev := New(KindTransfer, 7, common.HexToAddress("0x01"), time.Now())
	ev.Amount = uint256.NewInt(42)

	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	items, err := mr.List("test:events")
	if err != nil || len(items) != 1 {
		t.Fatalf("queue contents %v, err %v", items, err)
	}
	decoded, err := Decode([]byte(items[0]))
	if err != nil {
		t.Fatalf("decode queued payload: %v", err)
	}
	if decoded.ID != ev.ID || decoded.Sequence != 7 || decoded.Amount.Uint64() != 42 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestRedisBusRequeuesFailedEvents(t *testing.T) {
	bus, mr := newTestRedisBus(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 毒消息先出队并转入死信，不影响后续事件。
	if _, err := mr.Lpush("test:events", "{not json"); err != nil {
		t.Fatalf("seed poison message: %v", err)
	}
	if err := bus.Publish(ctx, New(KindBurn, 1, common.HexToAddress("0x02"), time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var attempts atomic.Int32
	err := bus.Consume(ctx, 1, func(_ context.Context, ev Event) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		if ev.Kind != KindBurn {
			t.Errorf("unexpected kind %s", ev.Kind)
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("handler called %d times, want 2", got)
	}
	dead, err := mr.List("test:events:dead")
	if err != nil || len(dead) != 1 || dead[0] != "{not json" {
		t.Fatalf("dead letters %v, err %v", dead, err)
	}
	if mr.Exists("test:events:attempts") {
		t.Fatalf("attempt counter not cleared after success")
	}
}

func TestRedisBusBuriesExhaustedEvents(t *testing.T) {
	bus, mr := newTestRedisBus(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := New(KindRelease, 3, common.HexToAddress("0x03"), time.Now())
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- bus.Consume(ctx, 1, func(context.Context, Event) error {
			calls.Add(1)
			return errors.New("always")
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if dead, _ := mr.List("test:events:dead"); len(dead) == 1 {
			got, err := Decode([]byte(dead[0]))
			if err != nil || got.ID != ev.ID {
				t.Fatalf("unexpected dead letter %q: %v", dead[0], err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("event never reached the dead queue")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler called %d times, want 2", got)
	}
}

func TestNewRedisBusValidation(t *testing.T) {
	if _, err := NewRedisBus(context.Background(), RedisConfig{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisBus(ctx, RedisConfig{Address: addr}); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE for unreachable redis, got %v", err)
	}
}
