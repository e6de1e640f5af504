package events

import (
	"context"
	"log/slog"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "VestLedger/internal/errors"
	"VestLedger/pkg/logger"
)

// attemptsHeader 记录消息已失败的次数，重投时随消息一起发布。
const attemptsHeader = "x-vestledger-attempts"

// RabbitMQConfig 描述 RabbitMQ 事件队列。DeadQueue 为空时使用 Queue + ".dead"。
type RabbitMQConfig struct {
	URL         string
	Queue       string
	DeadQueue   string
	Prefetch    int
	Durable     bool
	AutoDelete  bool
	MaxAttempts int
}

// RabbitMQBus 通过默认交换机直接投递到命名队列。
type RabbitMQBus struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	dead        string
	maxAttempts int
	log         *slog.Logger
}

func NewRabbitMQBus(cfg RabbitMQConfig) (*RabbitMQBus, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	bus := &RabbitMQBus{
		queue:       cfg.Queue,
		dead:        cfg.DeadQueue,
		maxAttempts: maxAttempts(cfg.MaxAttempts),
		log:         logger.Named("events").With(slog.String("bus", "rabbitmq")),
	}
	if bus.queue == "" {
		bus.queue = "vestledger.events"
	}
	if bus.dead == "" {
		bus.dead = bus.queue + ".dead"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	bus.conn = conn
	if err := bus.setup(cfg); err != nil {
		_ = bus.Close()
		return nil, err
	}
	return bus, nil
}

func (b *RabbitMQBus) setup(cfg RabbitMQConfig) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	b.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ prefetch 失败")
		}
	}
	for _, name := range []string{b.queue, b.dead} {
		if _, err := ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列 "+name+" 失败")
		}
	}
	return nil
}

func (b *RabbitMQBus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 总线未初始化")
	}
	payload, err := Encode(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	return b.send(ctx, b.queue, eventMessage(ev, payload, 0))
}

func eventMessage(ev Event, body []byte, attempts int) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.ID,
		Type:         string(ev.Kind),
		Timestamp:    ev.OccurredAt,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	}
}

func (b *RabbitMQBus) send(ctx context.Context, queue string, msg amqp.Publishing) error {
	if err := b.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布到 "+queue+" 失败")
	}
	return nil
}

// Consume 使用手动确认。失败的消息带着递增的计数重新发布，
// 耗尽次数或无法解析的消息转入死信队列，原消息随后确认。
func (b *RabbitMQBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 总线未初始化")
	}
	msgs, err := b.ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-msgs:
				if !ok {
					return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
				}
				if err := b.deliver(ctx, msg, handler); err != nil {
					// 未确认的消息在连接关闭后由 broker 重投。
					_ = msg.Nack(false, true)
					if ctx.Err() == nil {
						return err
					}
					return nil
				}
				_ = msg.Ack(false)
			}
		}
	})
}

func (b *RabbitMQBus) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) error {
	ev, err := Decode(msg.Body)
	if err != nil {
		b.log.Warn("无法解析的事件转入死信", slog.Any("error", err), slog.String("message_id", msg.MessageId))
		return b.send(ctx, b.dead, amqp.Publishing{ContentType: msg.ContentType, MessageId: msg.MessageId, Body: msg.Body})
	}
	if err := handler(ctx, ev); err == nil {
		return nil
	}
	attempts := deliveryAttempts(msg) + 1
	if attempts >= b.maxAttempts {
		b.log.Warn("事件重投次数耗尽", slog.String("event_id", ev.ID), slog.Int("attempts", attempts))
		return b.send(ctx, b.dead, eventMessage(ev, msg.Body, attempts))
	}
	return b.send(ctx, b.queue, eventMessage(ev, msg.Body, attempts))
}

// deliveryAttempts 读取失败计数，兼容头部被序列化为不同整数类型或字符串的情况。
func deliveryAttempts(msg amqp.Delivery) int {
	switch v := msg.Headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	if msg.Redelivered {
		return 1
	}
	return 0
}

func (b *RabbitMQBus) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
