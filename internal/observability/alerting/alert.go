package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "VestLedger/internal/errors"
	"VestLedger/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
	ChannelLog      Channel = "log"
)

// Event 描述一次账本告警。Account 为受影响账户的十六进制地址，
// Operation 为触发告警的账本操作或审计检查，Sequence 为相关日志序号（没有时为 0）。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Account    string
	Operation  string
	Sequence   uint64
	Metadata   map[string]string
	OccurredAt time.Time
}

func (e Event) key() string {
	return string(e.Code) + "|" + e.Account + "|" + e.Operation
}

// render 生成外部渠道共用的多行正文，详情按键排序。
func (e Event) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", e.Severity, e.Code)
	fmt.Fprintf(&b, "时间: %s\n", e.OccurredAt.UTC().Format(time.RFC3339))
	if e.Account != "" {
		fmt.Fprintf(&b, "账户: %s\n", e.Account)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, "操作: %s", e.Operation)
		if e.Sequence > 0 {
			fmt.Fprintf(&b, " (序号 %d)", e.Sequence)
		}
		b.WriteString("\n")
	}
	b.WriteString(e.Message)
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, e.Metadata[k])
	}
	return b.String()
}

// external 过滤掉 info 级别事件，它们只进日志。
func external(e Event) bool {
	return e.Severity != xerrors.SeverityInfo
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是账本与审计投影依赖的告警入口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按渠道名顺序把事件投递给每个通知器，单个渠道失败不影响其它渠道。
type FanoutDispatcher struct {
	notifiers []Notifier
	window    time.Duration
	now       func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewFanout 创建分发器，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	byChannel := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			byChannel[n.Channel()] = n
		}
	}
	d := &FanoutDispatcher{now: time.Now, sent: make(map[string]time.Time)}
	for _, n := range byChannel {
		d.notifiers = append(d.notifiers, n)
	}
	sort.Slice(d.notifiers, func(i, j int) bool { return d.notifiers[i].Channel() < d.notifiers[j].Channel() })
	return d
}

// Suppress 设置抑制窗口：同一错误码、账户与操作在窗口内只投递一次。
// 审计投影对同一账户的连续违规只需要一条外部通知。
func (d *FanoutDispatcher) Suppress(window time.Duration) *FanoutDispatcher {
	d.window = window
	return d
}

func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	if d.suppressed(event) {
		return nil
	}
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", n.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *FanoutDispatcher) suppressed(event Event) bool {
	if d.window <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := event.key()
	if last, ok := d.sent[key]; ok && event.OccurredAt.Sub(last) < d.window {
		return true
	}
	d.sent[key] = event.OccurredAt
	return false
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("邮件告警未配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	if !external(event) {
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s %s", n.SubjectPrefix, event.Severity, event.Code, event.Account)
	return n.Sender.Send(ctx, strings.TrimSpace(subject), event.render(), n.To)
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("钉钉告警未配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	if !external(event) {
		return nil
	}
	return n.Sender.Send(ctx, event.render())
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 以单行摘要加代码块正文发送。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("Slack 告警未配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	if !external(event) {
		return nil
	}
	content := fmt.Sprintf("*%s* `%s` %s\n```%s```", event.Severity, event.Code, event.Operation, event.render())
	return n.Sender.Send(ctx, n.ChannelID, content)
}

// LogNotifier 把所有告警写入审计日志，不论严重程度。
type LogNotifier struct{}

func (LogNotifier) Channel() Channel { return ChannelLog }

func (LogNotifier) Notify(ctx context.Context, event Event) error {
	attrs := []slog.Attr{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("account", event.Account),
		slog.String("operation", event.Operation),
		slog.Uint64("sequence", event.Sequence),
	}
	if len(event.Metadata) > 0 {
		meta := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			meta = append(meta, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	logger.Audit().LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}
