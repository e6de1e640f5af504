package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// DingTalkWebhook 通过自定义机器人 Webhook 发送文本消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 DingTalkSender。机器人以 HTTP 200 加 errcode 返回业务错误。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	body, err := postJSON(ctx, w.Client, w.URL, payload)
	if err != nil {
		return err
	}
	var rsp struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, &rsp); err != nil {
		return fmt.Errorf("dingtalk: decode response: %w", err)
	}
	if rsp.ErrCode != 0 {
		return fmt.Errorf("dingtalk: errcode %d: %s", rsp.ErrCode, rsp.ErrMsg)
	}
	return nil
}

// SlackWebhook 通过 Incoming Webhook 发送消息，channel 为空时使用 Webhook 的默认频道。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	_, err := postJSON(ctx, w.Client, w.URL, payload)
	return err
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	rsp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 64<<10))
	if rsp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("webhook returned %s: %s", rsp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// SMTPSender 通过 SMTP 发送纯文本邮件。
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// Send 实现 EmailSender。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	if s.Addr == "" || s.From == "" {
		return fmt.Errorf("smtp sender is not configured")
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(content, "\n", "\r\n"))
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	return send(s.Addr, auth, s.From, to, msg.Bytes())
}
