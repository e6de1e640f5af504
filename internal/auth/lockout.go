package auth

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultLockoutFailures = 5
	defaultLockoutWindow   = 15 * time.Minute
	// 跟踪的用户名数量上限，超出后最久未失败的记录被淘汰。
	lockoutTracked = 4096
)

// LockoutOptions 限制密码授权的连续失败次数。MaxFailures 为负数时关闭。
type LockoutOptions struct {
	MaxFailures int           `json:"max_failures"`
	Window      time.Duration `json:"window"`
}

// loginThrottle 在 Window 内累计同一用户名的失败次数，达到上限后锁定到窗口结束。
// 成功登录清零。计数只存在于本进程。
type loginThrottle struct {
	mu      sync.Mutex
	entries *lru.Cache
	max     int
	window  time.Duration
	now     func() time.Time
}

type failureWindow struct {
	count   int
	started time.Time
}

func newLoginThrottle(opts LockoutOptions, now func() time.Time) (*loginThrottle, error) {
	if opts.MaxFailures < 0 {
		return nil, nil
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = defaultLockoutFailures
	}
	if opts.Window <= 0 {
		opts.Window = defaultLockoutWindow
	}
	entries, err := lru.New(lockoutTracked)
	if err != nil {
		return nil, err
	}
	return &loginThrottle{entries: entries, max: opts.MaxFailures, window: opts.Window, now: now}, nil
}

func throttleKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// locked 报告用户名是否处于锁定期。
func (t *loginThrottle) locked(username string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.current(throttleKey(username))
	return ok && w.count >= t.max
}

func (t *loginThrottle) fail(username string) {
	if t == nil {
		return
	}
	key := throttleKey(username)
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.current(key)
	if !ok {
		w = failureWindow{started: t.now()}
	}
	w.count++
	t.entries.Add(key, w)
}

func (t *loginThrottle) reset(username string) {
	if t == nil {
		return
	}
	t.entries.Remove(throttleKey(username))
}

// current 返回仍在窗口内的记录，过期记录顺带删除。调用方持有 mu。
func (t *loginThrottle) current(key string) (failureWindow, bool) {
	raw, ok := t.entries.Peek(key)
	if !ok {
		return failureWindow{}, false
	}
	w := raw.(failureWindow)
	if t.now().Sub(w.started) >= t.window {
		t.entries.Remove(key)
		return failureWindow{}, false
	}
	return w, true
}
