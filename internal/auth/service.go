package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"VestLedger/pkg/logger"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
	grantTypeRefresh  = "refresh_token"

	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode     Mode
	store    Store
	jwt      *jwtManager
	subjects *subjectCache
	throttle *loginThrottle
	audit    *slog.Logger
	now      func() time.Time
}

// NewService 按 cfg.Mode 构造认证服务。jwt 模式下 store 必填，
// 实现 SeedWriter 的 store 会在返回前写入全部种子用户。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	svc := &Service{
		mode:  Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode)))),
		store: store,
		audit: logger.Audit(),
		now:   time.Now,
	}
	switch svc.mode {
	case "", ModeDisabled:
		svc.mode = ModeDisabled
		return svc, nil
	case ModeJWT:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	if err := svc.configureJWT(cfg); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if writer, ok := store.(SeedWriter); ok {
		for _, seed := range cfg.Seeds {
			if err := writer.ApplySeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
			}
		}
	}
	return svc, nil
}

func (s *Service) configureJWT(cfg Config) error {
	if s.store == nil {
		return errors.New("jwt mode requires a user store")
	}
	opts := cfg.JWT
	if strings.TrimSpace(opts.Secret) == "" {
		return errors.New("jwt secret must be configured")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = defaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = defaultRefreshTTL
	}
	// 时钟经由 s.now 间接读取，测试替换 s.now 后所有组件同步生效。
	clock := func() time.Time { return s.now() }
	s.jwt = &jwtManager{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		now:        clock,
	}
	var err error
	if s.subjects, err = newSubjectCache(cfg.SubjectCache, clock); err != nil {
		return fmt.Errorf("subject cache: %w", err)
	}
	if s.throttle, err = newLoginThrottle(cfg.Lockout, clock); err != nil {
		return fmt.Errorf("login throttle: %w", err)
	}
	return nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 处理 password 与 refresh_token 两种授权并签发新的令牌对。
// 每次尝试都写入审计日志，结果为 ok 或错误文本。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	grant := strings.ToLower(strings.TrimSpace(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}

	var (
		subject *Subject
		err     error
	)
	switch grant {
	case grantTypePassword:
		subject, err = s.passwordGrant(ctx, strings.TrimSpace(req.Username), req.Password)
	case grantTypeRefresh:
		subject, err = s.refreshGrant(ctx, req.RefreshToken)
	default:
		err = ErrUnsupportedGrant
	}
	var pair *TokenPair
	if err == nil {
		pair, err = s.issue(subject)
	}
	s.logLogin(ctx, grant, req.Username, subject, err)
	return pair, err
}

func (s *Service) passwordGrant(ctx context.Context, username, password string) (*Subject, error) {
	if s.throttle.locked(username) {
		return nil, ErrTooManyAttempts
	}
	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		burnDecoy(password)
		s.throttle.fail(username)
		return nil, ErrInvalidCredentials
	}
	if !VerifyPassword(user.PasswordHash, password) {
		s.throttle.fail(username)
		return nil, ErrInvalidCredentials
	}
	// 停用检查放在密码之后，避免泄露账号状态。
	if user.Disabled {
		return nil, ErrSubjectRevoked
	}
	s.throttle.reset(username)
	return s.loadSubject(ctx, user.ID)
}

func (s *Service) refreshGrant(ctx context.Context, raw string) (*Subject, error) {
	claims, err := s.jwt.Verify(raw, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	return s.subjectFromClaims(ctx, claims)
}

func (s *Service) issue(subject *Subject) (*TokenPair, error) {
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	if subject.Address != (common.Address{}) {
		pair.Address = subject.Address.Hex()
	}
	return pair, nil
}

func (s *Service) logLogin(ctx context.Context, grant, username string, subject *Subject, err error) {
	if subject != nil {
		username = subject.Username
	}
	outcome, level := "ok", slog.LevelInfo
	if err != nil {
		outcome, level = err.Error(), slog.LevelWarn
	}
	s.audit.LogAttrs(ctx, level, "ledger_login",
		slog.String("grant", grant),
		slog.String("user", strings.TrimSpace(username)),
		slog.String("outcome", outcome))
}

// AuthenticateRequest 验证 Authorization 头中的访问令牌，并返回当前的主体信息。
// 权限以存储中的最新记录为准，令牌中的权限列表仅供客户端展示。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := s.jwt.Verify(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	userID, err := claims.userID()
	if err != nil {
		return nil, err
	}
	subject, ok := s.subjects.get(userID)
	if !ok {
		if subject, err = s.loadSubject(ctx, userID); err != nil {
			return nil, err
		}
		s.subjects.put(subject)
	}
	if !claims.boundTo(subject) {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

// InvalidateSubjects 清空主体缓存，权限变更后调用可立即生效。
func (s *Service) InvalidateSubjects() {
	if s == nil {
		return
	}
	s.subjects.purge()
}

func (s *Service) subjectFromClaims(ctx context.Context, claims *tokenClaims) (*Subject, error) {
	userID, err := claims.userID()
	if err != nil {
		return nil, err
	}
	subject, err := s.loadSubject(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !claims.boundTo(subject) {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

func (s *Service) loadSubject(ctx context.Context, userID int64) (*Subject, error) {
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}
