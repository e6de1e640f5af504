package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/cors"

	"VestLedger/internal/auth"
	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/ledger"
)

// CallerHeader 在认证关闭时携带调用方地址。
const CallerHeader = "X-Vest-Caller"

// Instrumentation 由 metrics.Registry 实现。
type Instrumentation interface {
	Handler() http.Handler
	Instrument(name string, next http.Handler) http.Handler
}

// Server 负责暴露账本的 REST 接口。
type Server struct {
	addr    string
	ledger  *ledger.Ledger
	auth    *auth.Service
	metrics Instrumentation

	allowedOrigins    []string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
}

// Option 配置 Server。
type Option func(*Server)

// WithAuth 启用身份认证与按路由的权限检查。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 记录每条路由的请求指标并挂载 /metrics。
func WithMetrics(m Instrumentation) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins 开启跨域访问。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithTimeouts 覆盖读取请求头与优雅关闭的超时。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, l *ledger.Ledger, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		ledger:            l,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type route struct {
	pattern    string
	name       string
	permission string
	handler    http.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{"POST /v1/vesting/admin", "configure_admin_wallet", auth.PermissionVestingConfigure, s.handleConfigureAdmin},
		{"POST /v1/vesting/locked", "create_locked_wallet_vesting", auth.PermissionVestingConfigure, s.handleCreateLocked},
		{"POST /v1/vesting/schedules", "create_vesting_schedule", auth.PermissionVestingConfigure, s.handleCreateSchedule},
		{"POST /v1/vesting/{beneficiary}/initial-release", "process_initial_release", auth.PermissionVestingRelease, s.releaseHandler(s.ledger.ProcessInitialRelease)},
		{"POST /v1/vesting/{beneficiary}/monthly-release", "process_monthly_release", auth.PermissionVestingRelease, s.releaseHandler(s.ledger.ProcessMonthlyRelease)},
		{"POST /v1/vesting/{beneficiary}/locked-release", "process_locked_wallet_release", auth.PermissionVestingRelease, s.releaseHandler(s.ledger.ProcessLockedWalletRelease)},
		{"POST /v1/vesting/{beneficiary}/release", "release_vested_tokens", auth.PermissionVestingRelease, s.releaseHandler(s.ledger.ReleaseVestedTokens)},
		{"GET /v1/vesting", "list_schedules", auth.PermissionLedgerRead, s.handleListSchedules},
		{"GET /v1/vesting/{beneficiary}", "get_vesting_info", auth.PermissionLedgerRead, s.handleVestingInfo},
		{"GET /v1/vesting/{beneficiary}/available", "calculate_available_release", auth.PermissionLedgerRead, s.handleAvailableRelease},
		{"POST /v1/transfers", "transfer", auth.PermissionLedgerTransfer, s.handleTransfer},
		{"POST /v1/transfers/from", "transfer_from", auth.PermissionLedgerTransfer, s.handleTransferFrom},
		{"POST /v1/transfers/batch", "batch_transfer", auth.PermissionLedgerTransfer, s.handleBatchTransfer},
		{"POST /v1/approvals", "approve", auth.PermissionLedgerTransfer, s.handleApprove},
		{"POST /v1/burns", "burn", auth.PermissionLedgerTransfer, s.handleBurn},
		{"GET /v1/accounts/{address}", "balance_of", auth.PermissionLedgerRead, s.handleBalance},
		{"GET /v1/accounts/{owner}/allowances/{spender}", "allowance", auth.PermissionLedgerRead, s.handleAllowance},
		{"GET /v1/supply", "supply", auth.PermissionLedgerRead, s.handleSupply},
	}
}

// Handler 组装全部路由，供 Start 与测试共用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/token", s.handleToken)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	for _, rt := range s.routes() {
		var h http.Handler = rt.handler
		h = s.auth.Require(rt.name, rt.permission)(h)
		if s.metrics != nil {
			h = s.metrics.Instrument(rt.name, h)
		}
		mux.Handle(rt.pattern, h)
	}

	var root http.Handler = mux
	if len(s.allowedOrigins) > 0 {
		root = cors.New(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", CallerHeader},
		}).Handler(root)
	}
	return root
}

// caller 解析本次请求的调用方地址。认证开启时取主体绑定的地址，否则读取 CallerHeader。
func (s *Server) caller(r *http.Request) (common.Address, error) {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		if subject.Address == (common.Address{}) {
			return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "subject has no bound address")
		}
		return subject.Address, nil
	}
	if s.auth.Mode() != auth.ModeDisabled {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "request is not authenticated")
	}
	raw := strings.TrimSpace(r.Header.Get(CallerHeader))
	if raw == "" {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthorized, "missing "+CallerHeader+" header")
	}
	return parseAddress(CallerHeader, raw)
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, field+" is not a hex address",
			xerrors.WithMetadata("field", field))
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" is not a decimal amount",
			xerrors.WithMetadata("field", field))
	}
	return v, nil
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Code     string            `json:"code"`
	Category string            `json:"category"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 把错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	if xerrors.HasCode(err, xerrors.CodeConflict) {
		return http.StatusConflict
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryConfiguration:
		return http.StatusBadRequest
	case xerrors.CategoryTiming:
		return http.StatusConflict
	case xerrors.CategoryBalance:
		return http.StatusUnprocessableEntity
	case xerrors.CategoryAuthorization:
		return http.StatusForbidden
	case xerrors.CategoryLookup:
		return http.StatusNotFound
	case xerrors.CategoryInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Code:     string(xerrors.CodeOf(err)),
		Category: string(xerrors.CategoryOf(err)),
		Message:  err.Error(),
	}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求在服务关闭时能够感知上游上下文。
func withContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCtx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		next.ServeHTTP(w, r.WithContext(reqCtx))
	})
}
