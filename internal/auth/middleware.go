package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "VestLedger/internal/errors"
)

type subjectKey struct{}

// WithSubject 把已认证主体放入上下文，nil 主体不写入。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出 Require 写入的主体。认证关闭时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// Require 返回一个中间件：请求必须携带有效的 Bearer 令牌，且主体具备全部 perms。
// 拒绝时按账本 API 的错误格式返回 JSON。route 只用于审计日志。
func (s *Service) Require(route string, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := denialStatus(err)
				attrs := []any{
					slog.String("route", route),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.Any("error", err),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("user", subject.Username))
				}
				s.audit.Warn("ledger_access_denied", attrs...)
				writeDenial(w, status, err)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("ledger_request",
				slog.String("route", route),
				slog.String("method", r.Method),
				slog.Int("status", rec.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Username),
				slog.String("caller", subject.Address.Hex()),
			)
		})
	}
}

// denialStatus 区分"你是谁未知"(401) 与"已知但无权"(403)。
func denialStatus(err error) int {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func writeDenial(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="vestledger"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":     string(xerrors.CodeUnauthorized),
		"category": string(xerrors.CategoryAuthorization),
		"message":  err.Error(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
