package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "VestLedger/internal/errors"
)

const namespace = "vestledger"

// Registry 持有服务的全部指标，并实现 ledger.Metrics。
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	operations    *prometheus.CounterVec
	opLatency     *prometheus.HistogramVec
	releases      *prometheus.CounterVec
	releasedUnits *prometheus.CounterVec
	burnedUnits   *prometheus.CounterVec
	totalSupply   prometheus.Gauge
	totalBurned   prometheus.Gauge
	violations    *prometheus.CounterVec
}

// New 创建独立的注册表，附带 Go 运行时与进程指标。
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_operations_total",
			Help: "Ledger mutations by operation and result code.",
		}, []string{"operation", "code"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ledger_operation_duration_seconds",
			Help:    "Time spent committing a ledger mutation, journal write included.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"operation"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vesting_releases_total",
			Help: "Executed vesting releases by schedule category.",
		}, []string{"category"}),
		releasedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vesting_released_units_total",
			Help: "Units unlocked by vesting releases, burn portion included.",
		}, []string{"category"}),
		burnedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vesting_burned_units_total",
			Help: "Units burned by vesting releases.",
		}, []string{"category"}),
		totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "token_total_supply_units",
			Help: "Current total supply.",
		}),
		totalBurned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "token_total_burned_units",
			Help: "Cumulative burned amount.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_violations_total",
			Help: "Invariant violations detected by the audit projector.",
		}, []string{"check"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpErrors, r.httpLatency,
		r.operations, r.opLatency,
		r.releases, r.releasedUnits, r.burnedUnits,
		r.totalSupply, r.totalBurned,
		r.violations,
	)
	return r
}

// Gatherer 暴露底层注册表，供测试读取。
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveOperation 记录一次账本变更的结果，成功时 code 为 OK。
func (r *Registry) ObserveOperation(op string, err error, elapsed time.Duration) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	r.operations.WithLabelValues(op, code).Inc()
	r.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveRelease 记录一次成功释放的额度与销毁量。
func (r *Registry) ObserveRelease(category string, due, burn *uint256.Int) {
	r.releases.WithLabelValues(category).Inc()
	r.releasedUnits.WithLabelValues(category).Add(toFloat(due))
	r.burnedUnits.WithLabelValues(category).Add(toFloat(burn))
}

// SetSupply 更新总供应量与累计销毁量。
func (r *Registry) SetSupply(total, burned *uint256.Int) {
	r.totalSupply.Set(toFloat(total))
	r.totalBurned.Set(toFloat(burned))
}

// ObserveViolation 记录审计投影发现的不变量违例。
func (r *Registry) ObserveViolation(check string) {
	r.violations.WithLabelValues(check).Inc()
}

// toFloat 换算为 float64，超出精度的低位会被舍入，仅用于展示。
func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Instrument 包装 handler，按 name 记录请求数、错误数与耗时。
func (r *Registry) Instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.ObserveHTTPRequest(name, req.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (r *Registry) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
