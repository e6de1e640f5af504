package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestLedgerMetricsExposed(t *testing.T) {
	r := New()
	r.ObserveOperation("transfer", nil, time.Millisecond)
	r.ObserveOperation("transfer", xerrors.New("INSUFFICIENT_UNLOCKED_BALANCE", "locked"), time.Millisecond)
	r.ObserveRelease("admin", uint256.NewInt(500_000), uint256.NewInt(50_000))
	r.SetSupply(uint256.NewInt(999_950_000), uint256.NewInt(50_000))
	r.ObserveViolation("burn_split")

	body := scrape(t, r)
	for _, want := range []string{
		`vestledger_ledger_operations_total{code="OK",operation="transfer"} 1`,
		`vestledger_ledger_operations_total{code="INSUFFICIENT_UNLOCKED_BALANCE",operation="transfer"} 1`,
		`vestledger_vesting_releases_total{category="admin"} 1`,
		`vestledger_vesting_burned_units_total{category="admin"} 50000`,
		`vestledger_token_total_burned_units 50000`,
		`vestledger_audit_violations_total{check="burn_split"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	r := New()
	h := r.Instrument("release", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/release", nil))

	body := scrape(t, r)
	if !strings.Contains(body, `vestledger_http_requests_total{code="503",handler="release",method="POST"} 1`) {
		t.Fatalf("request counter missing\n%s", body)
	}
	if !strings.Contains(body, `vestledger_http_request_errors_total{handler="release",method="POST"} 1`) {
		t.Fatalf("error counter missing\n%s", body)
	}
}

func TestToFloatHandlesWideAmounts(t *testing.T) {
	if toFloat(nil) != 0 {
		t.Fatalf("nil should be zero")
	}
	wide := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	if got := toFloat(wide); got <= 1e60 {
		t.Fatalf("wide amount collapsed: %g", got)
	}
}
