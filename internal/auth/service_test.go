package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const treasurer = "0x00000000000000000000000000000000000000aa"

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "test-secret", Issuer: "vestledger", Audience: []string{"api"}, AccessTTL: time.Minute},
		Seeds: []Seed{
			{Username: "owner", Password: "pw", Address: treasurer, Permissions: []string{PermissionVestingConfigure, PermissionLedgerRead}},
			{Username: "viewer", Password: "pw", Permissions: []string{PermissionLedgerRead}},
			{Username: "gone", Password: "pw", Disabled: true},
		},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestPasswordGrantCarriesAddress(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	if pair.Address != common.HexToAddress(treasurer).Hex() {
		t.Fatalf("unexpected address %s", pair.Address)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if subject.Address != common.HexToAddress(treasurer) {
		t.Fatalf("subject address = %s", subject.Address.Hex())
	}
	if err := subject.Authorize(PermissionVestingConfigure); err != nil {
		t.Fatalf("expected configure permission: %v", err)
	}
	if err := subject.Authorize(PermissionLedgerTransfer); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  TokenRequest
		want error
	}{
		{name: "wrong password", req: TokenRequest{Username: "owner", Password: "nope"}, want: ErrInvalidCredentials},
		{name: "unknown user", req: TokenRequest{Username: "nobody", Password: "pw"}, want: ErrInvalidCredentials},
		{name: "disabled user", req: TokenRequest{Username: "gone", Password: "pw"}, want: ErrSubjectRevoked},
		{name: "unsupported grant", req: TokenRequest{GrantType: "client_credentials"}, want: ErrUnsupportedGrant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Authenticate(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRefreshGrant(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "viewer", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not authenticate requests, got %v", err)
	}
	next, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+next.AccessToken); err != nil {
		t.Fatalf("refreshed access token rejected: %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.AccessToken}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestTokenExpiryAndTampering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "viewer", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	other, err := NewService(ctx, Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "other", Issuer: "vestledger"}}, &MemoryStore{byName: map[string]*memoryAccount{}, byID: map[int64]*memoryAccount{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := other.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret accepted: %v", err)
	}

	if _, err := svc.AuthenticateRequest(ctx, "Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	viewer, err := svc.Authenticate(ctx, TokenRequest{Username: "viewer", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var seen *Subject
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	read := svc.Require("balance_of", PermissionLedgerRead)(inner)
	write := svc.Require("transfer", PermissionLedgerTransfer)(inner)

	cases := []struct {
		method string
		token  string
		want   int
	}{
		{method: http.MethodGet, token: viewer.AccessToken, want: http.StatusNoContent},
		{method: http.MethodPost, token: viewer.AccessToken, want: http.StatusForbidden},
		{method: http.MethodGet, token: "", want: http.StatusUnauthorized},
		{method: http.MethodGet, token: "garbage", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/v1/balances", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		handler := read
		if tc.method == http.MethodPost {
			handler = write
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s with token %q: status %d, want %d", tc.method, tc.token, rec.Code, tc.want)
		}
		if tc.want >= 400 && !strings.Contains(rec.Body.String(), `"code":"UNAUTHORIZED"`) {
			t.Fatalf("denial body = %s", rec.Body.String())
		}
	}
	if seen == nil || seen.Username != "viewer" {
		t.Fatalf("subject not propagated: %+v", seen)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("mode = %s", svc.Mode())
	}
	if _, err := svc.Authenticate(context.Background(), TokenRequest{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
	rec := httptest.NewRecorder()
	svc.Require("any", PermissionVestingRelease)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSeedAddressValidation(t *testing.T) {
	if _, err := NewMemoryStore([]Seed{{Username: "x", Password: "pw", Address: "not-an-address"}}); err == nil {
		t.Fatalf("expected invalid address error")
	}
	if _, err := NewService(context.Background(), Config{Mode: "oauth"}, nil); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

func TestSubjectCacheDelaysRevocationUntilTTL(t *testing.T) {
	store, err := NewMemoryStore([]Seed{{Username: "ops", Password: "pw", Permissions: []string{PermissionLedgerRead}}})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode:         ModeJWT,
		JWT:          JWTOptions{Secret: "s", AccessTTL: time.Hour},
		SubjectCache: CacheOptions{Size: 8, TTL: time.Minute},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	base := time.Now()
	svc.now = func() time.Time { return base }

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ops", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	header := "Bearer " + pair.AccessToken
	if _, err := svc.AuthenticateRequest(ctx, header); err != nil {
		t.Fatalf("first request: %v", err)
	}

	if err := store.ApplySeed(ctx, Seed{Username: "ops", Password: "pw", Disabled: true}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, header); err != nil {
		t.Fatalf("cached subject should still be served: %v", err)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := svc.AuthenticateRequest(ctx, header); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revocation after ttl, got %v", err)
	}
}

func TestInvalidateSubjectsAppliesPermissionChanges(t *testing.T) {
	store, err := NewMemoryStore([]Seed{{Username: "ops", Password: "pw", Permissions: []string{PermissionLedgerRead}}})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "s"}}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "ops", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	header := "Bearer " + pair.AccessToken
	if _, err := svc.AuthenticateRequest(ctx, header); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := store.ApplySeed(ctx, Seed{Username: "ops", Password: "pw", Permissions: []string{PermissionLedgerRead, PermissionLedgerTransfer}}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	svc.InvalidateSubjects()
	subject, err := svc.AuthenticateRequest(ctx, header)
	if err != nil {
		t.Fatalf("request after invalidate: %v", err)
	}
	if !subject.HasPermission(PermissionLedgerTransfer) {
		t.Fatalf("permission change not visible: %+v", subject.Permissions)
	}
}

func TestSeedPasswordHash(t *testing.T) {
	hashed, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	got, err := SeedPasswordHash(Seed{Username: "a", Password: "ignored", PasswordHash: hashed})
	if err != nil || got != hashed {
		t.Fatalf("precomputed hash not kept: %q %v", got, err)
	}
	if _, err := SeedPasswordHash(Seed{Username: "a", PasswordHash: "not-bcrypt"}); err == nil {
		t.Fatal("expected invalid hash error")
	}
	got, err = SeedPasswordHash(Seed{Username: "a", Password: "secret"})
	if err != nil || !VerifyPassword(got, "secret") {
		t.Fatalf("plain password not hashed: %v", err)
	}
}

func TestDedupeStrings(t *testing.T) {
	got := DedupeStrings([]string{" Ledger:Read", "vesting:release", "ledger:read", "", "  "})
	want := []string{"ledger:read", "vesting:release"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("DedupeStrings = %v, want %v", got, want)
	}
}

func TestWildcardPermissions(t *testing.T) {
	cases := []struct {
		grants []string
		check  string
		want   bool
	}{
		{grants: []string{"vesting:*"}, check: PermissionVestingRelease, want: true},
		{grants: []string{"vesting:*"}, check: PermissionLedgerTransfer, want: false},
		{grants: []string{"*"}, check: PermissionLedgerTransfer, want: true},
		{grants: []string{" Ledger:Read "}, check: PermissionLedgerRead, want: true},
		{grants: nil, check: PermissionLedgerRead, want: false},
	}
	for _, tc := range cases {
		subject := &Subject{Permissions: tc.grants}
		if got := subject.HasPermission(tc.check); got != tc.want {
			t.Fatalf("grants %v check %s = %v, want %v", tc.grants, tc.check, got, tc.want)
		}
	}
	revoked := &Subject{Permissions: []string{"*"}, Disabled: true}
	if err := revoked.Authorize(PermissionLedgerRead); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestRebindingAddressRevokesTokens(t *testing.T) {
	store, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode:  ModeJWT,
		JWT:   JWTOptions{Secret: "test-secret", AccessTTL: time.Minute},
		Seeds: []Seed{{Username: "owner", Password: "pw", Address: treasurer, Permissions: []string{PermissionLedgerRead}}},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "pw"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	moved := Seed{Username: "owner", Password: "pw", Address: "0x00000000000000000000000000000000000000bb", Permissions: []string{PermissionLedgerRead}}
	if err := store.ApplySeed(ctx, moved); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	svc.InvalidateSubjects()

	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected stale access token to fail, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected stale refresh token to fail, got %v", err)
	}
	fresh, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "pw"})
	if err != nil {
		t.Fatalf("re-authenticate: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+fresh.AccessToken); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestPasswordLockout(t *testing.T) {
	store, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode:    ModeJWT,
		JWT:     JWTOptions{Secret: "test-secret"},
		Seeds:   []Seed{{Username: "owner", Password: "pw"}},
		Lockout: LockoutOptions{MaxFailures: 2, Window: time.Minute},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	now := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "bad"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: " OWNER ", Password: "pw"}); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected lockout, got %v", err)
	}

	now = now.Add(time.Minute)
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "pw"}); err != nil {
		t.Fatalf("lockout should expire with the window: %v", err)
	}
	// 成功登录清零计数。
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "bad"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "owner", Password: "pw"}); err != nil {
		t.Fatalf("single failure must not lock: %v", err)
	}
}
