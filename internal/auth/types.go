package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
)

// 账本 API 使用的权限名称。
const (
	PermissionLedgerRead       = "ledger:read"
	PermissionLedgerTransfer   = "ledger:transfer"
	PermissionVestingConfigure = "vesting:configure"
	PermissionVestingRelease   = "vesting:release"
)

// Store abstracts the persistent user catalogue used by the authentication
// service. Implementations must be safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter is implemented by stores that can upsert seed users, roles and
// permissions for bootstrapping.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User represents a persisted account with credentials.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject 是令牌中携带的身份。Address 是该用户在账本上代表的账户，
// 所有写操作都以它作为调用方。
type Subject struct {
	ID          int64
	Username    string
	Address     common.Address
	Roles       []string
	Permissions []string
	Disabled    bool

	grants mapset.Set[string]
}

func (s *Subject) grantSet() mapset.Set[string] {
	if s.grants == nil {
		s.grants = mapset.NewSet[string](DedupeStrings(s.Permissions)...)
	}
	return s.grants
}

// HasPermission 判断主体是否具备 permission。"*" 授予全部权限，
// "vesting:*" 这类前缀通配授予该资源下的全部动作。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	grants := s.grantSet()
	if grants.Contains(permission) || grants.Contains("*") {
		return true
	}
	if resource, _, ok := strings.Cut(permission, ":"); ok {
		return grants.Contains(resource + ":*")
	}
	return false
}

// Authorize 要求主体未停用且具备全部 perms，空字符串忽略。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回独立副本，缓存与令牌响应都持有副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	return &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Address:     s.Address,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
}

// TokenRequest describes the payload accepted by the token issuance endpoint.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

// TokenPair contains the issued access and refresh tokens.
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Address          string   `json:"address,omitempty"`
	Subject          *Subject `json:"-"`
}

// Config configures the authentication service.
type Config struct {
	Mode  Mode       `json:"mode"`
	JWT   JWTOptions `json:"jwt"`
	Seeds []Seed     `json:"seeds"`
	// SubjectCache 控制已认证主体的本地缓存，Size 为负数时关闭。
	SubjectCache CacheOptions   `json:"subject_cache"`
	Lockout      LockoutOptions `json:"lockout"`
}

// CacheOptions 描述主体缓存的容量与有效期。
type CacheOptions struct {
	Size int           `json:"size"`
	TTL  time.Duration `json:"ttl"`
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret     string        `json:"secret"`
	Issuer     string        `json:"issuer"`
	Audience   []string      `json:"audience"`
	AccessTTL  time.Duration `json:"access_ttl"`
	RefreshTTL time.Duration `json:"refresh_ttl"`
}

// Seed defines the initial accounts and permissions to bootstrap.
type Seed struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// PasswordHash 为预先计算的 bcrypt 哈希，设置后忽略 Password。
	PasswordHash string   `json:"password_hash"`
	Address      string   `json:"address"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
	Disabled     bool     `json:"disabled"`
}

// ParseSeedAddress 校验并解析种子用户的账本地址，空值表示只读用户。
func ParseSeedAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid seed address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
