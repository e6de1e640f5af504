package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// tokenClaims 在标准声明之外携带展示用的身份信息。Address 为签发时绑定的账本地址，
// 校验时与存储中的最新地址比对，地址变更后旧令牌失效。
type tokenClaims struct {
	Username    string   `json:"username,omitempty"`
	Address     string   `json:"address,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) userID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// boundTo 判断令牌是否仍对应 subject 当前的账本地址。
func (c *tokenClaims) boundTo(subject *Subject) bool {
	if c.Address == "" {
		return subject.Address == (common.Address{})
	}
	return common.IsHexAddress(c.Address) && common.HexToAddress(c.Address) == subject.Address
}

type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Generate 签发一对令牌，两者共享签发时间但各有独立的 jti。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	now := m.now()
	address := ""
	if subject.Address != (common.Address{}) {
		address = subject.Address.Hex()
	}
	access, err := m.sign(tokenClaims{
		Username:         subject.Username,
		Address:          address,
		Roles:            append([]string(nil), subject.Roles...),
		Permissions:      append([]string(nil), subject.Permissions...),
		TokenType:        tokenTypeAccess,
		RegisteredClaims: m.registered(subject.ID, now, m.accessTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(tokenClaims{
		Username:         subject.Username,
		Address:          address,
		TokenType:        tokenTypeRefresh,
		RegisteredClaims: m.registered(subject.ID, now, m.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) registered(userID int64, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if len(m.audience) > 0 {
		claims.Audience = jwt.ClaimStrings(append([]string(nil), m.audience...))
	}
	return claims
}

func (m *jwtManager) sign(claims tokenClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify 校验签名与令牌类型，再用注入的时钟检查有效期、签发者与受众。
func (m *jwtManager) Verify(raw, wantType string) (*tokenClaims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}
	var claims tokenClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !token.Valid || claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	now := m.now()
	if !claims.VerifyExpiresAt(now, true) || !claims.VerifyNotBefore(now, false) {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && !claims.VerifyIssuer(m.issuer, true) {
		return nil, ErrInvalidToken
	}
	if len(m.audience) > 0 && !m.audienceMatches(claims.Audience) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (m *jwtManager) audienceMatches(provided jwt.ClaimStrings) bool {
	for _, expected := range m.audience {
		for _, aud := range provided {
			if strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(aud)) {
				return true
			}
		}
	}
	return false
}
