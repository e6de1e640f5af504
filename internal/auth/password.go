package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// decoyHash 在用户不存在时参与比对，使未知用户名与错误密码耗时相近。
var decoyHash, _ = bcrypt.GenerateFromPassword([]byte("vestledger-decoy"), bcrypt.DefaultCost)

func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword 比对 bcrypt 哈希。空哈希一律拒绝。
func VerifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

func burnDecoy(password string) {
	_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
}

// SeedPasswordHash 返回种子用户应写入存储的哈希：优先使用预计算的 password_hash。
func SeedPasswordHash(seed Seed) (string, error) {
	if hash := strings.TrimSpace(seed.PasswordHash); hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return "", fmt.Errorf("seed %s: invalid password hash: %w", seed.Username, err)
		}
		return hash, nil
	}
	return HashPassword(seed.Password)
}
