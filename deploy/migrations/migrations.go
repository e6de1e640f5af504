// Package migrations embeds the MySQL DDL for the ledger journal, the vesting
// schedule projection and the API user catalogue.
package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Migration 是一个 NNNN_name.sql 文件，Checksum 为原始内容的 sha256。
type Migration struct {
	Version    string
	Name       string
	Checksum   string
	Statements []string
}

// Load 按版本顺序返回全部嵌入的迁移，没有语句的文件被跳过。
func Load() ([]Migration, error) {
	return load(files)
}

func load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	var out []Migration
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, ok := Version(name)
		if !ok {
			return nil, fmt.Errorf("迁移文件名 %s 缺少版本前缀", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := Split(string(raw))
		if len(stmts) == 0 {
			continue
		}
		sum := sha256.Sum256(raw)
		out = append(out, Migration{
			Version:    version,
			Name:       name,
			Checksum:   hex.EncodeToString(sum[:]),
			Statements: stmts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Version 取文件名中第一个下划线之前的数字前缀。
func Version(name string) (string, bool) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok || prefix == "" {
		return "", false
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return prefix, true
}

// Split 按分号切分语句，并丢弃整行的 "--" 注释。语句内不允许出现分号字面量。
func Split(content string) []string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	var stmts []string
	for _, stmt := range strings.Split(strings.Join(kept, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
