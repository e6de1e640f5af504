package mysql

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"VestLedger/internal/auth"
	xerrors "VestLedger/internal/errors"
)

// SQLAuthStore 在 MySQL 中保存 API 用户、角色与权限，以及用户对应的账本地址。
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore 打开独立连接池并执行迁移。
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// NewSQLAuthStoreFromDB 复用日志所在的连接池，迁移已由 Open 完成。
func NewSQLAuthStoreFromDB(db *sql.DB) *SQLAuthStore {
	return &SQLAuthStore{db: db}
}

func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const (
	selectUserByName = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	selectUserByID   = `SELECT id, username, address, disabled FROM auth_users WHERE id = ?`
	// 角色与权限一次取回，第一列区分种类。角色授予的权限与直接授予的权限合并。
	selectGrants = `SELECT 'role', r.name FROM auth_roles r
JOIN auth_user_roles ur ON ur.role_id = r.id WHERE ur.user_id = ?
UNION
SELECT 'permission', p.name FROM auth_permissions p
JOIN auth_role_permissions rp ON rp.permission_id = p.id
JOIN auth_user_roles ur ON ur.role_id = rp.role_id WHERE ur.user_id = ?
UNION
SELECT 'permission', p.name FROM auth_permissions p
JOIN auth_user_permissions up ON up.permission_id = p.id WHERE up.user_id = ?`
)

func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	var user auth.User
	var disabled int
	err := s.db.QueryRowContext(ctx, selectUserByName, strings.TrimSpace(username)).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled)
	if err != nil {
		return nil, storeError(err, "用户 "+username)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject 读取用户、绑定地址与全部授权。
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	var subject auth.Subject
	var address string
	var disabled int
	err := s.db.QueryRowContext(ctx, selectUserByID, userID).
		Scan(&subject.ID, &subject.Username, &address, &disabled)
	if err != nil {
		return nil, storeError(err, "用户主体")
	}
	subject.Disabled = disabled == 1
	if subject.Address, err = auth.ParseSeedAddress(address); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "用户 "+subject.Username+" 的账本地址无效")
	}

	rows, err := s.db.QueryContext(ctx, selectGrants, userID, userID, userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户授权失败")
	}
	defer rows.Close()
	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用户授权失败")
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if kind == "role" {
			subject.Roles = append(subject.Roles, name)
		} else {
			subject.Permissions = append(subject.Permissions, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用户授权失败")
	}
	sort.Strings(subject.Roles)
	sort.Strings(subject.Permissions)
	return &subject, nil
}

// ApplySeed 以种子为准写入用户：凭据与地址覆盖，角色与直接权限整体替换，
// 种子中去掉的授权在下次启动后失效。
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "种子用户名不能为空")
	}
	address, err := auth.ParseSeedAddress(seed.Address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "种子 "+username+" 地址无效")
	}
	stored := ""
	if address != (common.Address{}) {
		stored = address.Hex()
	}
	hash, err := auth.SeedPasswordHash(seed)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "种子 "+username+" 密码无效")
	}

	now := time.Now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启种子事务失败")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO auth_users (username, password_hash, address, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), address = VALUES(address), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`,
		username, hash, stored, boolToInt(seed.Disabled), now, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存用户 "+username+" 失败")
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取用户 ID 失败")
	}

	if err := replaceGrants(ctx, tx, grantTables{catalogue: "auth_roles", link: "auth_user_roles", column: "role_id"},
		userID, auth.DedupeStrings(seed.Roles), now); err != nil {
		return err
	}
	if err := replaceGrants(ctx, tx, grantTables{catalogue: "auth_permissions", link: "auth_user_permissions", column: "permission_id"},
		userID, auth.DedupeStrings(seed.Permissions), now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交种子数据失败")
	}
	return nil
}

type grantTables struct {
	catalogue string
	link      string
	column    string
}

// replaceGrants 删除用户在 link 表中的全部关联，再按 names 重新建立。
// 目录表中的名称只增不删，供其它用户共享。
func replaceGrants(ctx context.Context, tx *sql.Tx, t grantTables, userID int64, names []string, now int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.link+` WHERE user_id = ?`, userID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理 "+t.link+" 失败")
	}
	for _, name := range names {
		res, err := tx.ExecContext(ctx, `INSERT INTO `+t.catalogue+` (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`, name, now, now)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存 "+name+" 失败")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 "+name+" 的 ID 失败")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+t.link+` (user_id, `+t.column+`, assigned_at) VALUES (?, ?, ?)`,
			userID, id, now); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "绑定 "+name+" 失败")
		}
	}
	return nil
}

func storeError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return xerrors.Wrap(xerrors.CodeNotFound, err, what+"不存在")
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询"+what+"失败")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
