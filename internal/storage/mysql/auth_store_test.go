package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"

	"VestLedger/internal/auth"
	xerrors "VestLedger/internal/errors"
)

func TestSQLAuthStoreLoadSubjectWithAddress(t *testing.T) {
	t.Parallel()

	grants := queryOp(selectGrants, mockRowsData{
		columns: []string{"kind", "name"},
		values: [][]driver.Value{
			{"role", "Treasurer"},
			{"permission", "vesting:release"},
			{"permission", "Ledger:Read"},
		},
	})
	grants.check = expectArg(3, int64(5))
	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectUserByID, mockRowsData{
			columns: []string{"id", "username", "address", "disabled"},
			values:  [][]driver.Value{{int64(5), "treasurer", ownerAddr.Hex(), int64(0)}},
		}),
		grants,
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	subject, err := NewSQLAuthStoreFromDB(db).LoadSubject(context.Background(), 5)
	if err != nil {
		t.Fatalf("load subject: %v", err)
	}
	if subject.Address != ownerAddr {
		t.Fatalf("address = %s", subject.Address.Hex())
	}
	if len(subject.Roles) != 1 || subject.Roles[0] != "treasurer" {
		t.Fatalf("roles = %v", subject.Roles)
	}
	if err := subject.Authorize(auth.PermissionVestingRelease, auth.PermissionLedgerRead); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestSQLAuthStoreFindUser(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectUserByName, mockRowsData{
			columns: []string{"id", "username", "password_hash", "disabled"},
			values:  [][]driver.Value{{int64(9), "viewer", "$2a$10$hash", int64(1)}},
		}),
		queryOp(selectUserByName, mockRowsData{columns: []string{"id", "username", "password_hash", "disabled"}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewSQLAuthStoreFromDB(db)
	user, err := store.FindUserByUsername(context.Background(), " viewer ")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if user.ID != 9 || !user.Disabled {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := store.FindUserByUsername(context.Background(), "nobody"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSQLAuthStoreApplySeedReplacesGrants(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := execOp(`INSERT INTO auth_users (username, password_hash, address, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), address = VALUES(address), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`,
		mockResult{lastInsertID: 7, rowsAffected: 1})
	user.check = expectArg(3, ownerAddr.Hex())
	link := func(table, column string) mockOperation {
		op := execOp(`INSERT INTO `+table+` (user_id, `+column+`, assigned_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1})
		op.check = expectArg(1, int64(7))
		return op
	}
	upsert := func(table string, id int64) mockOperation {
		return execOp(`INSERT INTO `+table+` (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`, mockResult{lastInsertID: id, rowsAffected: 1})
	}

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		user,
		execOp(`DELETE FROM auth_user_roles WHERE user_id = ?`, mockResult{rowsAffected: 2}),
		upsert("auth_roles", 3),
		link("auth_user_roles", "role_id"),
		execOp(`DELETE FROM auth_user_permissions WHERE user_id = ?`, mockResult{}),
		upsert("auth_permissions", 11),
		link("auth_user_permissions", "permission_id"),
		upsert("auth_permissions", 12),
		link("auth_user_permissions", "permission_id"),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err = NewSQLAuthStoreFromDB(db).ApplySeed(context.Background(), auth.Seed{
		Username:     "treasurer",
		PasswordHash: hash,
		Address:      ownerAddr.Hex(),
		Roles:        []string{"Treasurer", "treasurer"},
		Permissions:  []string{auth.PermissionVestingRelease, auth.PermissionLedgerRead},
	})
	if err != nil {
		t.Fatalf("apply seed: %v", err)
	}
}

func TestSQLAuthStoreApplySeedValidation(t *testing.T) {
	t.Parallel()

	store := NewSQLAuthStoreFromDB((*sql.DB)(nil))
	for _, seed := range []auth.Seed{
		{Username: " "},
		{Username: "x", Address: "0x12"},
		{Username: "x", PasswordHash: "not-bcrypt"},
	} {
		if err := store.ApplySeed(context.Background(), seed); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("seed %+v: expected INVALID_ARGUMENT, got %v", seed, err)
		}
	}
}
