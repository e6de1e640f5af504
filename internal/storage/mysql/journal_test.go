package mysql

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/holiman/uint256"

	"VestLedger/deploy/migrations"
	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/events"
	"VestLedger/internal/ledger"
	"VestLedger/internal/vesting"
)

var (
	ownerAddr = common.HexToAddress("0x0000000000000000000000000000000000000001")
	adminAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func adminSchedule(t *testing.T) *vesting.Schedule {
	t.Helper()
	s, err := vesting.NewSchedule(vesting.Params{
		Beneficiary:       adminAddr,
		Category:          vesting.CategoryAdmin,
		TotalAmount:       uint256.NewInt(10_000_000),
		StartTime:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		VestingMonths:     vesting.AdminVestingMonths,
		MonthlyReleaseBps: vesting.AdminMonthlyBps,
		BurnBps:           vesting.DefaultBurnBps,
	})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	return s
}

func argAt(args []driver.NamedValue, ordinal int) driver.Value {
	for _, a := range args {
		if a.Ordinal == ordinal {
			return a.Value
		}
	}
	return nil
}

func expectArg(ordinal int, want driver.Value) func([]driver.NamedValue) error {
	return func(args []driver.NamedValue) error {
		if got := argAt(args, ordinal); got != want {
			return fmt.Errorf("arg %d = %v, want %v", ordinal, got, want)
		}
		return nil
	}
}

func TestJournalAppendWritesEntryAndProjection(t *testing.T) {
	t.Parallel()

	insert := execOp(insertEntrySQL, mockResult{rowsAffected: 1})
	insert.check = expectArg(1, int64(3))
	upsert := execOp(upsertScheduleSQL, mockResult{rowsAffected: 1})
	upsert.check = func(args []driver.NamedValue) error {
		if got := argAt(args, 1); got != adminAddr.Hex() {
			return fmt.Errorf("beneficiary = %v", got)
		}
		if got := argAt(args, 3); got != "10000000" {
			return fmt.Errorf("total = %v", got)
		}
		return nil
	}

	db, driver := newMockDB(t, []mockOperation{beginOp(), insert, upsert, commitOp()})
	defer driver.assertConsumed(t)
	defer db.Close()

	entry := ledger.Entry{
		Sequence:   3,
		Kind:       events.KindScheduleCreated,
		Operation:  "configure_admin_wallet",
		Caller:     ownerAddr,
		OccurredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Schedule:   adminSchedule(t),
	}
	if err := NewJournal(db).Append(context.Background(), entry); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestJournalAppendWithoutScheduleSkipsProjection(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertEntrySQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	entry := ledger.Entry{
		Sequence: 1,
		Kind:     events.KindGenesis,
		Caller:   ownerAddr,
		Postings: []ledger.Posting{{Account: ownerAddr, Amount: uint256.NewInt(100), Credit: true}},
		Minted:   uint256.NewInt(100),
	}
	if err := NewJournal(db).Append(context.Background(), entry); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestJournalAppendFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ops  []mockOperation
		want xerrors.Code
	}{
		{
			name: "duplicate sequence",
			ops: []mockOperation{
				beginOp(),
				failingExecOp(insertEntrySQL, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}),
				rollbackOp(),
			},
			want: xerrors.CodeConflict,
		},
		{
			name: "projection failure rolls back",
			ops: []mockOperation{
				beginOp(),
				execOp(insertEntrySQL, mockResult{rowsAffected: 1}),
				failingExecOp(upsertScheduleSQL, fmt.Errorf("lock wait timeout")),
				rollbackOp(),
			},
			want: xerrors.CodeStorageFailure,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db, driver := newMockDB(t, tc.ops)
			defer driver.assertConsumed(t)
			defer db.Close()

			entry := ledger.Entry{Sequence: 2, Kind: events.KindScheduleCreated, Schedule: adminSchedule(t)}
			err := NewJournal(db).Append(context.Background(), entry)
			if got := xerrors.CodeOf(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestJournalReplayDecodesPayloads(t *testing.T) {
	t.Parallel()

	var values [][]driver.Value
	for seq := uint64(1); seq <= 3; seq++ {
		payload, err := json.Marshal(ledger.Entry{Sequence: seq, Kind: events.KindTransfer, Caller: ownerAddr})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		values = append(values, []driver.Value{payload})
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(replaySQL, mockRowsData{columns: []string{"payload"}, values: values}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	var seen []uint64
	err := NewJournal(db).Replay(context.Background(), func(e ledger.Entry) error {
		seen = append(seen, e.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected replay order: %v", seen)
	}
}

func TestJournalReplayCorruptPayload(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(replaySQL, mockRowsData{columns: []string{"payload"}, values: [][]driver.Value{{[]byte("{not json")}}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := NewJournal(db).Replay(context.Background(), func(ledger.Entry) error { return nil })
	if got := xerrors.CodeOf(err); got != ledger.CodeJournalCorrupt {
		t.Fatalf("expected JOURNAL_CORRUPT, got %s (%v)", got, err)
	}
}

func TestListSchedulesRestoresAdminConfig(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := mockRowsData{
		columns: []string{"beneficiary", "category", "total_amount", "released_amount", "burned_amount", "released_months",
			"initial_released", "start_time", "cliff_seconds", "vesting_months", "monthly_release_bps", "burn_bps"},
		values: [][]driver.Value{
			{adminAddr.Hex(), "admin", "10000000", "1500000", "50000", int64(1), int64(1), start.Unix(), int64(0), int64(18), int64(500), int64(1000)},
			{ownerAddr.Hex(), "locked", "300000000000000000000000000000", "0", "0", int64(0), int64(0), start.Unix(), int64(30 * 86400), int64(34), int64(300), int64(1000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(listSchedulesSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	list, err := NewJournal(db).ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(list))
	}
	admin := list[0]
	if admin.Admin == nil || !admin.Admin.InitialReleaseProcessed {
		t.Fatalf("admin config not restored: %+v", admin.Admin)
	}
	if admin.Admin.ImmediateAmount.Uint64() != 1_000_000 {
		t.Fatalf("immediate amount = %s", admin.Admin.ImmediateAmount.Dec())
	}
	if got := admin.LockedAmount().Uint64(); got != 8_500_000 {
		t.Fatalf("locked = %d", got)
	}
	locked := list[1]
	if locked.Admin != nil || locked.Cliff != 30*24*time.Hour {
		t.Fatalf("unexpected locked schedule: %+v", locked)
	}
	if locked.TotalAmount.Dec() != "300000000000000000000000000000" {
		t.Fatalf("256-bit amount lost: %s", locked.TotalAmount.Dec())
	}
}

func TestLedgerReplaysAndCommitsThroughMySQL(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(replaySQL, mockRowsData{columns: []string{"payload"}}),
		beginOp(),
		execOp(insertEntrySQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	l, err := ledger.New(context.Background(), ledger.Config{
		Owner:         ownerAddr,
		GenesisSupply: uint256.NewInt(1_000_000),
	}, ledger.WithJournal(NewJournal(db)))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if l.Sequence() != 1 || l.BalanceOf(ownerAddr).Uint64() != 1_000_000 {
		t.Fatalf("genesis not committed: seq=%d balance=%s", l.Sequence(), l.BalanceOf(ownerAddr).Dec())
	}
}

func migrationPrelude(t *testing.T, applied [][]driver.Value) ([]migrations.Migration, []mockOperation) {
	t.Helper()
	files, err := migrations.Load()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}
	return files, []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  applied,
		}),
	}
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	files, _ := migrationPrelude(t, nil)
	_, ops := migrationPrelude(t, [][]driver.Value{{files[0].Version, files[0].Checksum}})
	for _, f := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range f.Statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		record := execOp(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1})
		record.check = expectArg(2, f.Checksum)
		ops = append(ops, record, commitOp())
	}

	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRejectsEditedFile(t *testing.T) {
	t.Parallel()

	files, _ := migrationPrelude(t, nil)
	_, ops := migrationPrelude(t, [][]driver.Value{{files[0].Version, "stale"}})
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if got := xerrors.CodeOf(err); got != xerrors.CodeInitializationFailure {
		t.Fatalf("expected INITIALIZATION_FAILURE, got %s (%v)", got, err)
	}
}
