package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/holiman/uint256"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/ledger"
	"VestLedger/internal/vesting"
)

const (
	insertEntrySQL = `INSERT INTO ledger_journal (sequence, kind, operation, caller, occurred_at, payload)
    VALUES (?, ?, ?, ?, ?, ?)`
	upsertScheduleSQL = `INSERT INTO vesting_schedules
    (beneficiary, category, total_amount, released_amount, burned_amount, released_months, initial_released,
     start_time, cliff_seconds, vesting_months, monthly_release_bps, burn_bps, last_sequence, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE released_amount = VALUES(released_amount), burned_amount = VALUES(burned_amount),
     released_months = VALUES(released_months), initial_released = VALUES(initial_released),
     last_sequence = VALUES(last_sequence), updated_at = VALUES(updated_at)`
	replaySQL        = `SELECT payload FROM ledger_journal ORDER BY sequence ASC`
	listSchedulesSQL = `SELECT beneficiary, category, total_amount, released_amount, burned_amount, released_months,
     initial_released, start_time, cliff_seconds, vesting_months, monthly_release_bps, burn_bps
    FROM vesting_schedules ORDER BY beneficiary ASC`

	errDuplicateEntry = 1062
)

// Journal 将账本日志写入 ledger_journal 表，并在同一事务中刷新 vesting_schedules 投影。
type Journal struct {
	db *sql.DB
}

var _ ledger.Journal = (*Journal)(nil)

// Open 连接数据库、执行迁移并返回日志实例。
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 日志失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &Journal{db: db}, nil
}

// NewJournal 使用已有连接池构造日志，不执行迁移。
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// DB 返回底层连接池，供同库的其他存储复用。
func (j *Journal) DB() *sql.DB {
	return j.db
}

// Append 实现 ledger.Journal。重复序号返回 CONFLICT，其余失败返回 STORAGE_FAILURE。
func (j *Journal) Append(ctx context.Context, entry ledger.Entry) (err error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码日志记录失败")
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启日志事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, execErr := tx.ExecContext(ctx, insertEntrySQL,
		int64(entry.Sequence),
		string(entry.Kind),
		entry.Operation,
		entry.Caller.Hex(),
		entry.OccurredAt.UnixNano(),
		payload,
	); execErr != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(execErr, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			err = xerrors.Wrap(xerrors.CodeConflict, execErr, fmt.Sprintf("日志序号 %d 已存在", entry.Sequence))
			return err
		}
		err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "写入日志失败")
		return err
	}

	if s := entry.Schedule; s != nil {
		if _, execErr := tx.ExecContext(ctx, upsertScheduleSQL, scheduleArgs(s, entry.Sequence, entry.OccurredAt)...); execErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "刷新归属计划投影失败")
			return err
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = xerrors.Wrap(xerrors.CodeStorageFailure, commitErr, "提交日志事务失败")
		return err
	}
	return nil
}

func scheduleArgs(s *vesting.Schedule, seq uint64, at time.Time) []any {
	initial := 0
	if s.Admin != nil && s.Admin.InitialReleaseProcessed {
		initial = 1
	}
	return []any{
		s.Beneficiary.Hex(),
		string(s.Category),
		s.TotalAmount.Dec(),
		s.ReleasedAmount.Dec(),
		s.BurnedAmount.Dec(),
		int64(s.ReleasedMonths),
		int64(initial),
		s.StartTime.Unix(),
		int64(s.Cliff / time.Second),
		int64(s.VestingMonths),
		int64(s.MonthlyReleaseBps),
		int64(s.BurnBps),
		int64(seq),
		at.Unix(),
	}
}

// Replay 实现 ledger.Journal。
func (j *Journal) Replay(ctx context.Context, fn func(ledger.Entry) error) error {
	rows, err := j.db.QueryContext(ctx, replaySQL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询日志失败")
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志失败")
		}
		var entry ledger.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return xerrors.Wrap(ledger.CodeJournalCorrupt, err, "解析日志记录失败")
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历日志失败")
	}
	return nil
}

// ListSchedules 读取投影表中的全部计划，按受益人地址排序。
func (j *Journal) ListSchedules(ctx context.Context) ([]*vesting.Schedule, error) {
	rows, err := j.db.QueryContext(ctx, listSchedulesSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归属计划失败")
	}
	defer rows.Close()

	var result []*vesting.Schedule
	for rows.Next() {
		var (
			beneficiary, category       string
			total, released, burned     string
			releasedMonths, initial     int64
			start, cliffSeconds, months int64
			monthlyBps, burnBps         int64
		)
		if err := rows.Scan(&beneficiary, &category, &total, &released, &burned, &releasedMonths,
			&initial, &start, &cliffSeconds, &months, &monthlyBps, &burnBps); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归属计划失败")
		}
		s := &vesting.Schedule{
			Beneficiary:       common.HexToAddress(beneficiary),
			Category:          vesting.Category(category),
			StartTime:         time.Unix(start, 0).UTC(),
			Cliff:             time.Duration(cliffSeconds) * time.Second,
			VestingMonths:     int(months),
			MonthlyReleaseBps: uint16(monthlyBps),
			BurnBps:           uint16(burnBps),
			ReleasedMonths:    int(releasedMonths),
		}
		for _, field := range []struct {
			dst **uint256.Int
			raw string
		}{{&s.TotalAmount, total}, {&s.ReleasedAmount, released}, {&s.BurnedAmount, burned}} {
			v, err := uint256.FromDecimal(field.raw)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析金额 %q 失败", field.raw))
			}
			*field.dst = v
		}
		if s.Category == vesting.CategoryAdmin {
			s.Admin = vesting.NewAdminConfig(s.TotalAmount, initial == 1)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历归属计划失败")
	}
	return result, nil
}

// Close 释放连接池。
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
