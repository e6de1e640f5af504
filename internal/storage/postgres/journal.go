// Package postgres stores the ledger journal and the vesting schedule
// projection in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/ledger"
	"VestLedger/internal/vesting"
)

//go:embed schema.sql
var schema string

const (
	insertEntrySQL = `INSERT INTO ledger_journal (sequence, kind, operation, caller, occurred_at, payload)
    VALUES ($1, $2, $3, $4, $5, $6)`
	upsertScheduleSQL = `INSERT INTO vesting_schedules
    (beneficiary, category, total_amount, released_amount, burned_amount, released_months, initial_released,
     start_time, cliff_seconds, vesting_months, monthly_release_bps, burn_bps, last_sequence, updated_at)
    VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)
    ON CONFLICT (beneficiary) DO UPDATE SET released_amount = EXCLUDED.released_amount,
     burned_amount = EXCLUDED.burned_amount, released_months = EXCLUDED.released_months,
     initial_released = EXCLUDED.initial_released, last_sequence = EXCLUDED.last_sequence,
     updated_at = EXCLUDED.updated_at`
	replaySQL        = `SELECT payload FROM ledger_journal ORDER BY sequence ASC`
	listSchedulesSQL = `SELECT beneficiary, category, total_amount::text, released_amount::text, burned_amount::text,
     released_months, initial_released, start_time, cliff_seconds, vesting_months, monthly_release_bps, burn_bps
    FROM vesting_schedules ORDER BY beneficiary ASC`

	uniqueViolation = "23505"
)

// Config 描述 PostgreSQL 连接池。
type Config struct {
	DSN      string `json:"dsn"`
	MinConns int32  `json:"min_conns"`
	MaxConns int32  `json:"max_conns"`
}

// Journal 将账本日志写入 ledger_journal，并在同一事务中刷新 vesting_schedules。
type Journal struct {
	pool *pgxpool.Pool
}

var _ ledger.Journal = (*Journal)(nil)

// Open 建立连接池并创建缺失的表。
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL DSN 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 PostgreSQL DSN 失败")
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 PostgreSQL 失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 PostgreSQL 失败")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 PostgreSQL 表结构失败")
	}
	return &Journal{pool: pool}, nil
}

// Append 实现 ledger.Journal。重复序号返回 CONFLICT。
func (j *Journal) Append(ctx context.Context, entry ledger.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码日志记录失败")
	}
	err = pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertEntrySQL,
			int64(entry.Sequence), string(entry.Kind), entry.Operation, entry.Caller.Hex(),
			entry.OccurredAt.UTC(), payload,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("日志序号 %d 已存在", entry.Sequence))
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入日志失败")
		}
		if s := entry.Schedule; s != nil {
			if _, err := tx.Exec(ctx, upsertScheduleSQL, scheduleArgs(s, entry.Sequence, entry.OccurredAt)...); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新归属计划投影失败")
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if _, coded := xerrors.From(err); !coded {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交日志事务失败")
	}
	return err
}

func scheduleArgs(s *vesting.Schedule, seq uint64, at time.Time) []any {
	return []any{
		s.Beneficiary.Hex(),
		string(s.Category),
		s.TotalAmount.Dec(),
		s.ReleasedAmount.Dec(),
		s.BurnedAmount.Dec(),
		int32(s.ReleasedMonths),
		s.Admin != nil && s.Admin.InitialReleaseProcessed,
		s.StartTime.UTC(),
		int64(s.Cliff / time.Second),
		int32(s.VestingMonths),
		int32(s.MonthlyReleaseBps),
		int32(s.BurnBps),
		int64(seq),
		at.UTC(),
	}
}

// Replay 实现 ledger.Journal。
func (j *Journal) Replay(ctx context.Context, fn func(ledger.Entry) error) error {
	rows, err := j.pool.Query(ctx, replaySQL)
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

// ListSchedules 读取投影表中的全部计划。
func (j *Journal) ListSchedules(ctx context.Context) ([]*vesting.Schedule, error) {
	rows, err := j.pool.Query(ctx, listSchedulesSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询归属计划失败")
	}
	defer rows.Close()

	var result []*vesting.Schedule
	for rows.Next() {
		var (
			beneficiary, category   string
			total, released, burned string
			releasedMonths, months  int32
			monthlyBps, burnBps     int32
			initial                 bool
			start                   time.Time
			cliffSeconds            int64
		)
		if err := rows.Scan(&beneficiary, &category, &total, &released, &burned, &releasedMonths,
			&initial, &start, &cliffSeconds, &months, &monthlyBps, &burnBps); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析归属计划失败")
		}
		s := &vesting.Schedule{
			Beneficiary:       common.HexToAddress(strings.TrimSpace(beneficiary)),
			Category:          vesting.Category(category),
			StartTime:         start.UTC(),
			Cliff:             time.Duration(cliffSeconds) * time.Second,
			VestingMonths:     int(months),
			MonthlyReleaseBps: uint16(monthlyBps),
			BurnBps:           uint16(burnBps),
			ReleasedMonths:    int(releasedMonths),
		}
		if s.TotalAmount, err = parseAmount(total); err != nil {
			return nil, err
		}
		if s.ReleasedAmount, err = parseAmount(released); err != nil {
			return nil, err
		}
		if s.BurnedAmount, err = parseAmount(burned); err != nil {
			return nil, err
		}
		if s.Category == vesting.CategoryAdmin {
			s.Admin = vesting.NewAdminConfig(s.TotalAmount, initial)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历归属计划失败")
	}
	return result, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析金额 %q 失败", raw))
	}
	return v, nil
}

// Close 关闭连接池。
func (j *Journal) Close() error {
	if j == nil || j.pool == nil {
		return nil
	}
	j.pool.Close()
	return nil
}
