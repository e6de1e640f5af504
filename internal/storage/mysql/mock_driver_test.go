package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// 测试用的脚本化驱动：每个测试预先写下期望的语句序列，
// 驱动按顺序逐条比对，实际调用与脚本不符时返回错误。

type opKind int

const (
	opExec opKind = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (k opKind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

type mockOperation struct {
	kind   opKind
	query  string
	result mockResult
	rows   mockRowsData
	err    error
	// check 校验语句参数，返回错误时该操作失败。
	check func(args []driver.NamedValue) error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{kind: opExec, query: query, result: result}
}

func failingExecOp(query string, err error) mockOperation {
	return mockOperation{kind: opExec, query: query, err: err}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{kind: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation    { return mockOperation{kind: opBegin} }
func commitOp() mockOperation   { return mockOperation{kind: opCommit} }
func rollbackOp() mockOperation { return mockOperation{kind: opRollback} }

type script struct {
	mu   sync.Mutex
	ops  []mockOperation
	done int
}

var scriptSeq atomic.Int64

// newMockDB 注册一个只服务本测试的驱动，连接池限制为单连接以保证顺序。
func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *script) {
	t.Helper()
	s := &script{ops: ops}
	name := fmt.Sprintf("vestledger-script-%d", scriptSeq.Add(1))
	sql.Register(name, s)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, s
}

func (s *script) assertConsumed(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != len(s.ops) {
		t.Fatalf("script stopped at step %d of %d", s.done, len(s.ops))
	}
}

// step 消费下一条脚本并执行比对，返回脚本中预设的错误。
func (s *script) step(kind opKind, query string, args []driver.NamedValue) (mockOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done >= len(s.ops) {
		return mockOperation{}, fmt.Errorf("unscripted %s %q", kind, squash(query))
	}
	op := s.ops[s.done]
	if op.kind != kind {
		return mockOperation{}, fmt.Errorf("step %d: want %s, got %s", s.done, op.kind, kind)
	}
	s.done++
	if op.query != "" && squash(op.query) != squash(query) {
		return mockOperation{}, fmt.Errorf("step %d: want %q, got %q", s.done-1, squash(op.query), squash(query))
	}
	if op.check != nil {
		if err := op.check(args); err != nil {
			return mockOperation{}, fmt.Errorf("step %d: %w", s.done-1, err)
		}
	}
	return op, op.err
}

func (s *script) Open(string) (driver.Conn, error) { return scriptConn{s}, nil }

type scriptConn struct{ s *script }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepared statements are not scripted: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Ping(context.Context) error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// 事务与连接共用同一脚本，scriptConn 同时充当 driver.Tx。
func (c scriptConn) Commit() error {
	_, err := c.s.step(opCommit, "", nil)
	return err
}

func (c scriptConn) Rollback() error {
	_, err := c.s.step(opRollback, "", nil)
	return err
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.s.step(opBegin, "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.s.step(opExec, query, args)
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.s.step(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{data: op.rows}, nil
}

type scriptRows struct {
	data mockRowsData
	next int
}

func (r *scriptRows) Columns() []string { return r.data.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.next >= len(r.data.values) {
		return io.EOF
	}
	copy(dest, r.data.values[r.next])
	r.next++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
