// Package mysqltest 提供按脚本回放的 database/sql 驱动，用于在没有 MySQL 的情况下测试 SQL 仓库。
package mysqltest

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

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t opType) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[t]
}

// Op 是驱动期望收到的一次操作。
type Op struct {
	typ    opType
	query  string
	result Result
	rows   Rows
	err    error
}

// WithError 让该操作返回给定错误。
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

// Result 是 Exec 的返回值。
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// execResult 把 Result 适配为 driver.Result（字段与方法不能同名）。
type execResult struct{ res Result }

// LastInsertId 实现 driver.Result。
func (r execResult) LastInsertId() (int64, error) { return r.res.LastInsertID, nil }

// RowsAffected 实现 driver.Result。
func (r execResult) RowsAffected() (int64, error) { return r.res.RowsAffected, nil }

// Rows 是 Query 返回的数据。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 期望一次语句执行。query 为空时不比较 SQL 文本。
func Exec(query string, result Result) Op { return Op{typ: opExec, query: query, result: result} }

// Query 期望一次查询。
func Query(query string, rows Rows) Op { return Op{typ: opQuery, query: query, rows: rows} }

// Begin 期望开启事务。
func Begin() Op { return Op{typ: opBegin} }

// Commit 期望提交事务。
func Commit() Op { return Op{typ: opCommit} }

// Rollback 期望回滚事务。
func Rollback() Op { return Op{typ: opRollback} }

// Driver 按顺序回放预期操作，并记录每次调用的参数。
type Driver struct {
	ops  []Op
	idx  int32
	mu   sync.Mutex
	args [][]driver.Value
}

var seq atomic.Int32

// NewDB 注册一个新的驱动实例并打开连接池。
func NewDB(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()
	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", seq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// AssertConsumed 检查所有预期操作都已发生。
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()
	if got := int(atomic.LoadInt32(&d.idx)); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

// Args 返回第 i 个 Exec/Query 操作收到的参数。
func (d *Driver) Args(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	return d.args[i]
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string) (*Op, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected %s, got %s", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && Normalize(op.query) != Normalize(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", Normalize(op.query), Normalize(query))
	}
	return op, nil
}

func (d *Driver) record(args []driver.NamedValue) {
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a.Value
	}
	d.mu.Lock()
	d.args = append(d.args, values)
	d.mu.Unlock()
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	c.driver.record(args)
	if op.err != nil {
		return nil, op.err
	}
	return execResult{res: op.result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	c.driver.record(args)
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

// CheckNamedValue 接受任意参数类型，转换由 database/sql 默认规则完成。
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	v, err := driver.DefaultParameterConverter.ConvertValue(nv.Value)
	if err != nil {
		return err
	}
	nv.Value = v
	return nil
}

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠 SQL 中的空白，便于比较。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
