package task

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"QueryPilot/internal/storage/mysql/mysqltest"
)

var jobColumns = []string{
	"id", "session_id", "query", "metadata", "status", "attempts", "max_retries",
	"last_error", "error_code", "result_turn_id", "result_answer", "result_outcome", "result_stage",
	"created_at", "updated_at",
}

func jobRow(id string, status Status, attempts int64, turnID string) []driver.Value {
	return []driver.Value{
		id, "s1", "营收", `{"source":"api"}`, string(status), attempts, int64(3),
		"", "", turnID, "", "", "", int64(100), int64(100),
	}
}

func newTestMySQLStore(t *testing.T, ops ...mysqltest.Op) (*MySQLStore, *mysqltest.Driver) {
	t.Helper()
	db, drv := mysqltest.NewDB(t, ops...)
	store := NewMySQLStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(100, 0) }
	return store, drv
}

func TestMySQLStoreCreate(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec(insertJobSQL, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Exec(insertJobSQL, mysqltest.Result{}).WithError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"}),
	)
	ctx := context.Background()

	task := &Task{ID: "job", SessionID: "s1", Query: "营收", Metadata: map[string]any{"source": "api"}, Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	args := drv.Args(0)
	if len(args) != 9 {
		t.Fatalf("unexpected arg count %d", len(args))
	}
	if args[0] != "job" || args[1] != "s1" || args[3] != `{"source":"api"}` || args[4] != "pending" || args[7] != int64(100) {
		t.Fatalf("unexpected args: %v", args)
	}

	if err := store.Create(ctx, task); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreGet(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Query(selectJobSQL+` WHERE id = ?`, mysqltest.Rows{Columns: jobColumns, Values: [][]driver.Value{jobRow("job", StatusSucceeded, 1, "turn-1")}}),
		mysqltest.Query(selectJobSQL+` WHERE id = ?`, mysqltest.Rows{Columns: jobColumns}),
	)
	ctx := context.Background()

	task, err := store.Get(ctx, "job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusSucceeded || task.Result == nil || task.Result.TurnID != "turn-1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Metadata["source"] != "api" {
		t.Fatalf("metadata not decoded: %+v", task.Metadata)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreClaim(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec(claimJobSQL, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Query("", mysqltest.Rows{Columns: jobColumns, Values: [][]driver.Value{jobRow("job", StatusRunning, 1, "")}}),
		mysqltest.Exec(claimJobSQL, mysqltest.Result{RowsAffected: 0}),
		mysqltest.Query("", mysqltest.Rows{Columns: jobColumns, Values: [][]driver.Value{jobRow("done", StatusSucceeded, 1, "turn-1")}}),
	)
	ctx := context.Background()

	task, err := store.Claim(ctx, "job")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != StatusRunning || task.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
	args := drv.Args(0)
	if args[0] != "running" || args[2] != "job" || args[3] != "pending" || args[4] != "failed" {
		t.Fatalf("unexpected claim args: %v", args)
	}

	if _, err := store.Claim(ctx, "done"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreMarkTransitions(t *testing.T) {
	store, drv := newTestMySQLStore(t,
		mysqltest.Exec(succeedJobSQL, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Exec(failJobSQL, mysqltest.Result{RowsAffected: 1}),
		mysqltest.Exec(failJobTerminalSQL, mysqltest.Result{RowsAffected: 0}),
	)
	ctx := context.Background()

	if err := store.MarkSucceeded(ctx, "job", Result{TurnID: "t1", Answer: "增长", Outcome: "answered"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if args := drv.Args(0); args[1] != "t1" || args[3] != "answered" || args[6] != "job" {
		t.Fatalf("unexpected succeed args: %v", args)
	}
	if err := store.MarkFailed(ctx, "job", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if args := drv.Args(1); args[1] != "boom" || args[2] != string(CodeTaskProcessing) {
		t.Fatalf("unexpected fail args: %v", args)
	}
	if err := store.MarkFailed(ctx, "gone", CodeTaskProcessing, "boom", true); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMySQLStoreListBuildsFilters(t *testing.T) {
	expected := selectJobSQL + ` WHERE status IN (?) AND session_id = ? AND (id LIKE ? OR query LIKE ? OR last_error LIKE ? OR result_answer LIKE ? OR result_outcome LIKE ?)` +
		` ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?`
	store, drv := newTestMySQLStore(t,
		mysqltest.Query(expected, mysqltest.Rows{Columns: jobColumns, Values: [][]driver.Value{
			jobRow("a", StatusFailed, 2, ""),
			jobRow("b", StatusFailed, 1, ""),
		}}),
	)

	tasks, err := store.List(context.Background(), BuildListOptions(
		WithStatuses(StatusFailed),
		WithSession("s1"),
		WithQuery("营收"),
		WithLimit(5),
	))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	args := drv.Args(0)
	if len(args) != 9 || args[0] != "failed" || args[1] != "s1" || args[2] != "%营收%" || args[7] != int64(5) || args[8] != int64(0) {
		t.Fatalf("unexpected list args: %v", args)
	}
	drv.AssertConsumed(t)
}
