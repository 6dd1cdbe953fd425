package mysql

import (
	"context"
	"database/sql/driver"
	"testing"

	"QueryPilot/internal/storage/mysql/mysqltest"
)

var turnColumns = []string{"id", "turn_id", "session_id", "query", "answer", "outcome", "stage", "attempts", "steps", "duration_ms", "created_at"}

func TestFileTurnRepositoryPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewFileTurnRepository(dir)
	if err != nil {
		t.Fatalf("failed to create file repo: %v", err)
	}

	ctx := context.Background()
	records := []*TurnRecord{
		{TurnID: "t1", SessionID: "a", Query: "q1", Outcome: "answered", CreatedAt: 10},
		{TurnID: "t2", SessionID: "b", Query: "q2", Outcome: "canceled", CreatedAt: 20},
		{TurnID: "t3", SessionID: "a", Query: "q3", Outcome: "answered", CreatedAt: 30},
	}
	for _, r := range records {
		if err := repo.Save(ctx, r); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if records[2].ID != 3 {
		t.Fatalf("expected sequential ids, got %d", records[2].ID)
	}

	reopened, err := NewFileTurnRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	latest, err := reopened.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].TurnID != "t3" || latest[1].TurnID != "t2" {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	bySession, err := reopened.ListBySession(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list by session failed: %v", err)
	}
	if len(bySession) != 2 || bySession[0].TurnID != "t3" {
		t.Fatalf("unexpected session list: %+v", bySession)
	}

	next := &TurnRecord{TurnID: "t4", SessionID: "a"}
	if err := reopened.Save(ctx, next); err != nil {
		t.Fatalf("save after reopen failed: %v", err)
	}
	if next.ID != 4 {
		t.Fatalf("expected id 4 after reopen, got %d", next.ID)
	}
}

func TestSQLTurnRepositorySave(t *testing.T) {
	t.Parallel()

	db, drv := mysqltest.NewDB(t, mysqltest.Exec(insertTurnSQL, mysqltest.Result{LastInsertID: 42, RowsAffected: 1}))
	repo := NewSQLTurnRepositoryWithDB(db)

	record := &TurnRecord{TurnID: "turn-1", SessionID: "s", Query: "q", Answer: "a", Outcome: "answered", Attempts: 1, Steps: "[]", DurationMS: 12, CreatedAt: 100}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	drv.AssertConsumed(t)
	if record.ID != 42 {
		t.Fatalf("expected id 42, got %d", record.ID)
	}
	args := drv.Args(0)
	if len(args) != 10 || args[0] != "turn-1" || args[4] != "answered" {
		t.Fatalf("unexpected insert args: %v", args)
	}
}

func TestSQLTurnRepositoryList(t *testing.T) {
	t.Parallel()

	rows := mysqltest.Rows{
		Columns: turnColumns,
		Values: [][]driver.Value{
			{int64(2), "t2", "s", "q2", "a2", "answered", "", int64(0), "[]", int64(5), int64(20)},
			{int64(1), "t1", "s", "q1", "a1", "rejected", "guardrail", int64(0), "[]", int64(3), int64(10)},
		},
	}
	db, drv := mysqltest.NewDB(t,
		mysqltest.Query(selectTurnColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, rows),
		mysqltest.Query(selectTurnColumns+` WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, rows),
	)
	repo := NewSQLTurnRepositoryWithDB(db)

	latest, err := repo.ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].TurnID != "t2" || latest[1].Stage != "guardrail" {
		t.Fatalf("unexpected list: %+v", latest)
	}
	if got := drv.Args(0); len(got) != 1 || got[0] != int64(defaultListLimit) {
		t.Fatalf("expected default limit, got %v", got)
	}

	if _, err := repo.ListBySession(context.Background(), "s", 5); err != nil {
		t.Fatalf("list by session failed: %v", err)
	}
	if got := drv.Args(1); len(got) != 2 || got[0] != "s" || got[1] != int64(5) {
		t.Fatalf("unexpected session args: %v", got)
	}
	drv.AssertConsumed(t)
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected at least two migrations, got %d", len(files))
	}

	ops := []mysqltest.Op{
		mysqltest.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mysqltest.Result{}),
		mysqltest.Query(`SELECT version FROM schema_migrations`, mysqltest.Rows{
			Columns: []string{"version"},
			Values:  [][]driver.Value{{files[0].version}},
		}),
	}
	for _, m := range files[1:] {
		ops = append(ops, mysqltest.Begin())
		for _, stmt := range m.statements {
			ops = append(ops, mysqltest.Exec(stmt, mysqltest.Result{}))
		}
		ops = append(ops,
			mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mysqltest.Result{RowsAffected: 1}),
			mysqltest.Commit(),
		)
	}
	db, drv := mysqltest.NewDB(t, ops...)

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestSplitSQLStatementsDropsComments(t *testing.T) {
	t.Parallel()

	got := splitSQLStatements("-- header; with a semicolon\nCREATE TABLE a (id INT);\n\n  -- trailing\nCREATE TABLE b (id INT);")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("unexpected statements: %q", got)
	}
}
