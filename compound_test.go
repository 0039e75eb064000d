package sqlitebridge

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestExecuteUpdate(t *testing.T) {
	db := openMemoryDB(t)
	mustExec(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY, x INTEGER)")
	mustExec(t, db, "INSERT INTO t (x) VALUES (1), (2), (3)")

	stmt := mustPrepare(t, db, "UPDATE t SET x = x + 1 WHERE x >= ?")
	defer db.Finalize(stmt)
	if err := db.BindLong(stmt, 1, 2); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	n, err := db.ExecuteUpdate(stmt)
	if err != nil {
		t.Fatalf("execute_update failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 changed rows, got %d", n)
	}
	// reset with bindings kept: runs again without re-binding
	n, err = db.ExecuteUpdate(stmt)
	if err != nil {
		t.Fatalf("second execute_update failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 changed rows on rerun, got %d", n)
	}
}

func TestExecuteUpdateRejectsRows(t *testing.T) {
	db := openMemoryDB(t)
	stmt := mustPrepare(t, db, "SELECT 1")
	defer db.Finalize(stmt)

	n, err := db.ExecuteUpdate(stmt)
	if !errors.Is(err, ErrQueryReturnsResults) {
		t.Fatalf("expected ErrQueryReturnsResults, got %v", err)
	}
	if n != 0 {
		t.Fatalf("no row count may be reported alongside an error, got %d", n)
	}
	// the statement was reset and starts from the first row again
	mustStep(t, db, stmt, SQLITE_ROW)
	if v, _ := db.ColumnInt(stmt, 0); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
}

func TestExecuteUpdateEngineErrorResets(t *testing.T) {
	db := openMemoryDB(t)
	mustExec(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	stmt := mustPrepare(t, db, "INSERT INTO t VALUES (?)")
	defer db.Finalize(stmt)

	_ = db.BindLong(stmt, 1, 1)
	if _, err := db.ExecuteUpdate(stmt); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	_, err := db.ExecuteUpdate(stmt)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	var nativeErr *Error
	if !errors.As(err, &nativeErr) || nativeErr.Msg != "UNIQUE constraint failed: t.id" {
		t.Fatalf("engine message must be captured before reset, got %v", err)
	}
	// reusable after the failure
	_ = db.BindLong(stmt, 1, 2)
	if n, err := db.ExecuteUpdate(stmt); err != nil || n != 1 {
		t.Fatalf("insert after failure: n=%d err=%v", n, err)
	}
	if n := countRows(t, db, "t"); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestExecuteUpdateBusy(t *testing.T) {
	requireLibLoaded(t)
	path := filepath.Join(t.TempDir(), "busy.db")

	writer := &DB{}
	if err := writer.Open(path); err != nil {
		t.Fatalf("open writer failed: %v", err)
	}
	defer writer.Close()
	mustExec(t, writer, "CREATE TABLE t (x INTEGER)")

	other := &DB{}
	if err := other.Open(path); err != nil {
		t.Fatalf("open second connection failed: %v", err)
	}
	defer other.Close()
	if err := other.BusyTimeout(0); err != nil {
		t.Fatalf("busy_timeout failed: %v", err)
	}
	stmt := mustPrepare(t, other, "INSERT INTO t VALUES (1)")
	defer other.Finalize(stmt)

	mustExec(t, writer, "BEGIN IMMEDIATE")
	_, err := other.ExecuteUpdate(stmt)
	if !errors.Is(err, ErrDatabaseLocked) {
		t.Fatalf("expected ErrDatabaseLocked, got %v", err)
	}
	mustExec(t, writer, "COMMIT")

	// reset on the busy path too: the statement runs once the lock is gone
	if n, err := other.ExecuteUpdate(stmt); err != nil || n != 1 {
		t.Fatalf("retry after lock release: n=%d err=%v", n, err)
	}
}

func TestColumnNames(t *testing.T) {
	db := openMemoryDB(t)
	stmt := mustPrepare(t, db, "SELECT 1 AS one, 'x' AS \"two words\", NULL")
	defer db.Finalize(stmt)

	names, err := db.ColumnNames(stmt)
	if err != nil {
		t.Fatalf("column_names failed: %v", err)
	}
	want := []string{"one", "two words", "NULL"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("column %d: expected %q, got %q", i, want[i], names[i])
		}
	}
}

func TestColumnMetadata(t *testing.T) {
	db := openMemoryDB(t)
	mustExec(t, db, `CREATE TABLE people (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		note TEXT
	)`)
	stmt := mustPrepare(t, db, "SELECT id, name, note, 1 + 1 AS two FROM people")
	defer db.Finalize(stmt)

	names := []string{"id", "name", "note", "two"}
	meta, err := db.ColumnMetadata(stmt, names)
	if errors.Is(err, ErrUnsupported) {
		t.Skip("engine built without SQLITE_ENABLE_COLUMN_METADATA")
	}
	if err != nil {
		t.Fatalf("column_metadata failed: %v", err)
	}
	if len(meta) != len(names) {
		t.Fatalf("expected %d entries, got %d", len(names), len(meta))
	}
	if !meta[0][MetaPrimaryKey] || !meta[0][MetaAutoIncrement] {
		t.Fatalf("id: expected primary key + autoincrement, got %v", meta[0])
	}
	if meta[1] != [3]bool{true, false, false} {
		t.Fatalf("name: expected not null only, got %v", meta[1])
	}
	if meta[2] != [3]bool{} {
		t.Fatalf("note: expected no flags, got %v", meta[2])
	}
	// an expression has no table; the columns around it are still resolved
	if meta[3] != [3]bool{} {
		t.Fatalf("expression column: expected no flags, got %v", meta[3])
	}

	table, err := db.ColumnTableName(stmt, 1)
	if err != nil {
		t.Fatalf("column_table_name failed: %v", err)
	}
	if table != "people" {
		t.Fatalf("expected table people, got %q", table)
	}
	if table, _ := db.ColumnTableName(stmt, 3); table != "" {
		t.Fatalf("expected no table for an expression, got %q", table)
	}
}
