package sqlitebridge

import (
	"unsafe"
)

// ExecuteUpdate steps a statement that must not produce rows and returns the
// number of rows it changed. The statement is reset on every outcome, so it can
// be re-bound and run again; bindings are kept.
func (db *DB) ExecuteUpdate(stmt StmtHandle) (int, error) {
	h, err := db.handle("execute_update")
	if err != nil {
		return 0, err
	}
	if err := checkStmt("execute_update", stmt); err != nil {
		return 0, err
	}

	var changes int
	switch rc := Status(c_sqlite3_step(stmt.Uintptr())); rc {
	case SQLITE_DONE:
		changes = int(c_sqlite3_changes(h.Uintptr()))
	case SQLITE_ROW:
		err = throwexmsg(ErrQueryReturnsResults, "")
	case SQLITE_BUSY:
		err = throwexmsg(ErrDatabaseLocked, "")
	case SQLITE_MISUSE:
		err = throwexmsg(ErrInternalConsistency, "")
	default:
		// must be built before reset, which rewrites the connection's error state
		err = throwex(h, "execute_update", rc)
	}
	// reset repeats the step failure, already reported above
	c_sqlite3_reset(stmt.Uintptr())
	return changes, err
}

// ColumnNames returns the result column names of stmt, in order.
func (db *DB) ColumnNames(stmt StmtHandle) ([]string, error) {
	if err := checkStmt("column_names", stmt); err != nil {
		return nil, err
	}
	n := int(c_sqlite3_column_count(stmt.Uintptr()))
	names := make([]string, n)
	for i := range names {
		p := c_sqlite3_column_name16(stmt.Uintptr(), int32(i))
		if p == nil {
			db.checkNoMem("column_names", SQLITE_TEXT)
		}
		names[i] = copyCString16(p)
	}
	return names, nil
}

// Column metadata flags, in the order ColumnMetadata reports them.
const (
	MetaNotNull = iota
	MetaPrimaryKey
	MetaAutoIncrement
)

// ColumnMetadata reports [not null, primary key, autoincrement] for result column i
// of stmt, looking names[i] up in the table column i was read from.
//
// Each column is resolved on its own: a column computed from an expression, or one
// the engine cannot describe, gets all-false flags without affecting the others.
func (db *DB) ColumnMetadata(stmt StmtHandle, names []string) ([][3]bool, error) {
	h, err := db.handle("column_metadata")
	if err != nil {
		return nil, err
	}
	if err := checkStmt("column_metadata", stmt); err != nil {
		return nil, err
	}
	if !hasColumnMetadata() {
		return nil, throwexmsg(ErrUnsupported, "column_metadata: engine built without column metadata")
	}

	count := int(c_sqlite3_column_count(stmt.Uintptr()))
	meta := make([][3]bool, len(names))
	for i, name := range names {
		if i >= count {
			break
		}
		table := c_sqlite3_column_table_name(stmt.Uintptr(), int32(i))
		if table == 0 || checkCString("column_metadata", name) != nil {
			continue
		}
		var notNull, primaryKey, autoinc int32
		rc := Status(c_sqlite3_table_column_metadata(
			h.Uintptr(), 0, table, name, nil, nil,
			unsafe.Pointer(&notNull),
			unsafe.Pointer(&primaryKey),
			unsafe.Pointer(&autoinc),
		))
		if rc != SQLITE_OK {
			logger.Logf("[DEBUG] column_metadata: column %d (%s): %s", i, name, rc)
			continue
		}
		meta[i][MetaNotNull] = notNull != 0
		meta[i][MetaPrimaryKey] = primaryKey != 0
		meta[i][MetaAutoIncrement] = autoinc != 0
	}
	return meta, nil
}
