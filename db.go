package sqlitebridge

import (
	"database/sql"
	"fmt"
	"math"
	"runtime"
	"unsafe"
)

// DB owns at most one native connection.
//
// Apart from Interrupt, a DB must not be used from several goroutines at once:
// the bridge adds no locking on top of what the engine serializes.
type DB struct {
	conn foreignHandle[connTag]
	// registry ids of the functions created on this connection, by name
	funcs map[string]uintptr
}

// Handle returns the native connection handle, null when closed.
func (db *DB) Handle() ConnHandle {
	return db.conn.get()
}

// handle resolves the live connection or fails fast.
func (db *DB) handle(op string) (ConnHandle, error) {
	if err := ensureLibrary(); err != nil {
		return ConnHandle{}, err
	}
	h := db.conn.get()
	if h.IsNull() {
		return ConnHandle{}, throwexmsg(ErrNotOpen, "%s", op)
	}
	return h, nil
}

func checkStmt(op string, stmt StmtHandle) error {
	if err := ensureLibrary(); err != nil {
		return err
	}
	if stmt.IsNull() {
		return throwexmsg(ErrNullStatement, "%s", op)
	}
	return nil
}

// Open opens path with DefaultOpenFlags.
func (db *DB) Open(path string) error {
	return db.OpenWithFlags(path, DefaultOpenFlags)
}

// OpenWithFlags opens a native connection to path.
//
// If db already owns a live connection that connection is closed, db is left
// closed and ErrAlreadyOpen is returned.
func (db *DB) OpenWithFlags(path string, flags OpenFlag) error {
	if err := ensureLibrary(); err != nil {
		return err
	}
	if err := checkCString("open", path); err != nil {
		return err
	}
	if stray := db.conn.swap(ConnHandle{}); !stray.IsNull() {
		logger.Logf("[WARN] open %q: connection %s already open, closing it", path, stray)
		// close_v2 defers the close until outstanding statements are finalized
		if rc := Status(c_sqlite3_close_v2(stray.Uintptr())); rc != SQLITE_OK {
			logger.Logf("[WARN] close of stray connection %s failed: %s", stray, rc)
		}
		db.funcs = nil
		return throwexmsg(ErrAlreadyOpen, "")
	}

	var raw uintptr
	rc := Status(c_sqlite3_open_v2(path, unsafe.Pointer(&raw), int32(flags), nil))
	if rc != SQLITE_OK {
		nativeErr := &Error{Op: "open", Code: rc}
		if raw != 0 {
			// the engine hands out a handle even on failure, only to carry the message
			nativeErr.ExtendedCode = Status(c_sqlite3_extended_errcode(raw))
			nativeErr.Msg = copyCString(c_sqlite3_errmsg(raw))
			c_sqlite3_close(raw)
		} else {
			nativeErr.Msg = errstr(rc)
		}
		return throw(fmt.Errorf("%w: %s: %w", ErrOpen, path, nativeErr))
	}
	db.conn.set(handleFrom[connTag](raw))
	db.funcs = map[string]uintptr{}
	logger.Logf("[DEBUG] opened %q as %s", path, db.conn.get())
	return nil
}

// Close closes the native connection. The handle is cleared whatever the outcome,
// so a failed Close leaves db closed too. Closing a closed DB is a no-op.
func (db *DB) Close() error {
	h := db.conn.get()
	if h.IsNull() {
		return nil
	}
	var err error
	if rc := Status(c_sqlite3_close(h.Uintptr())); rc != SQLITE_OK {
		// read the message before the connection is handed off
		err = throwex(h, "close", rc)
		if rc == SQLITE_BUSY {
			logger.Logf("[WARN] close %s: unfinalized statements, deferring", h)
			c_sqlite3_close_v2(h.Uintptr())
		}
	}
	db.conn.set(ConnHandle{})
	db.funcs = nil
	logger.Logf("[DEBUG] closed %s", h)
	return err
}

// Interrupt aborts the statement currently running on the connection.
// It is the only method that may be called concurrently with others.
func (db *DB) Interrupt() error {
	h, err := db.handle("interrupt")
	if err != nil {
		return err
	}
	c_sqlite3_interrupt(h.Uintptr())
	return nil
}

// BusyTimeout installs a busy handler that sleeps up to ms milliseconds; ms <= 0 removes it.
func (db *DB) BusyTimeout(ms int) error {
	h, err := db.handle("busy_timeout")
	if err != nil {
		return err
	}
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return statusToError(h, "busy_timeout", Status(c_sqlite3_busy_timeout(h.Uintptr(), int32(ms))))
}

// Exec runs every statement in sql, discarding result rows.
func (db *DB) Exec(sql string) error {
	h, err := db.handle("exec")
	if err != nil {
		return err
	}
	if err := checkCString("exec", sql); err != nil {
		return err
	}
	return statusToError(h, "exec", Status(c_sqlite3_exec(h.Uintptr(), sql, 0, 0, nil)))
}

// Prepare compiles the first statement of sql. Text after it is ignored.
// SQL with no statement (empty, whitespace, comments) yields the null handle and no error.
func (db *DB) Prepare(sql string) (StmtHandle, error) {
	stmt, _, err := db.prepare(sql)
	return stmt, err
}

// PrepareFirst compiles the first statement of sql and returns the unconsumed remainder.
func (db *DB) PrepareFirst(sql string) (StmtHandle, string, error) {
	stmt, consumed, err := db.prepare(sql)
	if err != nil {
		return StmtHandle{}, "", err
	}
	return stmt, sql[consumed:], nil
}

func (db *DB) prepare(sql string) (StmtHandle, int, error) {
	h, err := db.handle("prepare")
	if err != nil {
		return StmtHandle{}, 0, err
	}
	if err := checkCString("prepare", sql); err != nil {
		return StmtHandle{}, 0, err
	}
	if len(sql) >= math.MaxInt32 {
		return StmtHandle{}, 0, tooBig("prepare", len(sql))
	}
	// NUL-terminated copy so the tail pointer can be mapped back to an offset
	buf := make([]byte, len(sql)+1)
	copy(buf, sql)
	base := unsafe.Pointer(&buf[0])

	var stmt, tail uintptr
	var pinner runtime.Pinner
	pinner.Pin(base)
	rc := Status(c_sqlite3_prepare_v2(h.Uintptr(), base, int32(len(buf)), unsafe.Pointer(&stmt), unsafe.Pointer(&tail)))
	pinner.Unpin()
	if rc != SQLITE_OK {
		return StmtHandle{}, 0, throwex(h, "prepare", rc)
	}

	consumed := len(sql)
	if tail != 0 {
		if off := int(tail - uintptr(base)); off >= 0 && off < consumed {
			consumed = off
		}
	}
	runtime.KeepAlive(buf)
	return handleFrom[stmtTag](stmt), consumed, nil
}

// Errmsg returns the engine's text for the most recent failure on the connection.
func (db *DB) Errmsg() (string, error) {
	h, err := db.handle("errmsg")
	if err != nil {
		return "", err
	}
	return copyCString(c_sqlite3_errmsg(h.Uintptr())), nil
}

// Libversion reports the engine version.
func (db *DB) Libversion() string {
	return Libversion()
}

// Changes returns the rows modified by the most recent INSERT, UPDATE or DELETE.
func (db *DB) Changes() (int, error) {
	h, err := db.handle("changes")
	if err != nil {
		return 0, err
	}
	return int(c_sqlite3_changes(h.Uintptr())), nil
}

func (db *DB) LastInsertRowID() (int64, error) {
	h, err := db.handle("last_insert_rowid")
	if err != nil {
		return 0, err
	}
	return c_sqlite3_last_insert_rowid(h.Uintptr()), nil
}

// Finalize destroys stmt. The handle must not be used afterwards.
// A failure reported here is the one from the statement's most recent evaluation.
func (db *DB) Finalize(stmt StmtHandle) error {
	if err := checkStmt("finalize", stmt); err != nil {
		return err
	}
	return statusToError(db.conn.get(), "finalize", Status(c_sqlite3_finalize(stmt.Uintptr())))
}

// Step advances stmt. SQLITE_ROW and SQLITE_DONE are statuses, not errors.
func (db *DB) Step(stmt StmtHandle) (Status, error) {
	if err := checkStmt("step", stmt); err != nil {
		return SQLITE_MISUSE, err
	}
	rc := Status(c_sqlite3_step(stmt.Uintptr()))
	if err := statusToError(db.conn.get(), "step", rc); err != nil {
		return rc, err
	}
	return rc, nil
}

// Reset rewinds stmt. Bindings are kept.
func (db *DB) Reset(stmt StmtHandle) error {
	if err := checkStmt("reset", stmt); err != nil {
		return err
	}
	return statusToError(db.conn.get(), "reset", Status(c_sqlite3_reset(stmt.Uintptr())))
}

// ClearBindings binds NULL to every parameter of stmt. It stops at the first
// failure; positions cleared before it stay cleared.
func (db *DB) ClearBindings(stmt StmtHandle) error {
	if err := checkStmt("clear_bindings", stmt); err != nil {
		return err
	}
	count := c_sqlite3_bind_parameter_count(stmt.Uintptr())
	for pos := int32(1); pos <= count; pos++ {
		if rc := Status(c_sqlite3_bind_null(stmt.Uintptr(), pos)); rc != SQLITE_OK {
			return throwex(db.conn.get(), "clear_bindings", rc)
		}
	}
	return nil
}

func (db *DB) BindParameterCount(stmt StmtHandle) (int, error) {
	if err := checkStmt("bind_parameter_count", stmt); err != nil {
		return 0, err
	}
	return int(c_sqlite3_bind_parameter_count(stmt.Uintptr())), nil
}

// BindParameterIndex returns the position of a named parameter (":id", "@id", "$id")
// or 0 when stmt has no such parameter.
func (db *DB) BindParameterIndex(stmt StmtHandle, name string) (int, error) {
	if err := checkStmt("bind_parameter_index", stmt); err != nil {
		return 0, err
	}
	if err := checkCString("bind_parameter_index", name); err != nil {
		return 0, err
	}
	return int(c_sqlite3_bind_parameter_index(stmt.Uintptr(), name)), nil
}

// bindPos checks stmt and the 1-based position before a bind.
func (db *DB) bindPos(op string, stmt StmtHandle, pos int) error {
	if err := checkStmt(op, stmt); err != nil {
		return err
	}
	count := int(c_sqlite3_bind_parameter_count(stmt.Uintptr()))
	if pos < 1 || pos > count {
		return throwexmsg(ErrBindOutOfRange, "%s: position %d, statement has %d parameters", op, pos, count)
	}
	return nil
}

func (db *DB) BindNull(stmt StmtHandle, pos int) error {
	if err := db.bindPos("bind_null", stmt, pos); err != nil {
		return err
	}
	return statusToError(db.conn.get(), "bind_null", Status(c_sqlite3_bind_null(stmt.Uintptr(), int32(pos))))
}

// BindText binds s as UTF-16 text. An empty string binds empty text, not NULL.
func (db *DB) BindText(stmt StmtHandle, pos int, s string) error {
	if err := db.bindPos("bind_text", stmt, pos); err != nil {
		return err
	}
	buf, err := encodeText16(s)
	if err != nil {
		return throw(err)
	}
	return db.bindText16Bytes(stmt, pos, buf)
}

// BindText16 binds UTF-16 code units as they are, unpaired surrogates included.
// A nil slice binds NULL.
func (db *DB) BindText16(stmt StmtHandle, pos int, units []uint16) error {
	if err := db.bindPos("bind_text", stmt, pos); err != nil {
		return err
	}
	return db.bindText16Bytes(stmt, pos, unitsAsBytes(units))
}

func (db *DB) bindText16Bytes(stmt StmtHandle, pos int, buf []byte) error {
	if err := checkLen("bind_text", buf); err != nil {
		return err
	}
	var rc Status
	withPinned(buf, func(p unsafe.Pointer, n int32) {
		rc = Status(c_sqlite3_bind_text16(stmt.Uintptr(), int32(pos), p, n, sqliteTransient))
	})
	return statusToError(db.conn.get(), "bind_text", rc)
}

// BindBlob binds b. A nil slice binds NULL, an empty one a zero-length blob.
func (db *DB) BindBlob(stmt StmtHandle, pos int, b []byte) error {
	if err := db.bindPos("bind_blob", stmt, pos); err != nil {
		return err
	}
	if err := checkLen("bind_blob", b); err != nil {
		return err
	}
	var rc Status
	withPinned(b, func(p unsafe.Pointer, n int32) {
		rc = Status(c_sqlite3_bind_blob(stmt.Uintptr(), int32(pos), p, n, sqliteTransient))
	})
	return statusToError(db.conn.get(), "bind_blob", rc)
}

func (db *DB) BindDouble(stmt StmtHandle, pos int, v float64) error {
	if err := db.bindPos("bind_double", stmt, pos); err != nil {
		return err
	}
	return statusToError(db.conn.get(), "bind_double", Status(c_sqlite3_bind_double(stmt.Uintptr(), int32(pos), v)))
}

func (db *DB) BindLong(stmt StmtHandle, pos int, v int64) error {
	if err := db.bindPos("bind_long", stmt, pos); err != nil {
		return err
	}
	return statusToError(db.conn.get(), "bind_long", Status(c_sqlite3_bind_int64(stmt.Uintptr(), int32(pos), v)))
}

func (db *DB) BindInt(stmt StmtHandle, pos int, v int32) error {
	if err := db.bindPos("bind_int", stmt, pos); err != nil {
		return err
	}
	return statusToError(db.conn.get(), "bind_int", Status(c_sqlite3_bind_int(stmt.Uintptr(), int32(pos), v)))
}

func (db *DB) ColumnCount(stmt StmtHandle) (int, error) {
	if err := checkStmt("column_count", stmt); err != nil {
		return 0, err
	}
	return int(c_sqlite3_column_count(stmt.Uintptr())), nil
}

// column checks stmt and the 0-based column index.
func column(op string, stmt StmtHandle, col int) (int32, error) {
	if err := checkStmt(op, stmt); err != nil {
		return 0, err
	}
	count := int(c_sqlite3_column_count(stmt.Uintptr()))
	if col < 0 || col >= count {
		return 0, throwexmsg(ErrColumnOutOfRange, "%s: column %d, statement has %d columns", op, col, count)
	}
	return int32(col), nil
}

func (db *DB) ColumnType(stmt StmtHandle, col int) (ColumnType, error) {
	c, err := column("column_type", stmt, col)
	if err != nil {
		return SQLITE_NULL, err
	}
	return ColumnType(c_sqlite3_column_type(stmt.Uintptr(), c)), nil
}

func (db *DB) ColumnName(stmt StmtHandle, col int) (string, error) {
	c, err := column("column_name", stmt, col)
	if err != nil {
		return "", err
	}
	p := c_sqlite3_column_name16(stmt.Uintptr(), c)
	if p == nil {
		db.checkNoMem("column_name", SQLITE_TEXT)
	}
	return copyCString16(p), nil
}

// ColumnTableName returns the table column col was read from, "" for expressions.
// It fails with ErrUnsupported unless the engine is built with column metadata.
func (db *DB) ColumnTableName(stmt StmtHandle, col int) (string, error) {
	c, err := column("column_table_name", stmt, col)
	if err != nil {
		return "", err
	}
	if !hasColumnMetadata() {
		return "", throwexmsg(ErrUnsupported, "column_table_name: engine built without column metadata")
	}
	return copyCString16(c_sqlite3_column_table_name16(stmt.Uintptr(), c)), nil
}

// ColumnDecltype returns the declared type of col, "" for expressions.
func (db *DB) ColumnDecltype(stmt StmtHandle, col int) (string, error) {
	c, err := column("column_decltype", stmt, col)
	if err != nil {
		return "", err
	}
	return copyCString(c_sqlite3_column_decltype(stmt.Uintptr(), c)), nil
}

// ColumnText reads col as text. SQL NULL is reported as an invalid NullString.
func (db *DB) ColumnText(stmt StmtHandle, col int) (sql.NullString, error) {
	units, err := db.columnText16("column_text", stmt, col)
	if err != nil {
		return sql.NullString{}, err
	}
	return nullString(units), nil
}

// ColumnText16 reads col as UTF-16 code units; nil for SQL NULL.
func (db *DB) ColumnText16(stmt StmtHandle, col int) ([]uint16, error) {
	return db.columnText16("column_text", stmt, col)
}

func (db *DB) columnText16(op string, stmt StmtHandle, col int) ([]uint16, error) {
	c, err := column(op, stmt, col)
	if err != nil {
		return nil, err
	}
	// type before the conversion, then pointer, then size: the size call must see the converted value
	typ := ColumnType(c_sqlite3_column_type(stmt.Uintptr(), c))
	p := c_sqlite3_column_text16(stmt.Uintptr(), c)
	if p == nil {
		db.checkNoMem(op, typ)
		return nil, nil
	}
	return readText16(p, c_sqlite3_column_bytes16(stmt.Uintptr(), c)), nil
}

// ColumnBlob reads col as bytes; nil for SQL NULL.
func (db *DB) ColumnBlob(stmt StmtHandle, col int) ([]byte, error) {
	c, err := column("column_blob", stmt, col)
	if err != nil {
		return nil, err
	}
	typ := ColumnType(c_sqlite3_column_type(stmt.Uintptr(), c))
	p := c_sqlite3_column_blob(stmt.Uintptr(), c)
	if p == nil {
		// zero-length blobs come back as NULL pointers too
		if typ == SQLITE_BLOB && c_sqlite3_column_bytes(stmt.Uintptr(), c) == 0 {
			return []byte{}, nil
		}
		db.checkNoMem("column_blob", typ)
		return nil, nil
	}
	return readBlob(p, c_sqlite3_column_bytes(stmt.Uintptr(), c)), nil
}

func (db *DB) ColumnDouble(stmt StmtHandle, col int) (float64, error) {
	c, err := column("column_double", stmt, col)
	if err != nil {
		return 0, err
	}
	return c_sqlite3_column_double(stmt.Uintptr(), c), nil
}

func (db *DB) ColumnLong(stmt StmtHandle, col int) (int64, error) {
	c, err := column("column_long", stmt, col)
	if err != nil {
		return 0, err
	}
	return c_sqlite3_column_int64(stmt.Uintptr(), c), nil
}

func (db *DB) ColumnInt(stmt StmtHandle, col int) (int32, error) {
	c, err := column("column_int", stmt, col)
	if err != nil {
		return 0, err
	}
	return c_sqlite3_column_int(stmt.Uintptr(), c), nil
}

// checkNoMem turns a NULL result caused by allocation failure into the fatal path.
// typ is the value's type before conversion; a NULL value legitimately yields a
// NULL pointer whatever error code an earlier call left behind.
func (db *DB) checkNoMem(op string, typ ColumnType) {
	h := db.conn.get()
	if h.IsNull() || typ == SQLITE_NULL {
		return
	}
	if Status(c_sqlite3_errcode(h.Uintptr())) == SQLITE_NOMEM {
		outOfMemory(op)
	}
}
