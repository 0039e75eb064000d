package sqlitebridge

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// define all necessary constants first
type Status int32

// note, that the only real statuses are OK, ROW and DONE - everything else is an error
const (
	SQLITE_OK         Status = 0
	SQLITE_ERROR      Status = 1
	SQLITE_INTERNAL   Status = 2
	SQLITE_PERM       Status = 3
	SQLITE_ABORT      Status = 4
	SQLITE_BUSY       Status = 5
	SQLITE_LOCKED     Status = 6
	SQLITE_NOMEM      Status = 7
	SQLITE_READONLY   Status = 8
	SQLITE_INTERRUPT  Status = 9
	SQLITE_IOERR      Status = 10
	SQLITE_CORRUPT    Status = 11
	SQLITE_NOTFOUND   Status = 12
	SQLITE_FULL       Status = 13
	SQLITE_CANTOPEN   Status = 14
	SQLITE_PROTOCOL   Status = 15
	SQLITE_EMPTY      Status = 16
	SQLITE_SCHEMA     Status = 17
	SQLITE_TOOBIG     Status = 18
	SQLITE_CONSTRAINT Status = 19
	SQLITE_MISMATCH   Status = 20
	SQLITE_MISUSE     Status = 21
	SQLITE_NOLFS      Status = 22
	SQLITE_AUTH       Status = 23
	SQLITE_FORMAT     Status = 24
	SQLITE_RANGE      Status = 25
	SQLITE_NOTADB     Status = 26
	SQLITE_ROW        Status = 100
	SQLITE_DONE       Status = 101
)

func (s Status) String() string {
	switch s {
	case SQLITE_OK:
		return "SQLITE_OK"
	case SQLITE_ROW:
		return "SQLITE_ROW"
	case SQLITE_DONE:
		return "SQLITE_DONE"
	}
	// primary code lives in the low byte of an extended code
	if name, ok := statusNames[s&0xff]; ok {
		return name
	}
	return fmt.Sprintf("SQLITE_STATUS(%d)", int32(s))
}

var statusNames = map[Status]string{
	SQLITE_ERROR:      "SQLITE_ERROR",
	SQLITE_INTERNAL:   "SQLITE_INTERNAL",
	SQLITE_PERM:       "SQLITE_PERM",
	SQLITE_ABORT:      "SQLITE_ABORT",
	SQLITE_BUSY:       "SQLITE_BUSY",
	SQLITE_LOCKED:     "SQLITE_LOCKED",
	SQLITE_NOMEM:      "SQLITE_NOMEM",
	SQLITE_READONLY:   "SQLITE_READONLY",
	SQLITE_INTERRUPT:  "SQLITE_INTERRUPT",
	SQLITE_IOERR:      "SQLITE_IOERR",
	SQLITE_CORRUPT:    "SQLITE_CORRUPT",
	SQLITE_NOTFOUND:   "SQLITE_NOTFOUND",
	SQLITE_FULL:       "SQLITE_FULL",
	SQLITE_CANTOPEN:   "SQLITE_CANTOPEN",
	SQLITE_PROTOCOL:   "SQLITE_PROTOCOL",
	SQLITE_EMPTY:      "SQLITE_EMPTY",
	SQLITE_SCHEMA:     "SQLITE_SCHEMA",
	SQLITE_TOOBIG:     "SQLITE_TOOBIG",
	SQLITE_CONSTRAINT: "SQLITE_CONSTRAINT",
	SQLITE_MISMATCH:   "SQLITE_MISMATCH",
	SQLITE_MISUSE:     "SQLITE_MISUSE",
	SQLITE_NOLFS:      "SQLITE_NOLFS",
	SQLITE_AUTH:       "SQLITE_AUTH",
	SQLITE_FORMAT:     "SQLITE_FORMAT",
	SQLITE_RANGE:      "SQLITE_RANGE",
	SQLITE_NOTADB:     "SQLITE_NOTADB",
}

// ColumnType is the storage class of a column or function argument value.
type ColumnType int32

const (
	SQLITE_INTEGER ColumnType = 1
	SQLITE_FLOAT   ColumnType = 2
	SQLITE_TEXT    ColumnType = 3
	SQLITE_BLOB    ColumnType = 4
	SQLITE_NULL    ColumnType = 5
)

func (t ColumnType) String() string {
	switch t {
	case SQLITE_INTEGER:
		return "INTEGER"
	case SQLITE_FLOAT:
		return "FLOAT"
	case SQLITE_TEXT:
		return "TEXT"
	case SQLITE_BLOB:
		return "BLOB"
	case SQLITE_NULL:
		return "NULL"
	default:
		return fmt.Sprintf("ColumnType(%d)", int32(t))
	}
}

// OpenFlag is a bit set passed to sqlite3_open_v2.
type OpenFlag int32

const (
	SQLITE_OPEN_READONLY  OpenFlag = 0x00000001
	SQLITE_OPEN_READWRITE OpenFlag = 0x00000002
	SQLITE_OPEN_CREATE    OpenFlag = 0x00000004
	SQLITE_OPEN_URI       OpenFlag = 0x00000040
	SQLITE_OPEN_MEMORY    OpenFlag = 0x00000080
	SQLITE_OPEN_NOMUTEX   OpenFlag = 0x00008000
	SQLITE_OPEN_FULLMUTEX OpenFlag = 0x00010000
)

// DefaultOpenFlags matches the behaviour of plain sqlite3_open.
const DefaultOpenFlags = SQLITE_OPEN_READWRITE | SQLITE_OPEN_CREATE | SQLITE_OPEN_URI

// text encodings accepted by sqlite3_create_function_v2
const (
	sqliteUTF8  int32 = 1
	sqliteUTF16 int32 = 4
)

// SQLITE_TRANSIENT: the engine copies the buffer before the call returns
const sqliteTransient = ^uintptr(0)

// then, define C extern methods
// handles are passed as uintptr, buffers the engine reads or writes as unsafe.Pointer
var (
	c_sqlite3_libversion func() unsafe.Pointer // const char*
	c_sqlite3_errstr     func(code int32) unsafe.Pointer

	c_sqlite3_open_v2 func(
		filename string, // const char*
		ppDb unsafe.Pointer, // sqlite3**
		flags int32,
		zVfs unsafe.Pointer, // const char* | NULL
	) int32
	c_sqlite3_close             func(db uintptr) int32
	c_sqlite3_close_v2          func(db uintptr) int32
	c_sqlite3_interrupt         func(db uintptr)
	c_sqlite3_busy_timeout      func(db uintptr, ms int32) int32
	c_sqlite3_errmsg            func(db uintptr) unsafe.Pointer // const char*
	c_sqlite3_errcode           func(db uintptr) int32
	c_sqlite3_extended_errcode  func(db uintptr) int32
	c_sqlite3_changes           func(db uintptr) int32
	c_sqlite3_last_insert_rowid func(db uintptr) int64

	c_sqlite3_exec func(
		db uintptr,
		sql string, // const char*
		callback uintptr,
		arg uintptr,
		errmsg unsafe.Pointer, // char**
	) int32

	c_sqlite3_prepare_v2 func(
		db uintptr,
		sql unsafe.Pointer, // const char*
		nByte int32,
		ppStmt unsafe.Pointer, // sqlite3_stmt**
		pzTail unsafe.Pointer, // const char**
	) int32

	c_sqlite3_finalize func(stmt uintptr) int32
	c_sqlite3_step     func(stmt uintptr) int32
	c_sqlite3_reset    func(stmt uintptr) int32

	c_sqlite3_bind_parameter_count func(stmt uintptr) int32
	c_sqlite3_bind_parameter_index func(stmt uintptr, name string) int32
	c_sqlite3_bind_null            func(stmt uintptr, pos int32) int32
	c_sqlite3_bind_text16          func(stmt uintptr, pos int32, data unsafe.Pointer, n int32, destructor uintptr) int32
	c_sqlite3_bind_blob            func(stmt uintptr, pos int32, data unsafe.Pointer, n int32, destructor uintptr) int32
	c_sqlite3_bind_double          func(stmt uintptr, pos int32, value float64) int32
	c_sqlite3_bind_int64           func(stmt uintptr, pos int32, value int64) int32
	c_sqlite3_bind_int             func(stmt uintptr, pos int32, value int32) int32

	c_sqlite3_column_count    func(stmt uintptr) int32
	c_sqlite3_column_type     func(stmt uintptr, col int32) int32
	c_sqlite3_column_decltype func(stmt uintptr, col int32) unsafe.Pointer // const char*
	c_sqlite3_column_name16   func(stmt uintptr, col int32) unsafe.Pointer // const void*
	c_sqlite3_column_text16   func(stmt uintptr, col int32) unsafe.Pointer
	c_sqlite3_column_bytes16  func(stmt uintptr, col int32) int32
	c_sqlite3_column_blob     func(stmt uintptr, col int32) unsafe.Pointer
	c_sqlite3_column_bytes    func(stmt uintptr, col int32) int32
	c_sqlite3_column_double   func(stmt uintptr, col int32) float64
	c_sqlite3_column_int64    func(stmt uintptr, col int32) int64
	c_sqlite3_column_int      func(stmt uintptr, col int32) int32

	// optional: only present when the engine is built with SQLITE_ENABLE_COLUMN_METADATA
	c_sqlite3_column_table_name16   func(stmt uintptr, col int32) unsafe.Pointer // const void*
	c_sqlite3_column_table_name     func(stmt uintptr, col int32) uintptr        // const char*, passed back as-is
	c_sqlite3_table_column_metadata func(
		db uintptr,
		zDbName uintptr, // const char* | NULL
		zTableName uintptr, // const char*
		zColumnName string, // const char*
		pzDataType unsafe.Pointer, // char const** | NULL
		pzCollSeq unsafe.Pointer, // char const** | NULL
		pNotNull unsafe.Pointer, // int*
		pPrimaryKey unsafe.Pointer, // int*
		pAutoinc unsafe.Pointer, // int*
	) int32

	c_sqlite3_result_null   func(ctx uintptr)
	c_sqlite3_result_text16 func(ctx uintptr, data unsafe.Pointer, n int32, destructor uintptr)
	c_sqlite3_result_blob   func(ctx uintptr, data unsafe.Pointer, n int32, destructor uintptr)
	c_sqlite3_result_double func(ctx uintptr, value float64)
	c_sqlite3_result_int64  func(ctx uintptr, value int64)
	c_sqlite3_result_int    func(ctx uintptr, value int32)
	c_sqlite3_result_error  func(ctx uintptr, msg string, n int32)

	c_sqlite3_value_type    func(value uintptr) int32
	c_sqlite3_value_bytes   func(value uintptr) int32
	c_sqlite3_value_bytes16 func(value uintptr) int32
	c_sqlite3_value_text16  func(value uintptr) unsafe.Pointer
	c_sqlite3_value_blob    func(value uintptr) unsafe.Pointer
	c_sqlite3_value_double  func(value uintptr) float64
	c_sqlite3_value_int64   func(value uintptr) int64
	c_sqlite3_value_int     func(value uintptr) int32

	c_sqlite3_create_function_v2 func(
		db uintptr,
		name string, // const char*
		nArg int32,
		eTextRep int32,
		pApp uintptr, // void*
		xFunc uintptr, // void (*)(sqlite3_context*, int, sqlite3_value**)
		xStep uintptr,
		xFinal uintptr,
		xDestroy uintptr, // void (*)(void*)
	) int32
	c_sqlite3_user_data func(ctx uintptr) uintptr
)

type nativeSymbol struct {
	fptr     any
	name     string
	optional bool
}

// nativeSymbols is the single table of every engine entry point the bridge binds.
func nativeSymbols() []nativeSymbol {
	return []nativeSymbol{
		{&c_sqlite3_libversion, "sqlite3_libversion", false},
		{&c_sqlite3_errstr, "sqlite3_errstr", false},
		{&c_sqlite3_open_v2, "sqlite3_open_v2", false},
		{&c_sqlite3_close, "sqlite3_close", false},
		{&c_sqlite3_close_v2, "sqlite3_close_v2", false},
		{&c_sqlite3_interrupt, "sqlite3_interrupt", false},
		{&c_sqlite3_busy_timeout, "sqlite3_busy_timeout", false},
		{&c_sqlite3_errmsg, "sqlite3_errmsg", false},
		{&c_sqlite3_errcode, "sqlite3_errcode", false},
		{&c_sqlite3_extended_errcode, "sqlite3_extended_errcode", false},
		{&c_sqlite3_changes, "sqlite3_changes", false},
		{&c_sqlite3_last_insert_rowid, "sqlite3_last_insert_rowid", false},
		{&c_sqlite3_exec, "sqlite3_exec", false},
		{&c_sqlite3_prepare_v2, "sqlite3_prepare_v2", false},
		{&c_sqlite3_finalize, "sqlite3_finalize", false},
		{&c_sqlite3_step, "sqlite3_step", false},
		{&c_sqlite3_reset, "sqlite3_reset", false},
		{&c_sqlite3_bind_parameter_count, "sqlite3_bind_parameter_count", false},
		{&c_sqlite3_bind_parameter_index, "sqlite3_bind_parameter_index", false},
		{&c_sqlite3_bind_null, "sqlite3_bind_null", false},
		{&c_sqlite3_bind_text16, "sqlite3_bind_text16", false},
		{&c_sqlite3_bind_blob, "sqlite3_bind_blob", false},
		{&c_sqlite3_bind_double, "sqlite3_bind_double", false},
		{&c_sqlite3_bind_int64, "sqlite3_bind_int64", false},
		{&c_sqlite3_bind_int, "sqlite3_bind_int", false},
		{&c_sqlite3_column_count, "sqlite3_column_count", false},
		{&c_sqlite3_column_type, "sqlite3_column_type", false},
		{&c_sqlite3_column_decltype, "sqlite3_column_decltype", false},
		{&c_sqlite3_column_name16, "sqlite3_column_name16", false},
		{&c_sqlite3_column_text16, "sqlite3_column_text16", false},
		{&c_sqlite3_column_bytes16, "sqlite3_column_bytes16", false},
		{&c_sqlite3_column_blob, "sqlite3_column_blob", false},
		{&c_sqlite3_column_bytes, "sqlite3_column_bytes", false},
		{&c_sqlite3_column_double, "sqlite3_column_double", false},
		{&c_sqlite3_column_int64, "sqlite3_column_int64", false},
		{&c_sqlite3_column_int, "sqlite3_column_int", false},
		{&c_sqlite3_column_table_name16, "sqlite3_column_table_name16", true},
		{&c_sqlite3_column_table_name, "sqlite3_column_table_name", true},
		{&c_sqlite3_table_column_metadata, "sqlite3_table_column_metadata", true},
		{&c_sqlite3_result_null, "sqlite3_result_null", false},
		{&c_sqlite3_result_text16, "sqlite3_result_text16", false},
		{&c_sqlite3_result_blob, "sqlite3_result_blob", false},
		{&c_sqlite3_result_double, "sqlite3_result_double", false},
		{&c_sqlite3_result_int64, "sqlite3_result_int64", false},
		{&c_sqlite3_result_int, "sqlite3_result_int", false},
		{&c_sqlite3_result_error, "sqlite3_result_error", false},
		{&c_sqlite3_value_type, "sqlite3_value_type", false},
		{&c_sqlite3_value_bytes, "sqlite3_value_bytes", false},
		{&c_sqlite3_value_bytes16, "sqlite3_value_bytes16", false},
		{&c_sqlite3_value_text16, "sqlite3_value_text16", false},
		{&c_sqlite3_value_blob, "sqlite3_value_blob", false},
		{&c_sqlite3_value_double, "sqlite3_value_double", false},
		{&c_sqlite3_value_int64, "sqlite3_value_int64", false},
		{&c_sqlite3_value_int, "sqlite3_value_int", false},
		{&c_sqlite3_create_function_v2, "sqlite3_create_function_v2", false},
		{&c_sqlite3_user_data, "sqlite3_user_data", false},
	}
}

// register every extern method from the loaded lib
// DO NOT load lib - as it will be done by InitLibrary
func registerSQLite(lib uintptr) error {
	for _, sym := range nativeSymbols() {
		addr, err := lookupSymbol(lib, sym.name)
		if err != nil || addr == 0 {
			if sym.optional {
				logger.Logf("[DEBUG] optional symbol %s is not exported, column metadata is unavailable", sym.name)
				continue
			}
			return fmt.Errorf("sqlitebridge: resolve %s: %w", sym.name, err)
		}
		purego.RegisterFunc(sym.fptr, addr)
	}
	return nil
}

func hasColumnMetadata() bool {
	return c_sqlite3_column_table_name != nil &&
		c_sqlite3_column_table_name16 != nil &&
		c_sqlite3_table_column_metadata != nil
}
