package sqlitebridge

import (
	"errors"
	"fmt"
)

// bridge contract violations, reported independently of engine state
var (
	ErrAlreadyOpen         = errors.New("sqlitebridge: DB already open")
	ErrOpen                = errors.New("sqlitebridge: unable to open database")
	ErrNotOpen             = errors.New("sqlitebridge: DB not open")
	ErrNullStatement       = errors.New("sqlitebridge: null statement handle")
	ErrBindOutOfRange      = errors.New("sqlitebridge: bind position out of range")
	ErrColumnOutOfRange    = errors.New("sqlitebridge: column index out of range")
	ErrArgOutOfRange       = errors.New("sqlitebridge: arg out of range")
	ErrNoCurrentValue      = errors.New("sqlitebridge: no current value")
	ErrQueryReturnsResults = errors.New("sqlitebridge: query returns results")
	ErrDatabaseLocked      = errors.New("sqlitebridge: database locked")
	ErrInternalConsistency = errors.New("sqlitebridge: internal consistency error")
	ErrUnsupported         = errors.New("sqlitebridge: unsupported")
	ErrEmbeddedNul         = errors.New("sqlitebridge: string contains a NUL byte")
)

// engine status classes; an *Error matches the one for its primary code
var (
	ErrGeneric    = errors.New("sqlitebridge: SQL error or missing database")
	ErrBusy       = errors.New("sqlitebridge: database is busy")
	ErrLocked     = errors.New("sqlitebridge: table is locked")
	ErrNoMem      = errors.New("sqlitebridge: out of memory")
	ErrReadonly   = errors.New("sqlitebridge: database is read-only")
	ErrInterrupt  = errors.New("sqlitebridge: operation interrupted")
	ErrIO         = errors.New("sqlitebridge: disk I/O error")
	ErrCorrupt    = errors.New("sqlitebridge: database is corrupt")
	ErrFull       = errors.New("sqlitebridge: database or disk is full")
	ErrCantOpen   = errors.New("sqlitebridge: unable to open database file")
	ErrConstraint = errors.New("sqlitebridge: constraint failed")
	ErrMismatch   = errors.New("sqlitebridge: datatype mismatch")
	ErrMisuse     = errors.New("sqlitebridge: API misuse")
	ErrRange      = errors.New("sqlitebridge: parameter index out of range")
	ErrNotADB     = errors.New("sqlitebridge: not a database")
)

var statusErrors = map[Status]error{
	SQLITE_ERROR:      ErrGeneric,
	SQLITE_BUSY:       ErrBusy,
	SQLITE_LOCKED:     ErrLocked,
	SQLITE_NOMEM:      ErrNoMem,
	SQLITE_READONLY:   ErrReadonly,
	SQLITE_INTERRUPT:  ErrInterrupt,
	SQLITE_IOERR:      ErrIO,
	SQLITE_CORRUPT:    ErrCorrupt,
	SQLITE_FULL:       ErrFull,
	SQLITE_CANTOPEN:   ErrCantOpen,
	SQLITE_CONSTRAINT: ErrConstraint,
	SQLITE_MISMATCH:   ErrMismatch,
	SQLITE_MISUSE:     ErrMisuse,
	SQLITE_RANGE:      ErrRange,
	SQLITE_NOTADB:     ErrNotADB,
}

// Error is a failure reported by the native engine.
type Error struct {
	// Op is the bridge operation that observed the failure.
	Op string
	// Code is the status returned by the failing call.
	Code Status
	// ExtendedCode is the connection's extended result code at the time the error was raised.
	ExtendedCode Status
	// Msg is the engine's error text at the time the error was raised.
	Msg string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("sqlitebridge: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("sqlitebridge: %s: %s (%s)", e.Op, e.Msg, e.Code)
}

// Is matches the sentinel of the primary status class.
func (e *Error) Is(target error) bool {
	sentinel, ok := statusErrors[e.Code&0xff]
	return ok && sentinel == target
}

// throw is the single exit for every error the bridge raises.
func throw(err error) error {
	logger.Logf("[DEBUG] %v", err)
	return err
}

// throwex raises an engine error using the connection's current error text.
// The text is read now, not when the failing call returned: anything run on the
// connection in between replaces it.
func throwex(db ConnHandle, op string, code Status) error {
	e := &Error{Op: op, Code: code}
	if db.IsNull() {
		e.Msg = errstr(code)
		return throw(e)
	}
	e.ExtendedCode = Status(c_sqlite3_extended_errcode(db.Uintptr()))
	e.Msg = copyCString(c_sqlite3_errmsg(db.Uintptr()))
	return throw(e)
}

// throwexmsg raises a bridge error with a fixed message.
func throwexmsg(kind error, format string, args ...any) error {
	if format == "" {
		return throw(kind)
	}
	return throw(fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}

// statusToError maps a status to nil for OK/ROW/DONE and to an engine error otherwise.
func statusToError(db ConnHandle, op string, code Status) error {
	switch code {
	case SQLITE_OK, SQLITE_ROW, SQLITE_DONE:
		return nil
	default:
		return throwex(db, op, code)
	}
}

func errstr(code Status) string {
	if c_sqlite3_errstr == nil {
		return ""
	}
	return copyCString(c_sqlite3_errstr(int32(code)))
}
