package sqlitebridge

import (
	"errors"
	"strings"
	"testing"
)

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		SQLITE_OK:         "SQLITE_OK",
		SQLITE_ROW:        "SQLITE_ROW",
		SQLITE_DONE:       "SQLITE_DONE",
		SQLITE_BUSY:       "SQLITE_BUSY",
		SQLITE_CONSTRAINT: "SQLITE_CONSTRAINT",
		// SQLITE_CONSTRAINT_UNIQUE
		Status(2067): "SQLITE_CONSTRAINT",
		Status(77):   "SQLITE_STATUS(77)",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("status %d: expected %s, got %s", int32(status), want, got)
		}
	}
}

func TestStatusErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		code Status
		want error
	}{
		{SQLITE_ERROR, ErrGeneric},
		{SQLITE_BUSY, ErrBusy},
		{SQLITE_LOCKED, ErrLocked},
		{SQLITE_NOMEM, ErrNoMem},
		{SQLITE_READONLY, ErrReadonly},
		{SQLITE_INTERRUPT, ErrInterrupt},
		{SQLITE_IOERR, ErrIO},
		{SQLITE_CORRUPT, ErrCorrupt},
		{SQLITE_FULL, ErrFull},
		{SQLITE_CANTOPEN, ErrCantOpen},
		{SQLITE_CONSTRAINT, ErrConstraint},
		{SQLITE_MISMATCH, ErrMismatch},
		{SQLITE_MISUSE, ErrMisuse},
		{SQLITE_RANGE, ErrRange},
		{SQLITE_NOTADB, ErrNotADB},
		// extended codes match their primary class
		{Status(2067), ErrConstraint},
		{Status(261), ErrBusy},
	} {
		err := error(&Error{Op: "test", Code: tc.code, Msg: "boom"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected errors.Is(%v)", tc.code, tc.want)
		}
		if errors.Is(err, ErrNotOpen) {
			t.Fatalf("%s: engine error must not match bridge sentinels", tc.code)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Op: "step", Code: SQLITE_CONSTRAINT, Msg: "UNIQUE constraint failed: t.id"}
	if got := err.Error(); got != "sqlitebridge: step: UNIQUE constraint failed: t.id (SQLITE_CONSTRAINT)" {
		t.Fatalf("unexpected message %q", got)
	}
	err = &Error{Op: "open", Code: SQLITE_CANTOPEN}
	if got := err.Error(); got != "sqlitebridge: open: SQLITE_CANTOPEN" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestThrowexmsg(t *testing.T) {
	err := throwexmsg(ErrArgOutOfRange, "value_int: arg %d, call has %d", 3, 3)
	if !errors.Is(err, ErrArgOutOfRange) {
		t.Fatalf("expected ErrArgOutOfRange, got %v", err)
	}
	if !strings.Contains(err.Error(), "arg 3, call has 3") {
		t.Fatalf("fixed message lost: %v", err)
	}
	if err := throwexmsg(ErrAlreadyOpen, ""); err != ErrAlreadyOpen {
		t.Fatalf("empty format must return the sentinel itself, got %v", err)
	}
}

func TestStatusToError(t *testing.T) {
	for _, status := range []Status{SQLITE_OK, SQLITE_ROW, SQLITE_DONE} {
		if err := statusToError(ConnHandle{}, "test", status); err != nil {
			t.Fatalf("%s must not be an error, got %v", status, err)
		}
	}
}

func TestEngineErrorCarriesCurrentMessage(t *testing.T) {
	db := openMemoryDB(t)
	mustExec(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	mustExec(t, db, "INSERT INTO t VALUES (1)")

	err := db.Exec("INSERT INTO t VALUES (1)")
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	var nativeErr *Error
	if !errors.As(err, &nativeErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if nativeErr.Msg != "UNIQUE constraint failed: t.id" {
		t.Fatalf("unexpected engine message %q", nativeErr.Msg)
	}
	// SQLITE_CONSTRAINT_PRIMARYKEY
	if nativeErr.ExtendedCode != Status(1555) {
		t.Fatalf("expected extended code 1555, got %d", int32(nativeErr.ExtendedCode))
	}
}
