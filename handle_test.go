package sqlitebridge

import "testing"

func TestHandleNull(t *testing.T) {
	var conn ConnHandle
	if !conn.IsNull() {
		t.Fatalf("zero ConnHandle must be null")
	}
	if conn.String() != "<null>" {
		t.Fatalf("unexpected string for null handle: %q", conn.String())
	}
	stmt := handleFrom[stmtTag](0x1000)
	if stmt.IsNull() {
		t.Fatalf("non-zero handle reported as null")
	}
	if stmt.Uintptr() != 0x1000 {
		t.Fatalf("expected 0x1000, got %#x", stmt.Uintptr())
	}
	if stmt.String() != "0x1000" {
		t.Fatalf("unexpected string: %q", stmt.String())
	}
}

func TestForeignHandle(t *testing.T) {
	var f foreignHandle[connTag]
	if !f.get().IsNull() {
		t.Fatalf("new foreign handle must be null")
	}
	f.set(handleFrom[connTag](42))
	if got := f.get().Uintptr(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	prev := f.swap(ConnHandle{})
	if prev.Uintptr() != 42 {
		t.Fatalf("swap returned %d", prev.Uintptr())
	}
	if !f.get().IsNull() {
		t.Fatalf("handle not cleared by swap")
	}
}
