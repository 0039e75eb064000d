package sqlitebridge

import (
	"fmt"
	"sync/atomic"
)

// handle kinds, used only as type tags
type (
	connTag    struct{}
	stmtTag    struct{}
	valuesTag  struct{}
	contextTag struct{}
)

// Handle is an opaque reference to a native resource (sqlite3*, sqlite3_stmt*, ...).
// The zero value is the null handle.
// K tags the kind of resource so a statement can never be passed where a connection is expected.
type Handle[K any] struct {
	addr uintptr
}

type (
	// ConnHandle references a native sqlite3 connection.
	ConnHandle = Handle[connTag]
	// StmtHandle references a native prepared statement.
	StmtHandle = Handle[stmtTag]
	// valuesHandle references the sqlite3_value** argument vector of a function call.
	valuesHandle = Handle[valuesTag]
	// contextHandle references the sqlite3_context* of a function call.
	contextHandle = Handle[contextTag]
)

func handleFrom[K any](addr uintptr) Handle[K] {
	return Handle[K]{addr: addr}
}

// IsNull reports whether h is the null handle.
func (h Handle[K]) IsNull() bool {
	return h.addr == 0
}

// Uintptr returns the raw native address.
func (h Handle[K]) Uintptr() uintptr {
	return h.addr
}

func (h Handle[K]) String() string {
	if h.addr == 0 {
		return "<null>"
	}
	return fmt.Sprintf("%#x", h.addr)
}

// foreignHandle is the field a Go object uses to own exactly one native resource.
// It performs no validation and no locking; the atomic only keeps Interrupt
// (the one call made from a different goroutine) free of torn reads.
type foreignHandle[K any] struct {
	ref atomic.Uintptr
}

func (f *foreignHandle[K]) get() Handle[K] {
	return Handle[K]{addr: f.ref.Load()}
}

func (f *foreignHandle[K]) set(h Handle[K]) {
	f.ref.Store(h.addr)
}

// swap stores h and returns the previous handle.
func (f *foreignHandle[K]) swap(h Handle[K]) Handle[K] {
	return Handle[K]{addr: f.ref.Swap(h.addr)}
}
