package sqlitebridge

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/hashicorp/go-multierror"
)

// Function is a scalar SQL function implemented in Go.
//
// XFunc runs synchronously on the goroutine that is stepping the statement, in
// the middle of the engine's evaluation: it must not block for long and must
// not use the connection it was invoked from for anything but the call.
// A returned error becomes the SQL error of the calling statement.
type Function interface {
	XFunc(call *FunctionCall) error
}

// FunctionFunc adapts a plain func to Function.
type FunctionFunc func(call *FunctionCall) error

func (f FunctionFunc) XFunc(call *FunctionCall) error {
	return f(call)
}

// Aggregate is a grouped SQL function (step per row, final per group).
// Registration is not supported yet, see CreateAggregate.
type Aggregate interface {
	XStep(call *FunctionCall) error
	XFinal(call *FunctionCall) error
}

// FunctionCall is one invocation of a Function: its arguments and its result sink.
// It is only valid while XFunc runs; afterwards every accessor fails with
// ErrNoCurrentValue.
type FunctionCall struct {
	context contextHandle
	values  valuesHandle
	args    int
}

// Args returns the number of arguments, 0 once the call is over.
func (c *FunctionCall) Args() int {
	if c.context.IsNull() {
		return 0
	}
	return c.args
}

func (c *FunctionCall) clear() {
	c.context = contextHandle{}
	c.values = valuesHandle{}
	c.args = 0
}

// value resolves the sqlite3_value* of argument i.
func (c *FunctionCall) value(op string, i int) (uintptr, error) {
	if c.context.IsNull() {
		return 0, throwexmsg(ErrNoCurrentValue, "%s", op)
	}
	if i < 0 || i >= c.args {
		return 0, throwexmsg(ErrArgOutOfRange, "%s: arg %d, call has %d", op, i, c.args)
	}
	argv := unsafe.Slice((*uintptr)(unsafe.Pointer(c.values.Uintptr())), c.args)
	return argv[i], nil
}

func (c *FunctionCall) ValueType(i int) (ColumnType, error) {
	v, err := c.value("value_type", i)
	if err != nil {
		return SQLITE_NULL, err
	}
	return ColumnType(c_sqlite3_value_type(v)), nil
}

// ValueBytes returns the size in bytes of argument i as UTF-8 text or blob.
func (c *FunctionCall) ValueBytes(i int) (int, error) {
	v, err := c.value("value_bytes", i)
	if err != nil {
		return 0, err
	}
	return int(c_sqlite3_value_bytes(v)), nil
}

// ValueText reads argument i as text. SQL NULL is reported as an invalid NullString.
func (c *FunctionCall) ValueText(i int) (sql.NullString, error) {
	units, err := c.valueText16("value_text", i)
	if err != nil {
		return sql.NullString{}, err
	}
	return nullString(units), nil
}

// ValueText16 reads argument i as UTF-16 code units; nil for SQL NULL.
func (c *FunctionCall) ValueText16(i int) ([]uint16, error) {
	return c.valueText16("value_text", i)
}

func (c *FunctionCall) valueText16(op string, i int) ([]uint16, error) {
	v, err := c.value(op, i)
	if err != nil {
		return nil, err
	}
	typ := ColumnType(c_sqlite3_value_type(v))
	p := c_sqlite3_value_text16(v)
	if p == nil {
		if typ != SQLITE_NULL {
			outOfMemory(op)
		}
		return nil, nil
	}
	return readText16(p, c_sqlite3_value_bytes16(v)), nil
}

// ValueBlob reads argument i as bytes; nil for SQL NULL.
func (c *FunctionCall) ValueBlob(i int) ([]byte, error) {
	v, err := c.value("value_blob", i)
	if err != nil {
		return nil, err
	}
	typ := ColumnType(c_sqlite3_value_type(v))
	p := c_sqlite3_value_blob(v)
	if p == nil {
		switch typ {
		case SQLITE_NULL:
			return nil, nil
		case SQLITE_BLOB, SQLITE_TEXT:
			if c_sqlite3_value_bytes(v) == 0 {
				return []byte{}, nil
			}
		}
		outOfMemory("value_blob")
		return nil, nil
	}
	return readBlob(p, c_sqlite3_value_bytes(v)), nil
}

func (c *FunctionCall) ValueDouble(i int) (float64, error) {
	v, err := c.value("value_double", i)
	if err != nil {
		return 0, err
	}
	return c_sqlite3_value_double(v), nil
}

func (c *FunctionCall) ValueLong(i int) (int64, error) {
	v, err := c.value("value_long", i)
	if err != nil {
		return 0, err
	}
	return c_sqlite3_value_int64(v), nil
}

func (c *FunctionCall) ValueInt(i int) (int32, error) {
	v, err := c.value("value_int", i)
	if err != nil {
		return 0, err
	}
	return c_sqlite3_value_int(v), nil
}

// sink resolves the sqlite3_context* results are written to.
func (c *FunctionCall) sink(op string) (uintptr, error) {
	if c.context.IsNull() {
		return 0, throwexmsg(ErrNoCurrentValue, "%s", op)
	}
	return c.context.Uintptr(), nil
}

func (c *FunctionCall) ResultNull() error {
	ctx, err := c.sink("result_null")
	if err != nil {
		return err
	}
	c_sqlite3_result_null(ctx)
	return nil
}

// ResultText sets a text result. An empty string is empty text, not NULL.
func (c *FunctionCall) ResultText(s string) error {
	if _, err := c.sink("result_text"); err != nil {
		return err
	}
	buf, err := encodeText16(s)
	if err != nil {
		return throw(err)
	}
	return c.resultText16Bytes(buf)
}

// ResultText16 sets a text result from UTF-16 code units; nil sets NULL.
func (c *FunctionCall) ResultText16(units []uint16) error {
	if _, err := c.sink("result_text"); err != nil {
		return err
	}
	return c.resultText16Bytes(unitsAsBytes(units))
}

func (c *FunctionCall) resultText16Bytes(buf []byte) error {
	if err := checkLen("result_text", buf); err != nil {
		return err
	}
	withPinned(buf, func(p unsafe.Pointer, n int32) {
		c_sqlite3_result_text16(c.context.Uintptr(), p, n, sqliteTransient)
	})
	return nil
}

// ResultBlob sets a blob result; nil sets NULL.
func (c *FunctionCall) ResultBlob(b []byte) error {
	ctx, err := c.sink("result_blob")
	if err != nil {
		return err
	}
	if err := checkLen("result_blob", b); err != nil {
		return err
	}
	withPinned(b, func(p unsafe.Pointer, n int32) {
		c_sqlite3_result_blob(ctx, p, n, sqliteTransient)
	})
	return nil
}

func (c *FunctionCall) ResultDouble(v float64) error {
	ctx, err := c.sink("result_double")
	if err != nil {
		return err
	}
	c_sqlite3_result_double(ctx, v)
	return nil
}

func (c *FunctionCall) ResultLong(v int64) error {
	ctx, err := c.sink("result_long")
	if err != nil {
		return err
	}
	c_sqlite3_result_int64(ctx, v)
	return nil
}

func (c *FunctionCall) ResultInt(v int32) error {
	ctx, err := c.sink("result_int")
	if err != nil {
		return err
	}
	c_sqlite3_result_int(ctx, v)
	return nil
}

// ResultError fails the calling statement with msg.
func (c *FunctionCall) ResultError(msg string) error {
	ctx, err := c.sink("result_error")
	if err != nil {
		return err
	}
	c_sqlite3_result_error(ctx, msg, -1)
	return nil
}

// udfBinding is the durable side of one registration: the engine only holds its id.
type udfBinding struct {
	name string
	fn   Function
	conn ConnHandle
}

func (b *udfBinding) invoke(call *FunctionCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Logf("[WARN] function %s panicked: %v", b.name, r)
			err = fmt.Errorf("sqlitebridge: function %s panicked: %v", b.name, r)
		}
	}()
	return b.fn.XFunc(call)
}

// udfRegistry keeps registered functions reachable for as long as the engine may call them.
// The engine's user data pointer is a registry id, never a Go pointer.
type udfRegistry struct {
	mu   sync.Mutex
	next uintptr
	m    map[uintptr]*udfBinding
}

var functions = &udfRegistry{m: map[uintptr]*udfBinding{}}

func (r *udfRegistry) add(b *udfBinding) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.m[r.next] = b
	return r.next
}

func (r *udfRegistry) lookup(id uintptr) *udfBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[id]
}

// release drops the durable reference; releasing an unknown id is a no-op.
func (r *udfRegistry) release(id uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.m[id]; ok {
		logger.Logf("[DEBUG] function %s released from %s", b.name, b.conn)
		delete(r.m, id)
	}
}

func (r *udfRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// native entry points, created once by InitLibrary
var (
	xFuncTrampoline    uintptr
	xDestroyTrampoline uintptr
)

func registerTrampolines() {
	xFuncTrampoline = purego.NewCallback(dispatchFunction)
	xDestroyTrampoline = purego.NewCallback(destroyFunction)
}

// dispatchFunction is the xFunc of every registered function.
// The registry lock is not held while the Go handler runs, so the handler may
// register or drop functions on other connections.
func dispatchFunction(ctx uintptr, argc int32, argv uintptr) {
	binding := functions.lookup(c_sqlite3_user_data(ctx))
	if binding == nil {
		c_sqlite3_result_error(ctx, "sqlitebridge: function is no longer registered", -1)
		return
	}
	call := &FunctionCall{
		context: handleFrom[contextTag](ctx),
		values:  handleFrom[valuesTag](argv),
		args:    int(argc),
	}
	err := binding.invoke(call)
	call.clear()
	if err != nil {
		c_sqlite3_result_error(ctx, err.Error(), -1)
	}
}

// destroyFunction is the xDestroy of every registered function: the engine calls it
// when the function is replaced, dropped, or its connection closes.
func destroyFunction(id uintptr) {
	functions.release(id)
}

// CreateFunction registers fn as a scalar SQL function named name, accepting any
// number of arguments. Registering a name again replaces the previous function;
// a nil fn drops it.
func (db *DB) CreateFunction(name string, fn Function) error {
	if fn == nil {
		return db.DestroyFunction(name)
	}
	h, err := db.handle("create_function")
	if err != nil {
		return err
	}
	if err := checkCString("create_function", name); err != nil {
		return err
	}
	id := functions.add(&udfBinding{name: name, fn: fn, conn: h})
	rc := Status(c_sqlite3_create_function_v2(
		h.Uintptr(), name, -1, sqliteUTF16, id,
		xFuncTrampoline, 0, 0, xDestroyTrampoline,
	))
	if rc != SQLITE_OK {
		// the engine calls xDestroy on failure as well; release is idempotent
		functions.release(id)
		return throwex(h, "create_function", rc)
	}
	db.funcs[name] = id
	logger.Logf("[DEBUG] function %s registered on %s", name, h)
	return nil
}

// DestroyFunction drops the function registered as name and releases it.
func (db *DB) DestroyFunction(name string) error {
	h, err := db.handle("destroy_function")
	if err != nil {
		return err
	}
	if err := checkCString("destroy_function", name); err != nil {
		return err
	}
	rc := Status(c_sqlite3_create_function_v2(h.Uintptr(), name, -1, sqliteUTF16, 0, 0, 0, 0, 0))
	if rc != SQLITE_OK {
		return throwex(h, "destroy_function", rc)
	}
	delete(db.funcs, name)
	return nil
}

// FreeFunctions drops every function registered through db.
func (db *DB) FreeFunctions() error {
	if _, err := db.handle("free_functions"); err != nil {
		return err
	}
	var errs *multierror.Error
	for _, name := range db.Functions() {
		if err := db.DestroyFunction(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Functions lists the names of the functions registered through db.
func (db *DB) Functions() []string {
	names := make([]string, 0, len(db.funcs))
	for name := range db.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateAggregate always fails with ErrUnsupported: grouped functions need a
// per-group accumulator lifecycle the bridge does not provide.
func (db *DB) CreateAggregate(name string, agg Aggregate) error {
	if _, err := db.handle("create_aggregate"); err != nil {
		return err
	}
	return throwexmsg(ErrUnsupported, "create_aggregate %s", name)
}
