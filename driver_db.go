package sqlitebridge

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// define all package level errors here
var (
	ErrStmtClosed = errors.New("sqlitebridge: statement closed")
	ErrConnClosed = errors.New("sqlitebridge: connection closed")
	ErrRowsClosed = errors.New("sqlitebridge: rows closed")
	ErrTxDone     = errors.New("sqlitebridge: transaction done")
)

// DriverName is the name the driver is registered under with database/sql.
const DriverName = "sqlitebridge"

// DefaultBusyTimeout is applied to every connection unless the DSN or connector says otherwise.
const DefaultBusyTimeout = 5000

// define all package level structs here

type bridgeDriver struct{}

// Conn is the driver connection. Reach it with sql.Conn.Raw to use the bridge directly:
//
//	err := conn.Raw(func(dc any) error {
//		return dc.(*sqlitebridge.Conn).CreateFunction("twice", fn)
//	})
type Conn struct {
	db *DB

	mu          sync.Mutex
	closed      bool
	busyTimeout int // current busy timeout in milliseconds
	// prepared statements still holding a native statement
	stmts map[*bridgeStmt]struct{}
}

type bridgeStmt struct {
	conn      *Conn
	sql       string
	stmt      StmtHandle
	numInputs int
	columns   int
	// set while rows returned by this statement are open
	busy   bool
	closed bool
}

type bridgeRows struct {
	conn      *Conn
	stmt      StmtHandle
	columns   []string
	decltypes []string
	// owner is set when the native statement belongs to a prepared statement:
	// closing the rows resets it instead of finalizing it
	owner *bridgeStmt
	stop  func() bool
	ctx   context.Context

	closed bool
	err    error
}

type bridgeResult struct {
	lastInsertId int64
	rowsAffected int64
}

type bridgeTx struct {
	conn *Conn
	done bool
}

// BatchError reports the entry an ExecBatch stopped at.
type BatchError struct {
	// Counts holds the rows affected by each entry that completed.
	Counts []int64
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("sqlitebridge: batch entry %d: %v", len(e.Counts), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// register driver
func init() {
	sql.Register(DriverName, &bridgeDriver{})
}

// Implement sql.Driver methods
func (d *bridgeDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

func (d *bridgeDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- driver.Conn and friends ---

// Ensure Conn implements required interfaces.
var (
	_ driver.Conn               = (*Conn)(nil)
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.ExecerContext      = (*Conn)(nil)
	_ driver.QueryerContext     = (*Conn)(nil)
	_ driver.Pinger             = (*Conn)(nil)
	_ driver.ConnBeginTx        = (*Conn)(nil)
	_ driver.DriverContext      = (*bridgeDriver)(nil)
)

// DB exposes the bridge connection underneath. It must only be used while the
// sql.Conn it came from is held.
func (c *Conn) DB() *DB {
	return c.db
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext compiles query once; the native statement is reused by every
// execution until the statement is closed.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	if stmt.IsNull() {
		return nil, fmt.Errorf("sqlitebridge: no statement in %q", query)
	}
	num, _ := c.db.BindParameterCount(stmt)
	cols, _ := c.db.ColumnCount(stmt)
	s := &bridgeStmt{
		conn:      c,
		sql:       query,
		stmt:      stmt,
		numInputs: num,
		columns:   cols,
	}
	c.stmts[s] = struct{}{}
	return s, nil
}

// Close finalizes outstanding statements, then closes the native connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var errs *multierror.Error
	for s := range c.stmts {
		if err := c.db.Finalize(s.stmt); err != nil {
			errs = multierror.Append(errs, err)
		}
		s.closed = true
	}
	c.stmts = nil
	if err := c.db.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	c.closed = true
	return errs.ErrorOrNil()
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	begin := "BEGIN"
	if sql.IsolationLevel(opts.Isolation) == sql.LevelSerializable {
		begin = "BEGIN IMMEDIATE"
	}
	if _, err := c.ExecContext(ctx, begin, nil); err != nil {
		return nil, err
	}
	return &bridgeTx{conn: c}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	// trivial ping: simple select constant
	_, err := c.ExecContext(ctx, "SELECT 1", nil)
	return err
}

// ExecContext runs every statement in query; args are bound to the first one.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := c.watch(ctx)
	defer stop()

	var totalAffected int64
	var lastInsert int64
	rest := query
	first := true
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.TrimSpace(rest) == "" {
			break
		}
		stmt, tail, err := c.db.PrepareFirst(rest)
		if err != nil {
			return nil, err
		}
		if stmt.IsNull() {
			// comment or lone semicolon
			if len(tail) == len(rest) {
				break
			}
			rest = tail
			continue
		}
		rest = tail

		// Bind only for the first statement
		if first && len(args) > 0 {
			if err := c.bindArgs(stmt, args); err != nil {
				_ = c.db.Finalize(stmt)
				return nil, err
			}
		}
		affected, err := c.executeFully(stmt)
		// finalize regardless of status
		_ = c.db.Finalize(stmt)
		if err != nil {
			return nil, ctxErr(ctx, err)
		}
		// rows affected is capped at MaxInt64
		if affected > math.MaxInt64-totalAffected {
			totalAffected = math.MaxInt64
		} else {
			totalAffected += affected
		}
		lastInsert, _ = c.db.LastInsertRowID()
		first = false
	}
	return &bridgeResult{
		lastInsertId: lastInsert,
		rowsAffected: totalAffected,
	}, nil
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Only the first statement is run
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	if stmt.IsNull() {
		return nil, fmt.Errorf("sqlitebridge: no statement in %q", query)
	}
	if len(args) > 0 {
		if err := c.bindArgs(stmt, args); err != nil {
			_ = c.db.Finalize(stmt)
			return nil, err
		}
	}
	// do not step yet, leave cursor before first row
	return c.newRows(ctx, stmt, nil), nil
}

// ExecBatch runs query once per entry of batch and returns the rows affected by each.
// The statement is compiled once. On failure the returned error is a *BatchError
// holding the counts of the entries that completed.
func (c *Conn) ExecBatch(ctx context.Context, query string, batch [][]any) ([]int64, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stop := c.watch(ctx)
	defer stop()

	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	if stmt.IsNull() {
		return nil, fmt.Errorf("sqlitebridge: no statement in %q", query)
	}
	defer func() { _ = c.db.Finalize(stmt) }()

	counts := make([]int64, 0, len(batch))
	for _, values := range batch {
		if ctx.Err() != nil {
			return counts, &BatchError{Counts: counts, Err: ctx.Err()}
		}
		args := make([]driver.NamedValue, len(values))
		for i, v := range values {
			args[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
		}
		if err := c.rebind(stmt, args); err != nil {
			return counts, &BatchError{Counts: counts, Err: err}
		}
		n, err := c.db.ExecuteUpdate(stmt)
		if err != nil {
			return counts, &BatchError{Counts: counts, Err: ctxErr(ctx, err)}
		}
		counts = append(counts, int64(n))
	}
	return counts, nil
}

// CreateFunction registers a scalar SQL function on this connection only.
func (c *Conn) CreateFunction(name string, fn Function) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.CreateFunction(name, fn)
}

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.db.Handle().IsNull() {
		return ErrConnClosed
	}
	return nil
}

// SetBusyTimeout sets the busy timeout for this connection in milliseconds.
// Pass 0 to disable the busy handler (immediate SQLITE_BUSY on contention).
// This method is thread-safe.
func (c *Conn) SetBusyTimeout(timeoutMs int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeoutMs < 0 {
		timeoutMs = 0
	}
	if err := c.db.BusyTimeout(timeoutMs); err != nil {
		return err
	}
	c.busyTimeout = timeoutMs
	return nil
}

// GetBusyTimeout returns the current busy timeout in milliseconds.
// Returns 0 if the busy handler is disabled.
func (c *Conn) GetBusyTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyTimeout
}

// watch interrupts the running statement when ctx is cancelled. The returned
// stop reports whether it prevented the interrupt; when it did not, it waits for
// the interrupt to finish so the connection can be closed right after.
func (c *Conn) watch(ctx context.Context) func() bool {
	if ctx == nil || ctx.Done() == nil {
		return func() bool { return false }
	}
	db := c.db
	done := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		defer close(done)
		_ = db.Interrupt()
	})
	var (
		once    sync.Once
		stopped bool
	)
	return func() bool {
		once.Do(func() {
			if stopped = cancel(); !stopped {
				<-done
			}
		})
		return stopped
	}
}

// ctxErr reports an interrupt caused by ctx as the context error.
func ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx != nil && ctx.Err() != nil && errors.Is(err, ErrInterrupt) {
		return ctx.Err()
	}
	return err
}

// --- Connector Pattern ---

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithBusyTimeout sets the busy timeout in milliseconds.
// Use 0 to disable the busy handler, -1 to use the default (5000ms).
func WithBusyTimeout(ms int) ConnectorOption {
	return func(c *Connector) {
		c.busyTimeout = ms
	}
}

// WithOpenFlags replaces the flags derived from the DSN mode parameter.
func WithOpenFlags(flags OpenFlag) ConnectorOption {
	return func(c *Connector) {
		c.flags = flags
	}
}

// WithFunction registers fn under name on every connection the connector opens.
func WithFunction(name string, fn Function) ConnectorOption {
	return func(c *Connector) {
		c.functions = append(c.functions, namedFunction{name: name, fn: fn})
	}
}

type namedFunction struct {
	name string
	fn   Function
}

// Connector implements driver.Connector for programmatic configuration.
type Connector struct {
	dsn         string
	config      dsnConfig
	busyTimeout int // -1 = use default, 0 = disabled, >0 = custom
	flags       OpenFlag
	functions   []namedFunction
}

// NewConnector creates a new Connector with the given DSN and options.
// By default, uses the DefaultBusyTimeout (5000ms).
func NewConnector(dsn string, opts ...ConnectorOption) (*Connector, error) {
	config, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		dsn:         dsn,
		config:      config,
		busyTimeout: -1, // -1 means use default
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	flags := c.config.Flags
	if c.flags != 0 {
		flags = c.flags
	}
	db := &DB{}
	if err := db.OpenWithFlags(c.config.Path, flags); err != nil {
		return nil, err
	}

	// Apply busy timeout: connector option first, then DSN, then the default
	timeout := c.busyTimeout
	if timeout < 0 {
		timeout = c.config.BusyTimeout
	}
	if timeout < 0 {
		timeout = DefaultBusyTimeout
	}
	if err := db.BusyTimeout(timeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, f := range c.functions {
		if err := db.CreateFunction(f.name, f.fn); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Conn{
		db:          db,
		busyTimeout: timeout,
		stmts:       map[*bridgeStmt]struct{}{},
	}, nil
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return &bridgeDriver{}
}

// Ensure Connector implements driver.Connector
var _ driver.Connector = (*Connector)(nil)

// --- driver.Stmt and friends ---

// Ensure bridgeStmt implements required interfaces.
var (
	_ driver.Stmt             = (*bridgeStmt)(nil)
	_ driver.StmtExecContext  = (*bridgeStmt)(nil)
	_ driver.StmtQueryContext = (*bridgeStmt)(nil)
)

func (s *bridgeStmt) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.conn.stmts, s)
	return s.conn.db.Finalize(s.stmt)
}

func (s *bridgeStmt) NumInput() int {
	return s.numInputs
}

func (s *bridgeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), toNamed(args))
}

func (s *bridgeStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.conn.checkOpen(); err != nil {
		return nil, err
	}
	s.conn.mu.Lock()
	if s.closed {
		s.conn.mu.Unlock()
		return nil, ErrStmtClosed
	}
	if s.busy {
		// rows from an earlier Query still own the native statement
		s.conn.mu.Unlock()
		return s.conn.ExecContext(ctx, s.sql, args)
	}
	defer s.conn.mu.Unlock()
	stop := s.conn.watch(ctx)
	defer stop()

	if err := s.conn.rebind(s.stmt, args); err != nil {
		return nil, err
	}
	var affected int64
	if s.columns == 0 {
		n, err := s.conn.db.ExecuteUpdate(s.stmt)
		if err != nil {
			return nil, ctxErr(ctx, err)
		}
		affected = int64(n)
	} else {
		// statements such as PRAGMA report rows even when executed
		n, err := s.conn.executeFully(s.stmt)
		_ = s.conn.db.Reset(s.stmt)
		if err != nil {
			return nil, ctxErr(ctx, err)
		}
		affected = n
	}
	lastInsert, _ := s.conn.db.LastInsertRowID()
	return &bridgeResult{lastInsertId: lastInsert, rowsAffected: affected}, nil
}

func (s *bridgeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), toNamed(args))
}

func (s *bridgeStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.conn.checkOpen(); err != nil {
		return nil, err
	}
	s.conn.mu.Lock()
	if s.closed {
		s.conn.mu.Unlock()
		return nil, ErrStmtClosed
	}
	if s.busy {
		s.conn.mu.Unlock()
		return s.conn.QueryContext(ctx, s.sql, args)
	}
	defer s.conn.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.conn.rebind(s.stmt, args); err != nil {
		return nil, err
	}
	s.busy = true
	return s.conn.newRows(ctx, s.stmt, s), nil
}

func toNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- driver.Rows ---

// Ensure bridgeRows implements the required interface.
var (
	_ driver.Rows                           = (*bridgeRows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*bridgeRows)(nil)
)

func (c *Conn) newRows(ctx context.Context, stmt StmtHandle, owner *bridgeStmt) *bridgeRows {
	return &bridgeRows{
		conn:  c,
		stmt:  stmt,
		owner: owner,
		ctx:   ctx,
		stop:  c.watch(ctx),
	}
}

func (r *bridgeRows) Columns() []string {
	if r.columns != nil {
		return r.columns
	}
	db := r.conn.db
	names, _ := db.ColumnNames(r.stmt)
	decltypes := make([]string, len(names))
	for i := range names {
		decltypes[i], _ = db.ColumnDecltype(r.stmt, i)
	}
	r.columns = names
	r.decltypes = decltypes
	return r.columns
}

func (r *bridgeRows) ColumnTypeDatabaseTypeName(index int) string {
	_ = r.Columns()
	if index < 0 || index >= len(r.decltypes) {
		return ""
	}
	return strings.ToUpper(r.decltypes[index])
}

func (r *bridgeRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.stop()
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	if r.owner != nil {
		r.owner.busy = false
		if r.owner.closed {
			return nil
		}
		_ = r.conn.db.Reset(r.stmt)
		return nil
	}
	_ = r.conn.db.Finalize(r.stmt)
	return nil
}

func (r *bridgeRows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}
	if r.err != nil {
		return r.err
	}
	// Ensure decltypes are populated
	_ = r.Columns()
	db := r.conn.db
	status, err := db.Step(r.stmt)
	if err != nil {
		r.err = ctxErr(r.ctx, err)
		return r.err
	}
	switch status {
	case SQLITE_ROW:
	case SQLITE_DONE:
		return io.EOF
	default:
		r.err = fmt.Errorf("sqlitebridge: unexpected step status %s", status)
		return r.err
	}

	// Fill destination
	if len(dest) != len(r.columns) {
		return fmt.Errorf("sqlitebridge: expected %d dests, got %d", len(r.columns), len(dest))
	}
	for i := range dest {
		kind, err := db.ColumnType(r.stmt, i)
		if err != nil {
			return err
		}
		switch kind {
		case SQLITE_NULL:
			dest[i] = nil
		case SQLITE_INTEGER:
			dest[i], err = db.ColumnLong(r.stmt, i)
		case SQLITE_FLOAT:
			dest[i], err = db.ColumnDouble(r.stmt, i)
		case SQLITE_TEXT:
			var text sql.NullString
			text, err = db.ColumnText(r.stmt, i)
			dest[i] = text.String
			// Check if column type indicates a time value
			if err == nil && isTimeColumn(r.decltypes[i]) {
				if t, perr := parseTimeString(text.String); perr == nil {
					dest[i] = t
				}
			}
		case SQLITE_BLOB:
			dest[i], err = db.ColumnBlob(r.stmt, i)
		default:
			dest[i] = nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// --- driver.Result ---

var _ driver.Result = (*bridgeResult)(nil)

func (r *bridgeResult) LastInsertId() (int64, error) {
	return r.lastInsertId, nil
}

func (r *bridgeResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- driver.Tx ---

var _ driver.Tx = (*bridgeTx)(nil)

func (tx *bridgeTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	_, err := tx.conn.ExecContext(context.Background(), "COMMIT", nil)
	tx.done = true
	return err
}

func (tx *bridgeTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	_, err := tx.conn.ExecContext(context.Background(), "ROLLBACK", nil)
	tx.done = true
	return err
}

// Helpers

type dsnConfig struct {
	Path        string
	Flags       OpenFlag
	BusyTimeout int // -1 when the DSN does not set one
}

// parseDSN supports format: <path>[?mode=ro|rw|rwc|memory&_busy_timeout=<int>]
// Any other parameter stays on a file: URI and is interpreted by the engine.
func parseDSN(dsn string) (dsnConfig, error) {
	config := dsnConfig{Path: dsn, Flags: DefaultOpenFlags, BusyTimeout: -1}
	qMark := strings.IndexByte(dsn, '?')
	if qMark < 0 {
		return config, nil
	}
	config.Path = dsn[:qMark]
	vals, err := url.ParseQuery(dsn[qMark+1:])
	if err != nil {
		return dsnConfig{}, fmt.Errorf("sqlitebridge: invalid dsn %q: %w", dsn, err)
	}
	if v := vals.Get("mode"); v != "" {
		switch v {
		case "ro":
			config.Flags = SQLITE_OPEN_READONLY | SQLITE_OPEN_URI
		case "rw":
			config.Flags = SQLITE_OPEN_READWRITE | SQLITE_OPEN_URI
		case "rwc":
			config.Flags = SQLITE_OPEN_READWRITE | SQLITE_OPEN_CREATE | SQLITE_OPEN_URI
		case "memory":
			config.Flags = SQLITE_OPEN_READWRITE | SQLITE_OPEN_CREATE | SQLITE_OPEN_MEMORY | SQLITE_OPEN_URI
		default:
			return dsnConfig{}, fmt.Errorf("sqlitebridge: invalid mode %q in dsn", v)
		}
		vals.Del("mode")
	}
	if v := vals.Get("_busy_timeout"); v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil {
			return dsnConfig{}, fmt.Errorf("sqlitebridge: invalid _busy_timeout %q: %w", v, err)
		}
		config.BusyTimeout = timeout
		vals.Del("_busy_timeout")
	}
	if strings.HasPrefix(config.Path, "file:") && len(vals) > 0 {
		config.Path += "?" + vals.Encode()
	}
	return config, nil
}

// executeFully steps stmt to completion, discarding rows, and returns the rows it changed.
func (c *Conn) executeFully(stmt StmtHandle) (int64, error) {
	for {
		status, err := c.db.Step(stmt)
		if err != nil {
			return 0, err
		}
		if status == SQLITE_DONE {
			break
		}
	}
	cols, _ := c.db.ColumnCount(stmt)
	if cols > 0 {
		return 0, nil
	}
	n, err := c.db.Changes()
	return int64(n), err
}

// rebind prepares a reused statement for another execution.
func (c *Conn) rebind(stmt StmtHandle, args []driver.NamedValue) error {
	_ = c.db.Reset(stmt)
	if err := c.db.ClearBindings(stmt); err != nil {
		return err
	}
	return c.bindArgs(stmt, args)
}

// bindArgs binds ordered and named values to a statement.
// Named values are resolved via BindParameterIndex, otherwise ordinal positions are used (1-based).
func (c *Conn) bindArgs(stmt StmtHandle, args []driver.NamedValue) error {
	if len(args) == 0 {
		return nil
	}
	// Validate number of inputs if no named args present
	hasNamed := false
	for _, nv := range args {
		if nv.Name != "" {
			hasNamed = true
			break
		}
	}
	if !hasNamed {
		paramCount, err := c.db.BindParameterCount(stmt)
		if err != nil {
			return err
		}
		if len(args) != paramCount {
			return fmt.Errorf("sqlitebridge: got %d args, want %d", len(args), paramCount)
		}
	}
	for idx, nv := range args {
		pos := idx + 1
		if nv.Name != "" {
			np, err := c.namedPosition(stmt, nv.Name)
			if err != nil {
				return err
			}
			pos = np
		} else if nv.Ordinal > 0 {
			pos = nv.Ordinal
		}
		if err := c.bindOne(stmt, pos, nv.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) namedPosition(stmt StmtHandle, name string) (int, error) {
	candidates := []string{name}
	if !strings.ContainsAny(name[:1], ":@$?") {
		candidates = []string{":" + name, "@" + name, "$" + name}
	}
	for _, candidate := range candidates {
		pos, err := c.db.BindParameterIndex(stmt, candidate)
		if err != nil {
			return 0, err
		}
		if pos > 0 {
			return pos, nil
		}
	}
	return 0, fmt.Errorf("sqlitebridge: unknown named parameter %q", name)
}

func (c *Conn) bindOne(stmt StmtHandle, position int, v any) error {
	db := c.db
	if v == nil {
		return db.BindNull(stmt, position)
	}
	switch x := v.(type) {
	case int:
		return db.BindLong(stmt, position, int64(x))
	case int8:
		return db.BindLong(stmt, position, int64(x))
	case int16:
		return db.BindLong(stmt, position, int64(x))
	case int32:
		return db.BindInt(stmt, position, x)
	case int64:
		return db.BindLong(stmt, position, x)
	case uint:
		return db.BindLong(stmt, position, int64(x))
	case uint8:
		return db.BindLong(stmt, position, int64(x))
	case uint16:
		return db.BindLong(stmt, position, int64(x))
	case uint32:
		return db.BindLong(stmt, position, int64(x))
	case uint64:
		// cap at MaxInt64 to avoid overflow
		i := int64(0)
		if x > uint64(math.MaxInt64) {
			i = math.MaxInt64
		} else {
			i = int64(x)
		}
		return db.BindLong(stmt, position, i)
	case float32:
		return db.BindDouble(stmt, position, float64(x))
	case float64:
		return db.BindDouble(stmt, position, x)
	case bool:
		if x {
			return db.BindLong(stmt, position, 1)
		}
		return db.BindLong(stmt, position, 0)
	case []byte:
		if x == nil {
			return db.BindNull(stmt, position)
		}
		return db.BindBlob(stmt, position, x)
	case []uint16:
		return db.BindText16(stmt, position, x)
	case string:
		return db.BindText(stmt, position, x)
	case time.Time:
		// encode as RFC3339Nano string
		return db.BindText(stmt, position, x.Format(time.RFC3339Nano))
	default:
		// Fallback to fmt to string
		return db.BindText(stmt, position, fmt.Sprint(v))
	}
}

// declared column types whose text values scan as time.Time
var timeDecltypes = map[string]bool{"DATE": true, "DATETIME": true, "TIMESTAMP": true}

func isTimeColumn(decltype string) bool {
	return timeDecltypes[strings.ToUpper(decltype)]
}

// timestampLayouts cover what the engine's date functions and mattn/go-sqlite3
// write, after the date/time separator is normalized to a space.
// Fractional seconds and the offset are optional in the first two.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimeString reads a stored timestamp; values without an offset are UTC.
func parseTimeString(s string) (time.Time, error) {
	norm := strings.TrimSuffix(s, "Z")
	if len(norm) > 10 && norm[10] == 'T' {
		norm = norm[:10] + " " + norm[11:]
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, norm, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlitebridge: %q is not a timestamp", s)
}
