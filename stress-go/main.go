package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/nativebridge/sqlitebridge"
)

type options struct {
	DBPath             string        `short:"d" long:"db" env:"DB_PATH" description:"database file" default:"stress_test.db"`
	LibPath            string        `long:"lib" env:"SQLITEBRIDGE_LIB_PATH" description:"sqlite3 shared library"`
	Port               string        `short:"p" long:"port" env:"PORT" description:"http port" default:"8080"`
	Workers            int           `short:"w" long:"workers" env:"NUM_WORKERS" description:"concurrent stress workers" default:"10"`
	Workload           string        `short:"f" long:"workload" description:"yaml workload file"`
	CheckpointInterval time.Duration `long:"checkpoint-interval" env:"CHECKPOINT_INTERVAL" description:"checkpoint interval" default:"1s"`
	IntegrityInterval  time.Duration `long:"integrity-interval" description:"integrity check interval" default:"30s"`
	BusyTimeout        int           `long:"busy-timeout" description:"busy timeout in ms" default:"5000"`

	Dbg   bool `long:"dbg" description:"debug mode"`
	Trace bool `long:"trace" description:"log every SQL statement"`
}

// Workload is the request mix, loaded from the yaml file when one is given.
type Workload struct {
	Weights map[string]int `yaml:"weights"`
	// Delay between two requests of one worker
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	BulkSize int           `yaml:"bulk_size"`
}

var defaultWorkload = Workload{
	Weights:  map[string]int{"/insert": 20, "/update": 15, "/delete": 5, "/select": 10, "/bulk": 50},
	MinDelay: 10 * time.Millisecond,
	MaxDelay: 410 * time.Millisecond,
	BulkSize: 100,
}

// Context key for worker ID
type contextKey string

const workerIDKey contextKey = "worker_id"

// WorkerLogger logs every statement with the worker that issued it.
type WorkerLogger struct{}

func (l *WorkerLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *WorkerLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	log.Printf("[INFO] "+msg, data...)
}

func (l *WorkerLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	log.Printf("[WARN] "+msg, data...)
}

func (l *WorkerLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	log.Printf("[ERROR] "+msg, data...)
}

func (l *WorkerLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	query, rows := fc()
	elapsed := time.Since(begin)
	workerID := "http"
	if id := ctx.Value(workerIDKey); id != nil {
		workerID = fmt.Sprintf("worker-%v", id)
	}
	if err != nil {
		log.Printf("[DEBUG] [%s] [%.3fms] [rows:%d] [ERROR: %v] %s", workerID, float64(elapsed.Nanoseconds())/1e6, rows, err, query)
	} else {
		log.Printf("[DEBUG] [%s] [%.3fms] [rows:%d] %s", workerID, float64(elapsed.Nanoseconds())/1e6, rows, query)
	}
}

// Record is the stress model. Checksum is maintained in SQL by the checksum() function.
type Record struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Name      string `gorm:"index" json:"name"`
	Value     int    `json:"value"`
	Data      string `json:"data"`
	Checksum  int64  `json:"checksum"`
}

// Stats tracking
type Stats struct {
	Inserts     atomic.Int64
	Updates     atomic.Int64
	Deletes     atomic.Int64
	Selects     atomic.Int64
	Errors      atomic.Int64
	Checkpoints atomic.Int64
}

var (
	db              *gorm.DB
	stats           Stats
	workload        = defaultWorkload
	checkpointMutex sync.Mutex
	// workers hold a read lock, the integrity check holds the write lock
	workerPauseMu sync.RWMutex
	globalDbPath  string
)

var revision = "latest"

func main() {
	fmt.Printf("sqlitebridge stress %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			fmt.Printf("%v", err)
		}
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := run(ctx, cancel, opts); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	log.Printf("[INFO] server stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, opts options) error {
	if opts.Workload != "" {
		w, err := loadWorkload(opts.Workload)
		if err != nil {
			return fmt.Errorf("can't load workload: %w", err)
		}
		workload = w
	}
	globalDbPath = opts.DBPath

	if err := sqlitebridge.Setup(sqlitebridge.Config{
		Logger:  lgr.Default(),
		Library: sqlitebridge.LoadConfig{Path: opts.LibPath},
	}); err != nil {
		return fmt.Errorf("can't load sqlite: %w", err)
	}

	connector, err := sqlitebridge.NewConnector(opts.DBPath,
		sqlitebridge.WithBusyTimeout(opts.BusyTimeout),
		sqlitebridge.WithFunction("checksum", sqlitebridge.FunctionFunc(checksum)),
	)
	if err != nil {
		return fmt.Errorf("can't create connector: %w", err)
	}
	sqlDB := sql.OpenDB(connector)
	sqlDB.SetMaxOpenConns(0)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var gormLog gormlogger.Interface = gormlogger.Default.LogMode(gormlogger.Silent)
	if opts.Trace {
		gormLog = &WorkerLogger{}
	}
	db, err = gorm.Open(sqlite.New(sqlite.Config{DriverName: sqlitebridge.DriverName, Conn: sqlDB}), &gorm.Config{Logger: gormLog})
	if err != nil {
		return fmt.Errorf("can't open database: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return fmt.Errorf("can't set journal mode: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("can't migrate: %w", err)
	}
	log.Printf("[INFO] database initialized at %s, sqlite %s", opts.DBPath, sqlitebridge.Libversion())
	log.Printf("[INFO] checkpoint interval: %v", opts.CheckpointInterval)

	registerMetrics()

	go checkpointWorker(ctx, opts.CheckpointInterval)
	go statsReporter(ctx)
	go integrityCheckWorker(ctx, opts.IntegrityInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/insert", handleInsert)
	mux.HandleFunc("/update", handleUpdate)
	mux.HandleFunc("/delete", handleDelete)
	mux.HandleFunc("/select", handleSelect)
	mux.HandleFunc("/random", handleRandom)
	mux.HandleFunc("/bulk", handleBulk)
	mux.HandleFunc("/stats", handleStats)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Printf("[INFO] shutting down...")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	log.Printf("[INFO] server starting on port %s", opts.Port)
	log.Printf("[INFO] endpoints: /insert, /update, /delete, /select, /random, /bulk, /stats, /health, /metrics")
	log.Printf("[INFO] starting %d stress workers", opts.Workers)

	baseURL := fmt.Sprintf("http://localhost:%s", opts.Port)
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	wg := syncs.NewErrSizedGroup(opts.Workers, syncs.Context(ctx))
	for i := 0; i < opts.Workers; i++ {
		wg.Go(func() error {
			stressWorker(ctx, i, baseURL)
			return nil
		})
	}

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	_ = wg.Wait()
	return sqlDB.Close()
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}
	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}

func loadWorkload(path string) (Workload, error) {
	data, err := os.ReadFile(path) // nolint
	if err != nil {
		return Workload{}, err
	}
	w := defaultWorkload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workload{}, fmt.Errorf("can't parse %s: %w", path, err)
	}
	if len(w.Weights) == 0 {
		return Workload{}, fmt.Errorf("%s: no weights", path)
	}
	if w.MaxDelay < w.MinDelay {
		w.MaxDelay = w.MinDelay
	}
	return w, nil
}

// checksum(text) folds the UTF-16 code units of its argument.
func checksum(call *sqlitebridge.FunctionCall) error {
	units, err := call.ValueText16(0)
	if err != nil {
		return err
	}
	if units == nil {
		return call.ResultNull()
	}
	var sum int64
	for _, u := range units {
		sum = sum*31 + int64(u)
	}
	return call.ResultLong(sum)
}

func registerMetrics() {
	counter := func(name, help string, v *atomic.Int64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "sqlitebridge_stress",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	prometheus.MustRegister(
		counter("inserts_total", "Rows inserted.", &stats.Inserts),
		counter("updates_total", "Rows updated.", &stats.Updates),
		counter("deletes_total", "Rows deleted.", &stats.Deletes),
		counter("selects_total", "Select requests served.", &stats.Selects),
		counter("checkpoints_total", "WAL checkpoints run.", &stats.Checkpoints),
		counter("errors_total", "Failed operations.", &stats.Errors),
	)
}

// Background checkpoint worker - simulates production checkpoint behavior
func checkpointWorker(ctx context.Context, interval time.Duration) {
	log.Printf("[INFO] checkpoint worker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] checkpoint worker stopped")
			return
		case <-ticker.C:
			if err := doCheckpoint(); err != nil {
				log.Printf("[WARN] checkpoint error: %v", err)
				stats.Errors.Add(1)
			} else {
				stats.Checkpoints.Add(1)
			}
		}
	}
}

func doCheckpoint() error {
	checkpointMutex.Lock()
	defer checkpointMutex.Unlock()

	modes := []string{"TRUNCATE", "RESTART", "FULL", "PASSIVE"}
	mode := modes[rand.Intn(len(modes))]
	query := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)
	log.Printf("[DEBUG] checkpoint: %s", query)
	return db.Exec(query).Error
}

func statsReporter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("[INFO] stats - inserts: %d, updates: %d, deletes: %d, selects: %d, checkpoints: %d, errors: %d",
				stats.Inserts.Load(),
				stats.Updates.Load(),
				stats.Deletes.Load(),
				stats.Selects.Load(),
				stats.Checkpoints.Load(),
				stats.Errors.Load(),
			)
		}
	}
}

// integrityCheckWorker periodically pauses all workers and checks the file with an independent engine
func integrityCheckWorker(ctx context.Context, interval time.Duration) {
	log.Printf("[INFO] integrity check worker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] integrity check worker stopped")
			return
		case <-ticker.C:
			if err := doIntegrityCheck(ctx); err != nil {
				stats.Errors.Add(1)
				log.Fatalf("[ERROR] integrity check failed: %v", err)
			}
		}
	}
}

func doIntegrityCheck(ctx context.Context) error {
	log.Printf("[DEBUG] integrity: pausing all workers")
	workerPauseMu.Lock()
	defer workerPauseMu.Unlock()
	checkpointMutex.Lock()
	defer checkpointMutex.Unlock()

	// rows written by the bridge must match the checksum computed in Go
	var mismatched int64
	if err := db.WithContext(ctx).Model(&Record{}).Where("checksum != checksum(data)").Count(&mismatched).Error; err != nil {
		return fmt.Errorf("checksum scan: %w", err)
	}
	if mismatched > 0 {
		return fmt.Errorf("%d records with a stale checksum", mismatched)
	}

	// modernc.org/sqlite reads the same file without going through the native library
	check, err := sql.Open("sqlite", "file:"+globalDbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer check.Close()
	rows, err := check.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if result := strings.Join(lines, "\n"); result != "ok" {
		return fmt.Errorf("database corruption detected: %s", result)
	}
	log.Printf("[INFO] integrity check passed")
	return nil
}

func pickEndpoint() string {
	total := 0
	for _, w := range workload.Weights {
		total += w
	}
	if total <= 0 {
		return "/select"
	}
	n := rand.Intn(total)
	// map iteration order is random, the draw stays weighted
	for ep, w := range workload.Weights {
		if n < w {
			return ep
		}
		n -= w
	}
	return "/select"
}

// stressWorker continuously hammers the HTTP endpoints
func stressWorker(ctx context.Context, id int, baseURL string) {
	client := &http.Client{Timeout: 30 * time.Second}
	workerID := fmt.Sprintf("%d", id)

	time.Sleep(100 * time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[DEBUG] stress worker %d stopped", id)
			return
		default:
			workerPauseMu.RLock()
			endpoint := pickEndpoint()
			method := http.MethodPost
			if endpoint == "/select" {
				method = http.MethodGet
			}
			req, _ := http.NewRequestWithContext(ctx, method, baseURL+endpoint, http.NoBody)
			req.Header.Set("X-Worker-ID", workerID)
			resp, err := client.Do(req)
			workerPauseMu.RUnlock()

			if err != nil {
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			delay := workload.MinDelay
			if spread := workload.MaxDelay - workload.MinDelay; spread > 0 {
				delay += time.Duration(rand.Int63n(int64(spread)))
			}
			time.Sleep(delay)
		}
	}
}

// HTTP Handlers

func getWorkerContext(r *http.Request) context.Context {
	ctx := r.Context()
	if workerID := r.Header.Get("X-Worker-ID"); workerID != "" {
		ctx = context.WithValue(ctx, workerIDKey, workerID)
	}
	return ctx
}

func updateChecksum(tx *gorm.DB, where string, args ...any) error {
	return tx.Model(&Record{}).Where(where, args...).Update("checksum", gorm.Expr("checksum(data)")).Error
}

func handleInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := getWorkerContext(r)
	now := time.Now().Format(time.RFC3339)
	record := Record{
		CreatedAt: now,
		UpdatedAt: now,
		Name:      "record_" + uuid.NewString(),
		Value:     rand.Intn(10000),
		Data:      randomString(100),
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return updateChecksum(tx, "id = ?", record.ID)
	})
	if err != nil {
		stats.Errors.Add(1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats.Inserts.Add(1)
	_ = json.NewEncoder(w).Encode(record)
}

func handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := getWorkerContext(r)
	var record Record
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, rand.Intn(100000)+1).Error; err != nil {
			return err
		}
		record.Value = rand.Intn(10000)
		record.Data = randomString(100)
		record.UpdatedAt = time.Now().Format(time.RFC3339)
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		return updateChecksum(tx, "id = ?", record.ID)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "No records to update", http.StatusNotFound)
			return
		}
		stats.Errors.Add(1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats.Updates.Add(1)
	_ = json.NewEncoder(w).Encode(record)
}

func handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := getWorkerContext(r)
	id := rand.Intn(100000) + 1
	var rowsAffected int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&Record{}, id)
		rowsAffected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		stats.Errors.Add(1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rowsAffected == 0 {
		http.Error(w, "No records to delete", http.StatusNotFound)
		return
	}

	stats.Deletes.Add(1)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"deleted_id": id})
}

func handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := getWorkerContext(r)
	ids := make([]int, 10)
	for i := range ids {
		ids[i] = rand.Intn(100000) + 1
	}

	var records []Record
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Find(&records, ids).Error
	})
	if err != nil {
		stats.Errors.Add(1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats.Selects.Add(1)
	_ = json.NewEncoder(w).Encode(records)
}

func handleRandom(w http.ResponseWriter, r *http.Request) {
	ops := []string{"insert", "update", "delete", "select"}
	op := ops[rand.Intn(len(ops))]

	post := r.Clone(r.Context())
	post.Method = http.MethodPost
	switch op {
	case "insert":
		handleInsert(w, post)
	case "update":
		handleUpdate(w, post)
	case "delete":
		handleDelete(w, post)
	case "select":
		handleSelect(w, r)
	}
}

func handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := getWorkerContext(r)
	count := workload.BulkSize
	if count <= 0 {
		count = defaultWorkload.BulkSize
	}
	batch := uuid.NewString()
	records := make([]Record, count)
	now := time.Now().Format(time.RFC3339)
	for i := 0; i < count; i++ {
		records[i] = Record{
			CreatedAt: now,
			UpdatedAt: now,
			Name:      fmt.Sprintf("bulk_%s_%d", batch, i),
			Value:     rand.Intn(10000),
			Data:      randomString(100),
		}
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&records).Error; err != nil {
			return err
		}
		return updateChecksum(tx, "name LIKE ?", "bulk_"+batch+"_%")
	})
	if err != nil {
		stats.Errors.Add(1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats.Inserts.Add(int64(count))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"inserted": count, "batch": batch})
}

func handleStats(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"inserts":     stats.Inserts.Load(),
		"updates":     stats.Updates.Load(),
		"deletes":     stats.Deletes.Load(),
		"selects":     stats.Selects.Load(),
		"checkpoints": stats.Checkpoints.Load(),
		"errors":      stats.Errors.Load(),
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := db.DB()
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if err := sqlDB.PingContext(r.Context()); err != nil {
		http.Error(w, "Database ping failed", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte("OK"))
}

func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
