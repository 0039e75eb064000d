package sqlitebridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Record is the model the workload reads and writes.
type Record struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Name      string `gorm:"index" json:"name"`
	Value     int    `json:"value"`
	Data      string `json:"data"`
	Checksum  int64  `json:"checksum"`
}

// checksumFunc is registered on every connection as checksum(text).
var checksumFunc = FunctionFunc(func(call *FunctionCall) error {
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
})

// stressParams is one workload shape. The fuzzer mutates its fields positionally.
type stressParams struct {
	seed       int64
	workers    uint
	iterations uint
	maxOpen    uint
	maxIdle    uint
	lifetime   uint // seconds, 0 keeps connections forever
	// per-op weights, indexed like stressOps
	weights [numStressOps]uint
}

type stressOp int

const (
	opInsert stressOp = iota
	opUpdate
	opDelete
	opSelect
	opBulk
	opCheckpoint
	numStressOps
)

var stressOps = [numStressOps]func(ctx context.Context, rng *rand.Rand, db *gorm.DB) error{
	opInsert:     insertRecord,
	opUpdate:     updateRecord,
	opDelete:     deleteRecord,
	opSelect:     selectChecked,
	opBulk:       bulkInsert,
	opCheckpoint: checkpoint,
}

func newRecord(rng *rand.Rand, name string) Record {
	now := time.Now().Format(time.RFC3339)
	return Record{
		CreatedAt: now,
		UpdatedAt: now,
		Name:      name,
		Value:     rng.Intn(10000),
		Data:      randomText(rng, 100),
	}
}

func insertRecord(ctx context.Context, rng *rand.Rand, db *gorm.DB) error {
	record := newRecord(rng, fmt.Sprintf("record_%d", rng.Int63()))
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Exec("UPDATE records SET checksum = checksum(data) WHERE id = ?", record.ID).Error
	})
}

func updateRecord(ctx context.Context, rng *rand.Rand, db *gorm.DB) error {
	id := rng.Intn(100000) + 1
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.First(&record, id).Error; err != nil {
			return err
		}
		record.Value = rng.Intn(10000)
		record.Data = randomText(rng, 100)
		record.UpdatedAt = time.Now().Format(time.RFC3339)
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		return tx.Exec("UPDATE records SET checksum = checksum(data) WHERE id = ?", record.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func deleteRecord(ctx context.Context, rng *rand.Rand, db *gorm.DB) error {
	return db.WithContext(ctx).Delete(&Record{}, rng.Intn(100000)).Error
}

func selectChecked(ctx context.Context, rng *rand.Rand, db *gorm.DB) error {
	ids := make([]int, 10)
	for i := range ids {
		ids[i] = rng.Intn(100000) + 1
	}
	var records []Record
	return db.WithContext(ctx).Where("checksum = checksum(data)").Find(&records, ids).Error
}

func bulkInsert(ctx context.Context, rng *rand.Rand, db *gorm.DB) error {
	batch := make([]Record, 100)
	prefix := rng.Int63()
	for i := range batch {
		batch[i] = newRecord(rng, fmt.Sprintf("bulk_%d_%d", prefix, i))
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		return tx.Exec("UPDATE records SET checksum = checksum(data) WHERE checksum = 0").Error
	})
}

func checkpoint(ctx context.Context, rng *rand.Rand, db *gorm.DB) error {
	modes := []string{"TRUNCATE", "RESTART", "FULL", "PASSIVE"}
	return db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(" + modes[rng.Intn(len(modes))] + ")").Error
}

// pickOp draws an op with probability proportional to its weight; all-zero weights draw uniformly.
func pickOp(rng *rand.Rand, weights [numStressOps]uint) stressOp {
	var total uint
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return stressOp(rng.Intn(int(numStressOps)))
	}
	n := uint(rng.Int63n(int64(total)))
	for op, w := range weights {
		if n < w {
			return stressOp(op)
		}
		n -= w
	}
	return numStressOps - 1
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(alphabet[rng.Intn(len(alphabet))])
	}
	return b.String()
}

func FuzzStress(f *testing.F) {
	if err := InitLibrary(LoadConfig{}); err != nil {
		f.Skipf("sqlite3 shared library is not loadable: %v", err)
	}
	f.Add(int64(1), uint(2), uint(8), uint(2), uint(2), uint(0), uint(4), uint(2), uint(1), uint(4), uint(1), uint(1))
	f.Fuzz(func(t *testing.T, seed int64, workers, iterations, maxOpen, maxIdle, lifetime,
		insertW, updateW, deleteW, selectW, bulkW, checkpointW uint) {
		runStress(t, stressParams{
			seed: seed, workers: workers, iterations: iterations,
			maxOpen: maxOpen, maxIdle: maxIdle, lifetime: lifetime,
			weights: [numStressOps]uint{insertW, updateW, deleteW, selectW, bulkW, checkpointW},
		})
	})
}

// TestStress replays a fuzz corpus entry named by TESTDATA.
func TestStress(t *testing.T) {
	corpus := os.Getenv("TESTDATA")
	if corpus == "" {
		t.Skip("TESTDATA env var is not set, skipping test")
	}
	requireLibLoaded(t)
	content, err := os.ReadFile(corpus)
	require.NoError(t, err)
	params, err := parseCorpusEntry(string(content))
	require.NoError(t, err)
	runStress(t, params)
}

func TestStressSmoke(t *testing.T) {
	requireLibLoaded(t)
	runStress(t, stressParams{
		seed: 42, workers: 3, iterations: 6, maxOpen: 2, maxIdle: 2,
		weights: [numStressOps]uint{4, 2, 1, 4, 1, 1},
	})
}

func TestParseCorpusEntry(t *testing.T) {
	entry := "go test fuzz v1\nint64(-7)\nuint(2)\nuint(8)\nuint(2)\nuint(1)\nuint(0)\n" +
		"uint(4)\nuint(2)\nuint(1)\nuint(4)\nuint(1)\nuint(1)\n"
	params, err := parseCorpusEntry(entry)
	require.NoError(t, err)
	require.Equal(t, int64(-7), params.seed)
	require.Equal(t, uint(8), params.iterations)
	require.Equal(t, uint(1), params.maxIdle)
	require.Equal(t, [numStressOps]uint{4, 2, 1, 4, 1, 1}, params.weights)

	_, err = parseCorpusEntry("go test fuzz v1\nint64(1)\nuint(x)\n")
	require.Error(t, err)
	_, err = parseCorpusEntry("go test fuzz v1\nint64(1)\n")
	require.Error(t, err)
}

// parseCorpusEntry reads a "go test fuzz v1" file written for FuzzStress.
func parseCorpusEntry(content string) (stressParams, error) {
	lines := strings.Fields(content)
	// header is "go test fuzz v1"
	if len(lines) < 4+12 {
		return stressParams{}, fmt.Errorf("corpus entry has %d fields, want 16", len(lines))
	}
	values := lines[4:]
	raw, ok := strings.CutPrefix(values[0], "int64(")
	if !ok {
		return stressParams{}, fmt.Errorf("seed %q is not an int64 literal", values[0])
	}
	seed, err := strconv.ParseInt(strings.TrimSuffix(raw, ")"), 10, 64)
	if err != nil {
		return stressParams{}, fmt.Errorf("seed: %w", err)
	}
	nums := make([]uint, 11)
	for i := range nums {
		raw, ok := strings.CutPrefix(values[i+1], "uint(")
		if !ok {
			return stressParams{}, fmt.Errorf("arg %d %q is not a uint literal", i+1, values[i+1])
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(raw, ")"), 10, 64)
		if err != nil {
			return stressParams{}, fmt.Errorf("arg %d: %w", i+1, err)
		}
		nums[i] = uint(n)
	}
	p := stressParams{
		seed: seed, workers: nums[0], iterations: nums[1],
		maxOpen: nums[2], maxIdle: nums[3], lifetime: nums[4],
	}
	copy(p.weights[:], nums[5:])
	return p, nil
}

func runStress(t *testing.T, p stressParams) {
	p.workers = min(p.workers, 8)
	p.iterations = min(p.iterations, 32)
	p.maxOpen = max(p.maxOpen, 1)

	rng := rand.New(rand.NewSource(p.seed))
	workerRngs := make([]*rand.Rand, p.workers)
	for i := range workerRngs {
		workerRngs[i] = rand.New(rand.NewSource(rng.Int63()))
	}
	t.Logf("stress: seed=%d workers=%d iterations=%d maxOpen=%d maxIdle=%d lifetime=%ds weights=%v",
		p.seed, p.workers, p.iterations, p.maxOpen, p.maxIdle, p.lifetime, p.weights)

	dbPath := filepath.Join(t.TempDir(), "stress.db")
	connector, err := NewConnector(dbPath+"?_busy_timeout=5000", WithFunction("checksum", checksumFunc))
	require.NoError(t, err)
	sqlDB := sql.OpenDB(connector)
	sqlDB.SetMaxOpenConns(int(p.maxOpen))
	sqlDB.SetMaxIdleConns(int(p.maxIdle))
	sqlDB.SetConnMaxLifetime(time.Duration(p.lifetime) * time.Second)

	db, err := gorm.Open(
		sqlite.New(sqlite.Config{DriverName: DriverName, Conn: sqlDB}),
		&gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, db.Exec("PRAGMA journal_mode=WAL").Error)
	require.NoError(t, db.AutoMigrate(&Record{}))

	var wg sync.WaitGroup
	for w, wrng := range workerRngs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range p.iterations {
				op := pickOp(wrng, p.weights)
				if err := stressOps[op](t.Context(), wrng, db); err != nil && !errors.Is(err, ErrBusy) {
					t.Errorf("worker#%d: op %d (#%d) failed: %v", w, op, i, err)
				}
			}
		}()
	}
	wg.Wait()

	// every row written through the workload carries the checksum computed in SQL
	var mismatched int64
	require.NoError(t, db.Model(&Record{}).Where("checksum != checksum(data)").Count(&mismatched).Error)
	require.Zero(t, mismatched)
	require.NoError(t, sqlDB.Close())
}
