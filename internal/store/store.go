// Package store provides the SQLite storage layer for adage.
//
// A single SQLite database file holds:
// - ML models and the signatures (nodes) each model learned
// - Samples, keyed by their ML data source, with free-form annotations
// - Activity: one value per (sample, signature) pair
//
// SQLiteStore implements activity.Source and sample.Source, so a heatmap can
// resolve its data straight from a local database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/sample"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.adage/adage.db"

// DefaultBatchSize is the default batch size for bulk inserts.
const DefaultBatchSize = 500

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Model is a trained machine learning model.
type Model struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Signature is one node of a model.
type Signature struct {
	ID      int64  `json:"id"`
	MLModel int64  `json:"mlmodel"`
	Name    string `json:"name"`
}

// StoreStats holds row counts and the database size.
type StoreStats struct {
	ModelCount     int64 `json:"mlmodels"`
	SignatureCount int64 `json:"signatures"`
	SampleCount    int64 `json:"samples"`
	ActivityCount  int64 `json:"activity"`
	DBSizeBytes    int64 `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath    string
	BatchSize int
}

// Tx is the set of operations available inside RunInTransaction.
type Tx interface {
	GetOrCreateModel(ctx context.Context, title string) (*Model, bool, error)
	AddSignatures(ctx context.Context, model int64, names []string) ([]int64, error)
	SignatureNamesExist(ctx context.Context, modelTitle string, names []string) ([]string, error)
	ListSignatures(ctx context.Context, model int64) ([]Signature, error)
	AddSample(ctx context.Context, s *sample.Sample) (int64, error)
	SampleByDataSource(ctx context.Context, dataSource string) (*sample.Sample, error)
	AddActivityBatch(ctx context.Context, records []activity.Record) error
}

// Store defines the storage interface.
type Store interface {
	Tx

	ListModels(ctx context.Context) ([]Model, error)
	GetSamples(ctx context.Context, ids []int64) ([]sample.Sample, error)
	ListActivity(ctx context.Context, model int64, samples []int64) ([]activity.Record, error)

	// Sources
	FetchActivity(ctx context.Context, model, sampleID int64) ([]activity.Record, error)
	FetchSamples(ctx context.Context, ids []int64) ([]sample.Sample, error)

	// RunInTransaction runs fn in a single transaction, committing when fn
	// returns nil and rolling back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	Stats(ctx context.Context) (*StoreStats, error)
	Close() error
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// queries implements Tx against either the database or an open transaction.
type queries struct {
	q         dbtx
	batchSize int
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	queries
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		queries: queries{q: db, batchSize: cfg.BatchSize},
		db:      db,
		dbPath:  cfg.DBPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// RunInTransaction implements Store.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(&queries{q: tx, batchSize: s.batchSize}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Stats returns row counts for every table.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"mlmodels", &stats.ModelCount},
		{"signatures", &stats.SignatureCount},
		{"samples", &stats.SampleCount},
		{"activity", &stats.ActivityCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	if s.dbPath != ":memory:" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = fi.Size()
		}
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
