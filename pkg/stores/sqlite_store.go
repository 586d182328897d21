package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/openfroyo/webscript/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Snapshot describes one saved version of the binding table.
type Snapshot struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Size      int       `json:"size"`
}

// SQLiteStore implements engine.BindingStore using SQLite. Every Update
// writes a new snapshot; Load reads the latest one.
type SQLiteStore struct {
	db    *sql.DB
	cfg   Config
	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

var _ engine.BindingStore = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// each connection to :memory: is a separate database
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Load implements engine.BindingStore.
func (s *SQLiteStore) Load(ctx context.Context) (engine.Bindings, error) {
	if s.db == nil {
		return nil, storeError("load", fmt.Errorf("database not initialized"))
	}

	id, _, err := latestSnapshot(ctx, s.db)
	if err != nil {
		return nil, storeError("load", err)
	}
	if id == "" {
		return engine.Bindings{}, nil
	}
	b, err := readSnapshot(ctx, s.db, id)
	if err != nil {
		return nil, storeError("load", err)
	}
	return b, nil
}

// Update implements engine.BindingStore. The new table is written as a new
// snapshot in one transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn func(engine.Bindings) error) error {
	if s.db == nil {
		return storeError("update", fmt.Errorf("database not initialized"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("update", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	currentID, seq, err := latestSnapshot(ctx, tx)
	if err != nil {
		return storeError("update", err)
	}
	table := engine.Bindings{}
	if currentID != "" {
		if table, err = readSnapshot(ctx, tx, currentID); err != nil {
			return storeError("update", err)
		}
	}

	if err := fn(table); err != nil {
		return err
	}

	id := s.newID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO binding_snapshots (id, seq, created_at) VALUES (?, ?, ?)`,
		id, seq+1, s.now().UnixMilli(),
	); err != nil {
		return storeError("update", fmt.Errorf("failed to create snapshot: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bindings (snapshot_id, script_id, location) VALUES (?, ?, ?)`)
	if err != nil {
		return storeError("update", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for scriptID, location := range table {
		if _, err := stmt.ExecContext(ctx, id, scriptID, location); err != nil {
			return storeError("update", fmt.Errorf("failed to insert binding %s: %w", scriptID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("update", fmt.Errorf("failed to commit snapshot: %w", err))
	}
	return nil
}

// Snapshots lists saved versions, newest first.
func (s *SQLiteStore) Snapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.seq, s.created_at, COUNT(b.script_id)
		FROM binding_snapshots s
		LEFT JOIN bindings b ON b.snapshot_id = s.id
		GROUP BY s.id, s.seq, s.created_at
		ORDER BY s.seq DESC
	`)
	if err != nil {
		return nil, storeError("snapshots", fmt.Errorf("failed to list snapshots: %w", err))
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot
		var createdAt int64
		if err := rows.Scan(&snap.ID, &snap.Seq, &createdAt, &snap.Size); err != nil {
			return nil, storeError("snapshots", fmt.Errorf("failed to scan snapshot: %w", err))
		}
		snap.CreatedAt = time.UnixMilli(createdAt).UTC()
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("snapshots", err)
	}
	return snapshots, nil
}

// Snapshot reads the table saved under a snapshot id.
func (s *SQLiteStore) Snapshot(ctx context.Context, id string) (engine.Bindings, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM binding_snapshots WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, storeError("snapshot", err)
	}
	if exists == 0 {
		return nil, engine.NewPermanentError("snapshot not found", fmt.Errorf("no snapshot %s", id)).
			WithResource(id).WithOperation("snapshot").WithCode(engine.ErrCodeNotFound)
	}
	b, err := readSnapshot(ctx, s.db, id)
	if err != nil {
		return nil, storeError("snapshot", err)
	}
	return b, nil
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM binding_snapshots
		WHERE id NOT IN (SELECT id FROM binding_snapshots ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, storeError("prune", fmt.Errorf("failed to prune snapshots: %w", err))
	}
	return res.RowsAffected()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestSnapshot(ctx context.Context, q querier) (string, int64, error) {
	var id string
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT id, seq FROM binding_snapshots ORDER BY seq DESC LIMIT 1`).Scan(&id, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	return id, seq, nil
}

func readSnapshot(ctx context.Context, q querier, id string) (engine.Bindings, error) {
	rows, err := q.QueryContext(ctx, `SELECT script_id, location FROM bindings WHERE snapshot_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	defer rows.Close()

	b := engine.Bindings{}
	for rows.Next() {
		var scriptID, location string
		if err := rows.Scan(&scriptID, &location); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b[scriptID] = location
	}
	return b, rows.Err()
}

func storeError(operation string, err error) error {
	return engine.NewTransientError("binding store failure", err).
		WithOperation(operation).
		WithCode(engine.ErrCodeStore)
}
