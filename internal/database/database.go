package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"uniclon/internal/logging"
	"uniclon/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Database is the run ledger.
type Database struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// New opens the ledger at dbPath, the full path to the database FILE (e.g.
// "/database/uniclon.db"). The parent directory must exist and be writable.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Database path: %s", dbPath)

	if err := diagnoseDatabasePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	// busy_timeout helps prevent "database is locked" errors
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	-- One row per scheduler ticket
	CREATE TABLE IF NOT EXISTS tickets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_no INTEGER NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		copies INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'queued',
		mode TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		queued_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state);

	-- One row per rendered (or failed) copy
	CREATE TABLE IF NOT EXISTS copies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id INTEGER NOT NULL,
		copy_index INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		seed TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		backoff_depth INTEGER NOT NULL DEFAULT 0,
		audio_override TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE,
		UNIQUE(ticket_id, copy_index)
	);

	CREATE INDEX IF NOT EXISTS idx_copies_seed ON copies(seed);
	CREATE INDEX IF NOT EXISTS idx_copies_status ON copies(status);

	-- One row per scored batch
	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id INTEGER,
		source TEXT NOT NULL,
		copies_total INTEGER NOT NULL,
		copies_success INTEGER NOT NULL,
		avg_phash REAL NOT NULL,
		avg_ssim REAL NOT NULL,
		avg_bitrate_diff REAL NOT NULL,
		uniq_score INTEGER NOT NULL,
		diversified INTEGER NOT NULL,
		trust_score REAL,
		trust_label TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);

	-- Metadata table
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	_, err := d.db.ExecContext(ctx, schema)
	if err != nil {
		return err
	}

	return d.runMigrations(ctx)
}

// runMigrations applies database schema migrations
func (d *Database) runMigrations(ctx context.Context) error {
	// Migration 1: mode column on reports (ledgers created before the
	// adaptive controller lack it)
	var columnExists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) > 0
		FROM pragma_table_info('reports')
		WHERE name='mode'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check for mode column: %w", err)
	}

	if !columnExists {
		logging.Info("Migrating database: adding mode column to reports table")
		if _, err := d.db.ExecContext(ctx, `ALTER TABLE reports ADD COLUMN mode TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add mode column: %w", err)
		}
		logging.Info("Migration complete: mode column added")
	}

	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.dbPath
}

// Ping checks the connection, for readiness probes.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

// Vacuum optimizes the database.
func (d *Database) Vacuum() error {
	start := time.Now()
	var err error
	defer func() { recordQuery("vacuum", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err = d.db.ExecContext(ctx, "VACUUM")
	return err
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}

	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile)

	for _, path := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		logging.Debug("Database file exists: %s (mode: %v, size: %d bytes)", path, info.Mode(), info.Size())
		if info.Mode().Perm()&0o200 == 0 {
			logging.Warn("%s is read-only! Mode: %v - this will cause write failures", path, info.Mode())
			if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
				logging.Error("Failed to fix permissions on %s: %v", path, chmodErr)
			} else {
				logging.Info("Fixed permissions on %s", path)
			}
		}
	}

	return nil
}
